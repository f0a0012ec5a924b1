package chat

import (
	"encoding/json"
	"time"

	"ChatCore/module/chat/model"
)

// 客户端 -> 服务端
const (
	EvAuthenticate     = "authenticate"
	EvSendPrivate      = "send_private"
	EvSendGroup        = "send_group"
	EvDeliveryAck      = "delivery_ack"
	EvReadAck          = "read_ack"
	EvGroupDeliveryAck = "group_delivery_ack"
	EvGroupRead        = "group_read"
	EvTyping           = "typing"
	EvPing             = "ping"
)

// 服务端 -> 客户端
const (
	EvSendAck             = "send_ack"
	EvPrivateMessage      = "private_message"
	EvGroupMessage        = "group_message"
	EvDeliveryUpdate      = "delivery_update"
	EvReadUpdate          = "read_update"
	EvPresenceUpdate      = "presence_update"
	EvGroupPresenceUpdate = "group_presence_update"
	EvPong                = "pong"
	EvError               = "error"
	EvAuthenticated       = "authenticated"
)

const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// Frame 线上帧 {"type": "...", "data": {...}}
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// InFrame 入站帧；data 保留为 map，由各 handler 按需解码
type InFrame struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func Encode(typ string, data any) ([]byte, error) {
	return json.Marshal(Frame{Type: typ, Data: data})
}

func ParseFrame(b []byte) (*InFrame, error) {
	var f InFrame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

type SendAck struct {
	ClientID string       `json:"clientId"`
	ServerID int64        `json:"serverId"`
	Status   model.Status `json:"status"`
}

type PrivateMessage struct {
	ServerID         int64              `json:"serverId"`
	ClientID         string             `json:"clientId,omitempty"`
	From             int64              `json:"from"`
	To               int64              `json:"to"`
	Content          string             `json:"content"`
	Attachments      []model.Attachment `json:"attachments"`
	CreatedAt        time.Time          `json:"createdAt"`
	ReplyTo          *int64             `json:"replyTo,omitempty"`
	IsForwarded      bool               `json:"isForwarded"`
	OriginalSenderID *int64             `json:"originalSenderId,omitempty"`
}

type SenderInfo struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
}

type GroupMessage struct {
	ServerID         int64              `json:"serverId"`
	ClientID         string             `json:"clientId,omitempty"`
	GroupID          int64              `json:"groupId"`
	From             int64              `json:"from"`
	Sender           SenderInfo         `json:"sender"`
	Content          string             `json:"content"`
	Attachments      []model.Attachment `json:"attachments"`
	CreatedAt        time.Time          `json:"createdAt"`
	ReplyTo          *int64             `json:"replyTo,omitempty"`
	IsForwarded      bool               `json:"isForwarded"`
	OriginalSenderID *int64             `json:"originalSenderId,omitempty"`
}

type DeliveryUpdate struct {
	MessageID   int64        `json:"messageId"`
	ClientID    string       `json:"clientId,omitempty"`
	Status      model.Status `json:"status"`
	DeliveredTo []int64      `json:"deliveredTo,omitempty"`
	DeliveredAt *time.Time   `json:"deliveredAt,omitempty"`
	GroupID     int64        `json:"groupId,omitempty"`
}

// MessageStatus 批量已读回执里的单条消息
type MessageStatus struct {
	MessageID int64        `json:"messageId"`
	ClientID  string       `json:"clientId,omitempty"`
	Status    model.Status `json:"status"`
}

type ReadUpdate struct {
	MessageID  int64           `json:"messageId,omitempty"`
	MessageIDs []int64         `json:"messageIds,omitempty"`
	ClientID   string          `json:"clientId,omitempty"`
	Items      []MessageStatus `json:"items,omitempty"`
	Status     model.Status    `json:"status"`
	ReadBy     int64           `json:"readBy"`
	ReadAt     time.Time       `json:"readAt"`
	GroupID    int64           `json:"groupId,omitempty"`
}

type PresenceUpdate struct {
	UserID   int64      `json:"userId"`
	Status   string     `json:"status"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type GroupPresenceUpdate struct {
	UserID  int64  `json:"userId"`
	GroupID int64  `json:"groupId"`
	Status  string `json:"status"`
}

type Typing struct {
	From    int64 `json:"from"`
	To      int64 `json:"to,omitempty"`
	GroupID int64 `json:"groupId,omitempty"`
	IsGroup bool  `json:"isGroup"`
}

type Authenticated struct {
	UserID    int64  `json:"userId"`
	SessionID string `json:"sessionId"`
}

type ErrorEvent struct {
	Context  string `json:"context"`
	ClientID string `json:"clientId,omitempty"`
	Code     int    `json:"code"`
	Message  string `json:"message"`
}

// NewPrivateMessage 私聊下行事件
func NewPrivateMessage(m *model.Message) PrivateMessage {
	return PrivateMessage{
		ServerID:         m.ID,
		ClientID:         m.ClientID,
		From:             m.SenderID,
		To:               m.RecipientID,
		Content:          m.Content,
		Attachments:      attachmentsOf(m),
		CreatedAt:        m.CreatedAt,
		ReplyTo:          m.ReplyToID,
		IsForwarded:      m.IsForwarded,
		OriginalSenderID: m.OriginalSenderID,
	}
}

// NewGroupMessage 群聊下行事件；sender 为空时只带 id
func NewGroupMessage(m *model.Message, sender *model.User) GroupMessage {
	info := SenderInfo{ID: m.SenderID}
	if sender != nil {
		info.Username = sender.Username
		info.DisplayName = sender.DisplayName
	}
	return GroupMessage{
		ServerID:         m.ID,
		ClientID:         m.ClientID,
		GroupID:          m.GroupID,
		From:             m.SenderID,
		Sender:           info,
		Content:          m.Content,
		Attachments:      attachmentsOf(m),
		CreatedAt:        m.CreatedAt,
		ReplyTo:          m.ReplyToID,
		IsForwarded:      m.IsForwarded,
		OriginalSenderID: m.OriginalSenderID,
	}
}

func attachmentsOf(m *model.Message) []model.Attachment {
	if m.Attachments == nil {
		return []model.Attachment{}
	}
	return m.Attachments
}
