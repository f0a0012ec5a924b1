package model

import (
	"fmt"
	"time"
)

// ConvKind 会话类型
type ConvKind string

const (
	KindPrivate ConvKind = "private"
	KindGroup   ConvKind = "group"
)

// ConvKey 会话维度的 key：私聊为无序用户对，群聊为群 ID
type ConvKey struct {
	Kind ConvKind
	A, B int64 // 私聊: A<B；群聊: A=groupId, B=0
}

func PrivateConv(u1, u2 int64) ConvKey {
	if u1 > u2 {
		u1, u2 = u2, u1
	}
	return ConvKey{Kind: KindPrivate, A: u1, B: u2}
}

func GroupConv(groupID int64) ConvKey { return ConvKey{Kind: KindGroup, A: groupID} }

func (k ConvKey) String() string {
	if k.Kind == KindGroup {
		return fmt.Sprintf("group:%d", k.A)
	}
	return fmt.Sprintf("private:%d:%d", k.A, k.B)
}

// Attachment 附件引用；字节在对象存储，这里只有元数据
type Attachment struct {
	ID         int64     `json:"id" bson:"_id"`
	MessageID  int64     `json:"messageId,omitempty" bson:"message_id,omitempty"`
	UploaderID int64     `json:"uploaderId,omitempty" bson:"uploader_id"`
	FileName   string    `json:"fileName" bson:"file_name"`
	MimeType   string    `json:"mimeType" bson:"mime_type"`
	Size       int64     `json:"size" bson:"size"`
	Path       string    `json:"path" bson:"path"`
	Temporary  bool      `json:"-" bson:"temporary"`
	CreatedAt  time.Time `json:"createdAt" bson:"created_at"`
}

// Message 持久化后的消息；内容不可变，只推进状态/送达/已读字段
type Message struct {
	ID               int64        `json:"serverId" bson:"_id"`
	ClientID         string       `json:"clientId,omitempty" bson:"client_id,omitempty"`
	SenderID         int64        `json:"from" bson:"sender_id"`
	RecipientID      int64        `json:"to,omitempty" bson:"recipient_id,omitempty"`
	GroupID          int64        `json:"groupId,omitempty" bson:"group_id,omitempty"`
	Content          string       `json:"content" bson:"content"`
	Attachments      []Attachment `json:"attachments" bson:"-"`
	ReplyToID        *int64       `json:"replyTo,omitempty" bson:"reply_to_id,omitempty"`
	IsForwarded      bool         `json:"isForwarded,omitempty" bson:"is_forwarded"`
	OriginalSenderID *int64       `json:"originalSenderId,omitempty" bson:"original_sender_id,omitempty"`
	Status           Status       `json:"status" bson:"status"`
	DeliveredAt      *time.Time   `json:"deliveredAt,omitempty" bson:"delivered_at,omitempty"`
	ReadAt           *time.Time   `json:"readAt,omitempty" bson:"read_at,omitempty"`
	CreatedAt        time.Time    `json:"createdAt" bson:"created_at"`
}

func (m *Message) IsGroup() bool { return m.GroupID != 0 }

func (m *Message) Conv() ConvKey {
	if m.IsGroup() {
		return GroupConv(m.GroupID)
	}
	return PrivateConv(m.SenderID, m.RecipientID)
}

// Draft 待持久化的消息
type Draft struct {
	ClientID         string
	SenderID         int64
	RecipientID      int64
	GroupID          int64
	Content          string
	AttachmentIDs    []int64
	ReplyToID        *int64
	IsForwarded      bool
	OriginalSenderID *int64
	CreatedAt        time.Time
}

func (d *Draft) Conv() ConvKey {
	if d.GroupID != 0 {
		return GroupConv(d.GroupID)
	}
	return PrivateConv(d.SenderID, d.RecipientID)
}

// DeliveryRecord 群消息按成员的送达记录，(MessageID, MemberID) 唯一
type DeliveryRecord struct {
	MessageID   int64     `bson:"message_id"`
	MemberID    int64     `bson:"member_id"`
	DeliveredAt time.Time `bson:"delivered_at"`
}

// GroupReadMark 成员在群内的已读水位：createdAt <= ReadAt 的消息都视为已读
type GroupReadMark struct {
	GroupID  int64     `bson:"group_id"`
	MemberID int64     `bson:"member_id"`
	ReadAt   time.Time `bson:"read_at"`
}
