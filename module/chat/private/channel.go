// Package private 单聊：落库、在线下发、离线推送与送达/已读回执。
package private

import (
	"context"
	"strings"
	"time"

	"ChatCore/logger"
	"ChatCore/module/chat/model"
	"ChatCore/module/chat/status"
	"ChatCore/module/chat/store"
	"ChatCore/service/chat"
	"ChatCore/service/push"
	"ChatCore/tools/errs"
	"ChatCore/tools/safe"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Emitter 下行通道（chat.Registry 实现）
type Emitter interface {
	SendToUser(userID int64, typ string, data any) int
	SendToSession(sessionID string, typ string, data any) bool
}

// Notifier 离线推送（push.Notifier 实现）
type Notifier interface {
	Notify(ctx context.Context, userID int64, note *push.Notification) error
}

type Request struct {
	SessionID        string // 发起会话；非空时 ack 先于任何回执写给它
	SenderID         int64
	RecipientID      int64
	Content          string
	AttachmentIDs    []int64
	ClientID         string
	ReplyToID        *int64
	IsForwarded      bool
	OriginalSenderID *int64
}

type Channel struct {
	store *store.Adapter
	sm    *status.Machine
	out   Emitter
	push  Notifier

	pushTimeout time.Duration
	log         *zap.Logger
}

func NewChannel(st *store.Adapter, sm *status.Machine, out Emitter, nt Notifier) *Channel {
	safe.MustNotNil(st, "store")
	safe.MustNotNil(sm, "status machine")
	safe.MustNotNil(out, "emitter")
	return &Channel{store: st, sm: sm, out: out, push: nt, pushTimeout: 10 * time.Second, log: logger.Named("private")}
}

func (c *Channel) validate(ctx context.Context, r *Request) error {
	if r.ClientID == "" {
		return errs.ErrInvalidMessage.WrapMsg("clientId required")
	}
	if r.RecipientID == 0 {
		return errs.ErrInvalidMessage.WrapMsg("recipient required")
	}
	if r.RecipientID == r.SenderID {
		return errs.ErrInvalidMessage.WrapMsg("cannot message yourself")
	}
	if strings.TrimSpace(r.Content) == "" && len(r.AttachmentIDs) == 0 {
		return errs.ErrInvalidMessage.WrapMsg("content or attachments required")
	}
	if _, err := c.store.GetUser(ctx, r.RecipientID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errs.ErrInvalidMessage.WrapMsg("recipient not found", "to", r.RecipientID)
		}
		return err
	}
	if r.ReplyToID != nil {
		parent, err := c.store.GetMessage(ctx, *r.ReplyToID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errs.ErrInvalidMessage.WrapMsg("replyTo not found", "replyTo", *r.ReplyToID)
			}
			return err
		}
		if parent.Conv() != model.PrivateConv(r.SenderID, r.RecipientID) {
			return errs.ErrInvalidMessage.WrapMsg("replyTo in another conversation", "replyTo", *r.ReplyToID)
		}
	}
	if err := c.store.CheckAttachments(ctx, r.SenderID, r.ClientID, r.AttachmentIDs); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errs.ErrInvalidMessage.WrapMsg("unknown attachment", "ids", r.AttachmentIDs)
		}
		return err
	}
	return nil
}

// Send 校验通过后落库，再在线下发或离线推送；ack 状态恒为 sent，与对方是否在线无关。
// clientId 已存在时回原 ack，消息仍为 sent 则重新下发（至少一次）。
func (c *Channel) Send(ctx context.Context, r *Request) (*chat.SendAck, error) {
	if err := c.validate(ctx, r); err != nil {
		return nil, err
	}
	msg, existed, err := c.store.CreateMessage(ctx, &model.Draft{
		ClientID:         r.ClientID,
		SenderID:         r.SenderID,
		RecipientID:      r.RecipientID,
		Content:          r.Content,
		AttachmentIDs:    r.AttachmentIDs,
		ReplyToID:        r.ReplyToID,
		IsForwarded:      r.IsForwarded,
		OriginalSenderID: r.OriginalSenderID,
	})
	if err != nil {
		return nil, err
	}
	// 重试时再挂一次，补上上次落库后没挂成的附件
	if len(r.AttachmentIDs) > 0 {
		atts, err := c.store.AttachFiles(ctx, msg.ID, r.SenderID, r.AttachmentIDs)
		if err != nil {
			return nil, err
		}
		msg.Attachments = atts
	}
	ack := &chat.SendAck{ClientID: msg.ClientID, ServerID: msg.ID, Status: model.StatusSent}
	c.reply(r.SessionID, ack)

	if existed {
		c.log.Debug("duplicate send", zap.Int64("from", r.SenderID), zap.String("clientId", r.ClientID),
			zap.Int64("msg", msg.ID), zap.Stringer("status", msg.Status))
		if msg.Status != model.StatusSent {
			return ack, nil
		}
	}
	c.fanOut(ctx, msg)
	return ack, nil
}

func (c *Channel) fanOut(ctx context.Context, msg *model.Message) {
	n := c.out.SendToUser(msg.RecipientID, chat.EvPrivateMessage, chat.NewPrivateMessage(msg))
	if n == 0 {
		c.notifyOffline(msg)
		return
	}
	tr, err := c.sm.Delivered(ctx, msg.ID)
	if err != nil {
		// 已下发但未能记账：重连补发会再次推进
		c.log.Warn("mark delivered failed", zap.Int64("msg", msg.ID), zap.Error(err))
		return
	}
	if tr.Changed {
		safe.Go("private.delivery_update", func() { c.relayDelivered(tr.Message) })
	}
}

func (c *Channel) notifyOffline(msg *model.Message) {
	if c.push == nil {
		return
	}
	safe.Go("private.push", func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.pushTimeout)
		defer cancel()
		recipient, err := c.store.GetUser(ctx, msg.RecipientID)
		if err != nil {
			c.log.Warn("push skipped, recipient lookup failed", zap.Int64("uid", msg.RecipientID), zap.Error(err))
			return
		}
		sender, err := c.store.GetUser(ctx, msg.SenderID)
		if err != nil {
			sender = nil
		}
		note := push.BuildMessageNotification(msg, sender, nil, recipient.PushToken)
		if err := c.push.Notify(ctx, msg.RecipientID, note); err != nil {
			c.log.Debug("push not delivered", zap.Int64("uid", msg.RecipientID), zap.Int64("msg", msg.ID), zap.Error(err))
		}
	})
}

func (c *Channel) relayDelivered(msg *model.Message) {
	c.out.SendToUser(msg.SenderID, chat.EvDeliveryUpdate, chat.DeliveryUpdate{
		MessageID:   msg.ID,
		ClientID:    msg.ClientID,
		Status:      model.StatusDelivered,
		DeliveredAt: msg.DeliveredAt,
	})
}

func (c *Channel) relayRead(msg *model.Message, reader int64) {
	at := time.Now()
	if msg.ReadAt != nil {
		at = *msg.ReadAt
	}
	c.out.SendToUser(msg.SenderID, chat.EvReadUpdate, chat.ReadUpdate{
		MessageID: msg.ID,
		ClientID:  msg.ClientID,
		Status:    model.StatusRead,
		ReadBy:    reader,
		ReadAt:    at,
	})
}

// recipientOf 只有接收者可以回执
func (c *Channel) recipientOf(ctx context.Context, userID, messageID int64) (*model.Message, error) {
	msg, err := c.store.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.ErrInvalidMessage.WrapMsg("message not found", "msg", messageID)
		}
		return nil, err
	}
	if msg.IsGroup() || msg.RecipientID != userID {
		return nil, errs.ErrInvalidMessage.WrapMsg("not the recipient", "msg", messageID, "uid", userID)
	}
	return msg, nil
}

// DeliveryAck 客户端送达回执；真正推进时才转发给发送者
func (c *Channel) DeliveryAck(ctx context.Context, userID, messageID int64) error {
	if _, err := c.recipientOf(ctx, userID, messageID); err != nil {
		return err
	}
	tr, err := c.sm.Delivered(ctx, messageID)
	if err != nil {
		return err
	}
	if tr.Changed {
		c.relayDelivered(tr.Message)
	}
	return nil
}

// ReadAck 已读回执；重复/乱序回执不转发
func (c *Channel) ReadAck(ctx context.Context, userID, messageID int64) error {
	if _, err := c.recipientOf(ctx, userID, messageID); err != nil {
		return err
	}
	tr, err := c.sm.Read(ctx, messageID)
	if err != nil {
		return err
	}
	if tr.Changed {
		c.relayRead(tr.Message, userID)
	}
	return nil
}

func (c *Channel) reply(sessionID string, ack *chat.SendAck) {
	if sessionID != "" {
		c.out.SendToSession(sessionID, chat.EvSendAck, ack)
	}
}
