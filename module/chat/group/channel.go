// Package group 群聊：成员校验、扇出、按成员送达记录与已读水位。
package group

import (
	"context"
	"sort"
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

type Notifier interface {
	Notify(ctx context.Context, userID int64, note *push.Notification) error
}

type Request struct {
	SessionID        string // 发起会话；非空时 ack 先于任何回执写给它
	SenderID         int64
	GroupID          int64
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
	return &Channel{store: st, sm: sm, out: out, push: nt, pushTimeout: 10 * time.Second, log: logger.Named("group")}
}

func (c *Channel) requireMember(ctx context.Context, groupID, userID int64) error {
	ok, err := c.store.IsMember(ctx, groupID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.ErrNotAMember.WrapMsg("not a member", "group", groupID, "uid", userID)
	}
	return nil
}

func (c *Channel) validate(ctx context.Context, r *Request) error {
	if r.ClientID == "" {
		return errs.ErrInvalidMessage.WrapMsg("clientId required")
	}
	if r.GroupID == 0 {
		return errs.ErrInvalidMessage.WrapMsg("groupId required")
	}
	if strings.TrimSpace(r.Content) == "" && len(r.AttachmentIDs) == 0 {
		return errs.ErrInvalidMessage.WrapMsg("content or attachments required")
	}
	if err := c.requireMember(ctx, r.GroupID, r.SenderID); err != nil {
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
		if parent.GroupID != r.GroupID {
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

// Send 校验通过后落库，扇出给其他成员的在线会话，并对所有其他成员推送；
// 随后给发送者一条列出在线送达成员的 delivery_update。
// clientId 已存在时回原 ack，只对还没有送达记录的成员重新扇出。
func (c *Channel) Send(ctx context.Context, r *Request) (*chat.SendAck, error) {
	if err := c.validate(ctx, r); err != nil {
		return nil, err
	}
	msg, existed, err := c.store.CreateMessage(ctx, &model.Draft{
		ClientID:         r.ClientID,
		SenderID:         r.SenderID,
		GroupID:          r.GroupID,
		Content:          r.Content,
		AttachmentIDs:    r.AttachmentIDs,
		ReplyToID:        r.ReplyToID,
		IsForwarded:      r.IsForwarded,
		OriginalSenderID: r.OriginalSenderID,
	})
	if err != nil {
		return nil, err
	}
	if len(r.AttachmentIDs) > 0 {
		atts, err := c.store.AttachFiles(ctx, msg.ID, r.SenderID, r.AttachmentIDs)
		if err != nil {
			return nil, err
		}
		msg.Attachments = atts
	}
	ack := &chat.SendAck{ClientID: msg.ClientID, ServerID: msg.ID, Status: model.StatusSent}
	c.reply(r.SessionID, ack)

	var reached map[int64]bool
	if existed {
		done, err := c.store.DeliveredMembers(ctx, msg.ID)
		if err != nil {
			c.log.Warn("load delivery records failed", zap.Int64("msg", msg.ID), zap.Error(err))
			return ack, nil
		}
		reached = make(map[int64]bool, len(done))
		for _, uid := range done {
			reached[uid] = true
		}
		c.log.Debug("duplicate send", zap.Int64("from", r.SenderID), zap.String("clientId", r.ClientID),
			zap.Int64("msg", msg.ID), zap.Int("delivered", len(done)))
	}
	c.fanOut(ctx, msg, reached)
	return ack, nil
}

// fanOut 跳过发送者与 reached 中的成员
func (c *Channel) fanOut(ctx context.Context, msg *model.Message, reached map[int64]bool) {
	members, err := c.store.GroupMembers(ctx, msg.GroupID)
	if err != nil {
		// 消息已落库，成员上线后由补发兜底
		c.log.Warn("load members failed", zap.Int64("group", msg.GroupID), zap.Error(err))
		return
	}
	sender, err := c.store.GetUser(ctx, msg.SenderID)
	if err != nil {
		sender = nil
	}

	ev := chat.NewGroupMessage(msg, sender)
	deliveredTo := make([]int64, 0, len(members))
	others := make([]int64, 0, len(members))
	for _, mb := range members {
		if mb.UserID == msg.SenderID || reached[mb.UserID] {
			continue
		}
		others = append(others, mb.UserID)
		if c.out.SendToUser(mb.UserID, chat.EvGroupMessage, ev) == 0 {
			continue
		}
		if _, err := c.sm.GroupDelivered(ctx, msg.ID, mb.UserID); err != nil {
			c.log.Warn("record delivery failed", zap.Int64("msg", msg.ID), zap.Int64("member", mb.UserID), zap.Error(err))
			continue
		}
		deliveredTo = append(deliveredTo, mb.UserID)
	}
	if reached != nil && len(others) == 0 {
		// 重试时已全部送达
		return
	}

	c.notifyMembers(msg, sender, others)
	safe.Go("group.delivery_update", func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.pushTimeout)
		defer cancel()
		c.relayDelivered(ctx, msg, deliveredTo)
	})
}

// notifyMembers 群消息对其他成员一律推送，是否展示由客户端决定
func (c *Channel) notifyMembers(msg *model.Message, sender *model.User, members []int64) {
	if c.push == nil || len(members) == 0 {
		return
	}
	safe.Go("group.push", func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.pushTimeout)
		defer cancel()
		g, err := c.store.GetGroup(ctx, msg.GroupID)
		if err != nil {
			g = nil
		}
		for _, uid := range members {
			u, err := c.store.GetUser(ctx, uid)
			if err != nil {
				c.log.Debug("push skipped, member lookup failed", zap.Int64("uid", uid), zap.Error(err))
				continue
			}
			note := push.BuildMessageNotification(msg, sender, g, u.PushToken)
			if err := c.push.Notify(ctx, uid, note); err != nil {
				c.log.Debug("push not delivered", zap.Int64("uid", uid), zap.Int64("msg", msg.ID), zap.Error(err))
			}
		}
	})
}

func (c *Channel) relayDelivered(ctx context.Context, msg *model.Message, deliveredTo []int64) {
	st, err := c.sm.GroupStatus(ctx, msg, nil)
	if err != nil {
		c.log.Warn("group status failed", zap.Int64("msg", msg.ID), zap.Error(err))
		st = model.StatusSent
	}
	c.out.SendToUser(msg.SenderID, chat.EvDeliveryUpdate, chat.DeliveryUpdate{
		MessageID:   msg.ID,
		ClientID:    msg.ClientID,
		Status:      st,
		DeliveredTo: deliveredTo,
		GroupID:     msg.GroupID,
	})
}

// DeliveryAck 成员送达回执；首次写入才转发
func (c *Channel) DeliveryAck(ctx context.Context, memberID, messageID int64) error {
	msg, err := c.store.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errs.ErrInvalidMessage.WrapMsg("message not found", "msg", messageID)
		}
		return err
	}
	if !msg.IsGroup() {
		return errs.ErrInvalidMessage.WrapMsg("not a group message", "msg", messageID)
	}
	if msg.SenderID == memberID {
		return nil
	}
	if err := c.requireMember(ctx, msg.GroupID, memberID); err != nil {
		return err
	}
	inserted, err := c.sm.GroupDelivered(ctx, messageID, memberID)
	if err != nil {
		return err
	}
	if inserted {
		c.relayDelivered(ctx, msg, []int64{memberID})
	}
	return nil
}

// Read 推进成员水位（缺省/未来时间取 now），按发送者合并转发一条 read_update。
// 只带 messageIds 时，水位取这些消息里最晚的 createdAt。
func (c *Channel) Read(ctx context.Context, memberID, groupID int64, lastReadAt time.Time, messageIDs []int64) error {
	if err := c.requireMember(ctx, groupID, memberID); err != nil {
		return err
	}
	if lastReadAt.IsZero() && len(messageIDs) > 0 {
		at, err := c.latestOf(ctx, groupID, messageIDs)
		if err != nil {
			return err
		}
		lastReadAt = at
	}
	advanced, at, prev, err := c.sm.GroupRead(ctx, groupID, memberID, lastReadAt)
	if err != nil {
		return err
	}
	if !advanced {
		return nil
	}

	var after time.Time
	if prev != nil {
		after = *prev
	}
	msgs, err := c.store.GroupMessagesBetween(ctx, groupID, after, at, memberID)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	snap, err := c.sm.Snapshot(ctx, groupID)
	if err != nil {
		return err
	}

	bySender := make(map[int64][]*model.Message)
	for _, m := range msgs {
		bySender[m.SenderID] = append(bySender[m.SenderID], m)
	}
	senders := make([]int64, 0, len(bySender))
	for id := range bySender {
		senders = append(senders, id)
	}
	sort.Slice(senders, func(i, j int) bool { return senders[i] < senders[j] })

	for _, sid := range senders {
		c.out.SendToUser(sid, chat.EvReadUpdate, c.readUpdate(ctx, bySender[sid], snap, memberID, groupID, at))
	}
	return nil
}

func (c *Channel) readUpdate(ctx context.Context, msgs []*model.Message, snap *status.GroupSnapshot, reader, groupID int64, at time.Time) chat.ReadUpdate {
	up := chat.ReadUpdate{
		MessageIDs: make([]int64, 0, len(msgs)),
		Items:      make([]chat.MessageStatus, 0, len(msgs)),
		Status:     model.StatusRead,
		ReadBy:     reader,
		ReadAt:     at,
		GroupID:    groupID,
	}
	for _, m := range msgs {
		st, err := c.sm.GroupStatus(ctx, m, snap)
		if err != nil {
			c.log.Warn("group status failed", zap.Int64("msg", m.ID), zap.Error(err))
			st = model.StatusSent
		}
		up.MessageIDs = append(up.MessageIDs, m.ID)
		up.Items = append(up.Items, chat.MessageStatus{MessageID: m.ID, ClientID: m.ClientID, Status: st})
		// 整体状态取最低
		if st < up.Status {
			up.Status = st
		}
	}
	if len(msgs) == 1 {
		up.MessageID = msgs[0].ID
		up.ClientID = msgs[0].ClientID
	}
	return up
}

func (c *Channel) latestOf(ctx context.Context, groupID int64, ids []int64) (time.Time, error) {
	var latest time.Time
	for _, id := range ids {
		m, err := c.store.GetMessage(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return time.Time{}, err
		}
		if m.GroupID != groupID {
			continue
		}
		if m.CreatedAt.After(latest) {
			latest = m.CreatedAt
		}
	}
	return latest, nil
}

func (c *Channel) reply(sessionID string, ack *chat.SendAck) {
	if sessionID != "" {
		c.out.SendToSession(sessionID, chat.EvSendAck, ack)
	}
}
