package handlers

import (
	"context"
	"time"

	"ChatCore/service/chat"
	"ChatCore/tools/decode"
	"ChatCore/tools/errs"
)

type typingPayload struct {
	To      int64 `json:"to"`
	GroupID int64 `json:"groupId"`
	IsGroup bool  `json:"isGroup"`
}

// TypingHandler 输入中提示：私聊转给对方，群聊转给在线群友；按会话节流
type TypingHandler struct{ deps *Deps }

func NewTypingHandler(deps *Deps) chat.Handler { return &TypingHandler{deps: deps} }

func (h *TypingHandler) Type() string { return chat.EvTyping }

func (h *TypingHandler) Handle(ctx context.Context, s *chat.Session, data map[string]any) error {
	p, err := decode.Map[typingPayload](data)
	if err != nil {
		return errs.ErrArgs.WrapMsg(err.Error())
	}
	if !s.AllowTyping(time.Now(), h.deps.TypingEvery) {
		return nil
	}

	if !p.IsGroup {
		if p.To == 0 || p.To == s.UserID {
			return errs.ErrArgs.WrapMsg("typing target required")
		}
		h.deps.Registry.SendToUser(p.To, chat.EvTyping, chat.Typing{From: s.UserID, To: p.To})
		return nil
	}

	if p.GroupID == 0 {
		return errs.ErrArgs.WrapMsg("groupId required")
	}
	ok, err := h.deps.Store.IsMember(ctx, p.GroupID, s.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.ErrNotAMember.WrapMsg("not a member", "group", p.GroupID)
	}
	members, err := h.deps.Store.GroupMembers(ctx, p.GroupID)
	if err != nil {
		return err
	}
	ev := chat.Typing{From: s.UserID, GroupID: p.GroupID, IsGroup: true}
	for _, mb := range members {
		if mb.UserID == s.UserID || !h.deps.Registry.IsOnline(mb.UserID) {
			continue
		}
		h.deps.Registry.SendToUser(mb.UserID, chat.EvTyping, ev)
	}
	return nil
}
