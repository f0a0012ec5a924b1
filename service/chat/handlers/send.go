package handlers

import (
	"context"

	"ChatCore/module/chat/group"
	"ChatCore/module/chat/private"
	"ChatCore/service/chat"
	"ChatCore/tools/decode"
	"ChatCore/tools/errs"
)

type sendPayload struct {
	To               int64   `json:"to"`
	GroupID          int64   `json:"groupId"`
	Content          string  `json:"content"`
	ClientID         string  `json:"clientId"`
	Attachments      []int64 `json:"attachments"`
	ReplyToID        *int64  `json:"replyToId"`
	IsForwarded      bool    `json:"isForwarded"`
	OriginalSenderID *int64  `json:"originalSenderId"`
}

func decodeSend(data map[string]any) (*sendPayload, error) {
	p, err := decode.Map[sendPayload](data)
	if err != nil {
		return nil, errs.ErrInvalidMessage.WrapMsg(err.Error())
	}
	if p.ReplyToID != nil && *p.ReplyToID == 0 {
		p.ReplyToID = nil
	}
	if p.OriginalSenderID != nil && *p.OriginalSenderID == 0 {
		p.OriginalSenderID = nil
	}
	return p, nil
}

type SendPrivateHandler struct{ deps *Deps }

func NewSendPrivateHandler(deps *Deps) chat.Handler { return &SendPrivateHandler{deps: deps} }

func (h *SendPrivateHandler) Type() string { return chat.EvSendPrivate }

func (h *SendPrivateHandler) Handle(ctx context.Context, s *chat.Session, data map[string]any) error {
	p, err := decodeSend(data)
	if err != nil {
		return err
	}
	_, err = h.deps.Private.Send(ctx, &private.Request{
		SessionID:        s.ID,
		SenderID:         s.UserID,
		RecipientID:      p.To,
		Content:          p.Content,
		AttachmentIDs:    p.Attachments,
		ClientID:         p.ClientID,
		ReplyToID:        p.ReplyToID,
		IsForwarded:      p.IsForwarded,
		OriginalSenderID: p.OriginalSenderID,
	})
	return err
}

type SendGroupHandler struct{ deps *Deps }

func NewSendGroupHandler(deps *Deps) chat.Handler { return &SendGroupHandler{deps: deps} }

func (h *SendGroupHandler) Type() string { return chat.EvSendGroup }

func (h *SendGroupHandler) Handle(ctx context.Context, s *chat.Session, data map[string]any) error {
	p, err := decodeSend(data)
	if err != nil {
		return err
	}
	_, err = h.deps.Group.Send(ctx, &group.Request{
		SessionID:        s.ID,
		SenderID:         s.UserID,
		GroupID:          p.GroupID,
		Content:          p.Content,
		AttachmentIDs:    p.Attachments,
		ClientID:         p.ClientID,
		ReplyToID:        p.ReplyToID,
		IsForwarded:      p.IsForwarded,
		OriginalSenderID: p.OriginalSenderID,
	})
	return err
}
