package handlers

import (
	"context"
	"time"

	"ChatCore/service/chat"
	"ChatCore/tools/decode"
	"ChatCore/tools/errs"
)

func messageIDOf(data map[string]any) (int64, error) {
	id, err := decode.ReadInt64(data, "messageId")
	if err != nil {
		return 0, errs.ErrInvalidMessage.WrapMsg(err.Error())
	}
	return id, nil
}

type DeliveryAckHandler struct{ deps *Deps }

func NewDeliveryAckHandler(deps *Deps) chat.Handler { return &DeliveryAckHandler{deps: deps} }

func (h *DeliveryAckHandler) Type() string { return chat.EvDeliveryAck }

func (h *DeliveryAckHandler) Handle(ctx context.Context, s *chat.Session, data map[string]any) error {
	id, err := messageIDOf(data)
	if err != nil {
		return err
	}
	return h.deps.Private.DeliveryAck(ctx, s.UserID, id)
}

type ReadAckHandler struct{ deps *Deps }

func NewReadAckHandler(deps *Deps) chat.Handler { return &ReadAckHandler{deps: deps} }

func (h *ReadAckHandler) Type() string { return chat.EvReadAck }

func (h *ReadAckHandler) Handle(ctx context.Context, s *chat.Session, data map[string]any) error {
	id, err := messageIDOf(data)
	if err != nil {
		return err
	}
	return h.deps.Private.ReadAck(ctx, s.UserID, id)
}

type GroupDeliveryAckHandler struct{ deps *Deps }

func NewGroupDeliveryAckHandler(deps *Deps) chat.Handler { return &GroupDeliveryAckHandler{deps: deps} }

func (h *GroupDeliveryAckHandler) Type() string { return chat.EvGroupDeliveryAck }

func (h *GroupDeliveryAckHandler) Handle(ctx context.Context, s *chat.Session, data map[string]any) error {
	id, err := messageIDOf(data)
	if err != nil {
		return err
	}
	return h.deps.Group.DeliveryAck(ctx, s.UserID, id)
}

type groupReadPayload struct {
	GroupID    int64     `json:"groupId"`
	LastReadAt time.Time `json:"lastReadAt"`
	MessageIDs []int64   `json:"messageIds"`
}

type GroupReadHandler struct{ deps *Deps }

func NewGroupReadHandler(deps *Deps) chat.Handler { return &GroupReadHandler{deps: deps} }

func (h *GroupReadHandler) Type() string { return chat.EvGroupRead }

func (h *GroupReadHandler) Handle(ctx context.Context, s *chat.Session, data map[string]any) error {
	p, err := decode.Map[groupReadPayload](data)
	if err != nil {
		return errs.ErrArgs.WrapMsg(err.Error())
	}
	if p.GroupID == 0 {
		return errs.ErrArgs.WrapMsg("groupId required")
	}
	return h.deps.Group.Read(ctx, s.UserID, p.GroupID, p.LastReadAt, p.MessageIDs)
}
