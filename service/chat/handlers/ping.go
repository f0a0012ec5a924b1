package handlers

import (
	"context"

	"ChatCore/service/chat"
)

type PingHandler struct{ deps *Deps }

func NewPingHandler(deps *Deps) chat.Handler { return &PingHandler{deps: deps} }

func (h *PingHandler) Type() string { return chat.EvPing }

func (h *PingHandler) Handle(_ context.Context, s *chat.Session, _ map[string]any) error {
	h.deps.Registry.SendToSession(s.ID, chat.EvPong, nil)
	return nil
}
