package handlers

import (
	"context"

	"ChatCore/service/chat"
	"ChatCore/tools/decode"
	"ChatCore/tools/errs"
)

type AuthHandler struct{ deps *Deps }

func NewAuthHandler(deps *Deps) chat.Handler { return &AuthHandler{deps: deps} }

func (h *AuthHandler) Type() string { return chat.EvAuthenticate }

func (h *AuthHandler) Handle(ctx context.Context, s *chat.Session, data map[string]any) error {
	uid, err := decode.ReadInt64(data, "userId")
	if err != nil {
		return errs.ErrArgs.WrapMsg(err.Error())
	}
	return h.deps.Presence.Authenticate(ctx, s, uid)
}
