package chat

import (
	"context"

	"ChatCore/tools/errs"
)

// Handler 处理一种入站事件；返回的错误以 error 事件回给发起会话
type Handler interface {
	Type() string
	Handle(ctx context.Context, s *Session, data map[string]any) error
}

type Dispatcher struct {
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

func (d *Dispatcher) Register(h Handler) { d.handlers[h.Type()] = h }

func (d *Dispatcher) GetHandler(typ string) Handler { return d.handlers[typ] }

func (d *Dispatcher) Dispatch(ctx context.Context, s *Session, f *InFrame) error {
	h, ok := d.handlers[f.Type]
	if !ok {
		return errs.ErrArgs.WrapMsg("no handler", "type", f.Type)
	}
	return h.Handle(ctx, s, f.Data)
}
