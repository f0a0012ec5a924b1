// Package handlers 入站事件处理：每种事件一个 Handler，RegisterAll 统一注册到 Dispatcher。
package handlers

import (
	"time"

	"ChatCore/module/chat/group"
	"ChatCore/module/chat/presence"
	"ChatCore/module/chat/private"
	"ChatCore/module/chat/store"
	"ChatCore/service/chat"
)

type Deps struct {
	Registry *chat.Registry
	Store    *store.Adapter
	Private  *private.Channel
	Group    *group.Channel
	Presence *presence.Tracker

	TypingEvery time.Duration // 同一会话输入中事件的最小间隔
}

func RegisterAll(d *chat.Dispatcher, deps *Deps) {
	if deps.TypingEvery <= 0 {
		deps.TypingEvery = 2 * time.Second
	}
	d.Register(NewAuthHandler(deps))
	d.Register(NewSendPrivateHandler(deps))
	d.Register(NewSendGroupHandler(deps))
	d.Register(NewDeliveryAckHandler(deps))
	d.Register(NewReadAckHandler(deps))
	d.Register(NewGroupDeliveryAckHandler(deps))
	d.Register(NewGroupReadHandler(deps))
	d.Register(NewTypingHandler(deps))
	d.Register(NewPingHandler(deps))
}
