// Package presence 上下线：注册会话、广播在线状态、记录最后在线时间、重连补发积压消息。
package presence

import (
	"context"
	"sync"
	"time"

	"ChatCore/logger"
	"ChatCore/module/chat/model"
	"ChatCore/module/chat/status"
	"ChatCore/module/chat/store"
	"ChatCore/service/chat"
	"ChatCore/service/metrics"
	"ChatCore/tools/errs"
	"ChatCore/tools/safe"

	"go.uber.org/zap"
)

// Mirror 跨网关的在线镜像（redis.PresenceMirror 实现），可选
type Mirror interface {
	Online(ctx context.Context, userID int64, at time.Time) error
	Offline(ctx context.Context, userID int64, at time.Time) error
}

type Options struct {
	BroadcastTimeout time.Duration
	SweepTimeout     time.Duration
	Clock            func() time.Time
}

func (o *Options) norm() {
	if o.BroadcastTimeout <= 0 {
		o.BroadcastTimeout = 5 * time.Second
	}
	if o.SweepTimeout <= 0 {
		o.SweepTimeout = 30 * time.Second
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

type Tracker struct {
	reg    *chat.Registry
	store  *store.Adapter
	sm     *status.Machine
	mirror Mirror
	opt    Options
	log    *zap.Logger

	// 每个用户一条广播队列，保证 online/offline 按发生顺序送达
	bmu     sync.Mutex
	pending map[int64][]presenceNote
}

type presenceNote struct {
	state    string
	lastSeen *time.Time
}

func NewTracker(reg *chat.Registry, st *store.Adapter, sm *status.Machine, mirror Mirror, opt Options) *Tracker {
	safe.MustNotNil(reg, "registry")
	safe.MustNotNil(st, "store")
	safe.MustNotNil(sm, "status machine")
	opt.norm()
	return &Tracker{
		reg:     reg,
		store:   st,
		sm:      sm,
		mirror:  mirror,
		opt:     opt,
		log:     logger.Named("presence"),
		pending: make(map[int64][]presenceNote),
	}
}

// Connect 注册会话；首个会话时标记在线并广播。每次都会为该会话补发积压消息
func (t *Tracker) Connect(ctx context.Context, s *chat.Session) error {
	first := t.reg.Register(s)
	if first {
		now := t.opt.Clock()
		if err := t.store.SetPresence(ctx, s.UserID, true, now); err != nil {
			t.log.Warn("set online failed", zap.Int64("uid", s.UserID), zap.Error(err))
		}
		if t.mirror != nil {
			if err := t.mirror.Online(ctx, s.UserID, now); err != nil {
				t.log.Warn("mirror online failed", zap.Int64("uid", s.UserID), zap.Error(err))
			}
		}
		t.broadcast(s.UserID, chat.PresenceOnline, nil)
	}

	t.reg.SendToSession(s.ID, chat.EvAuthenticated, chat.Authenticated{UserID: s.UserID, SessionID: s.ID})
	safe.Go("presence.backlog", func() {
		ctx, cancel := context.WithTimeout(context.Background(), t.opt.SweepTimeout)
		defer cancel()
		if _, err := t.Sweep(ctx, s); err != nil {
			t.log.Warn("backlog sweep failed", zap.Int64("uid", s.UserID), zap.String("snowID", s.ID), zap.Error(err))
		}
	})
	return nil
}

// Disconnect 注销会话；最后一个会话下线时记录 lastSeen 并广播离线
func (t *Tracker) Disconnect(ctx context.Context, s *chat.Session) {
	uid, last := t.reg.Unregister(s.ID)
	if uid == 0 || !last {
		return
	}
	now := t.opt.Clock()
	if err := t.store.SetPresence(ctx, uid, false, now); err != nil {
		t.log.Warn("set offline failed", zap.Int64("uid", uid), zap.Error(err))
	}
	if t.mirror != nil {
		if err := t.mirror.Offline(ctx, uid, now); err != nil {
			t.log.Warn("mirror offline failed", zap.Int64("uid", uid), zap.Error(err))
		}
	}
	t.broadcast(uid, chat.PresenceOffline, &now)
}

// Authenticate 客户端声明身份，必须与握手 token 一致；一致时重新广播在线
func (t *Tracker) Authenticate(ctx context.Context, s *chat.Session, userID int64) error {
	if userID != s.UserID {
		return errs.ErrIdentityMismatch.WrapMsg("userId does not match token", "claimed", userID, "token", s.UserID)
	}
	if t.mirror != nil {
		if err := t.mirror.Online(ctx, userID, t.opt.Clock()); err != nil {
			t.log.Warn("mirror online failed", zap.Int64("uid", userID), zap.Error(err))
		}
	}
	t.reg.SendToSession(s.ID, chat.EvAuthenticated, chat.Authenticated{UserID: s.UserID, SessionID: s.ID})
	t.broadcast(userID, chat.PresenceOnline, nil)
	return nil
}

// KeepMirror 周期性为在线用户续期镜像，直到 ctx 结束
func (t *Tracker) KeepMirror(ctx context.Context, every time.Duration) {
	if t.mirror == nil || every <= 0 {
		return
	}
	tk := time.NewTicker(every)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			t.refreshMirror(ctx)
		}
	}
}

func (t *Tracker) refreshMirror(ctx context.Context) int {
	now := t.opt.Clock()
	n := 0
	for _, uid := range t.reg.OnlineUsers() {
		if err := t.mirror.Online(ctx, uid, now); err != nil {
			t.log.Debug("mirror refresh failed", zap.Int64("uid", uid), zap.Error(err))
			continue
		}
		n++
	}
	return n
}

// broadcast 异步通知联系人与群友；单个接收者失败不影响其他人。
// 同一用户的广播串行执行，已有广播在跑时只排队。
func (t *Tracker) broadcast(userID int64, state string, lastSeen *time.Time) {
	note := presenceNote{state: state, lastSeen: lastSeen}
	t.bmu.Lock()
	if q, running := t.pending[userID]; running {
		t.pending[userID] = append(q, note)
		t.bmu.Unlock()
		return
	}
	t.pending[userID] = nil
	t.bmu.Unlock()
	safe.Go("presence.broadcast", func() { t.runBroadcasts(userID, note) })
}

func (t *Tracker) runBroadcasts(userID int64, note presenceNote) {
	for {
		if err := safe.Call(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), t.opt.BroadcastTimeout)
			defer cancel()
			t.broadcastNow(ctx, userID, note.state, note.lastSeen)
			return nil
		}); err != nil {
			t.fail(userID, 0, err)
		}

		t.bmu.Lock()
		q := t.pending[userID]
		if len(q) == 0 {
			delete(t.pending, userID)
			t.bmu.Unlock()
			return
		}
		note, t.pending[userID] = q[0], q[1:]
		t.bmu.Unlock()
	}
}

func (t *Tracker) broadcastNow(ctx context.Context, userID int64, state string, lastSeen *time.Time) {
	contacts, err := t.store.ContactsOf(ctx, userID)
	if err != nil {
		t.fail(userID, 0, err)
	}
	ev := chat.PresenceUpdate{UserID: userID, Status: state, LastSeen: lastSeen}
	for _, cid := range contacts {
		cid := cid
		if err := safe.Call(func() error {
			t.reg.SendToUser(cid, chat.EvPresenceUpdate, ev)
			return nil
		}); err != nil {
			t.fail(userID, cid, err)
		}
	}

	groups, err := t.store.GroupsOf(ctx, userID)
	if err != nil {
		t.fail(userID, 0, err)
		return
	}
	for _, gid := range groups {
		members, err := t.store.GroupMembers(ctx, gid)
		if err != nil {
			t.fail(userID, 0, err)
			continue
		}
		gev := chat.GroupPresenceUpdate{UserID: userID, GroupID: gid, Status: state}
		for _, mb := range members {
			if mb.UserID == userID {
				continue
			}
			mid := mb.UserID
			if err := safe.Call(func() error {
				t.reg.SendToUser(mid, chat.EvGroupPresenceUpdate, gev)
				return nil
			}); err != nil {
				t.fail(userID, mid, err)
			}
		}
	}
}

func (t *Tracker) fail(userID, recipient int64, err error) {
	metrics.PresenceBroadcastFailures.Inc()
	t.log.Warn("presence broadcast failed",
		zap.Int64("uid", userID), zap.Int64("to", recipient),
		zap.Error(errs.ErrPresenceBroadcast.WrapMsg(err.Error())))
}

// Sweep 给新会话补发未送达消息，推进送达并通知发送者；返回补发条数。
// 按页拉取直到没有待补发消息；会话写不进或有消息没能记账时停止，避免同一页重复下发。
func (t *Tracker) Sweep(ctx context.Context, s *chat.Session) (int, error) {
	users := make(map[int64]*model.User)
	senderOf := func(id int64) *model.User {
		if u, ok := users[id]; ok {
			return u
		}
		u, err := t.store.GetUser(ctx, id)
		if err != nil {
			u = nil
		}
		users[id] = u
		return u
	}

	n, pages := 0, 0
	for {
		backlog, err := t.store.BacklogUndelivered(ctx, s.UserID)
		if err != nil {
			return n, err
		}
		if len(backlog) == 0 {
			break
		}
		pages++
		sent, settled := t.deliverPage(ctx, s, backlog, senderOf)
		n += sent
		if settled < len(backlog) {
			break
		}
	}
	metrics.BacklogDelivered.Add(float64(n))
	if n > 0 {
		t.log.Info("backlog delivered", zap.Int64("uid", s.UserID), zap.String("snowID", s.ID), zap.Int("count", n), zap.Int("pages", pages))
	}
	return n, nil
}

// deliverPage 返回写入会话的条数与已记账（不会再出现在补发里）的条数
func (t *Tracker) deliverPage(ctx context.Context, s *chat.Session, backlog []*model.Message, senderOf func(int64) *model.User) (sent, settled int) {
	for _, m := range backlog {
		if m.IsGroup() {
			if !t.reg.DeliverToSession(ctx, s.ID, chat.EvGroupMessage, chat.NewGroupMessage(m, senderOf(m.SenderID))) {
				return
			}
			sent++
			inserted, err := t.sm.GroupDelivered(ctx, m.ID, s.UserID)
			if err != nil {
				t.log.Warn("record delivery failed", zap.Int64("msg", m.ID), zap.Error(err))
				continue
			}
			settled++
			if inserted {
				t.relayGroupDelivered(ctx, m, s.UserID)
			}
			continue
		}

		if !t.reg.DeliverToSession(ctx, s.ID, chat.EvPrivateMessage, chat.NewPrivateMessage(m)) {
			return
		}
		sent++
		tr, err := t.sm.Delivered(ctx, m.ID)
		if err != nil {
			t.log.Warn("mark delivered failed", zap.Int64("msg", m.ID), zap.Error(err))
			continue
		}
		settled++
		if tr.Changed {
			t.reg.SendToUser(m.SenderID, chat.EvDeliveryUpdate, chat.DeliveryUpdate{
				MessageID:   m.ID,
				ClientID:    m.ClientID,
				Status:      model.StatusDelivered,
				DeliveredAt: tr.Message.DeliveredAt,
			})
		}
	}
	return
}

func (t *Tracker) relayGroupDelivered(ctx context.Context, m *model.Message, member int64) {
	st, err := t.sm.GroupStatus(ctx, m, nil)
	if err != nil {
		st = model.StatusSent
	}
	t.reg.SendToUser(m.SenderID, chat.EvDeliveryUpdate, chat.DeliveryUpdate{
		MessageID:   m.ID,
		ClientID:    m.ClientID,
		Status:      st,
		DeliveredTo: []int64{member},
		GroupID:     m.GroupID,
	})
}
