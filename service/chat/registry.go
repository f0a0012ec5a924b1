package chat

import (
	"context"
	"sync"
	"time"

	"ChatCore/logger"
	"ChatCore/service/metrics"
	"ChatCore/tools/ids"

	"go.uber.org/zap"
)

type RegistryConf struct {
	SendBuffer int           // 每个会话的发送缓冲
	MaxPerUser int           // 单用户最大会话数；超过挤掉最早的，<=0 不限制
	SessionTTL time.Duration // 心跳续期时长
	SweepEvery time.Duration // 清理周期，<=0 不启动清理协程
	Clock      func() time.Time
}

func (c *RegistryConf) norm() {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 90 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Registry userId -> 在线会话（多端）。注册/注销/查询在同一把读写锁下完成；
// 入队只持读锁且非阻塞，缓冲满直接关掉该会话。
type Registry struct {
	mu     sync.RWMutex
	conf   RegistryConf
	bySnow map[string]*Session
	byUser map[int64]map[string]*Session

	stopCh   chan struct{}
	stopOnce sync.Once
	log      *zap.Logger
}

func NewRegistry(conf RegistryConf) *Registry {
	conf.norm()
	r := &Registry{
		conf:   conf,
		bySnow: make(map[string]*Session),
		byUser: make(map[int64]map[string]*Session),
		stopCh: make(chan struct{}),
		log:    logger.Named("registry"),
	}
	if conf.SweepEvery > 0 {
		go r.sweeper()
	}
	return r
}

// NewSession 分配 snowID 与发送缓冲，尚未注册
func (r *Registry) NewSession(userID int64) *Session {
	return newSession(ids.GenerateString(), userID, r.conf.SendBuffer, r.conf.Clock())
}

// Register 幂等；返回是否为该用户第一条在线会话
func (r *Registry) Register(s *Session) bool {
	now := r.conf.Clock()
	var evicted *Session

	r.mu.Lock()
	if _, ok := r.bySnow[s.ID]; ok {
		r.mu.Unlock()
		return false
	}
	mm := r.byUser[s.UserID]
	first := r.liveLocked(mm) == 0
	if r.conf.MaxPerUser > 0 && len(mm) >= r.conf.MaxPerUser {
		evicted = r.evictOldestLocked(s.UserID)
	}
	if r.byUser[s.UserID] == nil {
		r.byUser[s.UserID] = make(map[string]*Session)
	}
	s.expireAt = now.Add(r.conf.SessionTTL)
	r.bySnow[s.ID] = s
	r.byUser[s.UserID][s.ID] = s
	r.mu.Unlock()

	metrics.Sessions.Inc()
	if evicted != nil {
		r.log.Info("session evicted", zap.Int64("uid", evicted.UserID), zap.String("snowID", evicted.ID))
		evicted.Close()
	}
	return first
}

// Unregister 返回会话所属用户，以及这是否是该用户最后一条会话；未知会话 uid 为 0
func (r *Registry) Unregister(id string) (int64, bool) {
	r.mu.Lock()
	s, ok := r.bySnow[id]
	if !ok {
		r.mu.Unlock()
		return 0, false
	}
	r.removeLocked(s)
	last := r.liveLocked(r.byUser[s.UserID]) == 0
	r.mu.Unlock()

	metrics.Sessions.Dec()
	s.Close()
	return s.UserID, last
}

func (r *Registry) IsOnline(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.liveLocked(r.byUser[userID]) > 0
}

// SessionsFor 用户的在线会话 id
func (r *Registry) SessionsFor(userID int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byUser[userID]))
	for id, s := range r.byUser[userID] {
		if !s.Closed() {
			out = append(out, id)
		}
	}
	return out
}

// OnlineUsers 至少有一个存活会话的用户
func (r *Registry) OnlineUsers() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int64, 0, len(r.byUser))
	for uid, mm := range r.byUser {
		if r.liveLocked(mm) > 0 {
			out = append(out, uid)
		}
	}
	return out
}

func (r *Registry) Session(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.bySnow[id]
	return s, ok
}

// SendToUser 推给用户所有会话，返回接收成功的会话数
func (r *Registry) SendToUser(userID int64, typ string, data any) int {
	b, err := Encode(typ, data)
	if err != nil {
		r.log.Error("encode event failed", zap.String("type", typ), zap.Error(err))
		return 0
	}
	var slow []*Session
	n := 0
	r.mu.RLock()
	for _, s := range r.byUser[userID] {
		if s.offer(b) {
			n++
		} else if !s.Closed() {
			slow = append(slow, s)
		}
	}
	r.mu.RUnlock()

	r.kickSlow(slow)
	return n
}

// SendToSession 非阻塞投递到单个会话
func (r *Registry) SendToSession(id string, typ string, data any) bool {
	b, err := Encode(typ, data)
	if err != nil {
		r.log.Error("encode event failed", zap.String("type", typ), zap.Error(err))
		return false
	}
	s, ok := r.Session(id)
	if !ok {
		return false
	}
	if s.offer(b) {
		return true
	}
	if !s.Closed() {
		r.kickSlow([]*Session{s})
	}
	return false
}

// DeliverToSession 阻塞投递，用于补发积压消息
func (r *Registry) DeliverToSession(ctx context.Context, id string, typ string, data any) bool {
	b, err := Encode(typ, data)
	if err != nil {
		r.log.Error("encode event failed", zap.String("type", typ), zap.Error(err))
		return false
	}
	s, ok := r.Session(id)
	if !ok {
		return false
	}
	return s.put(ctx, b)
}

// Touch 心跳续期
func (r *Registry) Touch(id string) bool {
	now := r.conf.Clock()
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.bySnow[id]
	if !ok {
		return false
	}
	s.expireAt = now.Add(r.conf.SessionTTL)
	return true
}

// Close 停止清理协程并关闭所有会话
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.mu.RLock()
	all := make([]*Session, 0, len(r.bySnow))
	for _, s := range r.bySnow {
		all = append(all, s)
	}
	r.mu.RUnlock()
	for _, s := range all {
		s.Close()
	}
}

func (r *Registry) kickSlow(slow []*Session) {
	for _, s := range slow {
		metrics.SlowConsumerKicks.Inc()
		r.log.Warn("send buffer full, closing session", zap.Int64("uid", s.UserID), zap.String("snowID", s.ID))
		s.Close()
	}
}

// ===== 清理协程 =====

func (r *Registry) sweeper() {
	t := time.NewTicker(r.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-t.C:
			r.sweepOnce(r.conf.Clock())
		}
	}
}

// sweepOnce 只关闭过期会话；索引由连接退出时的 Unregister 清理，从而走正常下线流程
func (r *Registry) sweepOnce(now time.Time) int {
	var expired []*Session
	r.mu.RLock()
	for _, s := range r.bySnow {
		if !s.Closed() && now.After(s.expireAt) {
			expired = append(expired, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range expired {
		r.log.Info("session ttl elapsed", zap.Int64("uid", s.UserID), zap.String("snowID", s.ID))
		s.Close()
	}
	return len(expired)
}

// ===== 需持锁调用 =====

func (r *Registry) liveLocked(mm map[string]*Session) int {
	n := 0
	for _, s := range mm {
		if !s.Closed() {
			n++
		}
	}
	return n
}

func (r *Registry) removeLocked(s *Session) {
	delete(r.bySnow, s.ID)
	if mm := r.byUser[s.UserID]; mm != nil {
		delete(mm, s.ID)
		if len(mm) == 0 {
			delete(r.byUser, s.UserID)
		}
	}
}

// evictOldestLocked 挤掉最早建立的会话；调用方在解锁后关闭它
func (r *Registry) evictOldestLocked(userID int64) *Session {
	var oldest *Session
	for _, s := range r.byUser[userID] {
		if oldest == nil || s.CreatedAt.Before(oldest.CreatedAt) {
			oldest = s
		}
	}
	if oldest != nil {
		r.removeLocked(oldest)
		metrics.Sessions.Dec()
	}
	return oldest
}
