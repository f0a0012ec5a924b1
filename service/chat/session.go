package chat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Session 一条已鉴权的长连接；写协程从 Outbound 取数据写 socket
type Session struct {
	ID        string
	UserID    int64
	Remote    string
	CreatedAt time.Time

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	// 以下字段受 Registry.mu 保护
	expireAt time.Time

	typingMu   sync.Mutex
	lastTyping time.Time
}

func newSession(id string, userID int64, buf int, now time.Time) *Session {
	return &Session{
		ID:        id,
		UserID:    userID,
		CreatedAt: now,
		send:      make(chan []byte, buf),
		done:      make(chan struct{}),
	}
}

// Outbound 待写出的帧
func (s *Session) Outbound() <-chan []byte { return s.send }

// Done 会话被关闭（挤下线/超时/慢消费者/正常退出）
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Closed() bool { return s.closed.Load() }

// Close 幂等；不关闭 send，避免并发写入 panic
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
	})
}

// offer 非阻塞入队；缓冲满返回 false
func (s *Session) offer(b []byte) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.send <- b:
		return true
	default:
		return false
	}
}

// put 阻塞入队，直到写入、会话关闭或 ctx 结束
func (s *Session) put(ctx context.Context, b []byte) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.send <- b:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// AllowTyping 输入中事件节流
func (s *Session) AllowTyping(now time.Time, every time.Duration) bool {
	s.typingMu.Lock()
	defer s.typingMu.Unlock()
	if !s.lastTyping.IsZero() && now.Sub(s.lastTyping) < every {
		return false
	}
	s.lastTyping = now
	return true
}
