// Package push 离线推送：限流、重试、多种投递通道（log/nats/kafka/asynq）。
package push

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"ChatCore/logger"
	"ChatCore/module/chat/model"
	"ChatCore/service/metrics"
	"ChatCore/tools/errs"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Notification 推送载荷；Data 的值必须都是字符串
type Notification struct {
	DedupID string            `json:"dedupId"`
	Token   string            `json:"targetToken"`
	Title   string            `json:"title"`
	Body    string            `json:"body"`
	Data    map[string]string `json:"data"`
}

// Gateway 实际投递通道
type Gateway interface {
	Name() string
	Send(ctx context.Context, userID int64, n *Notification) error
	Close() error
}

type Options struct {
	Timeout       time.Duration
	RatePerMinute int
	MaxRetry      int
}

func (o *Options) norm() {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.RatePerMinute <= 0 {
		o.RatePerMinute = 10
	}
	if o.MaxRetry < 0 {
		o.MaxRetry = 0
	} else if o.MaxRetry == 0 {
		o.MaxRetry = 2
	}
}

var (
	ErrRateLimited = errs.ErrDeliveryGateway.WithDetail("rate limited")
	ErrNoToken     = errs.ErrDeliveryGateway.WithDetail("no push token")
)

// Notifier 按用户限流后交给 Gateway，失败退避重试；所有失败都不影响消息状态
type Notifier struct {
	gw  Gateway
	opt Options
	log *zap.Logger

	mu        sync.Mutex
	perMin    int
	limiters  map[int64]*rate.Limiter
	lastPrune time.Time
}

func NewNotifier(gw Gateway, opt Options) *Notifier {
	opt.norm()
	return &Notifier{
		gw:       gw,
		opt:      opt,
		log:      logger.Named("push"),
		perMin:   opt.RatePerMinute,
		limiters: make(map[int64]*rate.Limiter),
	}
}

func limitOf(perMin int) rate.Limit { return rate.Every(time.Minute / time.Duration(perMin)) }

// SetRate 热更新每分钟上限
func (n *Notifier) SetRate(perMinute int) {
	if perMinute <= 0 {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.perMin = perMinute
	for _, l := range n.limiters {
		l.SetLimit(limitOf(perMinute))
		l.SetBurst(perMinute)
	}
}

// pruneEvery 限流器回收间隔
const pruneEvery = time.Minute

func (n *Notifier) allow(userID int64) bool {
	now := time.Now()
	n.mu.Lock()
	if now.Sub(n.lastPrune) >= pruneEvery {
		n.pruneLocked(now)
	}
	l, ok := n.limiters[userID]
	if !ok {
		l = rate.NewLimiter(limitOf(n.perMin), n.perMin)
		n.limiters[userID] = l
	}
	n.mu.Unlock()
	return l.AllowN(now, 1)
}

// Prune 丢弃令牌已回满的限流器，返回丢弃个数；回满的限流器与新建的等价
func (n *Notifier) Prune(now time.Time) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pruneLocked(now)
}

func (n *Notifier) pruneLocked(now time.Time) int {
	n.lastPrune = now
	dropped := 0
	for uid, l := range n.limiters {
		if l.TokensAt(now) >= float64(l.Burst()) {
			delete(n.limiters, uid)
			dropped++
		}
	}
	return dropped
}

func (n *Notifier) limiterCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.limiters)
}

// Notify 投递一条推送
func (n *Notifier) Notify(ctx context.Context, userID int64, note *Notification) error {
	driver := n.gw.Name()
	if note.Token == "" {
		metrics.PushResults.WithLabelValues(driver, "no_token").Inc()
		return ErrNoToken
	}
	if !n.allow(userID) {
		metrics.PushResults.WithLabelValues(driver, "rate_limited").Inc()
		n.log.Info("push rate limited", zap.Int64("uid", userID))
		return ErrRateLimited
	}
	if note.DedupID == "" {
		note.DedupID = uuid.NewString()
	}

	cctx, cancel := context.WithTimeout(ctx, n.opt.Timeout)
	defer cancel()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(n.opt.MaxRetry)), cctx)

	err := backoff.RetryNotify(func() error {
		return n.gw.Send(cctx, userID, note)
	}, policy, func(err error, d time.Duration) {
		n.log.Debug("push retry", zap.Int64("uid", userID), zap.Duration("in", d), zap.Error(err))
	})
	if err != nil {
		metrics.PushResults.WithLabelValues(driver, "failed").Inc()
		n.log.Warn("push failed", zap.Int64("uid", userID), zap.String("driver", driver), zap.Error(err))
		return errs.ErrDeliveryGateway.WrapMsg(err.Error(), "uid", userID)
	}
	metrics.PushResults.WithLabelValues(driver, "ok").Inc()
	return nil
}

func (n *Notifier) Close() error { return n.gw.Close() }

const maxBodyRunes = 100

// MessageBody 推送正文：有附件时追加标记，纯附件固定文案
func MessageBody(content string, hasAttachments bool) string {
	content = strings.TrimSpace(content)
	switch {
	case hasAttachments && content != "":
		return content + " [Attachment]"
	case hasAttachments:
		return "Sent an attachment"
	default:
		return content
	}
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}

// BuildMessageNotification 私聊标题为发送者，群聊标题为群名、正文带发送者前缀
func BuildMessageNotification(msg *model.Message, sender *model.User, group *model.Group, token string) *Notification {
	senderName := "Someone"
	if sender != nil {
		senderName = sender.Name()
	}
	body := truncate(MessageBody(msg.Content, len(msg.Attachments) > 0), maxBodyRunes)
	title := senderName
	convID := strconv.FormatInt(msg.SenderID, 10)
	if msg.IsGroup() {
		title = "Group"
		if group != nil {
			title = group.Name
		}
		body = senderName + ": " + body
		convID = strconv.FormatInt(msg.GroupID, 10)
	}
	return &Notification{
		DedupID: uuid.NewString(),
		Token:   token,
		Title:   title,
		Body:    body,
		Data: map[string]string{
			"type":           "message",
			"conversationId": convID,
			"isGroup":        strconv.FormatBool(msg.IsGroup()),
			"senderId":       strconv.FormatInt(msg.SenderID, 10),
			"messageId":      strconv.FormatInt(msg.ID, 10),
			"timestamp":      strconv.FormatInt(msg.CreatedAt.UnixMilli(), 10),
		},
	}
}
