package push

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"ChatCore/module/chat/model"
	"ChatCore/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	mu    sync.Mutex
	fails int
	sent  []*Notification
	delay time.Duration
}

func (f *fakeGateway) Name() string { return "fake" }

func (f *fakeGateway) Send(ctx context.Context, _ int64, n *Notification) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("gateway unavailable")
	}
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeGateway) Close() error { return nil }

func (f *fakeGateway) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestRateLimitPerUser(t *testing.T) {
	gw := &fakeGateway{}
	n := NewNotifier(gw, Options{RatePerMinute: 10})
	ctx := context.Background()

	limited := 0
	for i := 0; i < 15; i++ {
		err := n.Notify(ctx, 7, &Notification{Token: "tok"})
		if errors.Is(err, ErrRateLimited) {
			limited++
		}
	}
	assert.Equal(t, 10, gw.count())
	assert.Equal(t, 5, limited)

	// 其他用户不受影响
	require.NoError(t, n.Notify(ctx, 8, &Notification{Token: "tok"}))
}

func TestSetRateAppliesToExistingLimiters(t *testing.T) {
	gw := &fakeGateway{}
	n := NewNotifier(gw, Options{RatePerMinute: 1})
	ctx := context.Background()
	require.NoError(t, n.Notify(ctx, 1, &Notification{Token: "t"}))
	assert.Error(t, n.Notify(ctx, 1, &Notification{Token: "t"}))

	n.SetRate(100)
	// 新 burst 需要时间回填；新用户立即按新上限
	for i := 0; i < 50; i++ {
		require.NoError(t, n.Notify(ctx, 2, &Notification{Token: "t"}))
	}
}

func TestRetryThenSuccess(t *testing.T) {
	gw := &fakeGateway{fails: 2}
	n := NewNotifier(gw, Options{MaxRetry: 3})
	require.NoError(t, n.Notify(context.Background(), 1, &Notification{Token: "t"}))
	assert.Equal(t, 1, gw.count())
}

func TestFailureIsGatewayError(t *testing.T) {
	gw := &fakeGateway{fails: 10}
	n := NewNotifier(gw, Options{MaxRetry: 1})
	err := n.Notify(context.Background(), 1, &Notification{Token: "t"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrDeliveryGateway))
}

func TestTimeoutNonBlocking(t *testing.T) {
	gw := &fakeGateway{delay: time.Second}
	n := NewNotifier(gw, Options{Timeout: 30 * time.Millisecond, MaxRetry: -1})
	start := time.Now()
	err := n.Notify(context.Background(), 1, &Notification{Token: "t"})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestNoToken(t *testing.T) {
	n := NewNotifier(&fakeGateway{}, Options{})
	assert.ErrorIs(t, n.Notify(context.Background(), 1, &Notification{}), ErrNoToken)
}

func TestMessageBody(t *testing.T) {
	assert.Equal(t, "hi", MessageBody("hi", false))
	assert.Equal(t, "hi [Attachment]", MessageBody("hi", true))
	assert.Equal(t, "Sent an attachment", MessageBody("", true))
}

func TestBuildMessageNotification(t *testing.T) {
	created := time.UnixMilli(1700000000000)
	long := strings.Repeat("é", 150)

	priv := &model.Message{ID: 9, SenderID: 1, RecipientID: 2, Content: long, CreatedAt: created}
	n := BuildMessageNotification(priv, &model.User{ID: 1, Username: "alice"}, nil, "tok")
	assert.Equal(t, "alice", n.Title)
	assert.Equal(t, 100, len([]rune(n.Body)))
	assert.Equal(t, map[string]string{
		"type":           "message",
		"conversationId": "1",
		"isGroup":        "false",
		"senderId":       "1",
		"messageId":      "9",
		"timestamp":      "1700000000000",
	}, n.Data)
	assert.NotEmpty(t, n.DedupID)

	grp := &model.Message{ID: 10, SenderID: 1, GroupID: 5, Attachments: []model.Attachment{{ID: 1}}, CreatedAt: created}
	n = BuildMessageNotification(grp, &model.User{ID: 1, Username: "alice", DisplayName: "Alice"}, &model.Group{ID: 5, Name: "team"}, "tok")
	assert.Equal(t, "team", n.Title)
	assert.Equal(t, "Alice: Sent an attachment", n.Body)
	assert.Equal(t, "5", n.Data["conversationId"])
	assert.Equal(t, "true", n.Data["isGroup"])
}

func TestPruneDropsRefilledLimiters(t *testing.T) {
	n := NewNotifier(&fakeGateway{}, Options{RatePerMinute: 10})
	ctx := context.Background()
	require.NoError(t, n.Notify(ctx, 1, &Notification{Token: "t"}))
	require.NoError(t, n.Notify(ctx, 2, &Notification{Token: "t"}))
	require.Equal(t, 2, n.limiterCount())

	assert.Zero(t, n.Prune(time.Now()), "buckets still draining")
	assert.Equal(t, 2, n.Prune(time.Now().Add(2*time.Minute)))
	assert.Zero(t, n.limiterCount())

	// 回收后重新建的限流器照常计数
	require.NoError(t, n.Notify(ctx, 1, &Notification{Token: "t"}))
	assert.Equal(t, 1, n.limiterCount())
}
