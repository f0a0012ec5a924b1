package push

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
	"github.com/pkg/errors"
)

const TaskPushNotify = "push:notify"

type AsynqConfig struct {
	RedisURL string
	Queue    string
	MaxRetry int
}

// AsynqGateway 把推送排进 asynq 队列，由 worker 调用厂商 SDK
type AsynqGateway struct {
	client *asynq.Client
	queue  string
	retry  int
}

func NewAsynqGateway(c AsynqConfig) (*AsynqGateway, error) {
	if c.RedisURL == "" {
		return nil, errors.New("asynq: redis url is required")
	}
	opt, err := asynq.ParseRedisURI(c.RedisURL)
	if err != nil {
		return nil, errors.Wrap(err, "asynq: parse redis url")
	}
	if c.Queue == "" {
		c.Queue = "push"
	}
	return &AsynqGateway{client: asynq.NewClient(opt), queue: c.Queue, retry: c.MaxRetry}, nil
}

func (g *AsynqGateway) Name() string { return "asynq" }

// PushTask asynq 任务载荷
type PushTask struct {
	UserID       int64         `json:"uid"`
	Notification *Notification `json:"notification"`
}

func (g *AsynqGateway) Send(ctx context.Context, userID int64, n *Notification) error {
	payload, err := json.Marshal(PushTask{UserID: userID, Notification: n})
	if err != nil {
		return err
	}
	opts := []asynq.Option{
		asynq.Queue(g.queue),
		asynq.TaskID(n.DedupID),
		asynq.Retention(time.Hour),
	}
	if g.retry > 0 {
		opts = append(opts, asynq.MaxRetry(g.retry))
	}
	_, err = g.client.EnqueueContext(ctx, asynq.NewTask(TaskPushNotify, payload), opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		// 重试命中同一 DedupID，已经在队列里
		return nil
	}
	return err
}

func (g *AsynqGateway) Close() error { return g.client.Close() }
