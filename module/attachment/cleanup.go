// Package attachment 临时附件清理：上传后从未挂到消息上的附件，过期后删对象再删记录。
package attachment

import (
	"context"
	"time"

	"ChatCore/logger"
	"ChatCore/module/chat/model"
	"ChatCore/service/metrics"
	"ChatCore/tools/safe"

	"go.uber.org/zap"
)

// Store 附件记录（store.Adapter 实现）
type Store interface {
	StaleTempAttachments(ctx context.Context, before time.Time, limit int) ([]model.Attachment, error)
	DeleteAttachment(ctx context.Context, id int64) error
}

// ObjectRemover 对象存储（objstore.S3 实现）
type ObjectRemover interface {
	Remove(ctx context.Context, key string) error
}

type Options struct {
	Every   time.Duration // 默认 1h
	MaxAge  time.Duration // 默认 24h
	Batch   int
	Timeout time.Duration // 单轮超时
	Clock   func() time.Time
}

func (o *Options) norm() {
	if o.Every <= 0 {
		o.Every = time.Hour
	}
	if o.MaxAge <= 0 {
		o.MaxAge = 24 * time.Hour
	}
	if o.Batch <= 0 {
		o.Batch = 200
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Minute
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

type Cleaner struct {
	st  Store
	obj ObjectRemover
	opt Options
	log *zap.Logger
}

func NewCleaner(st Store, obj ObjectRemover, opt Options) *Cleaner {
	safe.MustNotNil(st, "attachment store")
	opt.norm()
	return &Cleaner{st: st, obj: obj, opt: opt, log: logger.Named("attachment")}
}

// Run 周期清理，ctx 结束时返回
func (c *Cleaner) Run(ctx context.Context) {
	t := time.NewTicker(c.opt.Every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			safe.Call(func() error {
				rctx, cancel := context.WithTimeout(ctx, c.opt.Timeout)
				defer cancel()
				n, err := c.Once(rctx)
				if err != nil {
					c.log.Warn("cleanup round failed", zap.Int("removed", n), zap.Error(err))
				} else if n > 0 {
					c.log.Info("cleanup round done", zap.Int("removed", n))
				}
				return err
			})
		}
	}
}

// Once 清理一轮，返回删除条数。对象删除失败的附件保留记录，下轮重试
func (c *Cleaner) Once(ctx context.Context) (int, error) {
	before := c.opt.Clock().Add(-c.opt.MaxAge)
	removed := 0
	for {
		batch, err := c.st.StaleTempAttachments(ctx, before, c.opt.Batch)
		if err != nil {
			return removed, err
		}
		progressed := false
		for _, a := range batch {
			if c.obj != nil && a.Path != "" {
				if err := c.obj.Remove(ctx, a.Path); err != nil {
					metrics.CleanupRemoved.WithLabelValues("object_failed").Inc()
					c.log.Warn("remove object failed", zap.Int64("attachment", a.ID), zap.String("path", a.Path), zap.Error(err))
					continue
				}
			}
			if err := c.st.DeleteAttachment(ctx, a.ID); err != nil {
				metrics.CleanupRemoved.WithLabelValues("record_failed").Inc()
				return removed, err
			}
			metrics.CleanupRemoved.WithLabelValues("ok").Inc()
			removed++
			progressed = true
		}
		if len(batch) < c.opt.Batch || !progressed {
			return removed, nil
		}
	}
}
