package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// PresenceMirror 把在线状态镜像到 Redis，供其他节点/服务查询。
// key: im:presence:<user>，hash {gw, lastSeen}；TTL 控制在线有效期，心跳续期。
type PresenceMirror struct {
	rdb       redis.UniversalClient
	gatewayID string
	ttl       time.Duration
}

func NewPresenceMirror(rdb redis.UniversalClient, gatewayID string, ttl time.Duration) *PresenceMirror {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &PresenceMirror{rdb: rdb, gatewayID: gatewayID, ttl: ttl}
}

func presenceKey(user int64) string { return "im:presence:" + strconv.FormatInt(user, 10) }

func lastSeenKey(user int64) string { return "im:lastseen:" + strconv.FormatInt(user, 10) }

// Online 标记在线并续期
func (p *PresenceMirror) Online(ctx context.Context, user int64, at time.Time) error {
	pipe := p.rdb.TxPipeline()
	pipe.HSet(ctx, presenceKey(user), "gw", p.gatewayID, "since", at.UnixMilli())
	pipe.Expire(ctx, presenceKey(user), p.ttl)
	pipe.Set(ctx, lastSeenKey(user), at.UnixMilli(), 0)
	_, err := pipe.Exec(ctx)
	return err
}

// Touch 心跳续期；key 已过期时返回 false
func (p *PresenceMirror) Touch(ctx context.Context, user int64) (bool, error) {
	return p.rdb.Expire(ctx, presenceKey(user), p.ttl).Result()
}

// Offline 删除在线 key 并写 lastSeen
func (p *PresenceMirror) Offline(ctx context.Context, user int64, at time.Time) error {
	pipe := p.rdb.TxPipeline()
	pipe.Del(ctx, presenceKey(user))
	pipe.Set(ctx, lastSeenKey(user), at.UnixMilli(), 0)
	_, err := pipe.Exec(ctx)
	return err
}

// Lookup 查询在线网关
func (p *PresenceMirror) Lookup(ctx context.Context, user int64) (gatewayID string, online bool, err error) {
	val, err := p.rdb.HGet(ctx, presenceKey(user), "gw").Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// LastSeen 最后一次上线/下线时间；没有记录返回零值
func (p *PresenceMirror) LastSeen(ctx context.Context, user int64) (time.Time, error) {
	ms, err := p.rdb.Get(ctx, lastSeenKey(user)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
