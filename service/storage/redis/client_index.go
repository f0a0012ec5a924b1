package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// ClientMsgIndex 负责管理 “clientId -> serverId” 的幂等窗口，数据库唯一约束兜底
type ClientMsgIndex struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// Option 配置项
type Option func(*ClientMsgIndex)

// WithPrefix 自定义键名前缀（默认 "im:cid"）
func WithPrefix(prefix string) Option {
	return func(m *ClientMsgIndex) { m.prefix = prefix }
}

// WithTTL 设置去重窗口TTL（默认 48h）
func WithTTL(ttl time.Duration) Option {
	return func(m *ClientMsgIndex) { m.ttl = ttl }
}

func NewClientMsgIndex(rdb redis.UniversalClient, opts ...Option) *ClientMsgIndex {
	m := &ClientMsgIndex{rdb: rdb, prefix: "im:cid", ttl: 48 * time.Hour}
	for _, o := range opts {
		o(m)
	}
	return m
}

// key 规范：im:cid:{sender}:{clientId}
func (m *ClientMsgIndex) key(sender int64, clientID string) string {
	return fmt.Sprintf("%s:%d:%s", m.prefix, sender, clientID)
}

// Lua：原子 SETNX + PEXPIRE；已存在则返回旧值
const luaRemember = `
local k = KEYS[1]
local v = ARGV[1]
local ttl_ms = tonumber(ARGV[2])
local ok = redis.call('SETNX', k, v)
if ok == 1 then
  redis.call('PEXPIRE', k, ttl_ms)
  return {0, v}
else
  local old = redis.call('GET', k)
  return {1, old}
end
`

var rememberScript = redis.NewScript(luaRemember)

func (m *ClientMsgIndex) Lookup(ctx context.Context, senderID int64, clientID string) (int64, bool, error) {
	v, err := m.rdb.Get(ctx, m.key(senderID, clientID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, errors.Wrapf(err, "bad index value %q", v)
	}
	return id, true, nil
}

// Remember 首次写入生效；已有映射且不一致时返回错误
func (m *ClientMsgIndex) Remember(ctx context.Context, senderID int64, clientID string, messageID int64) error {
	res, err := rememberScript.Run(ctx, m.rdb, []string{m.key(senderID, clientID)},
		strconv.FormatInt(messageID, 10), m.ttl.Milliseconds()).Slice()
	if err != nil {
		return err
	}
	if len(res) != 2 {
		return errors.Errorf("unexpected script reply %v", res)
	}
	if existed, _ := res[0].(int64); existed == 1 {
		if old, _ := res[1].(string); old != strconv.FormatInt(messageID, 10) {
			return errors.Errorf("clientId %s already mapped to %s", clientID, old)
		}
	}
	return nil
}
