// Package config 启动配置：代码默认值 < config.yaml < .env/环境变量（CHATCORE_ 前缀），可叠加 Nacos 远端 YAML。
package config

import (
	"os"
	"strings"
	"sync"
	"time"

	"ChatCore/logger"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	EnvPrefix  = "CHATCORE"
	EnvConfig  = "CHATCORE_CONFIG" // 配置文件路径
	DefaultCfg = "config.yaml"
)

// Loader 持有 viper 实例，远端配置通过 Merge 叠加
type Loader struct {
	mu  sync.RWMutex
	v   *viper.Viper
	cur *AppConfig
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpcPort", 50051)
	v.SetDefault("server.nodeId", 1)
	v.SetDefault("server.name", "gateway_01")
	v.SetDefault("server.advertiseIP", "127.0.0.1")

	v.SetDefault("log.level", "info")

	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.alg", "HS256")
	v.SetDefault("jwt.leeway", 30*time.Second)

	v.SetDefault("ws.sendBuffer", 256)
	v.SetDefault("ws.maxPerUser", 0)
	v.SetDefault("ws.sessionTTL", 90*time.Second)
	v.SetDefault("ws.sweepEvery", 30*time.Second)
	v.SetDefault("ws.pingInterval", 25*time.Second)
	v.SetDefault("ws.writeWait", 10*time.Second)
	v.SetDefault("ws.readLimit", 64<<10)
	v.SetDefault("ws.typingEvery", 2*time.Second)

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.postgresDSN", "")
	v.SetDefault("store.postgresMaxConns", 20)
	v.SetDefault("store.mongoURI", "mongodb://localhost:27017")
	v.SetDefault("store.mongoDatabase", "chatcore")
	v.SetDefault("store.mongoUsername", "")
	v.SetDefault("store.mongoPassword", "")
	v.SetDefault("store.mongoMaxPool", 20)
	v.SetDefault("store.persistTimeout", 3*time.Second)
	v.SetDefault("store.maxRetry", 3)
	v.SetDefault("store.backlogLimit", 500)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.poolSize", 20)
	v.SetDefault("redis.presenceTTL", 2*time.Minute)
	v.SetDefault("redis.indexTTL", 24*time.Hour)

	v.SetDefault("push.driver", "log")
	v.SetDefault("push.timeout", 5*time.Second)
	v.SetDefault("push.ratePerMinute", 10)
	v.SetDefault("push.maxRetry", 2)
	v.SetDefault("push.natsServers", []string{"nats://127.0.0.1:4222"})
	v.SetDefault("push.natsSubject", "push.notify")
	v.SetDefault("push.natsJetStream", false)
	v.SetDefault("push.kafkaBrokers", []string{"127.0.0.1:9092"})
	v.SetDefault("push.kafkaTopic", "push_notify")
	v.SetDefault("push.kafkaVersion", "2.1.0")
	v.SetDefault("push.asynqRedis", "redis://127.0.0.1:6379/1")
	v.SetDefault("push.asynqQueue", "push")

	v.SetDefault("objstore.bucket", "")
	v.SetDefault("objstore.region", "us-east-1")
	v.SetDefault("objstore.endpoint", "")
	v.SetDefault("objstore.accessKey", "")
	v.SetDefault("objstore.secretKey", "")
	v.SetDefault("objstore.usePathStyle", false)

	v.SetDefault("cleanup.enabled", true)
	v.SetDefault("cleanup.every", time.Hour)
	v.SetDefault("cleanup.maxAge", 24*time.Hour)

	v.SetDefault("nacos.enabled", false)
	v.SetDefault("nacos.addr", "127.0.0.1")
	v.SetDefault("nacos.port", 8848)
	v.SetDefault("nacos.namespace", "public")
	v.SetDefault("nacos.dataId", "chatcore.yaml")
	v.SetDefault("nacos.group", "DEFAULT_GROUP")
	v.SetDefault("nacos.username", "")
	v.SetDefault("nacos.password", "")
	v.SetDefault("nacos.cacheDir", "nacos/cache")
	v.SetDefault("nacos.logDir", "nacos/log")
}

// Load 读取配置；path 为空时取 CHATCORE_CONFIG，再退回 ./config.yaml。文件缺失不算错误
func Load(path string) (*Loader, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "load .env")
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path == "" {
		path = DefaultCfg
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
			return nil, errors.Wrapf(err, "read %s", path)
		}
		logger.Warn("[CONFIG] config file not found, using defaults and env", zap.String("path", path))
	}

	l := &Loader{v: v}
	if _, err := l.reload(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Loader) reload() (*AppConfig, error) {
	var c AppConfig
	if err := l.v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	l.cur = &c
	return &c, nil
}

// Current 当前生效的配置快照
func (l *Loader) Current() *AppConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cur
}

// Merge 叠加一份 YAML（Nacos 下发），返回合并后的配置
func (l *Loader) Merge(doc string) (*AppConfig, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if strings.TrimSpace(doc) == "" {
		return l.cur, nil
	}
	if err := l.v.MergeConfig(strings.NewReader(doc)); err != nil {
		return nil, errors.Wrap(err, "merge remote config")
	}
	return l.reload()
}
