package config

import "time"

type AppConfig struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	WS       WSConfig       `mapstructure:"ws"`
	Store    StoreConfig    `mapstructure:"store"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Push     PushConfig     `mapstructure:"push"`
	ObjStore ObjStoreConfig `mapstructure:"objstore"`
	Cleanup  CleanupConfig  `mapstructure:"cleanup"`
	Nacos    NacosConfig    `mapstructure:"nacos"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`     // http/ws 端口
	GrpcPort int    `mapstructure:"grpcPort"` // 健康检查端口，0 关闭
	NodeID   int64  `mapstructure:"nodeId"`   // 雪花节点
	Name     string `mapstructure:"name"`     // 网关实例名，写入 Redis 在线镜像
	IP       string `mapstructure:"advertiseIP"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type JWTConfig struct {
	Secret string        `mapstructure:"secret"`
	Alg    string        `mapstructure:"alg"`
	Leeway time.Duration `mapstructure:"leeway"`
}

type WSConfig struct {
	SendBuffer   int           `mapstructure:"sendBuffer"`
	MaxPerUser   int           `mapstructure:"maxPerUser"`
	SessionTTL   time.Duration `mapstructure:"sessionTTL"`
	SweepEvery   time.Duration `mapstructure:"sweepEvery"`
	PingInterval time.Duration `mapstructure:"pingInterval"`
	WriteWait    time.Duration `mapstructure:"writeWait"`
	ReadLimit    int64         `mapstructure:"readLimit"`
	TypingEvery  time.Duration `mapstructure:"typingEvery"`
}

type StoreConfig struct {
	Driver           string        `mapstructure:"driver"` // memory|postgres|mongo
	PostgresDSN      string        `mapstructure:"postgresDSN"`
	PostgresMaxConns int32         `mapstructure:"postgresMaxConns"`
	MongoURI         string        `mapstructure:"mongoURI"`
	MongoDatabase    string        `mapstructure:"mongoDatabase"`
	MongoUsername    string        `mapstructure:"mongoUsername"`
	MongoPassword    string        `mapstructure:"mongoPassword"`
	MongoMaxPool     int           `mapstructure:"mongoMaxPool"`
	PersistTimeout   time.Duration `mapstructure:"persistTimeout"`
	MaxRetry         int           `mapstructure:"maxRetry"`
	BacklogLimit     int           `mapstructure:"backlogLimit"`
}

type RedisConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"poolSize"`
	PresenceTTL time.Duration `mapstructure:"presenceTTL"`
	IndexTTL    time.Duration `mapstructure:"indexTTL"`
}

type PushConfig struct {
	Driver        string        `mapstructure:"driver"` // log|nats|kafka|asynq
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerMinute int           `mapstructure:"ratePerMinute"`
	MaxRetry      int           `mapstructure:"maxRetry"`
	NatsServers   []string      `mapstructure:"natsServers"`
	NatsSubject   string        `mapstructure:"natsSubject"`
	NatsJetStream bool          `mapstructure:"natsJetStream"`
	KafkaBrokers  []string      `mapstructure:"kafkaBrokers"`
	KafkaTopic    string        `mapstructure:"kafkaTopic"`
	KafkaVersion  string        `mapstructure:"kafkaVersion"`
	AsynqRedis    string        `mapstructure:"asynqRedis"`
	AsynqQueue    string        `mapstructure:"asynqQueue"`
}

type ObjStoreConfig struct {
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	AccessKey    string `mapstructure:"accessKey"`
	SecretKey    string `mapstructure:"secretKey"`
	UsePathStyle bool   `mapstructure:"usePathStyle"`
}

type CleanupConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Every   time.Duration `mapstructure:"every"`
	MaxAge  time.Duration `mapstructure:"maxAge"`
}

type NacosConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Port      uint64 `mapstructure:"port"`
	Namespace string `mapstructure:"namespace"`
	DataID    string `mapstructure:"dataId"`
	Group     string `mapstructure:"group"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	CacheDir  string `mapstructure:"cacheDir"`
	LogDir    string `mapstructure:"logDir"`
}
