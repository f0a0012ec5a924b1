package push

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
)

type KafkaConfig struct {
	Brokers     []string
	Topic       string
	Retries     int
	Compression string // none/snappy/lz4/zstd
	Version     string // 例如 "2.1.0"
}

func buildProducerConfig(c KafkaConfig) (*sarama.Config, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	if c.Version != "" {
		v, err := sarama.ParseKafkaVersion(c.Version)
		if err != nil {
			return nil, errors.Wrapf(err, "kafka version %q", c.Version)
		}
		cfg.Version = v
	}
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	if c.Retries <= 0 {
		c.Retries = 1
	}
	cfg.Producer.Retry.Max = c.Retries
	cfg.Producer.Partitioner = sarama.NewHashPartitioner // Key 控制分区，同一用户有序
	switch strings.ToLower(c.Compression) {
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	default:
		cfg.Producer.Compression = sarama.CompressionNone
	}
	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg, nil
}

// KafkaGateway 同步生产者，key = 接收者 uid
type KafkaGateway struct {
	topic string
	prod  sarama.SyncProducer
}

func NewKafkaGateway(c KafkaConfig) (*KafkaGateway, error) {
	if len(c.Brokers) == 0 {
		return nil, errors.New("kafka brokers missing")
	}
	if c.Topic == "" {
		c.Topic = "im.push"
	}
	cfg, err := buildProducerConfig(c)
	if err != nil {
		return nil, err
	}
	p, err := sarama.NewSyncProducer(c.Brokers, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "kafka producer")
	}
	return &KafkaGateway{topic: c.Topic, prod: p}, nil
}

func (g *KafkaGateway) Name() string { return "kafka" }

func (g *KafkaGateway) Send(ctx context.Context, userID int64, n *Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, _, err = g.prod.SendMessage(&sarama.ProducerMessage{
		Topic: g.topic,
		Key:   sarama.StringEncoder(strconv.FormatInt(userID, 10)),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("dedup-id"), Value: []byte(n.DedupID)},
		},
	})
	return err
}

func (g *KafkaGateway) Close() error { return g.prod.Close() }
