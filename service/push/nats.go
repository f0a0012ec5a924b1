package push

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

type NatsConfig struct {
	Servers   []string
	Name      string
	Subject   string // 例如 "push.notify"
	JetStream bool   // true: JS 发布（带去重），false: core 发布
	User      string
	Password  string
}

// NatsGateway 把推送发布到 NATS，由下游推送 worker 消费
type NatsGateway struct {
	cfg NatsConfig
	nc  *nats.Conn
	js  nats.JetStreamContext
}

func NewNatsGateway(cfg NatsConfig) (*NatsGateway, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	if cfg.Subject == "" {
		cfg.Subject = "push.notify"
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500 * time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3 * time.Second),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, errors.Wrap(err, "nats connect")
	}
	g := &NatsGateway{cfg: cfg, nc: nc}
	if cfg.JetStream {
		js, err := nc.JetStream()
		if err != nil {
			nc.Close()
			return nil, errors.Wrap(err, "init jetstream")
		}
		g.js = js
	}
	return g, nil
}

func (g *NatsGateway) Name() string { return "nats" }

func (g *NatsGateway) Send(ctx context.Context, userID int64, n *Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(g.cfg.Subject)
	msg.Data = data
	msg.Header.Set("Uid", strconv.FormatInt(userID, 10))
	// JetStream 按 Nats-Msg-Id 去重，重试不会重复推送
	msg.Header.Set(nats.MsgIdHdr, n.DedupID)

	if g.js == nil {
		if err := g.nc.PublishMsg(msg); err != nil {
			return errors.Wrap(err, "publish failed")
		}
		return nil
	}
	if _, err := g.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return errors.Wrap(err, "publish failed")
	}
	return nil
}

func (g *NatsGateway) Close() error {
	if g.nc != nil {
		return g.nc.Drain()
	}
	return nil
}
