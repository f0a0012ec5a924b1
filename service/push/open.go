package push

import "github.com/pkg/errors"

const (
	DriverLog   = "log"
	DriverNats  = "nats"
	DriverKafka = "kafka"
	DriverAsynq = "asynq"
)

type GatewayConfig struct {
	Driver string
	Nats   NatsConfig
	Kafka  KafkaConfig
	Asynq  AsynqConfig
}

// OpenGateway 按 driver 建投递通道
func OpenGateway(c GatewayConfig) (Gateway, error) {
	switch c.Driver {
	case "", DriverLog:
		return NewLogGateway(), nil
	case DriverNats:
		g, err := NewNatsGateway(c.Nats)
		if err != nil {
			return nil, err
		}
		return g, nil
	case DriverKafka:
		g, err := NewKafkaGateway(c.Kafka)
		if err != nil {
			return nil, err
		}
		return g, nil
	case DriverAsynq:
		g, err := NewAsynqGateway(c.Asynq)
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, errors.Errorf("unknown push driver %q", c.Driver)
	}
}
