package push

import (
	"context"

	"ChatCore/logger"

	"go.uber.org/zap"
)

// LogGateway 只打日志，开发环境用
type LogGateway struct{ log *zap.Logger }

func NewLogGateway() *LogGateway { return &LogGateway{log: logger.Named("push.log")} }

func (g *LogGateway) Name() string { return "log" }

func (g *LogGateway) Send(_ context.Context, userID int64, n *Notification) error {
	tok := n.Token
	if len(tok) > 12 {
		tok = tok[:12] + "..."
	}
	g.log.Info("push", zap.Int64("uid", userID), zap.String("token", tok),
		zap.String("title", n.Title), zap.String("body", n.Body), zap.Any("data", n.Data))
	return nil
}

func (g *LogGateway) Close() error { return nil }
