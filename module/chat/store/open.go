package store

import (
	"context"

	"ChatCore/data/database/mgo/mongoutil"
	"ChatCore/logger"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

type OpenConfig struct {
	Driver           string
	PostgresDSN      string
	PostgresMaxConns int32
	Mongo            mongoutil.Config
}

// Open 按 driver 建存储
func Open(ctx context.Context, cfg OpenConfig) (Store, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		logger.Warn("[STORE] using in-memory store, data is lost on restart")
		return NewMemStore(), nil
	case DriverPostgres:
		s, err := OpenPostgres(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns)
		if err != nil {
			return nil, err
		}
		logger.Info("[STORE] postgres ready", zap.Int32("maxConns", cfg.PostgresMaxConns))
		return s, nil
	case DriverMongo:
		mc := cfg.Mongo
		s, err := OpenMongo(ctx, &mc)
		if err != nil {
			return nil, err
		}
		logger.Info("[STORE] mongo ready", zap.String("db", mc.Database))
		return s, nil
	default:
		return nil, errors.Errorf("unknown store driver %q", cfg.Driver)
	}
}
