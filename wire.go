package main

import (
	"context"

	"ChatCore/data/database/mgo/mongoutil"
	"ChatCore/global/config"
	"ChatCore/logger"
	"ChatCore/module/chat/store"
	rstore "ChatCore/service/storage/redis"

	"go.uber.org/zap"
)

func openStore(ctx context.Context, cfg *config.AppConfig) (store.Store, error) {
	return store.Open(ctx, store.OpenConfig{
		Driver:           cfg.Store.Driver,
		PostgresDSN:      cfg.Store.PostgresDSN,
		PostgresMaxConns: cfg.Store.PostgresMaxConns,
		Mongo: mongoutil.Config{
			Uri:         cfg.Store.MongoURI,
			Database:    cfg.Store.MongoDatabase,
			Username:    cfg.Store.MongoUsername,
			Password:    cfg.Store.MongoPassword,
			MaxPoolSize: cfg.Store.MongoMaxPool,
			MaxRetry:    cfg.Store.MaxRetry,
		},
	})
}

type redisParts struct {
	index    *rstore.ClientMsgIndex
	presence *rstore.PresenceMirror
	close    func() error
}

// openRedis clientId 幂等窗口 + 跨网关在线镜像
func openRedis(ctx context.Context, cfg *config.AppConfig) (*redisParts, error) {
	rdb, err := rstore.NewClient(ctx, rstore.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("[REDIS] ready", zap.String("addr", cfg.Redis.Addr))
	return &redisParts{
		index:    rstore.NewClientMsgIndex(rdb, rstore.WithTTL(cfg.Redis.IndexTTL)),
		presence: rstore.NewPresenceMirror(rdb, cfg.Server.Name, cfg.Redis.PresenceTTL),
		close:    rdb.Close,
	}, nil
}
