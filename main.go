package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ChatCore/global/config"
	"ChatCore/logger"
	mid "ChatCore/middleware"
	"ChatCore/middleware/security"
	"ChatCore/module/attachment"
	"ChatCore/module/chat/group"
	"ChatCore/module/chat/presence"
	"ChatCore/module/chat/private"
	"ChatCore/module/chat/status"
	"ChatCore/module/chat/store"
	"ChatCore/service/chat"
	"ChatCore/service/chat/handlers"
	"ChatCore/service/metrics"
	"ChatCore/service/nacos"
	"ChatCore/service/objstore"
	"ChatCore/service/push"
	"ChatCore/service/rpc"
	"ChatCore/tools/ids"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfgPath := flag.String("config", "", "config file (default $CHATCORE_CONFIG or ./config.yaml)")
	flag.Parse()

	if err := run(*cfgPath); err != nil {
		logger.Error("chatcore exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	loader, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	cfg := loader.Current()
	if err := logger.SetLevel(cfg.Log.Level); err != nil {
		logger.Warn("[BOOT] bad log level, keep default", zap.String("level", cfg.Log.Level))
	}
	if cfg.JWT.Secret == "" {
		return errors.New("jwt.secret is required")
	}
	ids.SetNodeID(cfg.Server.NodeID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1) 存储
	app, err := wire(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.close()

	// 2) 远端配置
	if cfg.Nacos.Enabled {
		if err := startNacos(ctx, cfg, loader, app.notifier); err != nil {
			logger.Warn("[BOOT] nacos disabled", zap.Error(err))
		}
	}

	// 3) 健康检查
	health := rpc.NewHealthServer()
	if cfg.Server.GrpcPort > 0 {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GrpcPort))
		if err != nil {
			return err
		}
		go func() {
			if err := health.Serve(ctx, lis); err != nil {
				logger.Error("[RPC] health server stopped", zap.Error(err))
			}
		}()
	}

	// 4) 临时附件清理
	if cfg.Cleanup.Enabled {
		obj, err := objstore.NewS3(ctx, objstore.Config{
			Bucket:       cfg.ObjStore.Bucket,
			Region:       cfg.ObjStore.Region,
			Endpoint:     cfg.ObjStore.Endpoint,
			AccessKey:    cfg.ObjStore.AccessKey,
			SecretKey:    cfg.ObjStore.SecretKey,
			UsePathStyle: cfg.ObjStore.UsePathStyle,
		})
		if err != nil {
			return err
		}
		cleaner := attachment.NewCleaner(app.adapter, obj, attachment.Options{Every: cfg.Cleanup.Every, MaxAge: cfg.Cleanup.MaxAge})
		go cleaner.Run(ctx)
	}

	// 5) HTTP + WebSocket
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router(cfg, app),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("[HTTP] listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	health.SetServing(true)

	select {
	case <-ctx.Done():
		logger.Info("[BOOT] shutting down")
	case err := <-errCh:
		return err
	}
	health.SetServing(false)
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// 先断开所有会话，读循环退出后走离线流程
	app.registry.Close()
	return srv.Shutdown(shutCtx)
}

func router(cfg *config.AppConfig, app *App) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	global := mid.NewChain(mid.Recovery(), mid.AccessLog())
	r.Use(global.Use())

	opts := security.DefaultOptions(cfg.JWT.Secret)
	if cfg.JWT.Alg != "" {
		opts.JWT.Alg = cfg.JWT.Alg
	}
	opts.JWT.Leeway = cfg.JWT.Leeway
	opts.Users = app.adapter

	mid.GET(r, "/ws", app.server.HandleWS, mid.RouteOpt{Auth: security.Middleware(opts)})
	mid.GET(r, "/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) }, mid.RouteOpt{})
	r.GET("/metrics", metrics.Handler())
	return r
}

// startNacos 叠加远端配置，热更新日志级别与推送限流，并登记实例
func startNacos(ctx context.Context, cfg *config.AppConfig, loader *config.Loader, notifier *push.Notifier) error {
	nc := nacos.Config{
		Addr:      cfg.Nacos.Addr,
		Port:      cfg.Nacos.Port,
		Namespace: cfg.Nacos.Namespace,
		Username:  cfg.Nacos.Username,
		Password:  cfg.Nacos.Password,
		CacheDir:  cfg.Nacos.CacheDir,
		LogDir:    cfg.Nacos.LogDir,
	}
	cc, err := nacos.NewConfigClient(nc)
	if err != nil {
		return err
	}
	apply := func(doc string) error {
		next, err := loader.Merge(doc)
		if err != nil {
			return err
		}
		if err := logger.SetLevel(next.Log.Level); err != nil {
			return err
		}
		notifier.SetRate(next.Push.RatePerMinute)
		return nil
	}
	if err := nacos.Watch(ctx, cc, cfg.Nacos.DataID, cfg.Nacos.Group, apply); err != nil {
		return err
	}

	nn, err := nacos.NewNamingClient(nc)
	if err != nil {
		return err
	}
	reg := nacos.NewRegistry(nn, "chatcore-gateway", cfg.Server.IP, uint64(cfg.Server.Port))
	reg.Metadata["node"] = cfg.Server.Name
	if err := reg.Register(); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		reg.Deregister()
	}()
	return nil
}

// App 组装好的运行时组件
type App struct {
	store    store.Store
	adapter  *store.Adapter
	registry *chat.Registry
	server   *chat.Server
	notifier *push.Notifier
	closers  []func() error
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("[BOOT] close failed", zap.Error(err))
		}
	}
}

func wire(ctx context.Context, cfg *config.AppConfig) (*App, error) {
	app := &App{}
	ok := false
	defer func() {
		if !ok {
			app.close()
		}
	}()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app.store = st
	app.closers = append(app.closers, st.Close)

	adOpt := store.Options{
		Timeout:      cfg.Store.PersistTimeout,
		MaxRetry:     cfg.Store.MaxRetry,
		BacklogLimit: cfg.Store.BacklogLimit,
	}
	var mirror presence.Mirror
	if cfg.Redis.Enabled {
		rc, err := openRedis(ctx, cfg)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, rc.close)
		adOpt.Index = rc.index
		mirror = rc.presence
	}
	app.adapter = store.NewAdapter(st, adOpt)
	sm := status.NewMachine(app.adapter, nil)

	gw, err := push.OpenGateway(push.GatewayConfig{
		Driver: cfg.Push.Driver,
		Nats:   push.NatsConfig{Servers: cfg.Push.NatsServers, Name: cfg.Server.Name, Subject: cfg.Push.NatsSubject, JetStream: cfg.Push.NatsJetStream},
		Kafka:  push.KafkaConfig{Brokers: cfg.Push.KafkaBrokers, Topic: cfg.Push.KafkaTopic, Version: cfg.Push.KafkaVersion},
		Asynq:  push.AsynqConfig{RedisURL: cfg.Push.AsynqRedis, Queue: cfg.Push.AsynqQueue, MaxRetry: cfg.Push.MaxRetry},
	})
	if err != nil {
		return nil, err
	}
	app.notifier = push.NewNotifier(gw, push.Options{Timeout: cfg.Push.Timeout, RatePerMinute: cfg.Push.RatePerMinute, MaxRetry: cfg.Push.MaxRetry})
	app.closers = append(app.closers, app.notifier.Close)

	app.registry = chat.NewRegistry(chat.RegistryConf{
		SendBuffer: cfg.WS.SendBuffer,
		MaxPerUser: cfg.WS.MaxPerUser,
		SessionTTL: cfg.WS.SessionTTL,
		SweepEvery: cfg.WS.SweepEvery,
	})
	tracker := presence.NewTracker(app.registry, app.adapter, sm, mirror, presence.Options{})
	if mirror != nil {
		// 镜像 TTL 内至少续期两次
		go tracker.KeepMirror(ctx, cfg.Redis.PresenceTTL/3)
	}

	disp := chat.NewDispatcher()
	handlers.RegisterAll(disp, &handlers.Deps{
		Registry:    app.registry,
		Store:       app.adapter,
		Private:     private.NewChannel(app.adapter, sm, app.registry, app.notifier),
		Group:       group.NewChannel(app.adapter, sm, app.registry, app.notifier),
		Presence:    tracker,
		TypingEvery: cfg.WS.TypingEvery,
	})
	app.server = chat.NewServer(app.registry, disp, tracker, chat.ServerConf{
		PingInterval: cfg.WS.PingInterval,
		WriteWait:    cfg.WS.WriteWait,
		ReadLimit:    cfg.WS.ReadLimit,
	})
	ok = true
	return app, nil
}
