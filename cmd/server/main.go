// Package main is the entry point for the API server
//
//	@title			Formpulse API
//	@version		1.0
//	@description	会话行为分析服务：指纹采集、字段日志与聚合报表
//	@termsOfService	http://swagger.io/terms/
//
//	@contact.name	API Support
//	@contact.url	http://www.swagger.io/support
//	@contact.email	support@swagger.io
//
//	@license.name	Apache 2.0
//	@license.url	http://www.apache.org/licenses/LICENSE-2.0.html
//
//	@host		localhost:8080
//	@BasePath	/
//
//	@schemes		http https
//
//	@securityDefinitions.apikey	BearerAuth
//	@in						header
//	@name					Authorization
//
//	@externalDocs.description	OpenAPI
//	@externalDocs.url			https://swagger.io/resources/open-api/
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"formpulse/internal/analytics"
	"formpulse/internal/config"
	"formpulse/internal/db"
	"formpulse/internal/esx"
	"formpulse/internal/geo"
	"formpulse/internal/httpx"
	"formpulse/internal/httpx/auth"
	"formpulse/internal/httpx/mw"
	"formpulse/internal/ingest"
	"formpulse/internal/logx"
	"formpulse/internal/mqx"
	"formpulse/internal/redisx"
	"formpulse/internal/server"
	"formpulse/internal/store"

	_ "formpulse/docs" // swagger docs
)

func main() {
	// Load config (env + .env first; optional Apollo override)
	cfg, cfgStore, apClose, err := config.Load()
	if err != nil {
		panic(err)
	}
	if apClose != nil {
		defer apClose()
	}

	logx.Init(cfg.Log.Level, cfg.Log.Format)
	mainLogger := logx.GetScope("main")
	mainLogger.Info("config loaded",
		zap.String("env", cfg.AppEnv),
		zap.String("addr", cfg.Server.Addr),
		zap.String("db.driver", cfg.DB.Driver),
		zap.String("log.level", cfg.Log.Level),
	)

	d, closeDB, err := db.Open(cfg)
	if err != nil {
		mainLogger.Error("open db error", zap.Error(err))
		panic(err)
	}
	defer closeDB()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := store.Migrate(ctx, d); err != nil {
		mainLogger.Error("migrate error", zap.Error(err))
		panic(err)
	}
	st := store.New(d)

	// Optional deps: Redis, MQ, ES. Each degrades to a no-op when absent.
	rdb, closeRedis, err := redisx.Open(cfg)
	if err != nil {
		mainLogger.Warn("redis init failed; rate limits are per instance and geo lookups uncached", zap.Error(err))
	}
	defer closeRedis()

	var publisher mqx.Publisher
	if cfg.MQ.URL != "" {
		if pub, err := mqx.NewRabbitPublisher(cfg.MQ.URL, cfg.MQ.Exchange); err != nil {
			mainLogger.Warn("mq init failed", zap.Error(err))
		} else {
			publisher = pub
			defer func() { _ = pub.Close() }()
		}
	}

	esClient, closeES, err := esx.Open(cfg)
	if err != nil {
		mainLogger.Warn("es init failed", zap.Error(err))
	}
	defer closeES()

	locator := geo.NewCached(geo.NewIPAPI(cfg.Geo.URL, cfg.GeoTimeout()), rdb, cfg.GeoCacheTTL())
	svc := ingest.New(st,
		ingest.WithLocator(locator),
		ingest.WithPublisher(publisher),
		ingest.WithIndex(esx.NewSessionIndex(esClient, cfg.ES.SessionIndex)),
		ingest.WithGeoTimeout(cfg.GeoTimeout()),
	)
	engine := analytics.NewEngine(st,
		analytics.WithTopN(cfg.Analytics.TopN),
		analytics.WithIdleThreshold(cfg.IdleThreshold()),
	)
	limits := func() (time.Duration, int) {
		c := cfgStore.Get()
		return c.RateWindow(), c.RateLimit.Max
	}

	app := httpx.NewApp(cfg.Server.ProxyHeader)
	httpx.RegisterCommonMiddlewares(app)
	httpx.Register(app, httpx.Deps{
		Ingest:      svc,
		Analytics:   engine,
		Settings:    cfgStore,
		Tokens:      auth.Parser(cfgStore),
		IngestLimit: mw.RateLimit(rdb, "ingest", limits, mw.IngestKey),
		Checks: map[string]httpx.Check{
			"db":    st.Ping,
			"redis": func(ctx context.Context) error { return redisx.Ping(ctx, rdb) },
		},
		Swagger: cfg.AppEnv != "prod",
	})

	// Validators: rollback strategy for invalid config
	cfgStore.AddValidator(func(newCfg *config.Config, changed map[string]bool) error {
		if changed["pg.max_open"] || changed["pg.max_idle"] {
			if newCfg.PG.MaxIdleConns > newCfg.PG.MaxOpenConns {
				return fmt.Errorf("PG_MAX_IDLE cannot exceed PG_MAX_OPEN")
			}
		}
		return nil
	})

	cfgStore.Watch(func(newCfg *config.Config, changed map[string]bool) {
		if changed["pg.max_open"] || changed["pg.max_idle"] {
			db.UpdatePool(newCfg.PG.MaxOpenConns, newCfg.PG.MaxIdleConns)
			mainLogger.Info("db pool updated",
				zap.Int("max_open", newCfg.PG.MaxOpenConns),
				zap.Int("max_idle", newCfg.PG.MaxIdleConns),
			)
		}
		if changed["analytics.top_n"] {
			engine.SetTopN(newCfg.Analytics.TopN)
			mainLogger.Info("analytics top-n updated", zap.Int("top_n", newCfg.Analytics.TopN))
		}
		if changed["session.idle_min"] {
			engine.SetIdleThreshold(newCfg.IdleThreshold())
			mainLogger.Info("idle threshold updated", zap.Duration("idle", newCfg.IdleThreshold()))
		}
		for _, k := range []string{"pg.url", "redis.addr", "mq.url", "es.addrs", "geo.url", "server.addr"} {
			if changed[k] {
				mainLogger.Warn("setting changed; restart required to take effect", zap.String("key", k))
			}
		}
		switch {
		case changed["log.format"]:
			logx.Init(newCfg.Log.Level, newCfg.Log.Format)
			mainLogger.Info("logger reconfigured",
				zap.String("level", newCfg.Log.Level),
				zap.String("format", newCfg.Log.Format),
			)
		case changed["log.level"]:
			logx.SetLevel(newCfg.Log.Level)
			mainLogger.Info("log level changed", zap.String("level", newCfg.Log.Level))
		}
	})

	// Graceful shutdown
	go func() {
		ln, err := server.GetListener(cfg.Server.Addr)
		if err != nil {
			mainLogger.Sugar().Errorf("listener error: %v", err)
			return
		}
		if err := app.Listener(ln); err != nil {
			mainLogger.Sugar().Infof("fiber exit: %v", err)
		}
	}()
	mainLogger.Sugar().Infof("server started on %s", cfg.Server.Addr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	mainLogger.Info("shutting down...")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		mainLogger.Warn("shutdown", zap.Error(err))
	}
}
