// Command harborsync runs the container availability service: the HTTP
// API, the reconciliation scheduler and the portal session machinery.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harborsync/harborsync/internal/app"
	"github.com/harborsync/harborsync/internal/app/httpapi"
	"github.com/harborsync/harborsync/internal/app/storage/postgres"
	"github.com/harborsync/harborsync/internal/app/storage/redisstore"
	"github.com/harborsync/harborsync/internal/config"
	"github.com/harborsync/harborsync/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.NewDefault("main").WithError(err).Error("load configuration")
		os.Exit(1)
	}
	log := logger.New(logger.LoggingConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Component: "harborsync",
	})

	stores := app.Stores{}
	if cfg.Postgres.DSN != "" {
		db, err := postgres.Open(cfg.Postgres.DSN)
		if err != nil {
			log.WithError(err).Error("connect postgres")
			os.Exit(1)
		}
		defer db.Close()
		if err := postgres.Migrate(db); err != nil {
			log.WithError(err).Error("migrate postgres")
			os.Exit(1)
		}
		store := postgres.New(db)
		stores.Containers = store
		stores.Sessions = store
		stores.Terminals = store
		log.Info("using postgres storage")
	}
	if cfg.Redis.Addr != "" {
		client, err := redisstore.Open(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.WithError(err).Error("connect redis")
			os.Exit(1)
		}
		defer client.Close()
		stores.Sessions = redisstore.New(client, 0)
		log.Info("using redis session storage")
	}

	application, err := app.New(cfg, stores, log)
	if err != nil {
		log.WithError(err).Error("assemble application")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Error("start services")
		os.Exit(1)
	}

	err = httpapi.Serve(ctx, cfg.Server.Addr, application.Router(), log)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if stopErr := application.Stop(shutdownCtx); stopErr != nil {
		log.WithError(stopErr).Warn("stop services")
	}
	if err != nil {
		log.WithError(err).Error("http server")
		os.Exit(1)
	}
}
