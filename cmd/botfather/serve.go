package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/townshq/botfather/internal/bot"
	"github.com/townshq/botfather/internal/config"
	"github.com/townshq/botfather/internal/handlers"
	"github.com/townshq/botfather/internal/logger"
	"github.com/townshq/botfather/internal/render"
	"github.com/townshq/botfather/internal/server"
	"github.com/townshq/botfather/internal/tenant"
	"github.com/townshq/botfather/internal/towns"
)

const controlPlaneStartTimeout = 30 * time.Second

func runServe(configPath string) {
	fx.New(
		fx.Provide(
			func() (config.Config, error) { return config.Load(configPath) },
			provideLogger,
			provideStore,
			provideSessionOpts,
			provideControlPlane,
			provideFactory,
			provideCache,
			provideScheduler,
			handlers.NewPingHandler,
			handlers.NewWebhookHandler,
			provideServer,
		),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),
		fx.Invoke(registerLifecycle),
	).Run()
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideStore(lc fx.Lifecycle, cfg config.Config) (tenant.Store, error) {
	if dir := filepath.Dir(cfg.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	store, err := tenant.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return store.Close() }})
	return store, nil
}

func provideSessionOpts(cfg config.Config, log *slog.Logger) towns.SessionOpts {
	return towns.SessionOpts{
		GatewayURL: cfg.Bot.GatewayURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Logger:     log,
	}
}

func provideControlPlane(cfg config.Config, log *slog.Logger, store tenant.Store, opts towns.SessionOpts) (*bot.ControlPlane, error) {
	ctx, cancel := context.WithTimeout(context.Background(), controlPlaneStartTimeout)
	defer cancel()

	var deployer bot.Deployer
	if cfg.Render.APIKey != "" {
		deployer = render.NewClient(log, cfg.Render.APIKey)
	}

	return bot.NewControlPlane(ctx, log, store, bot.ControlPlaneConfig{
		Credentials: towns.Credentials{
			AppPrivateData: cfg.Bot.AppPrivateData,
			WebhookSecret:  cfg.Bot.WebhookSecret,
		},
		BaseURL:     cfg.Server.BaseURL,
		SessionOpts: opts,
		Deployer:    deployer,
		ServiceID:   cfg.Render.ServiceID,
	})
}

func provideFactory(cfg config.Config, log *slog.Logger, store tenant.Store, opts towns.SessionOpts) *bot.Factory {
	return bot.NewFactory(log, store, cfg.Server.BaseURL, opts, bot.DefaultRetryPolicy)
}

func provideCache(log *slog.Logger, store tenant.Store, factory *bot.Factory) *bot.Cache {
	return bot.NewCache(log, store, factory)
}

func provideScheduler(cfg config.Config, log *slog.Logger, cache *bot.Cache) *bot.Scheduler {
	return bot.NewScheduler(log, cache, cfg.Health.Cron)
}

func provideServer(cfg config.Config, pingHandler *handlers.PingHandler, webhookHandler *handlers.WebhookHandler) *server.Server {
	return server.NewServer(cfg.Server.Addr, pingHandler, webhookHandler)
}

func registerLifecycle(lc fx.Lifecycle, shutdowner fx.Shutdowner, log *slog.Logger, srv *server.Server, sched *bot.Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := sched.Start(); err != nil {
				return err
			}
			go func() {
				if err := srv.Start(); err != nil && err != http.ErrServerClosed {
					log.Error("server stopped", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			sched.Stop()
			return srv.Shutdown(ctx)
		},
	})
}
