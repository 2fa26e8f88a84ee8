package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrEthical07/multiauth"
	"github.com/MrEthical07/multiauth/credstore/memory"
	"github.com/MrEthical07/multiauth/credstore/postgres"
	"github.com/MrEthical07/multiauth/internal/config"
	"github.com/MrEthical07/multiauth/internal/httpapi"
	"github.com/MrEthical07/multiauth/internal/logger"
	promexport "github.com/MrEthical07/multiauth/metrics/export/prometheus"
	"github.com/MrEthical07/multiauth/notify"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func serveCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.L()

	engineCfg, generated, err := cfg.Engine()
	if err != nil {
		return fmt.Errorf("engine config: %w", err)
	}
	if len(generated) > 0 {
		log.Warn("using ephemeral keys; sessions will not survive a restart",
			zap.Strings("keys", generated))
	}

	rdb, err := openRedis(ctx, cfg.Redis.URL)
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	credentials, closeStore, err := openCredentials(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	notifier, err := buildNotifier(cfg, rdb)
	if err != nil {
		return err
	}

	b := multiauth.New().
		WithConfig(engineCfg).
		WithRedis(rdb).
		WithCredentialStore(credentials).
		WithNotifier(notifier).
		WithRevocationPublisher(notify.NewRedisPublisher(rdb, cfg.Revocations.Channel)).
		WithLogger(logger.Named("engine"))
	if cfg.Auth.Audit {
		b = b.WithAuditSink(multiauth.NewZapSink(logger.L()))
	}
	engine, err := b.Build()
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer engine.Close()

	opts := httpapi.Options{
		Engine: engine,
		Logger: log,
		Cookies: httpapi.CookieOptions{
			Secure: cfg.Cookies.Secure,
			Domain: cfg.Cookies.Domain,
		},
		TrustProxy: cfg.Server.TrustProxy,
		RateLimit: httpapi.RateLimitOptions{
			Enabled: cfg.Rate.Enabled,
			RPS:     cfg.Rate.RequestsPerSecond,
			Burst:   cfg.Rate.Burst,
			IdleTTL: cfg.Rate.IdleTTL,
		},
	}
	if engineCfg.Metrics.Enabled {
		opts.Metrics = promexport.NewExporter(engine).Handler()
	}
	api, err := httpapi.New(opts)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", srv.Addr), zap.String("env", cfg.App.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		revlog := logger.Named("revocations")
		return notify.SubscribeRevocations(gctx, rdb, cfg.Revocations.Channel, revlog, func(ev multiauth.RevocationEvent) {
			revlog.Debug("session revoked",
				logger.UserID(ev.UserID),
				logger.SessionID(ev.SessionID),
				zap.String("reason", ev.Reason),
			)
		})
	})
	return g.Wait()
}

func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func openCredentials(ctx context.Context, cfg *config.Config) (multiauth.CredentialStore, func(), error) {
	switch cfg.Storage.Driver {
	case "postgres":
		store, err := postgres.Open(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case "memory":
		logger.L().Warn("credential store is in memory; identities are lost on restart")
		return memory.New(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// buildNotifier sends mail when SMTP is configured and logs otherwise.
// In-app codes always go over Redis.
func buildNotifier(cfg *config.Config, rdb redis.UniversalClient) (multiauth.Notifier, error) {
	router := notify.NewRouter(notify.NewLogNotifier(logger.Named("notify")))

	if cfg.SMTP.Host != "" {
		sender := notify.NewSMTPSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.From, cfg.SMTP.Username, cfg.SMTP.Password)
		sender.TLSMode = cfg.SMTP.TLS
		sender.InsecureSkipVerify = cfg.SMTP.InsecureSkipVerify

		mailer, err := notify.NewMailer(sender, notify.MailerOptions{
			AppName:  cfg.App.Name,
			ResetURL: cfg.Email.ResetURL,
			Logger:   logger.Named("mailer"),
		})
		if err != nil {
			return nil, fmt.Errorf("mailer: %w", err)
		}
		router.Route(mailer, mailer.Kinds()...)
	}

	router.Route(notify.NewInAppPublisher(rdb, ""), multiauth.NotifyInAppOTP)
	return router, nil
}
