package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"go-chat-relay/internal/api"
	"go-chat-relay/internal/db"
	"go-chat-relay/internal/fanout"
	"go-chat-relay/internal/gateway"
	"go-chat-relay/internal/identity"
	"go-chat-relay/internal/membership"
	"go-chat-relay/internal/metrics"
	myMiddleware "go-chat-relay/internal/middleware"
	"go-chat-relay/internal/presence"
	"go-chat-relay/internal/registry"
	"go-chat-relay/internal/session"
	"go-chat-relay/internal/store"
)

type ServeCmd struct {
	flags *Flags
}

func NewServeCmd(flags *Flags) *ServeCmd {
	return &ServeCmd{flags: flags}
}

func (cmd *ServeCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "serve",
		Usage:     "Run the relay node",
		UsageText: "chat-relay serve",
		Description: `Starts the websocket gateway and REST API.

With database.dsn set, messages and rosters live in PostgreSQL; otherwise the
node keeps history in memory and only direct topics are writable. With
redis.addr set, events are relayed to every other node on the channel.`,
		Action: cmd.run,
	})
	return app
}

func (cmd *ServeCmd) run(ctx context.Context, c *cli.Command) error {
	cfg := cmd.flags.Config
	log := cmd.flags.Logger
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promRegistry)

	// 1. Storage & roster
	var (
		backend store.Backend
		members membership.Service
	)
	if cfg.Database.DSN != "" {
		database, err := db.NewDatabase(ctx, cfg.Database.DSN, cfg.Database.MaxConns)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer database.Close()
		if err := database.AutoMigrate(ctx); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		log.Info("connected to postgres")

		backend = store.NewPostgresBackend(database.Conn)
		members = membership.Direct(membership.NewPostgres(database.Conn))
	} else {
		log.Warn("database.dsn not set, history is kept in memory and only direct topics are writable")
		backend = store.NewMemoryBackend()
		members = membership.Direct(membership.NewStatic())
	}

	// 2. Local fan-out
	reg := registry.New(members, registry.Options{Metrics: m, Logger: log})
	router := fanout.NewRouter(reg, fanout.Options{Metrics: m, Logger: log})
	defer router.Wait()

	deliver := store.Deliverers{router}
	var relay *fanout.RedisRelay
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		log.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))

		relay = fanout.NewRedisRelay(client, router, fanout.RelayOptions{
			Channel: cfg.Redis.Channel,
			NodeID:  cfg.NodeID,
			Metrics: m,
			Logger:  log,
		})
		deliver = append(deliver, relay)
	}

	tracker := presence.NewTracker(router, presence.Options{
		IdleAfter: cfg.Presence.IdleAfter,
		DeadAfter: cfg.Presence.DeadAfter,
		Metrics:   m,
		Logger:    log,
	})

	st := store.New(backend, members, deliver, store.Options{
		Limits:        cfg.ContentLimits(),
		AppendTimeout: cfg.Limits.AppendTimeout,
		PageLimit:     cfg.Limits.HistoryPage,
		Metrics:       m,
		Logger:        log,
	})

	// 3. Gateway & HTTP
	verifier := identity.NewJWT(cfg.JWT.Secret, cfg.JWT.Issuer)
	gw := gateway.New(gateway.Deps{
		Verifier: verifier,
		Members:  members,
		Store:    st,
		Registry: reg,
		Presence: tracker,
	}, gateway.Options{
		Session: session.Options{
			QueueSize:    cfg.Limits.OutboundQueue,
			RateBurst:    cfg.RateLimit.Burst,
			RateInterval: cfg.RateLimit.Interval,
		},
		CatchupMax: cfg.Limits.CatchupMax,
		Metrics:    m,
		Logger:     log,
	})

	handler := api.NewHandler(gw, api.NewOriginPolicy(cfg.AllowedOrigins, log), m, log)
	srv := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           api.NewRouter(handler, myMiddleware.NewAuthMiddleware(verifier), promRegistry),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting", zap.String("addr", cfg.HTTPAddress))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return gw.RunSweeper(gctx, cfg.Presence.SweepInterval)
	})
	if relay != nil {
		g.Go(func() error {
			return relay.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down", zap.Duration("grace_period", cfg.ShutdownGracePeriod))

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownGracePeriod)
		defer cancel()

		// Sessions first so clients see a shutdown close frame, then the listener.
		if err := gw.Shutdown(shutdownCtx); err != nil {
			log.Warn("gateway shutdown incomplete", zap.Error(err))
		}
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
