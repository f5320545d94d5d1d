package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriys/parallax/internal/anchor"
	"github.com/oriys/parallax/internal/anchorsync"
	"github.com/oriys/parallax/internal/api"
	"github.com/oriys/parallax/internal/auth"
	"github.com/oriys/parallax/internal/cache"
	"github.com/oriys/parallax/internal/config"
	"github.com/oriys/parallax/internal/fusion"
	"github.com/oriys/parallax/internal/logging"
	"github.com/oriys/parallax/internal/mapassets"
	"github.com/oriys/parallax/internal/metrics"
	"github.com/oriys/parallax/internal/observability"
	"github.com/oriys/parallax/internal/ratelimit"
	"github.com/oriys/parallax/internal/relay"
	"github.com/oriys/parallax/internal/scheduler"
	"github.com/oriys/parallax/internal/session"
	"github.com/oriys/parallax/internal/sharecode"
	"github.com/oriys/parallax/internal/store"
	"github.com/oriys/parallax/internal/vps"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func daemonCmd() *cobra.Command {
	var (
		logLevel string
		port     int
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the Parallax coordination daemon",
		Long:  "Run the WebSocket relay, anchor synchronization, pose fusion, and session control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("pg-dsn") {
				cfg.Database.DSN = pgDSN
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Server.LogLevel = logLevel
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			logging.InitStructured(cfg.Server.LogFormat, cfg.Server.LogLevel)

			if cfg.Observability.Tracing.ServiceName == "" {
				cfg.Observability.Tracing.ServiceName = "parallax"
			}
			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
			}

			// Anchors survive restarts only when Postgres is configured;
			// sessions are ephemeral either way.
			var persist store.Persistence
			if cfg.Database.DSN != "" {
				pg, err := store.NewPostgresStore(context.Background(), cfg.Database.DSN, cfg.Database.MaxConns)
				if err != nil {
					return fmt.Errorf("connect postgres: %w", err)
				}
				persist = pg
			} else {
				logging.Op().Warn("no postgres DSN configured, anchor persistence is in-memory only")
				persist = store.NewMemoryStore()
			}
			defer persist.Close()

			var (
				revocations  cache.Cache
				limitBackend ratelimit.Backend
				redisClient  *redis.Client
			)
			if addr := cfg.RedisAddr(); addr != "" {
				opts := &redis.Options{
					Addr:     addr,
					Password: cfg.Redis.Password,
					DB:       cfg.Redis.DB,
				}
				if cfg.Redis.URL != "" {
					parsed, err := redis.ParseURL(cfg.Redis.URL)
					if err != nil {
						return fmt.Errorf("parse redis url: %w", err)
					}
					opts = parsed
				}
				redisClient = redis.NewClient(opts)
				revocations = cache.NewRedisCacheFromClient(redisClient, "")
				// Shared counters when redis is up, local windows when it
				// is not: a relay node must keep admitting traffic.
				limitBackend = ratelimit.NewFallbackBackend(ratelimit.NewRedisBackend(redisClient))
			} else {
				revocations = cache.NewInMemoryCache()
				limitBackend = ratelimit.NewLocalBackend()
			}
			defer revocations.Close()

			storageCfg := mapassets.Config{
				Endpoint:  cfg.Storage.Endpoint,
				AccessKey: cfg.Storage.AccessKey,
				SecretKey: cfg.Storage.SecretKey,
				Bucket:    cfg.Storage.Bucket,
				Region:    cfg.Storage.Region,
			}
			var maps *mapassets.Library
			if storageCfg.Configured() {
				s3store, err := mapassets.NewS3Store(context.Background(), storageCfg)
				if err != nil {
					return fmt.Errorf("init map storage: %w", err)
				}
				pool := mapassets.NewIOPool(mapassets.PoolConfig{})
				pool.Start()
				defer pool.Stop()

				// Metadata reads hit a node-local tier first; writes
				// broadcast the key over redis so peer nodes drop their
				// copy instead of serving it until the TTL runs out.
				metaCache := revocations
				var invalidator *cache.CacheInvalidator
				if redisClient != nil {
					local := cache.NewInMemoryCache()
					defer local.Close()
					metaCache = cache.NewTieredCache(local, revocations, 30*time.Second)
					invalidator = cache.NewCacheInvalidator(local, redisClient)
					go invalidator.Start(context.Background())
					defer invalidator.Close()
				}
				maps = mapassets.NewLibrary(s3store, metaCache, pool, 0)
				if invalidator != nil {
					maps.NotifyPeers(invalidator)
				}
			} else {
				logging.Op().Info("map storage not configured, /api/v1/maps endpoints disabled")
			}

			sessions := session.NewStore(cfg.Session.DefaultMaxPlayers, cfg.Session.IdleTimeout)
			codes := sharecode.NewDirectory(cfg.Session.ShareCodeTTL)
			anchors := anchor.NewManager(persist, cfg.Anchor.MaxPerSession, cfg.Anchor.TemporaryTTL)
			coordinator := anchorsync.New(anchors, cfg.Anchor.SyncBatchSize)
			poses := fusion.NewHub(fusion.Config{
				SLAMMinConfidence: cfg.Fusion.SLAMMinConfidence,
				VIOMinConfidence:  cfg.Fusion.VIOMinConfidence,
				VPSMinConfidence:  cfg.Fusion.VPSMinConfidence,
				Freshness:         cfg.Fusion.Freshness,
			})

			tokens, err := auth.NewManager(auth.ManagerConfig{
				Secret:    cfg.Auth.JWTSecret,
				Algorithm: cfg.Auth.Algorithm,
				Issuer:    cfg.Auth.Issuer,
				AccessTTL: cfg.Auth.AccessTokenTTL,
			}, revocations)
			if err != nil {
				return fmt.Errorf("init token manager: %w", err)
			}

			limiter := ratelimit.New(limitBackend, ratelimit.Limits{
				PerMinute: cfg.RateLimit.PerMinute,
				Burst:     cfg.RateLimit.Burst,
			})

			hub := relay.NewHub(relay.Config{
				Heartbeat:   cfg.Session.HeartbeatInterval,
				IdleTimeout: cfg.Session.IdleTimeout,
				QueueSize:   cfg.Session.OutboundQueueSize,
			}, relay.Deps{
				Sessions: sessions,
				Codes:    codes,
				Anchors:  anchors,
				Sync:     coordinator,
				Fusion:   poses,
				Tokens:   tokens,
				Limiter:  limiter,
			})

			sweeper := scheduler.New()
			if err := sweeper.Add("session_idle_sweep", "@every 30s", func(ctx context.Context) error {
				for _, id := range sessions.Sweep() {
					codes.Release(id)
					anchors.DropSession(id)
					poses.DropSession(id)
				}
				return nil
			}); err != nil {
				return fmt.Errorf("schedule session sweep: %w", err)
			}
			if err := sweeper.Add("sharecode_reap", "@every 60s", func(ctx context.Context) error {
				codes.Reap()
				return nil
			}); err != nil {
				return fmt.Errorf("schedule sharecode reap: %w", err)
			}
			expiryEvery := fmt.Sprintf("@every %s", cfg.Anchor.ExpirySweepEvery)
			if err := sweeper.Add("anchor_expiry", expiryEvery, func(ctx context.Context) error {
				for _, e := range anchors.SweepExpired(ctx) {
					coordinator.AnchorDeleted(e.SessionID, "", e.AnchorID)
				}
				return nil
			}); err != nil {
				return fmt.Errorf("schedule anchor expiry: %w", err)
			}
			sweeper.Start()
			defer sweeper.Stop()

			httpServer := api.StartHTTPServer(fmt.Sprintf(":%d", cfg.Server.Port), api.ServerConfig{
				Sessions: sessions,
				Codes:    codes,
				Anchors:  anchors,
				Sync:     coordinator,
				Fusion:   poses,
				Tokens:   tokens,
				Persist:  persist,
				Cache:    revocations,
				VPS:      vps.NewClient(vps.Config{BaseURL: cfg.Fusion.VPSURL}),
				Maps:     maps,
				Relay:    relay.NewHandler(hub),
				Limiter:  limiter,
			})

			logging.Op().Info("parallax daemon started",
				"port", cfg.Server.Port,
				"environment", cfg.Server.Environment)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Op().Info("shutdown signal received")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			// Stop intake first, then drain sockets, then flush dirty
			// anchors while the store is still open.
			httpServer.Shutdown(shutdownCtx)
			hub.Shutdown(shutdownCtx)
			anchors.Flush(shutdownCtx)

			return nil
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	cmd.Flags().IntVar(&port, "port", 8080, "HTTP listen port")

	return cmd
}
