package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriys/parallax/internal/circuitbreaker"
	"github.com/oriys/parallax/internal/config"
	"github.com/oriys/parallax/internal/gateway"
	"github.com/oriys/parallax/internal/logging"
	"github.com/oriys/parallax/internal/metrics"
	"github.com/oriys/parallax/internal/observability"
	"github.com/oriys/parallax/internal/registry"
	"github.com/spf13/cobra"
)

func daemonCmd() *cobra.Command {
	var (
		logLevel   string
		port       int
		routesFile string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the Prism gateway daemon",
		Long:  "Run the edge router: prefix-based proxying, upstream health probing, and circuit breaking",
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

			if cmd.Flags().Changed("log-level") {
				cfg.Server.LogLevel = logLevel
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("routes") {
				cfg.Gateway.RoutesFile = routesFile
			}

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			logging.InitStructured(cfg.Server.LogFormat, cfg.Server.LogLevel)

			if cfg.Observability.Tracing.ServiceName == "" || cfg.Observability.Tracing.ServiceName == "parallax" {
				cfg.Observability.Tracing.ServiceName = "prism"
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

			table := gateway.DefaultTable()
			if cfg.Gateway.RoutesFile != "" {
				var err error
				table, err = gateway.LoadTable(cfg.Gateway.RoutesFile)
				if err != nil {
					return fmt.Errorf("load route table: %w", err)
				}
			}

			reg := registry.New(registry.Config{
				ProbeInterval: cfg.Gateway.ProbeInterval,
				ProbeTimeout:  cfg.Gateway.ProbeTimeout,
			})
			for _, svc := range table.Services {
				reg.Register(svc.Name, svc.BaseURL, svc.HealthPath)
			}

			probeCtx, stopProbes := context.WithCancel(context.Background())
			defer stopProbes()
			reg.Start(probeCtx)
			defer reg.Stop()

			gw := gateway.New(gateway.Config{
				RouteRPS:   cfg.Gateway.RouteRPS,
				RouteBurst: cfg.Gateway.RouteBurst,
			}, table, reg, circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()))

			mux := http.NewServeMux()
			mux.Handle("GET /metrics", metrics.PrometheusHandler())
			gw.RegisterRoutes(mux)

			httpServer := &http.Server{
				Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
				Handler: observability.HTTPMiddleware(mux),
			}
			go func() {
				logging.Op().Info("gateway listening", "addr", httpServer.Addr, "routes", len(table.Routes), "services", len(table.Services))
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logging.Op().Error("HTTP server error", "error", err)
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Op().Info("shutdown signal received")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			httpServer.Shutdown(shutdownCtx)

			return nil
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	cmd.Flags().IntVar(&port, "port", 8080, "HTTP listen port")
	cmd.Flags().StringVar(&routesFile, "routes", "", "Path to YAML route table")

	return cmd
}
