package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/canstream/canstream/server/internal/alerts"
	"github.com/canstream/canstream/server/internal/api"
	"github.com/canstream/canstream/server/internal/auth"
	"github.com/canstream/canstream/server/internal/broadcast"
	"github.com/canstream/canstream/server/internal/config"
	"github.com/canstream/canstream/server/internal/ingest"
	"github.com/canstream/canstream/server/internal/logging"
	"github.com/canstream/canstream/server/internal/metrics"
	"github.com/canstream/canstream/server/internal/pubsub"
	"github.com/canstream/canstream/server/internal/query"
	"github.com/canstream/canstream/server/internal/receiver"
	"github.com/canstream/canstream/server/internal/store"
	"github.com/canstream/canstream/server/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "path to config file; defaults and environment overrides apply when empty")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	logging.Init(os.Stdout, logLevel(cfg))
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	sc := cfg.Server

	slog.Info("canstream-server starting",
		"config", *configPath,
		"grpc_port", sc.GRPCPort,
		"http_port", sc.HTTPPort,
		"history_capacity", sc.History.Capacity,
		"auth_mode", sc.Auth.Mode,
		"pubsub", sc.PubSub.Enabled,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()

	st := store.New(sc.History.Capacity)
	m.RegisterStoreKeys(st.Len)

	policy, err := broadcast.ParsePolicy(sc.Broadcast.Overflow)
	if err != nil {
		slog.Error("invalid overflow policy", "err", err)
		os.Exit(1)
	}
	bc := broadcast.New(
		broadcast.WithBuffer(sc.Broadcast.Buffer),
		broadcast.WithPolicy(policy),
		broadcast.WithMetrics(m),
	)

	gw := ingest.New(st, bc, m)
	q := query.New(st, sc.DecodeKey)

	// Alerts engine: evaluates rules on every accepted record.
	alertEngine := alerts.New(sc.Alerts, m)
	if alertEngine.Rules() > 0 {
		go alertEngine.Run(ctx, bc.Subscribe())
	}

	apiKey := auth.NewAPIKey(sc.Auth.Mode, sc.Auth.EffectiveHeader(), sc.Auth.Key())

	// gRPC intake with optional API key authentication.
	var grpcSrv *grpc.Server
	if sc.GRPCPort > 0 {
		grpcSrv = grpc.NewServer(grpc.UnaryInterceptor(apiKey.UnaryInterceptor()))
		receiver.Register(grpcSrv, receiver.New(gw))

		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", sc.GRPCPort))
		if err != nil {
			slog.Error("failed to listen on gRPC port", "port", sc.GRPCPort, "err", err)
			os.Exit(1)
		}
		go func() {
			slog.Info("gRPC receiver listening", "port", sc.GRPCPort)
			if err := grpcSrv.Serve(lis); err != nil {
				slog.Error("gRPC server stopped", "err", err)
			}
		}()
	}

	// Broker intake. Connection failures never stop the server.
	pubsubState := func() string { return "disabled" }
	if sc.PubSub.Enabled {
		tr, err := pubsub.FromConfig(sc.PubSub)
		if err != nil {
			slog.Error("invalid pubsub config", "err", err)
			os.Exit(1)
		}
		adapter := pubsub.NewAdapter(tr, gw, pubsub.Options{
			Driver:  sc.PubSub.Driver,
			Retry:   sc.PubSub.Retry,
			Metrics: m,
		})
		pubsubState = func() string { return adapter.State().String() }
		go adapter.Run(ctx)
	}

	hub := ws.New(bc, q, sc.Broadcast.ResyncInterval)
	go hub.Run(ctx)

	httpMux := http.NewServeMux()
	httpMux.Handle("/api/", api.New(api.Deps{
		Gateway:     gw,
		Query:       q,
		Store:       st,
		Subscribers: bc.Count,
		PubSub:      pubsubState,
		Alerts:      alertEngine,
		Metrics:     m,
		WriteAuth:   apiKey.Middleware,
	}))
	httpMux.Handle("/ws/stream", hub)
	httpMux.Handle("/metrics", m.Handler())

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", sc.HTTPPort),
		Handler:           httpMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "port", sc.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server stopped", "err", err)
		}
	}()

	if *configPath != "" {
		go func() {
			err := config.Watch(ctx, *configPath, func(next *config.Config) {
				applyReload(sc, next.Server, q)
			})
			if err != nil {
				slog.Error("config watch stopped", "err", err)
			}
		}()
	}

	<-ctx.Done()
	slog.Info("canstream-server shutting down")

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	httpSrv.Shutdown(shutdownCtx) //nolint:errcheck
	bc.Close()
	alertEngine.Wait()
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default()
	}
	return config.Load(path)
}

func logLevel(cfg *config.Config) string {
	if cfg == nil {
		return config.DefaultLogLevel
	}
	return cfg.Server.LogLevel
}

// applyReload applies the settings that can change at runtime. Everything
// else needs a restart and only produces a warning.
func applyReload(cur, next config.ServerConfig, q *query.Service) {
	if logging.SetLevel(next.LogLevel) {
		slog.Info("config: log level changed", "level", next.LogLevel)
	}
	prev := q.DecodeKey()
	q.SetDecodeKey(next.DecodeKey)
	if q.DecodeKey() != prev {
		slog.Info("config: decode key changed", "key", q.DecodeKey())
	}
	if next.History.Capacity != cur.History.Capacity {
		slog.Warn("config: history capacity change requires a restart",
			"running", cur.History.Capacity, "configured", next.History.Capacity)
	}
	if next.GRPCPort != cur.GRPCPort || next.HTTPPort != cur.HTTPPort || next.PubSub != cur.PubSub {
		slog.Warn("config: listener or pubsub changes require a restart")
	}
}
