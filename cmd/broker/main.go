// Command broker runs the event log server: it loads configuration, opens
// the topic registry, wires the subscription manager and broker facade, and
// starts whichever front-ends the configuration enables, shutting all of
// them down together on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eventlogio/eventlog/internal/broker"
	"github.com/eventlogio/eventlog/internal/config"
	"github.com/eventlogio/eventlog/internal/frontend/binaryproto"
	"github.com/eventlogio/eventlog/internal/frontend/httpapi"
	"github.com/eventlogio/eventlog/internal/frontend/wsapi"
	"github.com/eventlogio/eventlog/internal/registry"
	"github.com/eventlogio/eventlog/internal/subscription"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults to built-in defaults + env overrides)")
	dev := flag.Bool("dev", false, "use human-readable text logging instead of JSON")
	shutdownTimeout := flag.Duration("shutdown-timeout", 10*time.Second, "max time to wait for in-flight requests to drain on shutdown")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel, *dev)
	slog.SetDefault(logger)

	reg, err := registry.Open(cfg.DataDir, logger)
	if err != nil {
		logger.Error("open registry", "error", err)
		os.Exit(1)
	}

	subs := subscription.New(logger)
	b := broker.New(reg, subs, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runners := startFrontEnds(ctx, cfg, b, logger)

	logger.Info("broker started", "server_name", cfg.ServerName, "data_dir", cfg.DataDir)
	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownTimeout)
	defer cancel()
	for _, r := range runners {
		r.shutdown(shutdownCtx)
	}

	if err := reg.CloseAll(); err != nil {
		logger.Error("close topics", "error", err)
	}
	logger.Info("shutdown complete")
}

func newLogger(level string, dev bool) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if dev {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// runner is anything main shuts down together once the signal context is
// cancelled.
type runner struct {
	name     string
	shutdown func(ctx context.Context)
}

func startFrontEnds(ctx context.Context, cfg *config.Config, b *broker.Broker, logger *slog.Logger) []runner {
	var runners []runner

	if cfg.TCP.Enabled {
		addr := net.JoinHostPort(cfg.TCP.Host, fmt.Sprintf("%d", cfg.TCP.Port))
		srv := binaryproto.NewServer(addr, b, logger)
		go func() {
			if err := srv.Serve(ctx); err != nil {
				logger.Error("binary protocol server stopped", "error", err)
			}
		}()
		runners = append(runners, runner{
			name:     "tcp",
			shutdown: func(context.Context) {},
		})
	}

	if cfg.HTTP.Enabled {
		httpSrv := httpapi.NewServer(b, logger)
		addr := net.JoinHostPort(cfg.HTTP.Host, fmt.Sprintf("%d", cfg.HTTP.Port))
		s := &http.Server{Addr: addr, Handler: httpSrv.Handler()}
		go serveHTTP(s, "http", logger)
		runners = append(runners, runner{name: "http", shutdown: shutdownHTTP(s, "http", logger)})
	}

	if cfg.WebSocket.Enabled {
		wsSrv := wsapi.NewServer(b, logger)
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", wsSrv.Handler)
		addr := net.JoinHostPort(cfg.WebSocket.Host, fmt.Sprintf("%d", cfg.WebSocket.Port))
		s := &http.Server{Addr: addr, Handler: mux}
		go serveHTTP(s, "websocket", logger)
		runners = append(runners, runner{name: "websocket", shutdown: shutdownHTTP(s, "websocket", logger)})
	}

	return runners
}

func serveHTTP(s *http.Server, name string, logger *slog.Logger) {
	logger.Info("listening", "frontend", name, "addr", s.Addr)
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server stopped", "frontend", name, "error", err)
	}
}

func shutdownHTTP(s *http.Server, name string, logger *slog.Logger) func(ctx context.Context) {
	return func(ctx context.Context) {
		if err := s.Shutdown(ctx); err != nil {
			logger.Warn("graceful shutdown incomplete", "frontend", name, "error", err)
		}
	}
}
