// Command echo-server runs a demonstration server: an echo handler, room
// join/leave/broadcast handlers, and a Prometheus metrics endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wsengine/wsengine"
	"github.com/wsengine/wsengine/config"
	"github.com/wsengine/wsengine/dispatch"
	"github.com/wsengine/wsengine/metrics"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadYAML(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	registry := prometheus.NewRegistry()
	recorder := metrics.NewPrometheus(registry)

	server, err := wsengine.New(cfg,
		wsengine.WithLogger(logger),
		wsengine.WithMetrics(recorder),
		wsengine.WithMiddleware(dispatch.RateLimit(50, 1000)),
		wsengine.WithHTTPHandler("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})),
		wsengine.WithHTTPHandler("/status", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "ok")
		})),
	)
	if err != nil {
		logger.Fatal("Failed to build server", zap.Error(err))
	}

	registerHandlers(server)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan, err := server.Start(ctx)
	if err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}
	logger.Info("Echo server listening",
		zap.String("addr", cfg.ListenAddr()),
		zap.String("path", cfg.Path),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received signal", zap.String("signal", sig.String()))
	case err := <-errChan:
		if err != nil {
			logger.Error("Listener failed", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
	}
}

func registerHandlers(server *wsengine.Server) {
	// util.echo replies with the request payload unchanged.
	server.Handle("util.echo", func(ctx *dispatch.Ctx) (any, error) {
		return ctx.Message.Payload, nil
	})

	server.RegisterHandler(dispatch.Registration{
		Event: "room.join",
		Schema: dispatch.Schema{
			"roomId": func(v any) bool { s, ok := v.(string); return ok && s != "" },
		},
		Handler: func(ctx *dispatch.Ctx) (any, error) {
			roomID := ctx.Message.Payload["roomId"].(string)
			if !server.Rooms().Join(roomID, ctx.Session) {
				return nil, fmt.Errorf("room %s is full or missing", roomID)
			}
			return map[string]any{
				"roomId":  roomID,
				"members": server.Rooms().Members(roomID),
			}, nil
		},
	})

	server.RegisterHandler(dispatch.Registration{
		Event: "room.leave",
		Schema: dispatch.Schema{
			"roomId": func(v any) bool { s, ok := v.(string); return ok && s != "" },
		},
		Handler: func(ctx *dispatch.Ctx) (any, error) {
			roomID := ctx.Message.Payload["roomId"].(string)
			server.Rooms().Leave(roomID, ctx.Session)
			return map[string]any{"roomId": roomID}, nil
		},
	})

	server.RegisterHandler(dispatch.Registration{
		Event: "room.broadcast",
		Schema: dispatch.Schema{
			"roomId": func(v any) bool { s, ok := v.(string); return ok && s != "" },
		},
		Handler: func(ctx *dispatch.Ctx) (any, error) {
			roomID := ctx.Message.Payload["roomId"].(string)
			delivered := ctx.BroadcastToRoom(roomID, "room.message", map[string]any{
				"roomId": roomID,
				"from":   ctx.Session.ID(),
				"body":   ctx.Message.Payload["body"],
			})
			return map[string]any{"delivered": delivered}, nil
		},
	})
}

func buildLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
