// Command arbiter runs the judge control plane: REST surface, worker pool
// dispatcher and websocket progress gateway in one process.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/openjudge/arbiter/internal/api"
	"github.com/openjudge/arbiter/internal/config"
	"github.com/openjudge/arbiter/internal/dispatcher"
	"github.com/openjudge/arbiter/internal/infra"
	"github.com/openjudge/arbiter/internal/metrics"
	"github.com/openjudge/arbiter/internal/queue"
	"github.com/openjudge/arbiter/internal/store"
	"github.com/openjudge/arbiter/internal/worker"
)

const shutdownGrace = 10 * time.Second

func main() {
	godotenv.Load()

	cfgPath := os.Getenv("ARBITER_CONFIG")
	if cfgPath == "" {
		cfgPath = "config.yml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config load failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Server.Env == "development" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	// Queue fabric: redis when reachable, in-memory otherwise. The memory
	// backing loses replay across restarts but keeps the node serviceable.
	var list queue.List
	redisList, err := infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		slog.Warn("redis unavailable, queue fabric runs in memory", "addr", cfg.Redis.Addr, "error", err)
		list = queue.NewMemoryList()
	} else {
		defer redisList.Close()
		list = redisList
	}
	queues := queue.NewManager(list)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var stores *store.Stores
	switch cfg.Store.Backend {
	case "sql":
		pg, err := store.NewPostgresStores(ctx, cfg.Store.DSN, cfg.Store.DataDir)
		if err != nil {
			slog.Error("postgres init failed", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		stores = pg.Stores()
	default:
		stores = store.NewFileStores(cfg.Store.DataDir)
	}
	logs := store.NewLogStore(cfg.Store.DataDir)
	registry := store.NewServerRegistry(filepath.Join(cfg.Store.DataDir, "servers.json"))

	met := metrics.NewSet(prometheus.DefaultRegisterer)

	disp := dispatcher.New(dispatcher.Options{
		Mode:              cfg.Judge.Mode,
		ReconnectTimeout:  cfg.Judge.ReconnectEvery(),
		RecvTimeout:       cfg.Judge.RecvDeadline(),
		HeartbeatInterval: cfg.Judge.HeartbeatEvery(),
		MaxRetry:          cfg.Judge.MaxRetry,
		Worker: worker.Options{
			RecvTimeout:       cfg.Judge.RecvDeadline(),
			HeartbeatInterval: cfg.Judge.HeartbeatEvery(),
			LanguageDoc:       readDoc(cfg.Judge.LanguageFile),
			CompilerDoc:       readDoc(cfg.Judge.CompilerFile),
		},
	}, registry, stores.Submissions, stores.Problems, logs, met)

	if err := disp.FromRegistry(ctx); err != nil {
		slog.Warn("registry load failed, starting with an empty pool", "error", err)
	}
	go disp.Run(ctx)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: api.NewServer(stores, logs, queues, disp).Router(),
	}
	go func() {
		slog.Info("arbiter listening", "port", cfg.Server.Port, "judge_mode", cfg.Judge.Mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, release := context.WithTimeout(context.Background(), shutdownGrace)
	defer release()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", "error", err)
	}

	disp.Stop()
	queues.Stop()
	slog.Info("bye")
}

// readDoc loads a declare document; workers accept an empty declaration.
func readDoc(path string) string {
	if path == "" {
		return "{}"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("declare document unavailable", "path", path, "error", err)
		return "{}"
	}
	return string(data)
}
