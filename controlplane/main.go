package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qaflow-labs/qaflow-go/internal/contextsvc"
	"github.com/qaflow-labs/qaflow-go/internal/embedding"
	"github.com/qaflow-labs/qaflow-go/internal/eventbus"
	"github.com/qaflow-labs/qaflow-go/internal/eventlog"
	"github.com/qaflow-labs/qaflow-go/internal/execution/adapter"
	"github.com/qaflow-labs/qaflow-go/internal/execution/queue"
	"github.com/qaflow-labs/qaflow-go/internal/orchestrator"
	"github.com/qaflow-labs/qaflow-go/internal/platform/httpserver"
	"github.com/qaflow-labs/qaflow-go/internal/platform/objectstore"
	"github.com/qaflow-labs/qaflow-go/internal/platform/postgres"
	"github.com/qaflow-labs/qaflow-go/internal/platform/sqlite"
	"github.com/qaflow-labs/qaflow-go/internal/policy"
	"github.com/qaflow-labs/qaflow-go/internal/push"
	"github.com/qaflow-labs/qaflow-go/internal/vectorindex"
	"golang.org/x/sync/errgroup"
)

const service = "controlplane"

func main() {
	cfg, err := configFromEnv()
	if err != nil {
		slog.Error("invalid env", "error", err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, cfg.Dialect)
	if err != nil {
		logger.Error("database unavailable", "driver", cfg.Dialect, "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	events, err := eventlog.New(db, cfg.Dialect, logger)
	if err != nil {
		logger.Error("event log init failed", "error", err)
		os.Exit(2)
	}
	if err := events.Migrate(ctx); err != nil {
		logger.Error("event log migration failed", "error", err)
		os.Exit(1)
	}

	index, snapshots, err := newIndex(ctx, logger)
	if err != nil {
		logger.Error("vector index init failed", "error", err)
		os.Exit(2)
	}

	embedCfg, err := embedding.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid embedding config", "error", err)
		os.Exit(2)
	}
	embedder, err := embedding.New(embedCfg, logger)
	if err != nil {
		logger.Error("embedder init failed", "error", err)
		os.Exit(2)
	}

	policies := policy.NewStore(nil)
	if cfg.PolicyDir != "" {
		loaded, err := policy.LoadDir(cfg.PolicyDir)
		if err != nil {
			logger.Error("policy load failed", "dir", cfg.PolicyDir, "error", err)
			os.Exit(2)
		}
		if err := policies.Seed(loaded...); err != nil {
			logger.Error("policy seed failed", "error", err)
			os.Exit(2)
		}
		logger.Info("policies loaded", "dir", cfg.PolicyDir, "count", len(loaded))
	}

	svcCfg, err := contextsvc.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid context config", "error", err)
		os.Exit(2)
	}
	svc, err := contextsvc.New(events, index, embedder, policies, svcCfg, logger)
	if err != nil {
		logger.Error("context service init failed", "error", err)
		os.Exit(2)
	}
	policies.SetOnChange(svc.RecordPolicyChange)

	registry, err := newRegistry(logger)
	if err != nil {
		logger.Error("adapter config invalid", "error", err)
		os.Exit(2)
	}

	busCfg, err := eventbus.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid event bus config", "error", err)
		os.Exit(2)
	}
	bus := eventbus.New(busCfg, logger)
	defer bus.Close()

	pushCfg, err := push.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid push config", "error", err)
		os.Exit(2)
	}
	hub, err := push.NewHub(bus, pushCfg, logger)
	if err != nil {
		logger.Error("push hub init failed", "error", err)
		os.Exit(2)
	}
	defer hub.Close()

	queueCfg, err := queue.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid queue config", "error", err)
		os.Exit(2)
	}
	orchCfg, err := orchestrator.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid orchestrator config", "error", err)
		os.Exit(2)
	}
	orch, err := orchestrator.New(queueCfg, orchCfg, registry, bus, svc, logger)
	if err != nil {
		logger.Error("orchestrator init failed", "error", err)
		os.Exit(2)
	}

	if err := svc.Start(ctx); err != nil {
		logger.Error("context service start failed", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", httpserver.Healthz(service))
	checks := []httpserver.ReadinessCheck{{
		Name:    string(cfg.Dialect),
		Timeout: 750 * time.Millisecond,
		Check:   events.Ping,
	}}
	if snapshots != nil {
		checks = append(checks, httpserver.ReadinessCheck{Name: "snapshot_bucket", Check: snapshots.Check})
	}
	mux.HandleFunc("GET /readyz", httpserver.ReadyzWithChecks(service, checks...))
	mux.Handle("/ws/", hub)
	newControlPlaneAPI(logger, orch, svc, bus, hub).register(mux)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Run(gctx, logger, httpserver.Config{
			Service:         service,
			Addr:            cfg.Addr,
			ShutdownTimeout: cfg.ShutdownTimeout,
		}, httpserver.Wrap(logger, service, mux))
	})
	g.Go(func() error {
		<-gctx.Done()
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return orch.Close(closeCtx)
	})
	g.Go(func() error { return svc.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func openDatabase(ctx context.Context, dialect eventlog.Dialect) (*sql.DB, error) {
	if dialect == eventlog.Postgres {
		cfg, err := postgres.ConfigFromEnv()
		if err != nil {
			return nil, err
		}
		return postgres.Open(ctx, cfg)
	}
	cfg, err := sqlite.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return sqlite.Open(ctx, cfg)
}

// newIndex builds the vector index and, for the minio backend, returns the
// bucket client so readiness can check it.
func newIndex(ctx context.Context, logger *slog.Logger) (*vectorindex.Index, *objectstore.MinioStore, error) {
	cfg, err := vectorindex.ConfigFromEnv()
	if err != nil {
		return nil, nil, err
	}
	var (
		objects    objectstore.Store
		minioStore *objectstore.MinioStore
	)
	if cfg.Backend == vectorindex.BackendMinio {
		storeCfg, err := objectstore.ConfigFromEnv()
		if err != nil {
			return nil, nil, err
		}
		startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if minioStore, err = objectstore.NewMinioStore(startupCtx, storeCfg); err != nil {
			return nil, nil, err
		}
		objects = minioStore
	}
	store, err := vectorindex.NewStore(cfg, objects)
	if err != nil {
		return nil, nil, err
	}
	index, err := vectorindex.New(cfg, store, logger)
	if err != nil {
		return nil, nil, err
	}
	return index, minioStore, nil
}

func newRegistry(logger *slog.Logger) (*adapter.Registry, error) {
	cfg, err := adapter.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	defs := adapter.DefaultDefinitions()
	if cfg.File != "" {
		if defs, err = adapter.LoadDefinitions(cfg.File); err != nil {
			return nil, err
		}
	}
	adapters, err := adapter.NewProcessAdapters(defs, cfg.SelectorRoot, cfg.KillGrace, logger)
	if err != nil {
		return nil, err
	}
	return adapter.NewRegistry(adapters...)
}
