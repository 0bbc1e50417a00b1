// Command calderad runs the Caldera agent platform: REST + SSE API, agent
// runtimes, memory subsystem, and the built-in tool and skill sets.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/calderahq/caldera"
	"github.com/calderahq/caldera/internal/config"
	"github.com/calderahq/caldera/memory"
	"github.com/calderahq/caldera/observer"
	"github.com/calderahq/caldera/provider/openaicompat"
	"github.com/calderahq/caldera/provider/resolve"
	"github.com/calderahq/caldera/server"
	"github.com/calderahq/caldera/skills"
	"github.com/calderahq/caldera/store/postgres"
	"github.com/calderahq/caldera/store/sqlite"
	"github.com/calderahq/caldera/tools/calc"
	"github.com/calderahq/caldera/tools/clock"
	"github.com/calderahq/caldera/tools/code"
	"github.com/calderahq/caldera/tools/file"
	"github.com/calderahq/caldera/tools/knowledge"
	"github.com/calderahq/caldera/tools/messaging"
	"github.com/calderahq/caldera/tools/task"
	"github.com/calderahq/caldera/tools/weather"
	"github.com/calderahq/caldera/tools/web"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "calderad:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Load config
	cfg, err := config.Load(os.Getenv("CALDERA_CONFIG"))
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	// 2. Open the store
	var (
		repo       caldera.AgentRepository
		backend    memory.Backend
		lister     memory.AgentLister
		closeStore func() error
	)
	switch cfg.Store.Driver {
	case "postgres":
		pool, perr := pgxpool.New(ctx, cfg.Store.DSN)
		if perr != nil {
			return fmt.Errorf("postgres: %w", perr)
		}
		st := postgres.New(pool)
		if err := st.Init(ctx); err != nil {
			pool.Close()
			return err
		}
		repo, backend, lister = st, st, st
		closeStore = func() error { pool.Close(); return nil }
	default:
		st := sqlite.New(cfg.Store.Path, sqlite.WithLogger(logger))
		if err := st.Init(ctx); err != nil {
			return err
		}
		repo, backend, lister = st, st, st
		closeStore = st.Close
	}
	defer closeStore()

	// 3. Observability (optional)
	var inst *observer.Instruments
	shutdownObs := func(context.Context) error { return nil }
	if cfg.Observer.Enabled {
		if cfg.Observer.Endpoint != "" && os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
			os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Observer.Endpoint)
		}
		inst, shutdownObs, err = observer.Init(ctx, cfg.Observer.Service, nil)
		if err != nil {
			return fmt.Errorf("observer: %w", err)
		}
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownObs(sctx); err != nil {
			logger.Warn("observer shutdown", "error", err)
		}
	}()

	// 4. LLM providers + embedder
	registry := resolve.NewRegistry(nil, resolve.WithLogger(logger))
	for name, p := range cfg.Providers {
		if p.APIKey == "" && p.BaseURL == "" {
			continue
		}
		prov := resolve.New(resolve.Config{Provider: name, APIKey: p.APIKey, Model: p.Model, BaseURL: p.BaseURL})
		if inst != nil {
			prov = observer.WrapProvider(prov, inst)
		}
		registry.Register(prov)
	}
	if len(registry.Names()) == 0 {
		logger.Warn("no LLM providers configured; chat requests will fail")
	}

	var embedder caldera.EmbeddingProvider
	if p, ok := cfg.Providers[cfg.Embedding.Provider]; ok && (p.APIKey != "" || p.BaseURL != "") {
		embedder = openaicompat.NewEmbedder(p.APIKey, cfg.Embedding.Model, p.BaseURL, cfg.Embedding.Dimension)
		if inst != nil {
			embedder = observer.WrapEmbedder(embedder, inst)
		}
	} else {
		logger.Warn("no embedding provider configured; semantic memory disabled")
	}

	// 5. Event bus + memory store
	bus := caldera.NewEventBus()
	defer bus.Close()

	cacheSize := cfg.Memory.CacheSize
	if !cfg.Memory.EnableCache {
		cacheSize = 0
	}
	memOpts := []memory.Option{
		memory.WithBus(bus),
		memory.WithLogger(logger),
		memory.WithCacheSize(cacheSize),
		memory.WithSearchThreshold(cfg.Memory.SearchThreshold),
		memory.WithSearchLimit(cfg.Memory.SearchLimit),
		memory.WithMaxTokens(cfg.Memory.MaxTokens),
	}
	if embedder != nil {
		memOpts = append(memOpts, memory.WithEmbedder(embedder))
	}
	memStore := memory.NewStore(backend, memOpts...)

	// 6. Built-in tools
	searchOpts := []web.SearchOption{}
	if embedder != nil {
		searchOpts = append(searchOpts, web.WithEmbedder(embedder))
	}
	weatherOpts := []weather.Option{}
	if cfg.Tools.WeatherEndpoint != "" {
		weatherOpts = append(weatherOpts, weather.WithEndpoint(cfg.Tools.WeatherEndpoint))
	}

	tools := caldera.NewToolRegistry()
	for _, t := range []caldera.Tool{
		web.NewSearch(cfg.Tools.BraveAPIKey, searchOpts...),
		web.NewRequest(),
		calc.New(),
		clock.New(),
		weather.New(weatherOpts...),
		messaging.New(bus),
		code.New(),
		knowledge.New(memStore),
		task.New(memStore),
		file.New(cfg.Tools.Workspace),
	} {
		if inst != nil {
			t = observer.WrapTool(t, inst)
		}
		if err := tools.Register(t); err != nil {
			return err
		}
	}

	// 7. Built-in skills
	skillReg := caldera.NewSkillRegistry(caldera.WithSkillLogger(logger))
	if err := skills.RegisterBuiltins(skillReg); err != nil {
		return err
	}

	// 8. Runtime manager + agent service
	manager := caldera.NewRuntimeManager(registry, tools, skillReg, memStore, bus,
		caldera.WithRuntimeTTL(cfg.Runtime.TTL.Std()),
		caldera.WithSweepInterval(cfg.Runtime.SweepInterval.Std()),
		caldera.WithLockTimeout(cfg.Runtime.LockTimeout.Std()),
		caldera.WithMaxIterations(cfg.Runtime.MaxIterations),
		caldera.WithManagerLogger(logger),
	)
	svc := caldera.NewAgentService(repo, manager, bus, caldera.WithServiceLogger(logger))

	// 9. Background maintenance
	if cfg.Memory.AutoConsolidation {
		memStore.StartConsolidation(ctx, lister, cfg.Memory.ConsolidationInterval.Std())
	}
	if inst != nil {
		handle := observer.BridgeBus(bus, inst)
		defer bus.Unsubscribe(handle)
	}

	// 10. Serve until signalled
	api := server.New(svc, tools, skillReg, server.WithLogger(logger))
	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("calderad listening", "addr", cfg.Server.Addr, "driver", cfg.Store.Driver)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := manager.Shutdown(sctx); err != nil {
		logger.Warn("runtime shutdown", "error", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
