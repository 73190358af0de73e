package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/stepflow-io/stepflow/internal/engine"
	"github.com/stepflow-io/stepflow/internal/logging"
	"github.com/stepflow-io/stepflow/internal/panel"
	"github.com/stepflow-io/stepflow/internal/scheduler"
	"github.com/stepflow-io/stepflow/internal/steps"
	"github.com/stepflow-io/stepflow/internal/store"
	"github.com/stepflow-io/stepflow/internal/streaming"
	"github.com/stepflow-io/stepflow/internal/validation"
	"github.com/stepflow-io/stepflow/pkg/mcp"
)

// runServe wires the full stack and serves MCP over stdio until the process
// is signalled: libSQL store, step registry, durable engine, crash recovery,
// scheduler, event hub, waiting-state notifier, and the HTTP side (health
// plus the optional panel). SIGHUP reloads the reloadable config fields.
func runServe() {
	cfg := loadConfig()

	// MCP owns stdout, so all logging goes to stderr. The LevelVar lets
	// SIGHUP change the level without rebuilding the logger.
	levelVar := new(slog.LevelVar)
	levelVar.Set(parseLogLevel(cfg.LogLevel))
	logger := slog.New(logging.NewCorrelationHandler(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		fatal(logger, "create data directory", err)
	}
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		fatal(logger, "open store", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		fatal(logger, "migrate store", err)
	}

	registry, err := buildRegistry()
	if err != nil {
		fatal(logger, "build step registry", err)
	}

	backend := engine.NewDurableBackend(st, time.Duration(cfg.ApprovalPollInterval)*time.Second)
	eng, err := engine.New(registry, backend, engine.Config{
		PoolSize:           cfg.PoolSize,
		DefaultStepTimeout: time.Duration(cfg.DefaultStepTimeout) * time.Second,
		Logger:             logger,
	})
	if err != nil {
		fatal(logger, "build engine", err)
	}

	hub := streaming.NewMemoryHub()
	eng.OnEvent(streaming.RunEventHook(hub))

	// Resume runs interrupted by the previous process before anything new
	// starts, so their approvals poll again and their steps re-dispatch.
	recovered, err := eng.Recover(ctx)
	if err != nil {
		logger.Warn("recovery incomplete", "error", err)
	}
	if len(recovered) > 0 {
		logger.Info("recovered interrupted runs", "count", len(recovered))
	}

	sched := scheduler.NewScheduler(st, eng, logger)
	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Warn("missed-run recovery failed", "error", err)
	}
	if err := sched.Start(ctx); err != nil {
		fatal(logger, "start scheduler", err)
	}
	defer sched.Stop()

	srv := mcp.NewServer(mcp.ServerDeps{
		Runtime: eng,
		Store:   st,
		Hub:     hub,
		Logger:  logger,
	})
	notifier := mcp.NewNotifier(srv.MCPServer(), srv.Sessions(), hub, logger)
	if err := notifier.Watch(ctx); err != nil {
		logger.Warn("waiting notifications disabled", "error", err)
	}

	swapper := newHandlerSwapper(buildHTTPHandler(cfg.Panel, st, eng, hub, logger))
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           swapper,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("http listening", "addr", cfg.ListenAddr, "panel", cfg.Panel)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", "error", err)
		}
	}()

	writePidFile(logger)
	defer os.Remove(pidPath())

	go watchReload(ctx, cfg, swapper, levelVar, st, eng, hub, logger)
	go maintenanceLoop(ctx, eng, st, cfg.RunHistoryLimit, logger)

	logger.Info("stepflow serving MCP on stdio",
		"version", version, "db", cfg.DBPath, "pool_size", cfg.PoolSize)
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		logger.Error("mcp server stopped", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Warn("engine shutdown incomplete", "error", err)
	}
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Info("stepflow stopped")
}

// buildRegistry assembles the builtin step-type catalog.
func buildRegistry() (*steps.Registry, error) {
	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, fmt.Errorf("build schema validator: %w", err)
	}

	reg := steps.NewRegistry()
	executors := append(steps.BasicExecutors(),
		steps.NewDataProcessingExecutor(),
		steps.NewMergeExecutor(),
		steps.NewApprovalExecutor(),
		steps.NewHTTPRequestExecutor(steps.HTTPConfig{}),
		steps.NewFileReadExecutor(steps.FileConfig{}),
		steps.NewAssertExecutor(validator),
	)
	for _, ex := range executors {
		if err := reg.Register(ex); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// buildHTTPHandler returns the HTTP surface: /healthz always, the panel
// routes when enabled.
func buildHTTPHandler(panelEnabled bool, st *store.LibSQLStore, eng *engine.Engine, hub streaming.EventHub, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","version":%q}`+"\n", version)
	})
	if panelEnabled {
		p := panel.NewPanelServer(panel.PanelDeps{
			Store:   st,
			Runtime: eng,
			Hub:     hub,
			Logger:  logger,
		})
		mux.Handle("/", p.Handler())
	}
	return mux
}

// watchReload applies SIGHUP config reloads: log level and panel toggle
// apply live, everything else is reported as needing a restart.
func watchReload(ctx context.Context, cfg Config, swapper *handlerSwapper, levelVar *slog.LevelVar, st *store.LibSQLStore, eng *engine.Engine, hub streaming.EventHub, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			next := loadConfig()
			d := diffConfigs(cfg, next)
			if d.LogLevelChanged {
				levelVar.Set(parseLogLevel(next.LogLevel))
				logger.Info("log level changed", "level", next.LogLevel)
			}
			if d.PanelChanged {
				swapper.Swap(buildHTTPHandler(next.Panel, st, eng, hub, logger))
				logger.Info("panel toggled", "enabled", next.Panel)
			}
			if len(d.RestartNeeded) > 0 {
				logger.Warn("config changes need a restart",
					"fields", strings.Join(d.RestartNeeded, ", "))
			}
			cfg = next
		}
	}
}

// maintenanceLoop prunes settled runs from engine memory and compacts the
// database on a long interval.
func maintenanceLoop(ctx context.Context, eng *engine.Engine, st *store.LibSQLStore, keep int, logger *slog.Logger) {
	prune := time.NewTicker(10 * time.Minute)
	vacuum := time.NewTicker(24 * time.Hour)
	defer prune.Stop()
	defer vacuum.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-prune.C:
			if keep > 0 {
				if n := eng.Prune(keep); n > 0 {
					logger.Debug("pruned settled runs", "count", n)
				}
			}
		case <-vacuum.C:
			if err := st.Vacuum(ctx); err != nil {
				logger.Warn("vacuum failed", "error", err)
			}
		}
	}
}

func writePidFile(logger *slog.Logger) {
	if err := os.MkdirAll(stepflowDir(), 0o700); err != nil {
		logger.Warn("cannot create config dir", "error", err)
		return
	}
	if err := os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		logger.Warn("cannot write pidfile", "error", err)
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}

// handlerSwapper is an http.Handler that allows atomic handler replacement,
// so a SIGHUP panel toggle swaps the mux without restarting the listener.
type handlerSwapper struct {
	mu      sync.RWMutex
	handler http.Handler
}

func newHandlerSwapper(h http.Handler) *handlerSwapper {
	return &handlerSwapper{handler: h}
}

func (s *handlerSwapper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	h := s.handler
	s.mu.RUnlock()
	h.ServeHTTP(w, r)
}

// Swap replaces the underlying handler atomically.
func (s *handlerSwapper) Swap(h http.Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}
