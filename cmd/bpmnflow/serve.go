package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rendis/bpmnflow/internal/api"
	"github.com/rendis/bpmnflow/internal/logging"
	"github.com/rendis/bpmnflow/internal/scheduler"
	"github.com/rendis/bpmnflow/internal/service"
	"github.com/rendis/bpmnflow/internal/streaming"
	flowmcp "github.com/rendis/bpmnflow/pkg/mcp"
)

const shutdownTimeout = 10 * time.Second

// runServe starts the HTTP API, the refresh scheduler and, with -mcp, the
// MCP stdio server. SIGHUP reloads the configuration.
func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	listen := fs.String("listen", "", "TCP listen address (overrides listen_addr)")
	dir := fs.String("dir", "", "directory holding process documents (overrides process_dir)")
	withMCP := fs.Bool("mcp", false, "also serve MCP over stdio")
	noStore := fs.Bool("no-store", false, "run without the snapshot store")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	overrides := func(cfg *Config) {
		if *listen != "" {
			cfg.ListenAddr = *listen
		}
		if *dir != "" {
			cfg.ProcessDir = *dir
		}
	}
	cfg := loadConfig()
	overrides(&cfg)

	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	logger := newLogger(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, !*noStore)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return exitCodeFor(err)
	}
	defer a.close()
	a.hub = streaming.NewMemoryHub()

	handler := newSourceHandler(a.apiHandler(), sourceLabel(cfg))
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var mcpSrv *flowmcp.FlowServer
	if *withMCP {
		mcpSrv = flowmcp.NewFlowServer(flowmcp.FlowServerDeps{
			Service:     a.service(),
			Expressions: a.exprs,
			BinDir:      binDir(),
			Version:     version,
			Logger:      logger,
		})
	}

	var sched *scheduler.Scheduler
	if a.store != nil {
		sched = scheduler.NewScheduler(a.store, a, logger)
		sched.OnChange(func(ctx context.Context, key string, res *service.RefreshResult) {
			if err := a.hub.Publish(ctx, api.SnapshotEvent(key, res)); err != nil {
				logger.Warn("publish snapshot event", "error", err)
			}
			if mcpSrv != nil {
				mcpSrv.Notifier().SnapshotChanged(ctx, key, res)
			}
		})
		if err := a.syncRefreshJobs(ctx, sched); err != nil {
			logger.Error("sync refresh jobs", "error", err)
			return exitError
		}
		if err := sched.RecoverMissed(ctx); err != nil {
			logger.Warn("recover missed refresh jobs", "error", err)
		}
		if err := sched.Start(ctx); err != nil {
			logger.Error("start scheduler", "error", err)
			return exitError
		}
		defer func() { _ = sched.Stop() }()
	}

	writePIDFile(logger)
	defer os.Remove(pidPath())

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	if mcpSrv != nil {
		go func() {
			logger.Info("mcp stdio server started")
			if err := mcpSrv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("mcp server: %w", err)
			}
		}()
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	code := exitOK
loop:
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			break loop
		case err := <-errCh:
			logger.Error("server failed", "error", err)
			code = exitError
			break loop
		case <-hup:
			next := loadConfig()
			overrides(&next)
			a.reload(ctx, next, level, handler, sched, mcpSrv != nil)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return code
}

func (a *app) apiHandler() http.Handler {
	deps := api.Deps{
		Service:     a.service(),
		Expressions: a.exprs,
		BinDir:      binDir(),
		Logger:      a.logger,
	}
	if a.hub != nil {
		deps.Hub = a.hub
	}
	return api.NewServer(deps).Handler()
}

// syncRefreshJobs registers a refresh job per configured key. Without
// explicit keys every key the resolver can list is scheduled.
func (a *app) syncRefreshJobs(ctx context.Context, sched *scheduler.Scheduler) error {
	if a.cfg.RefreshCron == "" {
		return nil
	}
	keys := a.cfg.RefreshKeys
	if len(keys) == 0 {
		listed, err := a.service().Keys()
		if err != nil {
			return err
		}
		keys = listed
	}
	return sched.Sync(ctx, keys, a.cfg.RefreshCron)
}

// reload applies a new configuration to the running server.
func (a *app) reload(ctx context.Context, next Config, level *slog.LevelVar, handler *sourceHandler, sched *scheduler.Scheduler, withMCP bool) {
	diff := diffConfigs(a.cfg, next)
	if diff.LogLevelChanged {
		level.Set(logging.ParseLevel(next.LogLevel))
		a.logger.Info("log level changed", "level", next.LogLevel)
	}
	if len(diff.RestartNeeded) > 0 {
		a.logger.Warn("configuration changes need a restart", "fields", diff.RestartNeeded)
	}
	if diff.SourceChanged {
		if err := a.reconfigure(next); err != nil {
			a.logger.Error("reload configuration", "error", err)
			return
		}
		gen := handler.Swap(a.apiHandler(), sourceLabel(next))
		a.logger.Info("process source reloaded", "source", sourceLabel(next), "generation", gen)
		if withMCP {
			a.logger.Warn("mcp tools keep the previous process source until restart")
		}
	}
	a.cfg.LogLevel = next.LogLevel
	a.cfg.RefreshCron = next.RefreshCron
	a.cfg.RefreshKeys = next.RefreshKeys
	if diff.RefreshChanged && sched != nil {
		if err := a.syncRefreshJobs(ctx, sched); err != nil {
			a.logger.Error("sync refresh jobs", "error", err)
		}
	}
}

func writePIDFile(logger *slog.Logger) {
	if err := os.MkdirAll(bpmnflowDir(), 0o700); err != nil {
		logger.Warn("create config dir", "error", err)
		return
	}
	if err := os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		logger.Warn("write pid file", "error", err)
	}
}

var _ scheduler.Refresher = (*app)(nil)
