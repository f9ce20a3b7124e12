package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/rendis/bpmnflow/internal/engine"
	"github.com/rendis/bpmnflow/internal/expressions"
	"github.com/rendis/bpmnflow/internal/logging"
	"github.com/rendis/bpmnflow/internal/service"
	"github.com/rendis/bpmnflow/internal/source"
	"github.com/rendis/bpmnflow/internal/store"
	"github.com/rendis/bpmnflow/internal/streaming"
	"github.com/rendis/bpmnflow/pkg/schema"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg     Config
	logger  *slog.Logger
	exprs   *expressions.Set
	deriver *engine.Deriver
	store   *store.LibSQLStore   // nil unless opened with a store
	hub     *streaming.MemoryHub // set by serve
	current atomic.Pointer[service.Service]
}

// newLogger builds the process logger. Logs always go to stderr so stdout
// stays free for command output and the MCP stdio transport.
func newLogger(level *slog.LevelVar) *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(logging.NewCorrelationHandler(h))
}

// newApp wires the derivation stack from cfg. The snapshot store is opened
// and migrated only when withStore is set.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger, withStore bool) (*app, error) {
	exprs, err := expressions.NewSet()
	if err != nil {
		return nil, fmt.Errorf("init expressions: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, exprs: exprs}
	if err := a.buildDeriver(); err != nil {
		return nil, err
	}

	if withStore {
		if cfg.DBPath == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "db_path is not configured")
		}
		st, err := openStore(ctx, cfg.DBPath)
		if err != nil {
			return nil, err
		}
		a.store = st
		if v, err := st.SchemaVersion(ctx); err == nil {
			logger.Debug("snapshot store ready", "db_path", cfg.DBPath, "schema_version", v)
		}
	}

	a.buildService()
	return a, nil
}

func (a *app) buildDeriver() error {
	var linter *expressions.Linter
	if len(a.cfg.LintRules) > 0 {
		l, err := expressions.NewLinter(a.exprs.CEL(), a.cfg.LintRules)
		if err != nil {
			return fmt.Errorf("load lint rules: %w", err)
		}
		linter = l
	}
	a.deriver = engine.NewDeriver(engine.DeriverConfig{
		Linter:           linter,
		MaxDocumentBytes: a.cfg.MaxDocumentBytes,
		Logger:           a.logger,
	})
	return nil
}

func (a *app) buildService() {
	cfg := service.Config{
		Resolver:      a.resolver(),
		Deriver:       a.deriver,
		KeepSnapshots: a.cfg.KeepSnapshots,
		Logger:        a.logger,
	}
	if a.store != nil {
		cfg.Store = a.store
	}
	a.current.Store(service.New(cfg))
}

// service returns the service for the current configuration.
func (a *app) service() *service.Service {
	return a.current.Load()
}

// Refresh refreshes through the current service, so scheduled jobs follow
// configuration reloads.
func (a *app) Refresh(ctx context.Context, processKey string) (*service.RefreshResult, error) {
	return a.service().Refresh(ctx, processKey)
}

// reconfigure rebuilds the deriver and service for a new configuration,
// keeping the open store.
func (a *app) reconfigure(cfg Config) error {
	prev := a.cfg
	a.cfg = cfg
	if err := a.buildDeriver(); err != nil {
		a.cfg = prev
		return err
	}
	a.buildService()
	return nil
}

func (a *app) resolver() source.Resolver {
	if a.cfg.EngineURL != "" {
		return source.NewEngineResolver(a.cfg.EngineURL, a.cfg.ResourceRoot)
	}
	return source.NewDirResolver(a.cfg.ProcessDir)
}

// derive runs the pipeline for arg, which is either a process key or the
// path of a document on disk.
func (a *app) derive(ctx context.Context, arg string) (*schema.Derivation, error) {
	if looksLikeFile(arg) {
		ctx = logging.WithProcessKey(ctx, documentKey(arg))
		return a.deriver.Derive(ctx, arg)
	}
	return a.service().Derive(ctx, arg)
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close store", "error", err)
		}
	}
}

func openStore(ctx context.Context, dbPath string) (*store.LibSQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + dbPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return st, nil
}

func looksLikeFile(arg string) bool {
	if !strings.ContainsAny(arg, `/\`) && !hasDocumentExt(arg) {
		return false
	}
	info, err := os.Stat(arg)
	return err == nil && !info.IsDir()
}

func hasDocumentExt(name string) bool {
	for _, ext := range source.DefaultExtensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// documentKey strips the directory and document extension from path.
func documentKey(path string) string {
	base := filepath.Base(path)
	for _, ext := range source.DefaultExtensions {
		if key, ok := strings.CutSuffix(base, ext); ok && key != "" {
			return key
		}
	}
	return base
}
