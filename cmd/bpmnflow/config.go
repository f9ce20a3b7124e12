package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/rendis/bpmnflow/internal/expressions"
)

// Config holds all bpmnflow configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr       string                 `json:"listen_addr"`
	ProcessDir       string                 `json:"process_dir"`
	EngineURL        string                 `json:"engine_url,omitempty"`
	ResourceRoot     string                 `json:"resource_root,omitempty"`
	DBPath           string                 `json:"db_path"`
	LogLevel         string                 `json:"log_level"`
	MaxDocumentBytes int64                  `json:"max_document_bytes,omitempty"`
	KeepSnapshots    int                    `json:"keep_snapshots,omitempty"`
	RefreshCron      string                 `json:"refresh_cron,omitempty"`
	RefreshKeys      []string               `json:"refresh_keys,omitempty"`
	LintRules        []expressions.LintRule `json:"lint_rules,omitempty"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr: ":4200",
		ProcessDir: ".",
		DBPath:     filepath.Join(bpmnflowDir(), "bpmnflow.db"),
		LogLevel:   "info",
	}
}

func bpmnflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bpmnflow"
	}
	return filepath.Join(home, ".bpmnflow")
}

func settingsPath() string {
	return filepath.Join(bpmnflowDir(), "settings.json")
}

func binDir() string {
	return filepath.Join(bpmnflowDir(), "bin")
}

func loadConfig() Config {
	return loadConfigFrom(settingsPath())
}

// loadConfigFrom layers the settings file at path and the environment over
// the defaults.
func loadConfigFrom(path string) Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("BPMNFLOW_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("BPMNFLOW_PROCESS_DIR"); v != "" {
		cfg.ProcessDir = v
	}
	if v := os.Getenv("BPMNFLOW_ENGINE_URL"); v != "" {
		cfg.EngineURL = v
	}
	if v := os.Getenv("BPMNFLOW_RESOURCE_ROOT"); v != "" {
		cfg.ResourceRoot = v
	}
	if v := os.Getenv("BPMNFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("BPMNFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BPMNFLOW_MAX_DOCUMENT_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxDocumentBytes = n
		}
	}
	if v := os.Getenv("BPMNFLOW_KEEP_SNAPSHOTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.KeepSnapshots = n
		}
	}
	if v := os.Getenv("BPMNFLOW_REFRESH_CRON"); v != "" {
		cfg.RefreshCron = v
	}
	if v := os.Getenv("BPMNFLOW_REFRESH_KEYS"); v != "" {
		cfg.RefreshKeys = splitList(v)
	}

	// The engine resolves resources relative to the process dir by default.
	if cfg.EngineURL != "" && cfg.ResourceRoot == "" {
		cfg.ResourceRoot = cfg.ProcessDir
	}

	return cfg
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	SourceChanged   bool // process dir, engine or lint rules: rebuild the service
	RefreshChanged  bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.ProcessDir != new.ProcessDir ||
		old.EngineURL != new.EngineURL ||
		old.ResourceRoot != new.ResourceRoot ||
		old.MaxDocumentBytes != new.MaxDocumentBytes ||
		old.KeepSnapshots != new.KeepSnapshots ||
		!slices.Equal(old.LintRules, new.LintRules) {
		d.SourceChanged = true
	}
	if old.RefreshCron != new.RefreshCron || !slices.Equal(old.RefreshKeys, new.RefreshKeys) {
		d.RefreshChanged = true
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	return d
}

func pidPath() string {
	return filepath.Join(bpmnflowDir(), "bpmnflow.pid")
}
