package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/rendis/bpmnflow/internal/diagram"
	"github.com/rendis/bpmnflow/internal/logging"
	"github.com/rendis/bpmnflow/pkg/schema"
)

// Exit codes.
const (
	exitOK         = 0
	exitError      = 1
	exitNotFound   = 2
	exitBadProcess = 3
	exitUsage      = 64
)

// errUsage marks command-line mistakes.
var errUsage = errors.New("usage")

// commonFlags are shared by every derivation subcommand.
type commonFlags struct {
	processDir string
	engineURL  string
	query      string
	lang       string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.processDir, "dir", "", "directory holding process documents (overrides process_dir)")
	fs.StringVar(&c.engineURL, "engine-url", "", "process engine REST base URL (overrides engine_url)")
	fs.StringVar(&c.query, "q", "", "expression evaluated against the result")
	fs.StringVar(&c.lang, "lang", "jq", "query language: jq, expr, cel")
}

func (c *commonFlags) apply(cfg *Config) {
	if c.processDir != "" {
		cfg.ProcessDir = c.processDir
	}
	if c.engineURL != "" {
		cfg.EngineURL = c.engineURL
	}
}

// runFunc executes a subcommand for one argument. A non-nil result is
// printed as JSON; commands that write stdout themselves return nil.
type runFunc func(ctx context.Context, a *app, arg string, stdout io.Writer) (any, error)

// command is one derivation subcommand.
type command struct {
	name      string
	usage     string
	withStore bool
	flags     func(fs *flag.FlagSet) runFunc
}

// runCommand parses args for cmd, wires the app and prints the result.
// It returns the process exit code.
func runCommand(cmd command, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(cmd.name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	var common commonFlags
	common.register(fs)
	run := cmd.flags(fs)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: bpmnflow %s [flags] %s\n", cmd.name, cmd.usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return exitUsage
	}

	cfg := loadConfig()
	common.apply(&cfg)

	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	logger := newLogger(level)

	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger, cmd.withStore)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCodeFor(err)
	}
	defer a.close()

	result, err := run(ctx, a, fs.Arg(0), stdout)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCodeFor(err)
	}
	if result == nil {
		return exitOK
	}

	if common.query != "" {
		if cmd.withStore {
			fmt.Fprintf(stderr, "Error: -q is not supported by %s\n", cmd.name)
			return exitUsage
		}
		d, ok := result.(*schema.Derivation)
		if !ok {
			if d, err = a.derive(ctx, fs.Arg(0)); err != nil {
				fmt.Fprintf(stderr, "Error: %v\n", err)
				return exitCodeFor(err)
			}
		}
		if result, err = a.exprs.Query(ctx, common.lang, common.query, d); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitCodeFor(err)
		}
	}
	if err := printJSON(stdout, result); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	return exitOK
}

func commands() map[string]command {
	view := func(fn func(d *schema.Derivation) any) func(*flag.FlagSet) runFunc {
		return func(*flag.FlagSet) runFunc {
			return func(ctx context.Context, a *app, key string, _ io.Writer) (any, error) {
				d, err := a.derive(ctx, key)
				if err != nil {
					return nil, err
				}
				return fn(d), nil
			}
		}
	}

	return map[string]command{
		"order": {
			name:  "order",
			usage: "<process-key|file>",
			flags: view(func(d *schema.Derivation) any {
				if d.TaskOrder == nil {
					return schema.TaskOrder{}
				}
				return d.TaskOrder
			}),
		},
		"materials": {
			name:  "materials",
			usage: "<process-key|file>",
			flags: view(func(d *schema.Derivation) any { return d.Requirements.List(d.TaskOrder) }),
		},
		"sankey": {
			name:  "sankey",
			usage: "<process-key|file>",
			flags: view(func(d *schema.Derivation) any { return d.Flow.SortedByCategory() }),
		},
		"derive": {
			name:  "derive",
			usage: "<process-key|file>",
			flags: view(func(d *schema.Derivation) any { return d }),
		},
		"diagram": {
			name:  "diagram",
			usage: "<process-key|file>",
			flags: diagramFlags,
		},
		"history": {
			name:      "history",
			usage:     "<process-key>",
			withStore: true,
			flags:     historyFlags,
		},
		"refresh": {
			name:      "refresh",
			usage:     "<process-key>",
			withStore: true,
			flags: func(*flag.FlagSet) runFunc {
				return func(ctx context.Context, a *app, key string, _ io.Writer) (any, error) {
					res, err := a.service().Refresh(ctx, key)
					if err != nil {
						return nil, err
					}
					return res, nil
				}
			},
		},
	}
}

func diagramFlags(fs *flag.FlagSet) runFunc {
	format := fs.String("format", "mermaid", "output format: mermaid, sankey, ascii, png")
	output := fs.String("o", "", "write to file instead of stdout (required for png)")

	return func(ctx context.Context, a *app, key string, stdout io.Writer) (any, error) {
		switch *format {
		case "mermaid", "sankey", "ascii", "png":
		default:
			return nil, fmt.Errorf("%w: unknown format %q", errUsage, *format)
		}
		if *format == "png" && *output == "" {
			return nil, fmt.Errorf("%w: -o is required for png", errUsage)
		}

		d, err := a.derive(ctx, key)
		if err != nil {
			return nil, err
		}
		model, err := diagram.Build(d)
		if err != nil {
			return nil, err
		}

		var data []byte
		switch *format {
		case "png":
			if data, err = diagram.RenderImage(ctx, model); err != nil {
				return nil, err
			}
		case "ascii":
			data = []byte(diagram.RenderASCIIAuto(ctx, model, binDir()))
		case "sankey":
			data = []byte(diagram.RenderSankey(model))
		default:
			data = []byte(diagram.RenderMermaid(model))
		}

		if *output != "" {
			return nil, os.WriteFile(*output, data, 0o644)
		}
		_, err = stdout.Write(data)
		return nil, err
	}
}

func historyFlags(fs *flag.FlagSet) runFunc {
	limit := fs.Int("limit", 20, "maximum number of snapshots")
	snapshot := fs.Bool("snapshot", false, "treat the argument as a snapshot ID and print it")

	return func(ctx context.Context, a *app, arg string, _ io.Writer) (any, error) {
		if *snapshot {
			snap, err := a.service().Snapshot(ctx, arg)
			if err != nil {
				return nil, err
			}
			return snap, nil
		}
		list, err := a.service().History(ctx, arg, *limit)
		if err != nil {
			return nil, err
		}
		return list, nil
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// exitCodeFor maps an error to a process exit code.
func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage):
		return exitUsage
	case schema.IsCode(err, schema.ErrCodeDocumentNotFound), schema.IsCode(err, schema.ErrCodeNotFound):
		return exitNotFound
	case schema.IsCode(err, schema.ErrCodeMalformedDocument), schema.IsCode(err, schema.ErrCodeNoStartNode):
		return exitBadProcess
	default:
		return exitError
	}
}
