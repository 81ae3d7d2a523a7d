// Command research runs the research graph once from the command line.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/app"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/auth"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/config"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/reports"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/temporal"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/workflows"
)

// Build-time variables (set via ldflags)
var version = "dev"

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

// globals are the resolved top-level flags handed to every command
type globals struct {
	configPath string
	verbose    bool
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("research"),
		kong.Description("Iterative web research agent."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
	if err := config.LoadDotEnv(cli.EnvFile...); err != nil {
		fmt.Fprintln(os.Stderr, "warning:", err)
	}
	path := cli.Config
	if path == "" {
		path = config.Path()
	}
	err := kctx.Run(&globals{configPath: path, verbose: cli.Verbose})
	kctx.FatalIfErrorf(err)
}

// setup loads configuration and a logger writing to stderr
func (g *globals) setup(adjust func(*config.Config)) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	if adjust != nil {
		adjust(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
	}
	logger, level, err := cfg.Logging.BuildLogger()
	if err != nil {
		return nil, nil, err
	}
	if g.verbose {
		level.SetLevel(zapcore.DebugLevel)
	}
	return cfg, logger, nil
}

// Run researches the query and prints the report.
func (c *RunCmd) Run(g *globals) error {
	cfg, logger, err := g.setup(func(cfg *config.Config) {
		if c.MaxIterations > 0 {
			cfg.Research.MaxIterations = c.MaxIterations
		}
		if c.Dispatcher != "" {
			cfg.Research.Dispatcher = c.Dispatcher
		}
	})
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return c.run(ctx, cfg, logger, os.Stdout)
}

func (c *RunCmd) run(ctx context.Context, cfg *config.Config, logger *zap.Logger, out io.Writer) error {
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.Orchestrator.Run(ctx, c.Query)
	if err != nil {
		return err
	}
	if c.Output != "" {
		if err := os.WriteFile(c.Output, []byte(reports.EncodeText(reports.Record{UserQuery: c.Query, Report: res.Report})), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", c.Output, err)
		}
	}
	if c.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	if res.Forced {
		fmt.Fprintf(out, "(iteration cap reached after %d iterations)\n\n", res.Iterations)
	}
	_, err = fmt.Fprintln(out, strings.TrimSpace(res.Report))
	return err
}

// Run lists saved reports.
func (c *ReportsListCmd) Run(g *globals) error {
	store, closeStore, err := g.openStore()
	if err != nil {
		return err
	}
	defer closeStore()
	return c.run(context.Background(), store, os.Stdout)
}

func (c *ReportsListCmd) run(ctx context.Context, store reports.Store, out io.Writer) error {
	recs, err := store.List(ctx, c.Limit)
	if err != nil {
		return err
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("NAME", "CREATED", "ITERATIONS", "QUERY")
	for _, r := range recs {
		t.Row(r.Name, r.CreatedAt.Format("2006-01-02 15:04"), strconv.Itoa(r.Iterations), r.UserQuery)
	}
	_, err = fmt.Fprintln(out, t.Render())
	return err
}

// Run prints one saved report.
func (c *ReportsShowCmd) Run(g *globals) error {
	store, closeStore, err := g.openStore()
	if err != nil {
		return err
	}
	defer closeStore()
	return c.run(context.Background(), store, os.Stdout)
}

func (c *ReportsShowCmd) run(ctx context.Context, store reports.Store, out io.Writer) error {
	rec, err := store.Get(ctx, c.Name)
	if err != nil {
		return err
	}
	_, err = io.WriteString(out, reports.EncodeText(rec))
	return err
}

// Run replays the history file against the current workflow code.
func (c *ReplayCmd) Run(g *globals) error {
	_, logger, err := g.setup(nil)
	if err != nil {
		return err
	}
	defer logger.Sync()
	if err := workflows.Replay(c.History, temporal.NewZapAdapter(logger)); err != nil {
		return err
	}
	fmt.Printf("Replay succeeded for %s\n", c.History)
	return nil
}

// Run prints the hash.
func (c *HashKeyCmd) Run() error {
	return c.run(os.Stdout)
}

func (c *HashKeyCmd) run(out io.Writer) error {
	h, err := auth.HashAPIKey(c.Key)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, h)
	return err
}

func (g *globals) openStore() (reports.Store, func(), error) {
	cfg, logger, err := g.setup(nil)
	if err != nil {
		return nil, nil, err
	}
	store, err := reports.New(context.Background(), cfg.Reports, logger)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {
		if c, ok := store.(io.Closer); ok {
			_ = c.Close()
		}
	}, nil
}
