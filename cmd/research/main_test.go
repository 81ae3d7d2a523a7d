package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/auth"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/reports"
)

func parse(t *testing.T, args ...string) (*CLI, *kong.Context) {
	t.Helper()
	var cli CLI
	parser, err := kong.New(&cli, kong.Vars{"version": "test"})
	require.NoError(t, err)
	kctx, err := parser.Parse(args)
	require.NoError(t, err)
	return &cli, kctx
}

func TestRunCmd_DefaultCommand(t *testing.T) {
	cli, kctx := parse(t, "who leads Versace")
	assert.Equal(t, "run <query>", kctx.Command())
	assert.Equal(t, "who leads Versace", cli.Run.Query)
	assert.Zero(t, cli.Run.MaxIterations)
	assert.Equal(t, []string{".env"}, cli.EnvFile)
}

func TestRunCmd_Flags(t *testing.T) {
	cli, _ := parse(t, "run", "-n", "5", "--dispatcher", "sequential", "--json", "-o", "/tmp/r.txt", "q")
	assert.Equal(t, 5, cli.Run.MaxIterations)
	assert.Equal(t, "sequential", cli.Run.Dispatcher)
	assert.True(t, cli.Run.JSON)
	assert.Equal(t, "/tmp/r.txt", cli.Run.Output)
}

func TestReportsCommands(t *testing.T) {
	cli, kctx := parse(t, "reports", "list")
	assert.Equal(t, "reports list", kctx.Command())
	assert.Equal(t, 20, cli.Reports.List.Limit)

	cli, _ = parse(t, "-c", "/etc/research.yaml", "reports", "show", "run-1")
	assert.Equal(t, "run-1", cli.Reports.Show.Name)
	assert.Equal(t, "/etc/research.yaml", cli.Config)
}

func TestReplayCommand(t *testing.T) {
	history := filepath.Join(t.TempDir(), "history.json")
	require.NoError(t, os.WriteFile(history, []byte("{}"), 0o644))
	cli, kctx := parse(t, "replay", history)
	assert.Equal(t, "replay <history>", kctx.Command())
	assert.Equal(t, history, cli.Replay.History)

	var missing CLI
	parser, err := kong.New(&missing, kong.Vars{"version": "test"})
	require.NoError(t, err)
	_, err = parser.Parse([]string{"replay", filepath.Join(t.TempDir(), "nope.json")})
	assert.Error(t, err)
}

func TestHashKeyCommand(t *testing.T) {
	cli, kctx := parse(t, "hash-key", "s3cret")
	assert.Equal(t, "hash-key <key>", kctx.Command())

	var out bytes.Buffer
	require.NoError(t, cli.HashKey.run(&out))
	keys, err := auth.NewAPIKeys([]auth.APIKey{{Name: "cli", Hash: strings.TrimSpace(out.String())}})
	require.NoError(t, err)
	id, err := keys.Validate("s3cret")
	require.NoError(t, err)
	assert.Equal(t, "cli", id.Subject)
}

func TestReportsOutput(t *testing.T) {
	store, err := reports.NewFileStore(t.TempDir(), reports.FormatYAML)
	require.NoError(t, err)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	require.NoError(t, store.Save(ctx, "run-1", reports.Record{RunID: "run-1", UserQuery: "who leads Versace", Report: "Donatella Versace.", Iterations: 2, CreatedAt: created}))

	var out bytes.Buffer
	require.NoError(t, (&ReportsListCmd{Limit: 5}).run(ctx, store, &out))
	assert.Contains(t, out.String(), "NAME")
	assert.Contains(t, out.String(), "run-1")
	assert.Contains(t, out.String(), "2026-03-01 09:30")

	out.Reset()
	require.NoError(t, (&ReportsShowCmd{Name: "run-1"}).run(ctx, store, &out))
	assert.Contains(t, out.String(), "who leads Versace")
	assert.Contains(t, out.String(), "Donatella Versace.")

	err = (&ReportsShowCmd{Name: "missing"}).run(ctx, store, &out)
	assert.ErrorIs(t, err, reports.ErrNotFound)
}
