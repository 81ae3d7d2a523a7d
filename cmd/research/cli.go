package main

import "github.com/alecthomas/kong"

// CLI defines the command-line interface.
type CLI struct {
	Config  string           `short:"c" type:"path" env:"CONFIG_PATH" help:"Config file path"`
	EnvFile []string         `name:"env-file" type:"path" default:".env" help:"Dotenv files loaded before the config (repeatable)"`
	Verbose bool             `short:"v" help:"Log at debug level"`
	Version kong.VersionFlag `help:"Show version information"`

	Run     RunCmd     `cmd:"" default:"withargs" help:"Research a question and print the report"`
	Reports ReportsCmd `cmd:"" help:"Read saved reports"`
	Replay  ReplayCmd  `cmd:"" help:"Check workflow determinism against a recorded Temporal history"`
	HashKey HashKeyCmd `cmd:"" name:"hash-key" help:"Print the bcrypt hash of an API key for auth.api_keys"`
}

// RunCmd performs one research run.
type RunCmd struct {
	Query         string `arg:"" help:"Question to research"`
	MaxIterations int    `short:"n" name:"max-iterations" help:"Cap on plan/research/review cycles (overrides config)"`
	Dispatcher    string `help:"Branch dispatcher: parallel or sequential"`
	Output        string `short:"o" type:"path" help:"Also write the report to this file"`
	JSON          bool   `name:"json" help:"Print the full run result as JSON"`
}

// ReportsCmd groups report subcommands.
type ReportsCmd struct {
	List ReportsListCmd `cmd:"" help:"List saved reports, newest first"`
	Show ReportsShowCmd `cmd:"" help:"Print one saved report"`
}

// ReportsListCmd lists reports.
type ReportsListCmd struct {
	Limit int `short:"l" default:"20" help:"Maximum reports to list"`
}

// ReportsShowCmd prints a report.
type ReportsShowCmd struct {
	Name string `arg:"" help:"Report name (the run ID)"`
}

// ReplayCmd replays a workflow history.
type ReplayCmd struct {
	History string `arg:"" type:"existingfile" help:"History JSON exported from Temporal"`
}

// HashKeyCmd hashes an API key.
type HashKeyCmd struct {
	Key string `arg:"" help:"Plain API key"`
}
