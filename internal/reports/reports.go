// Package reports persists finished research reports.
package reports

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when no report has the requested name
	ErrNotFound = errors.New("report not found")
	// ErrInvalidName rejects names that are empty or escape the store
	ErrInvalidName = errors.New("invalid report name")
)

// Record is one saved report
type Record struct {
	Name       string    `json:"name" yaml:"name" db:"name"`
	RunID      string    `json:"run_id,omitempty" yaml:"run_id,omitempty" db:"run_id"`
	UserQuery  string    `json:"user_query" yaml:"user_query" db:"user_query"`
	Report     string    `json:"report" yaml:"report" db:"report"`
	Iterations int       `json:"iterations,omitempty" yaml:"iterations,omitempty" db:"iterations"`
	Forced     bool      `json:"forced,omitempty" yaml:"forced,omitempty" db:"forced"`
	CreatedAt  time.Time `json:"created_at" yaml:"created_at" db:"created_at"`
}

// Store saves and loads reports by name
type Store interface {
	Save(ctx context.Context, name string, rec Record) error
	Get(ctx context.Context, name string) (Record, error)
	List(ctx context.Context, limit int) ([]Record, error)
}

// Config selects and configures the store
type Config struct {
	// Driver is file, postgres or sqlite3
	Driver string `mapstructure:"driver"`
	// Dir and Format apply to the file driver; Format is text or yaml
	Dir    string `mapstructure:"dir"`
	Format string `mapstructure:"format"`
	// DSN applies to SQL drivers; for postgres it is built from the fields below when empty
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
}

// New builds the configured store
func New(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Driver {
	case "", "file":
		return NewFileStore(cfg.Dir, cfg.Format)
	case "postgres", "sqlite3":
		return OpenSQLStore(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown report store driver %q", cfg.Driver)
	}
}

// storedExts are the suffixes FileStore writes; CleanName drops them so
// "run-1" and "run-1.yaml" name the same report.
var storedExts = []string{".txt", ".yaml"}

// CleanName validates a report name and strips a stored report suffix.
// Other dots are part of the name.
func CleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	clean := name
	for _, ext := range storedExts {
		if trimmed := strings.TrimSuffix(name, ext); trimmed != name {
			clean = trimmed
			break
		}
	}
	if clean == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return clean, nil
}
