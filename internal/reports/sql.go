package reports

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/circuitbreaker"
)

const schema = `CREATE TABLE IF NOT EXISTS research_reports (
    name       TEXT PRIMARY KEY,
    run_id     TEXT NOT NULL DEFAULT '',
    user_query TEXT NOT NULL,
    report     TEXT NOT NULL,
    iterations INTEGER NOT NULL DEFAULT 0,
    forced     BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP NOT NULL
)`

const (
	upsertReport = `INSERT INTO research_reports (name, run_id, user_query, report, iterations, forced, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (name) DO UPDATE SET run_id = excluded.run_id, user_query = excluded.user_query,
report = excluded.report, iterations = excluded.iterations, forced = excluded.forced, created_at = excluded.created_at`
	selectReport = `SELECT name, run_id, user_query, report, iterations, forced, created_at FROM research_reports WHERE name = ?`
	listReports  = `SELECT name, run_id, user_query, report, iterations, forced, created_at FROM research_reports ORDER BY created_at DESC LIMIT ?`
)

// SQLStore keeps reports in a postgres or sqlite table
type SQLStore struct {
	db     *sqlx.DB
	cb     *circuitbreaker.CircuitBreaker
	logger *zap.Logger
	now    func() time.Time
}

// NewSQLStore wraps an open database
func NewSQLStore(db *sqlx.DB, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := circuitbreaker.NewCircuitBreaker("reports-db", circuitbreaker.GetDatabaseConfig().ToConfig(), logger)
	circuitbreaker.Metrics.Register("database", "reports-db", cb)
	return &SQLStore{db: db, cb: cb, logger: logger, now: time.Now}
}

// OpenSQLStore connects, configures the pool and creates the table
func OpenSQLStore(ctx context.Context, cfg Config, logger *zap.Logger) (*SQLStore, error) {
	dsn := cfg.DSN
	if dsn == "" && cfg.Driver == "postgres" {
		sslMode := cfg.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		dsn = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, sslMode)
	}
	if dsn == "" {
		return nil, errors.New("report store dsn is empty")
	}

	db, err := sqlx.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.IdleConnections > 0 {
		db.SetMaxIdleConns(cfg.IdleConnections)
	}
	if cfg.MaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.MaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := NewSQLStore(db, logger)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("Report store initialized", zap.String("driver", cfg.Driver))
	return s, nil
}

// Migrate creates the reports table if it does not exist
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create reports table: %w", err)
	}
	return nil
}

// Save implements Store with upsert semantics
func (s *SQLStore) Save(ctx context.Context, name string, rec Record) error {
	clean, err := CleanName(name)
	if err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	return s.cb.Execute(ctx, func() error {
		_, err := s.db.ExecContext(ctx, s.db.Rebind(upsertReport),
			clean, rec.RunID, rec.UserQuery, rec.Report, rec.Iterations, rec.Forced, rec.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to save report: %w", err)
		}
		return nil
	})
}

// Get implements Store
func (s *SQLStore) Get(ctx context.Context, name string) (Record, error) {
	clean, err := CleanName(name)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	var notFound bool
	err = s.cb.Execute(ctx, func() error {
		err := s.db.GetContext(ctx, &rec, s.db.Rebind(selectReport), clean)
		if errors.Is(err, sql.ErrNoRows) {
			notFound = true
			return nil
		}
		return err
	})
	if err != nil {
		return Record{}, err
	}
	if notFound {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, clean)
	}
	return rec, nil
}

// List implements Store, newest first
func (s *SQLStore) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []Record
	err := s.cb.Execute(ctx, func() error {
		return s.db.SelectContext(ctx, &out, s.db.Rebind(listReports), limit)
	})
	return out, err
}

// Close closes the database
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping checks the database through the breaker
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.cb.Execute(ctx, func() error { return s.db.PingContext(ctx) })
}
