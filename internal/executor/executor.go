package executor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/metrics"
)

// DefaultMaxAttempts is the attempt budget of every unit of work
const DefaultMaxAttempts = 5

// Role names the unit of work being executed
type Role string

const (
	RolePlan      Role = "plan"
	RoleSummarize Role = "summarize"
	RoleReview    Role = "review"
	RoleWrite     Role = "write"
)

// Clock returns the current time. Every invocation reads it once.
type Clock func() time.Time

// Invocation describes one attempt of a unit of work
type Invocation struct {
	Role    Role
	Attempt int
	Now     time.Time
}

// Config controls retry behavior
type Config struct {
	MaxAttempts int
	Clock       Clock
}

// Executor runs units of work with a bounded retry budget and a fail-soft
// fallback. Attempts are immediate: there is no backoff between them.
type Executor struct {
	maxAttempts atomic.Int32
	clock       Clock
	logger      *zap.Logger
}

// New creates an executor
func New(cfg Config, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{clock: cfg.Clock, logger: logger}
	if e.clock == nil {
		e.clock = time.Now
	}
	e.SetMaxAttempts(cfg.MaxAttempts)
	return e
}

// SetMaxAttempts changes the attempt budget for subsequent units of work
func (e *Executor) SetMaxAttempts(n int) {
	if n <= 0 {
		n = DefaultMaxAttempts
	}
	e.maxAttempts.Store(int32(n))
}

// MaxAttempts returns the current attempt budget
func (e *Executor) MaxAttempts() int {
	return int(e.maxAttempts.Load())
}

// Now reads the executor clock
func (e *Executor) Now() time.Time {
	return e.clock()
}

// Call is one attempt of a unit of work
type Call[T any] func(ctx context.Context, inv Invocation) (T, error)

// Validator rejects structurally invalid results; a rejection counts as a failed attempt
type Validator[T any] func(T) error

// Outcome is the full result of a unit of work
type Outcome[T any] struct {
	Value    T
	Attempts int
	Fallback bool
	// Err is the last failure when Fallback is set
	Err error
}

var errPanic = errors.New("unit of work panicked")

// Run executes call until it succeeds and passes validate, up to the attempt
// budget. It never returns an error: on exhaustion the outcome carries fallback.
// A cancelled context or a Permanent error stops retrying early.
func Run[T any](ctx context.Context, e *Executor, role Role, call Call[T], validate Validator[T], fallback T) Outcome[T] {
	maxAttempts := e.MaxAttempts()
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		attempts = attempt

		inv := Invocation{Role: role, Attempt: attempt, Now: e.clock()}
		value, err := attemptOnce(ctx, call, inv)
		outcome := "success"
		if err == nil && validate != nil {
			if verr := validate(value); verr != nil {
				err = fmt.Errorf("invalid result: %w", verr)
				outcome = "invalid"
			}
		} else if err != nil {
			outcome = "error"
			if errors.Is(err, errPanic) {
				outcome = "panic"
			}
		}
		metrics.UnitAttempts.WithLabelValues(string(role), outcome).Inc()

		if err == nil {
			return Outcome[T]{Value: value, Attempts: attempt}
		}

		lastErr = err
		e.logger.Warn("Unit of work attempt failed",
			zap.String("role", string(role)),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Error(err),
		)
		if IsPermanent(err) {
			break
		}
	}

	metrics.UnitFallbacks.WithLabelValues(string(role)).Inc()
	e.logger.Error("Unit of work exhausted, using fallback",
		zap.String("role", string(role)),
		zap.Int("attempts", attempts),
		zap.Error(lastErr),
	)
	return Outcome[T]{Value: fallback, Attempts: attempts, Fallback: true, Err: lastErr}
}

// Execute is Run without the bookkeeping
func Execute[T any](ctx context.Context, e *Executor, role Role, call Call[T], validate Validator[T], fallback T) T {
	return Run(ctx, e, role, call, validate, fallback).Value
}

func attemptOnce[T any](ctx context.Context, call Call[T], inv Invocation) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errPanic, r)
		}
	}()
	return call(ctx, inv)
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks an error as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
