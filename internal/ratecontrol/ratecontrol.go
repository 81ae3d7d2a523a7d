// Package ratecontrol paces outbound inference calls against per-minute
// request and token budgets.
package ratecontrol

import (
	"context"
	"math"
	"time"

	"golang.org/x/time/rate"
)

// maxDelay caps the spacing a single request can demand
const maxDelay = time.Minute

// Limit is a per-minute budget. Zero fields are unlimited.
type Limit struct {
	RPM int `mapstructure:"rpm" yaml:"rpm"`
	TPM int `mapstructure:"tpm" yaml:"tpm"`
}

// Unlimited reports whether neither budget is set
func (l Limit) Unlimited() bool { return l.RPM <= 0 && l.TPM <= 0 }

// Combine returns the stricter positive value of each budget
func Combine(a, b Limit) Limit {
	return Limit{RPM: minPositive(a.RPM, b.RPM), TPM: minPositive(a.TPM, b.TPM)}
}

// DelayFor is the spacing one request of estimatedTokens needs under limit
func DelayFor(limit Limit, estimatedTokens int) time.Duration {
	if limit.Unlimited() || estimatedTokens < 0 {
		return 0
	}
	var ms float64
	if limit.RPM > 0 {
		ms = 60000.0 / float64(limit.RPM)
	}
	if limit.TPM > 0 && estimatedTokens > 0 {
		ms = math.Max(ms, 60000.0/float64(limit.TPM)*float64(estimatedTokens))
	}
	d := time.Duration(math.Ceil(ms)) * time.Millisecond
	if d > maxDelay {
		d = maxDelay
	}
	return d
}

// Pacer blocks callers until both budgets allow the next request
type Pacer struct {
	limit    Limit
	requests *rate.Limiter
	tokens   *rate.Limiter
}

// NewPacer returns a pacer for limit; a nil pacer never blocks
func NewPacer(limit Limit) *Pacer {
	if limit.Unlimited() {
		return nil
	}
	p := &Pacer{limit: limit}
	if limit.RPM > 0 {
		p.requests = rate.NewLimiter(rate.Limit(float64(limit.RPM)/60), 1)
	}
	if limit.TPM > 0 {
		p.tokens = rate.NewLimiter(rate.Limit(float64(limit.TPM)/60), limit.TPM)
	}
	return p
}

// Limit returns the configured budget
func (p *Pacer) Limit() Limit {
	if p == nil {
		return Limit{}
	}
	return p.limit
}

// Wait blocks until a request of estimatedTokens may start or ctx ends
func (p *Pacer) Wait(ctx context.Context, estimatedTokens int) error {
	if p == nil {
		return ctx.Err()
	}
	if p.requests != nil {
		if err := p.requests.Wait(ctx); err != nil {
			return err
		}
	}
	if p.tokens != nil && estimatedTokens > 0 {
		n := estimatedTokens
		if n > p.tokens.Burst() {
			n = p.tokens.Burst()
		}
		if err := p.tokens.WaitN(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// EstimateTokens approximates the token count of text at four bytes per token
func EstimateTokens(texts ...string) int {
	n := 0
	for _, t := range texts {
		n += len(t)
	}
	return (n + 3) / 4
}

func minPositive(a, b int) int {
	switch {
	case a <= 0:
		if b < 0 {
			return 0
		}
		return b
	case b <= 0:
		return a
	case a < b:
		return a
	default:
		return b
	}
}
