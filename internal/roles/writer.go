package roles

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/executor"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/state"
)

// Writer composes the final cited report
type Writer struct {
	llm    Inference
	exec   *executor.Executor
	logger *zap.Logger
}

// NewWriter creates a writer
func NewWriter(inf Inference, exec *executor.Executor, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{llm: inf, exec: exec, logger: logger}
}

type writeOutput struct {
	Report string `json:"report"`
}

// Write produces the partial that sets the report
func (w *Writer) Write(ctx context.Context, s *state.ResearchState) state.Partial {
	call := func(ctx context.Context, inv executor.Invocation) (string, error) {
		var out writeOutput
		if err := complete(ctx, w.llm, inv.Role, writerMessages(s, inv.Now), writeSchema, &out); err != nil {
			return "", err
		}
		return strings.TrimSpace(out.Report), nil
	}

	res := executor.Run(ctx, w.exec, executor.RoleWrite, call, validateReport, WriteFailedReport)
	w.logger.Info("Report written",
		zap.Int("summaries", len(s.Summaries)),
		zap.Int("report_chars", len(res.Value)),
		zap.Bool("fallback", res.Fallback),
	)
	return state.Partial{}.WithReport(res.Value)
}

func validateReport(r string) error {
	if r == "" {
		return errEmptyOutput
	}
	return nil
}
