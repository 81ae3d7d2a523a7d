package workflows

import (
	"fmt"

	"go.temporal.io/sdk/log"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/constants"
)

// Replay checks that the current workflow code reproduces a recorded
// history (exported with `temporal workflow show --output json`). It fails
// on any non-deterministic change. Activities are not executed.
func Replay(historyFile string, logger log.Logger) error {
	replayer := worker.NewWorkflowReplayer()
	replayer.RegisterWorkflowWithOptions(ResearchWorkflow, workflow.RegisterOptions{Name: constants.ResearchWorkflow})
	if err := replayer.ReplayWorkflowHistoryFromJSONFile(logger, historyFile); err != nil {
		return fmt.Errorf("replay %s: %w", historyFile, err)
	}
	return nil
}
