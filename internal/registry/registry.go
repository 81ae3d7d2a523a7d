package registry

import (
	"errors"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/activities"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/constants"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/workflows"
)

// ResearchRegistry registers the research workflow and its activities
type ResearchRegistry struct {
	config Config
	acts   *activities.Activities
	logger *zap.Logger
}

// NewResearchRegistry creates a registry over acts
func NewResearchRegistry(config Config, acts *activities.Activities, logger *zap.Logger) *ResearchRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResearchRegistry{config: config, acts: acts, logger: logger}
}

// RegisterWorkflows registers ResearchWorkflow under its constant name
func (r *ResearchRegistry) RegisterWorkflows(t Target) error {
	t.RegisterWorkflowWithOptions(workflows.ResearchWorkflow, workflow.RegisterOptions{Name: constants.ResearchWorkflow})
	r.logger.Info("Registered workflows", zap.String("workflow", constants.ResearchWorkflow))
	return nil
}

// RegisterActivities registers the node activities and the optional ones
// enabled in the config
func (r *ResearchRegistry) RegisterActivities(t Target) error {
	if r.acts == nil {
		return errors.New("activities not configured")
	}
	named := map[string]interface{}{
		constants.PlanQueriesActivity:    r.acts.PlanQueries,
		constants.ResearchQueryActivity:  r.acts.ResearchQuery,
		constants.ReviewFindingsActivity: r.acts.ReviewFindings,
		constants.WriteReportActivity:    r.acts.WriteReport,
	}
	if r.config.EnableReports {
		named[constants.SaveReportActivity] = r.acts.SaveReport
	}
	if r.config.EnableEvents {
		named[constants.EmitEventActivity] = r.acts.EmitEvent
	}
	for name, fn := range named {
		t.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
	}
	r.logger.Info("Registered activities", zap.Int("count", len(named)))
	return nil
}
