package registry

import (
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/workflow"
)

// Target is the registration surface shared by worker.Worker and the
// Temporal test environments
type Target interface {
	RegisterWorkflowWithOptions(w interface{}, options workflow.RegisterOptions)
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}

// WorkflowRegistrar registers workflows on a target
type WorkflowRegistrar interface {
	RegisterWorkflows(t Target) error
}

// ActivityRegistrar registers activities on a target
type ActivityRegistrar interface {
	RegisterActivities(t Target) error
}

// Registry combines both workflow and activity registration
type Registry interface {
	WorkflowRegistrar
	ActivityRegistrar
}

// Config toggles optional registrations
type Config struct {
	// EnableEvents registers EmitEvent; without it the workflow's progress
	// events fail fast and are dropped
	EnableEvents bool
	// EnableReports registers SaveReport
	EnableReports bool
}
