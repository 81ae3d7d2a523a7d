package constants

// Workflow and activity names used for registration and execution.
const (
	ResearchWorkflow = "ResearchWorkflow"

	PlanQueriesActivity    = "PlanQueries"
	ResearchQueryActivity  = "ResearchQuery"
	ReviewFindingsActivity = "ReviewFindings"
	WriteReportActivity    = "WriteReport"
	SaveReportActivity     = "SaveReport"
	EmitEventActivity      = "EmitEvent"
)

// DefaultTaskQueue is the queue research workers poll when none is configured
const DefaultTaskQueue = "research-tasks"
