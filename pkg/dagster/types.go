// Package dagster resolves Dagster Cloud run URLs and reads run data from the Dagster Cloud GraphQL API.
package dagster

import (
	"fmt"
	"time"
)

// RunStatus mirrors the Dagster RunStatus GraphQL enum.
type RunStatus string

const (
	StatusQueued     RunStatus = "QUEUED"
	StatusNotStarted RunStatus = "NOT_STARTED"
	StatusManaged    RunStatus = "MANAGED"
	StatusStarting   RunStatus = "STARTING"
	StatusStarted    RunStatus = "STARTED"
	StatusSuccess    RunStatus = "SUCCESS"
	StatusFailure    RunStatus = "FAILURE"
	StatusCanceling  RunStatus = "CANCELING"
	StatusCanceled   RunStatus = "CANCELED"
	StatusUnknown    RunStatus = "UNKNOWN"
)

// RunReference identifies a run parsed from a Dagster Cloud run URL.
type RunReference struct {
	Organization string // Dagster Cloud organization
	Deployment   string // Deployment or code location path, may be empty
	RunID        string // Run identifier

	scheme string
	host   string
	prefix string // path before /runs/, without trailing slash
}

// GraphQLURL returns the deployment-scoped GraphQL endpoint implied by the run URL.
func (r RunReference) GraphQLURL() string {
	return fmt.Sprintf("%s://%s%s/graphql", r.scheme, r.host, r.prefix)
}

func (r RunReference) String() string {
	if r.Deployment == "" {
		return fmt.Sprintf("%s/%s", r.Organization, r.RunID)
	}
	return fmt.Sprintf("%s/%s/%s", r.Organization, r.Deployment, r.RunID)
}

// StepEvent is a structured Dagster event, usually scoped to a step.
type StepEvent struct {
	StepKey   string // Empty for run-level events
	EventType string // Dagster event type, e.g. STEP_FAILURE
	Timestamp time.Time
	Message   string
}

// LogLine is a plain log message emitted during the run.
type LogLine struct {
	Timestamp time.Time
	Level     string
	Message   string
}

// RunRecord is everything fetched about one run.
type RunRecord struct {
	RunID     string
	JobName   string
	Status    RunStatus
	StartTime time.Time
	EndTime   time.Time
	Steps     []StepEvent
	LogLines  []LogLine
}
