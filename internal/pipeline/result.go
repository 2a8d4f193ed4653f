package pipeline

import (
	"encoding/json"
	"time"

	"github.com/nexusrun/nexus/internal/interp"
)

// Status is the overall pipeline outcome.
type Status string

// Pipeline outcomes.
const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// TaskStatus classifies one task in the report.
type TaskStatus string

// Task outcomes.
const (
	TaskOK TaskStatus = "ok"
	// TaskFailed means at least one host failed.
	TaskFailed TaskStatus = "failed"
	// TaskSkipped covers tag filters and false `when:` predicates. A task
	// run in check mode reports TaskOK.
	TaskSkipped TaskStatus = "skipped"
	// TaskSkippedDependency marks a task whose dependency (transitively)
	// failed. Dependents of a failed task are never run.
	TaskSkippedDependency TaskStatus = "skipped-due-to-dependency"
	// TaskNotRun marks tasks in phases after an abort.
	TaskNotRun TaskStatus = "not-run"
)

// HostResult is the outcome of one task on one host.
type HostResult struct {
	Host     string
	Status   interp.StepStatus
	Commands []interp.StepResult
	Err      error
	Duration time.Duration
}

// TaskResult is the outcome of one task across its hosts.
type TaskResult struct {
	Task     string
	Status   TaskStatus
	Reason   string
	Hosts    []HostResult
	Duration time.Duration
}

// Result is the aggregate of one pipeline run.
type Result struct {
	PipelineID     string
	Status         Status
	Duration       time.Duration
	TasksRun       int
	TasksSucceeded int
	TasksFailed    int
	// AbortedAt is the first failed task, empty when the run completed.
	AbortedAt string
	Tasks     []TaskResult
}

// MarshalJSON renders the stable machine-readable summary schema.
func (r *Result) MarshalJSON() ([]byte, error) {
	var aborted interface{}
	if r.AbortedAt != "" {
		aborted = r.AbortedAt
	}
	return json.Marshal(map[string]interface{}{
		"status":          string(r.Status),
		"duration_ms":     r.Duration.Milliseconds(),
		"tasks_run":       r.TasksRun,
		"tasks_succeeded": r.TasksSucceeded,
		"tasks_failed":    r.TasksFailed,
		"aborted_at":      aborted,
	})
}

// Plan is what dry-run reports: the selected tasks arranged into phases.
type Plan struct {
	TotalTasks int
	Phases     [][]string
}
