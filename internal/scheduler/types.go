package scheduler

import "fmt"

// TaskType selects what an archive-sync invocation does.
type TaskType string

const (
	// TaskSync ingests runs missing from the stores.
	TaskSync TaskType = "sync"
	// TaskRebuild deletes the stores and re-ingests every inventoried run.
	TaskRebuild TaskType = "rebuild"
)

// Payload is the JSON event an archive-sync invocation receives. An empty
// Task means TaskSync, so a bare scheduled event performs a normal pass.
//
//	{
//	  "task": "sync",
//	  "datasets": ["pof"],
//	  "force": false,
//	  "limit": 20
//	}
type Payload struct {
	Task TaskType `json:"task"`
	SyncInput
}

// Validate normalizes the task and rejects unknown ones.
func (p *Payload) Validate() error {
	switch p.Task {
	case "":
		p.Task = TaskSync
	case TaskSync, TaskRebuild:
	default:
		return fmt.Errorf("unknown task %q", p.Task)
	}
	if p.Limit < 0 {
		return fmt.Errorf("limit must not be negative, got %d", p.Limit)
	}
	return nil
}
