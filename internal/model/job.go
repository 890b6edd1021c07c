package model

import (
	"fmt"
	"regexp"
	"time"
)

// JobType tags a job run. It is informational: the orchestrator treats every
// type the same and only the Operation differs.
type JobType string

const (
	JobTypeCreateItems JobType = "create-items"
	JobTypeFillItems   JobType = "fill-items"
	JobTypeCheckStatus JobType = "check-status"
	JobTypeGrabIDs     JobType = "grab-ids"
)

func ParseJobType(s string) (JobType, error) {
	switch t := JobType(s); t {
	case JobTypeCreateItems, JobTypeFillItems, JobTypeCheckStatus, JobTypeGrabIDs:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownJobType, s)
}

// Status is the outcome of one item or of a whole job.
type Status string

const (
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusStopped Status = "STOPPED"
	StatusFailed  Status = "FAILED"
)

// A job id is one NATS subject token, so it holds no dots.
var jobIDRx = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_:-]{0,127}$`)

// ValidJobID reports whether id can be used as a registry key, a store key
// prefix and a progress subject token.
func ValidJobID(id string) bool {
	return jobIDRx.MatchString(id)
}

// WorkItem is an immutable input of a shard.
type WorkItem struct {
	ID      string         `json:"id" yaml:"id"`
	Payload map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// ItemOutcome is the per-item result produced by an operation.
type ItemOutcome struct {
	Index    int               `json:"index"`
	ItemID   string            `json:"item_id"`
	Status   Status            `json:"status"`
	Error    string            `json:"error,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
	Tab      string            `json:"tab,omitempty"`
	Finished time.Time         `json:"finished"`
}

func (o ItemOutcome) Succeeded() bool {
	return o.Status == StatusSuccess
}

// Snapshot is a point in time copy of a registry entry.
type Snapshot struct {
	JobID       string            `json:"job_id"`
	JobType     JobType           `json:"job_type"`
	Paused      bool              `json:"paused"`
	Stopped     bool              `json:"stopped"`
	Total       int               `json:"total"`
	Completed   int               `json:"completed"`
	Failed      int               `json:"failed"`
	CurrentItem string            `json:"current_item,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Started     time.Time         `json:"started"`
}

// State maps the flags onto the RUNNING/PAUSED/STOPPING state machine.
func (s Snapshot) State() string {
	switch {
	case s.Stopped:
		return "STOPPING"
	case s.Paused:
		return "PAUSED"
	default:
		return "RUNNING"
	}
}

// Result is the aggregate outcome of one job run.
type Result struct {
	JobID     string        `json:"job_id"`
	JobType   JobType       `json:"job_type"`
	Status    Status        `json:"status"`
	Total     int           `json:"total"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped,omitempty"`
	Shards    int           `json:"shards"`
	Outcomes  []ItemOutcome `json:"outcomes,omitempty"`
	Error     string        `json:"error,omitempty"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
}
