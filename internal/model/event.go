package model

import "time"

// Event is a progress record emitted while a job runs. Exactly one event per
// run has Terminal set.
type Event struct {
	JobID       string    `json:"job_id"`
	JobType     JobType   `json:"job_type"`
	Status      Status    `json:"status"`
	Completed   int       `json:"completed"`
	Failed      int       `json:"failed"`
	Total       int       `json:"total"`
	Percentage  float64   `json:"percentage"`
	Paused      bool      `json:"paused"`
	Stopped     bool      `json:"stopped"`
	Message     string    `json:"message,omitempty"`
	CurrentItem string    `json:"current_item,omitempty"`
	Terminal    bool      `json:"terminal,omitempty"`
	Time        time.Time `json:"time"`
}

// EventFromSnapshot builds a running event from the registry state.
func EventFromSnapshot(s Snapshot, message string) Event {
	return Event{
		JobID:       s.JobID,
		JobType:     s.JobType,
		Status:      StatusRunning,
		Completed:   s.Completed,
		Failed:      s.Failed,
		Total:       s.Total,
		Percentage:  Percentage(s.Completed+s.Failed, s.Total),
		Paused:      s.Paused,
		Stopped:     s.Stopped,
		Message:     message,
		CurrentItem: s.CurrentItem,
		Time:        time.Now().UTC(),
	}
}

// TerminalEvent builds the single final event of a run.
func TerminalEvent(r Result, message string) Event {
	return Event{
		JobID:      r.JobID,
		JobType:    r.JobType,
		Status:     r.Status,
		Completed:  r.Completed,
		Failed:     r.Failed,
		Total:      r.Total,
		Percentage: Percentage(r.Completed+r.Failed, r.Total),
		Stopped:    r.Status == StatusStopped,
		Message:    message,
		Terminal:   true,
		Time:       time.Now().UTC(),
	}
}

func Percentage(done, total int) float64 {
	if total <= 0 {
		return 100
	}
	p := float64(done) * 100 / float64(total)
	if p > 100 {
		p = 100
	}
	return p
}
