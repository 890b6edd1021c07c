// Package progresstest provides an in-memory progress sink for tests.
package progresstest

import (
	"context"
	"sync"

	"github.com/valuation-tools/tabctl/internal/model"
)

// Recorder keeps every event in memory.
type Recorder struct {
	mx     sync.Mutex
	events []model.Event
}

func (r *Recorder) Emit(_ context.Context, ev model.Event) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Events() []model.Event {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]model.Event(nil), r.events...)
}

// For returns the events of a single job.
func (r *Recorder) For(jobID string) []model.Event {
	var ret []model.Event
	for _, ev := range r.Events() {
		if ev.JobID == jobID {
			ret = append(ret, ev)
		}
	}
	return ret
}
