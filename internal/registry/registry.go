// Package registry tracks the control state of running jobs.
//
// Every active job id has an entry holding its pause and stop flags and its
// progress counters. Counter writes take the job's own mutex, so
// unrelated jobs never contend. The flags are atomics read without that mutex
// by CheckAndWait: a pause or stop becomes visible to a shard within one poll
// interval.
//
// State machine of an entry:
//
//	RUNNING --Pause--> PAUSED --Resume--> RUNNING
//	RUNNING|PAUSED --Stop--> STOPPING --Clear--> (removed)
//
// Stop is irreversible: Resume on a stopped job clears the pause flag only.
//
// Create hands out a Lease bound to the entry it made. A second Create for an
// active id shadows the first entry: Get and progress by id see the newest
// one, control commands apply to every entry of the id, and releasing the
// newer lease makes the older entry current again.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valuation-tools/tabctl/internal/model"
	"github.com/valuation-tools/tabctl/internal/progress"
)

const DefaultPollInterval = 500 * time.Millisecond

type Option func(*Registry)

// WithPollInterval sets how often a paused shard re-checks its flags. It is
// also the upper bound on how stale a flag read can be.
func WithPollInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.poll = d
		}
	}
}

// WithSink sets where progress updates with emit=true go.
func WithSink(sink progress.Sink) Option {
	return func(r *Registry) {
		if sink != nil {
			r.sink = sink
		}
	}
}

type Registry struct {
	mx sync.RWMutex
	// entries per id, the last one is current
	jobs map[string][]*entry
	poll time.Duration
	sink progress.Sink
}

type entry struct {
	id       string
	jobType  model.JobType
	started  time.Time
	metadata map[string]string

	paused  atomic.Bool
	stopped atomic.Bool

	mx          sync.Mutex
	total       int
	completed   int
	failed      int
	currentItem string
	// next progress emission ticket, guarded by mx
	nextTicket uint64

	// emissions run in ticket order without holding mx
	emitMx   sync.Mutex
	emitCond *sync.Cond
	turn     uint64
}

func New(opts ...Option) *Registry {
	r := &Registry{
		jobs: make(map[string][]*entry),
		poll: DefaultPollInterval,
		sink: progress.Discard,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) PollInterval() time.Duration {
	return r.poll
}

// Create registers jobID. The new entry shadows any earlier one for the same
// id until its Lease is released.
func (r *Registry) Create(jobID string, jobType model.JobType, total int, metadata map[string]string) (model.Snapshot, Lease) {
	e := &entry{
		id:       jobID,
		jobType:  jobType,
		started:  time.Now().UTC(),
		metadata: maps.Clone(metadata),
		total:    max(total, 0),
	}
	e.emitCond = sync.NewCond(&e.emitMx)
	r.mx.Lock()
	r.jobs[jobID] = append(r.jobs[jobID], e)
	r.mx.Unlock()
	return e.snapshot(), Lease{reg: r, e: e}
}

func (r *Registry) Get(jobID string) (model.Snapshot, bool) {
	e := r.lookup(jobID)
	if e == nil {
		return model.Snapshot{}, false
	}
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.snapshot(), true
}

// Active lists the snapshots of all registered jobs ordered by id.
func (r *Registry) Active() []model.Snapshot {
	r.mx.RLock()
	entries := make([]*entry, 0, len(r.jobs))
	for _, stack := range r.jobs {
		entries = append(entries, stack[len(stack)-1])
	}
	r.mx.RUnlock()

	ret := make([]model.Snapshot, 0, len(entries))
	for _, e := range entries {
		e.mx.Lock()
		ret = append(ret, e.snapshot())
		e.mx.Unlock()
	}
	slices.SortFunc(ret, func(a, b model.Snapshot) int {
		return strings.Compare(a.JobID, b.JobID)
	})
	return ret
}

func (r *Registry) Pause(ctx context.Context, jobID string) (model.Snapshot, error) {
	return r.control(ctx, jobID, "paused", func(e *entry) {
		e.paused.Store(true)
	})
}

func (r *Registry) Resume(ctx context.Context, jobID string) (model.Snapshot, error) {
	return r.control(ctx, jobID, "resumed", func(e *entry) {
		e.paused.Store(false)
	})
}

func (r *Registry) Stop(ctx context.Context, jobID string) (model.Snapshot, error) {
	return r.control(ctx, jobID, "stop requested", func(e *entry) {
		e.stopped.Store(true)
	})
}

// control applies to every entry of jobID and reports the current one. Its
// event is sent without holding any lock and gives up after one poll
// interval, so a stalled sink never holds a command back.
func (r *Registry) control(ctx context.Context, jobID, message string, apply func(*entry)) (model.Snapshot, error) {
	r.mx.RLock()
	stack := slices.Clone(r.jobs[jobID])
	r.mx.RUnlock()
	if len(stack) == 0 {
		return model.Snapshot{}, fmt.Errorf("%w: %s", model.ErrNoActiveJob, jobID)
	}
	for _, e := range stack {
		apply(e)
	}
	e := stack[len(stack)-1]
	e.mx.Lock()
	snap := e.snapshot()
	e.mx.Unlock()
	slog.InfoContext(ctx, "job control", "job_id", jobID, "state", snap.State())

	ectx, cancel := context.WithTimeout(ctx, r.poll)
	defer cancel()
	r.emit(ectx, snap, message)
	return snap, nil
}

// Clear removes every entry of jobID. It is safe to call for an unknown id.
func (r *Registry) Clear(jobID string) {
	r.mx.Lock()
	delete(r.jobs, jobID)
	r.mx.Unlock()
}

// Update holds counter increments. Completed and Failed are added to the
// current values, so counters never decrease; Total replaces the total when
// positive.
type Update struct {
	Completed   int
	Failed      int
	Total       int
	CurrentItem string
	Message     string
}

// UpdateProgress applies u to the current entry of jobID and, when emit is
// set, sends the resulting snapshot to the sink. Emissions of one entry leave
// in the order their updates were applied, and none of them holds the mutex
// that control commands and Get take. It reports false when jobID is not
// registered.
func (r *Registry) UpdateProgress(ctx context.Context, jobID string, u Update, emit bool) (model.Snapshot, bool) {
	e := r.lookup(jobID)
	if e == nil {
		return model.Snapshot{}, false
	}
	return r.update(ctx, e, u, emit), true
}

func (r *Registry) update(ctx context.Context, e *entry, u Update, emit bool) model.Snapshot {
	e.mx.Lock()
	e.completed += max(u.Completed, 0)
	e.failed += max(u.Failed, 0)
	if u.Total > 0 {
		e.total = u.Total
	}
	if u.CurrentItem != "" {
		e.currentItem = u.CurrentItem
	}
	snap := e.snapshot()
	ticket := e.nextTicket
	if emit {
		e.nextTicket++
	}
	e.mx.Unlock()

	if emit {
		e.emitMx.Lock()
		for e.turn != ticket {
			e.emitCond.Wait()
		}
		e.emitMx.Unlock()

		r.emit(ctx, snap, u.Message)

		e.emitMx.Lock()
		e.turn++
		e.emitCond.Broadcast()
		e.emitMx.Unlock()
	}
	return snap
}

// Decision is the answer of the cooperative gate.
type Decision int

const (
	Continue Decision = iota
	Stop
)

func (d Decision) String() string {
	if d == Stop {
		return "stop"
	}
	return "continue"
}

// CheckAndWait is the suspension point shards call before every item. It
// returns Stop when the job is stopped or ctx is done, blocks in poll
// interval steps while the job is paused, and returns Continue otherwise. A
// job that is not registered never blocks a shard.
func (r *Registry) CheckAndWait(ctx context.Context, jobID string) Decision {
	return r.checkAndWait(ctx, func() *entry { return r.lookup(jobID) })
}

func (r *Registry) checkAndWait(ctx context.Context, current func() *entry) Decision {
	var timer *time.Timer
	for {
		if ctx.Err() != nil {
			return Stop
		}
		e := current()
		if e == nil {
			return Continue
		}
		if e.stopped.Load() {
			return Stop
		}
		if !e.paused.Load() {
			return Continue
		}

		if timer == nil {
			timer = time.NewTimer(r.poll)
			defer timer.Stop()
		} else {
			timer.Reset(r.poll)
		}
		select {
		case <-ctx.Done():
			return Stop
		case <-timer.C:
		}
	}
}

func (r *Registry) lookup(jobID string) *entry {
	r.mx.RLock()
	defer r.mx.RUnlock()
	stack := r.jobs[jobID]
	if len(stack) == 0 {
		return nil
	}
	return stack[len(stack)-1]
}

// registered reports whether e is still one of the entries of its id.
func (r *Registry) registered(e *entry) bool {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return slices.Contains(r.jobs[e.id], e)
}

// Lease is the hold of one job run on the entry Create made for it. Shards
// gate and report through the lease, so runs sharing a job id never mix
// their counters. The zero Lease is not registered: its gate fails open and
// its updates are dropped.
type Lease struct {
	reg *Registry
	e   *entry
}

func (l Lease) JobID() string {
	if l.e == nil {
		return ""
	}
	return l.e.id
}

// CheckAndWait is Registry.CheckAndWait for the leased entry. It fails open
// once the entry was released or cleared.
func (l Lease) CheckAndWait(ctx context.Context) Decision {
	if l.e == nil {
		return Continue
	}
	return l.reg.checkAndWait(ctx, func() *entry {
		if !l.reg.registered(l.e) {
			return nil
		}
		return l.e
	})
}

// UpdateProgress is Registry.UpdateProgress for the leased entry.
func (l Lease) UpdateProgress(ctx context.Context, u Update, emit bool) (model.Snapshot, bool) {
	if l.e == nil || !l.reg.registered(l.e) {
		return model.Snapshot{}, false
	}
	return l.reg.update(ctx, l.e, u, emit), true
}

// Release removes the leased entry, and only it. An older entry of the same
// id becomes current again. Releasing twice is fine.
func (l Lease) Release() {
	if l.e == nil {
		return
	}
	r := l.reg
	r.mx.Lock()
	defer r.mx.Unlock()
	stack := slices.DeleteFunc(r.jobs[l.e.id], func(e *entry) bool { return e == l.e })
	if len(stack) == 0 {
		delete(r.jobs, l.e.id)
		return
	}
	r.jobs[l.e.id] = stack
}

func (r *Registry) emit(ctx context.Context, snap model.Snapshot, message string) {
	if err := r.sink.Emit(ctx, model.EventFromSnapshot(snap, message)); err != nil {
		slog.WarnContext(ctx, "emitting progress failed", "job_id", snap.JobID, "error", err)
	}
}

// snapshot must be called with e.mx held (or before e is published).
func (e *entry) snapshot() model.Snapshot {
	return model.Snapshot{
		JobID:       e.id,
		JobType:     e.jobType,
		Paused:      e.paused.Load(),
		Stopped:     e.stopped.Load(),
		Total:       e.total,
		Completed:   e.completed,
		Failed:      e.failed,
		CurrentItem: e.currentItem,
		Metadata:    maps.Clone(e.metadata),
		Started:     e.started,
	}
}
