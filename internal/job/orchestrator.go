// Package job runs work items of one job across a pool of browser tabs.
//
// Overview
// The Orchestrator registers the job in the registry, splits the items into
// balanced shards (parallel.Partition), borrows one tab per shard from the
// tabs.Pool and runs a Runner per shard concurrently. Every Runner consults
// the gate of the run's registry lease before each item, so pause, resume and
// stop requested through the registry reach all shards of the job.
//
// Data flow:
//
//	Orchestrator        registry         tabs.Pool        Runner{shard}
//	     |-- Create (lease)->|                |                 |
//	     |-- Acquire ------------------------>|                 |
//	     |-- Run (one per shard, concurrently) ---------------->|
//	     |                   |<-- CheckAndWait / UpdateProgress -|
//	     |<-- ShardResult --------------------------------------|
//	     |-- Release ------------------------>|                 |
//	     |-- Release lease ->|                |                 |
//
// Invariants:
//   - The run's own registry entry is released and non-primary tabs are
//     closed on every exit path. A newer run with the same id keeps its entry.
//   - A failing item or shard never prevents sibling shards from finishing.
//   - Exactly one terminal progress event is emitted per Run.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/valuation-tools/tabctl/internal/log"
	"github.com/valuation-tools/tabctl/internal/model"
	"github.com/valuation-tools/tabctl/internal/parallel"
	"github.com/valuation-tools/tabctl/internal/progress"
	"github.com/valuation-tools/tabctl/internal/registry"
	"github.com/valuation-tools/tabctl/internal/store"
	"github.com/valuation-tools/tabctl/internal/tabs"
)

// Request describes one job run.
type Request struct {
	JobID     string
	JobType   model.JobType
	Items     []model.WorkItem
	Shards    int
	Browser   tabs.Browser
	Operation Operation
	// Resume skips items the store already holds as SUCCESS for JobID.
	Resume   bool
	Metadata map[string]string
}

type Orchestrator struct {
	reg    *registry.Registry
	pool   *tabs.Pool
	runner *Runner
	sink   progress.Sink
	store  store.Store
}

// NewOrchestrator wires the engine. sink and st may be nil.
func NewOrchestrator(reg *registry.Registry, pool *tabs.Pool, sink progress.Sink, st store.Store, itemTimeout time.Duration) *Orchestrator {
	if sink == nil {
		sink = progress.Discard
	}
	return &Orchestrator{
		reg:    reg,
		pool:   pool,
		runner: NewRunner(st, itemTimeout),
		sink:   sink,
		store:  st,
	}
}

// Run executes the job and returns its aggregate result. The error is non-nil
// only for a FAILED result.
func (o *Orchestrator) Run(ctx context.Context, req Request) (model.Result, error) {
	ctx = log.Job(ctx, req.JobID, string(req.JobType))
	started := time.Now().UTC()

	res, err := o.run(ctx, req)
	res.JobID = req.JobID
	res.JobType = req.JobType
	res.Started = started
	res.Duration = time.Since(started)
	if err != nil {
		res.Status = model.StatusFailed
		res.Error = err.Error()
	}

	message := "job finished"
	switch res.Status {
	case model.StatusStopped:
		message = "job stopped"
	case model.StatusFailed:
		message = "job failed: " + res.Error
	}
	if eerr := o.sink.Emit(context.WithoutCancel(ctx), model.TerminalEvent(res, message)); eerr != nil {
		slog.WarnContext(ctx, "emitting terminal progress failed", "error", eerr)
	}
	slog.InfoContext(ctx, message, "status", res.Status, "completed", res.Completed,
		"failed", res.Failed, "total", res.Total, "duration", res.Duration)
	return res, err
}

func (o *Orchestrator) run(ctx context.Context, req Request) (model.Result, error) {
	if err := validate(req); err != nil {
		return model.Result{Total: len(req.Items)}, err
	}

	items, skipped, err := o.pending(ctx, req)
	if err != nil {
		return model.Result{Total: len(req.Items)}, model.Structural("reading stored outcomes", err)
	}
	res := model.Result{Total: len(items), Skipped: skipped}

	if _, ok := o.reg.Get(req.JobID); ok {
		slog.WarnContext(ctx, "job id already active: shadowing its entry until this run ends")
	}
	_, lease := o.reg.Create(req.JobID, req.JobType, len(items), req.Metadata)
	defer lease.Release()
	lease.UpdateProgress(ctx, registry.Update{Message: "job started"}, true)

	if len(items) == 0 {
		res.Status = model.StatusSuccess
		return res, nil
	}

	requested := min(max(req.Shards, 1), o.pool.Max(), len(items))
	handles, err := o.pool.Acquire(ctx, req.Browser, requested)
	if err != nil {
		return res, model.Structural("acquiring tabs", err)
	}
	defer func() {
		if err := o.pool.Release(ctx, handles); err != nil {
			slog.ErrorContext(ctx, "releasing tabs failed", "error", err)
		}
	}()

	// fewer tabs than requested: spread the items over the tabs we got
	partitions := parallel.Partition(items, len(handles))
	type work struct {
		page  tabs.Page
		shard Shard
	}
	works := make([]work, 0, len(partitions))
	for i, p := range partitions {
		if len(p) == 0 {
			continue
		}
		works = append(works, work{page: handles[i].Page, shard: Shard{Index: i, Items: p}})
	}
	res.Shards = len(works)
	slog.InfoContext(ctx, "job started", "items", len(items), "shards", len(works), "skipped", skipped)

	runShard := func(ctx context.Context, w work) (ShardResult, error) {
		return o.runner.Run(ctx, w.page, w.shard, lease, req.Operation), nil
	}

	var shardErrs []error
	stopped := false
	for sr, err := range parallel.NewMap(ctx, len(works), runShard).Iter(parallel.Slice(works)) {
		if err != nil {
			shardErrs = append(shardErrs, err)
			continue
		}
		res.Completed += sr.Completed
		res.Failed += sr.Failed
		res.Outcomes = append(res.Outcomes, sr.Outcomes...)
		stopped = stopped || sr.Stopped
		if sr.Err != nil {
			shardErrs = append(shardErrs, fmt.Errorf("shard %d (%s): %w", sr.Shard, sr.Tab, sr.Err))
		}
	}
	slices.SortFunc(res.Outcomes, func(a, b model.ItemOutcome) int {
		return a.Index - b.Index
	})

	switch {
	case stopped:
		res.Status = model.StatusStopped
		if len(shardErrs) > 0 {
			res.Error = errors.Join(shardErrs...).Error()
		}
	case len(shardErrs) > 0:
		// partial counts and outcomes stay in res
		return res, errors.Join(shardErrs...)
	default:
		res.Status = model.StatusSuccess
	}
	return res, nil
}

func validate(req Request) error {
	switch {
	case !model.ValidJobID(req.JobID):
		return model.Structural("validating request", fmt.Errorf("%w: %q", model.ErrInvalidJobID, req.JobID))
	case req.Browser == nil:
		return model.Structural("validating request", model.ErrNoBrowser)
	case req.Operation == nil:
		return model.Structural("validating request", model.ErrNoOperation)
	}
	return nil
}

// pending numbers the items and drops those already finished when resuming.
func (o *Orchestrator) pending(ctx context.Context, req Request) ([]Item, int, error) {
	var done map[string]struct{}
	if req.Resume && o.store != nil {
		records, err := o.store.List(ctx, req.JobID)
		if err != nil {
			return nil, 0, err
		}
		done = store.Succeeded(records)
	}

	items := make([]Item, 0, len(req.Items))
	for i, it := range req.Items {
		if _, ok := done[it.ID]; ok {
			continue
		}
		items = append(items, Item{Index: i, WorkItem: it})
	}
	return items, len(req.Items) - len(items), nil
}
