package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/valuation-tools/tabctl/internal/log"
	"github.com/valuation-tools/tabctl/internal/model"
	"github.com/valuation-tools/tabctl/internal/registry"
	"github.com/valuation-tools/tabctl/internal/store"
	"github.com/valuation-tools/tabctl/internal/tabs"
)

// Item is a work item together with its position in the job input.
type Item struct {
	Index int
	model.WorkItem
}

// Shard is the ordered list of items processed by one tab.
type Shard struct {
	Index int
	Items []Item
}

// ShardResult always describes the work done so far, also when the shard was
// stopped or its tab broke.
type ShardResult struct {
	Shard     int
	Tab       string
	Completed int
	Failed    int
	Outcomes  []model.ItemOutcome
	Stopped   bool
	// Err is set when the shard ended early: its tab became unusable or the
	// shard itself panicked.
	Err error
}

// Runner processes shards item by item, consulting the gate of the job's
// registry lease before every item.
type Runner struct {
	store       store.Store
	itemTimeout time.Duration
}

// NewRunner returns a runner. st may be nil; itemTimeout 0 leaves the
// operation's own waits as the only bound.
func NewRunner(st store.Store, itemTimeout time.Duration) *Runner {
	return &Runner{store: st, itemTimeout: itemTimeout}
}

// Run never panics. A panic outside the operation ends the shard with Err
// set and the work done so far kept in the result.
func (r *Runner) Run(ctx context.Context, page tabs.Page, shard Shard, lease registry.Lease, op Operation) (res ShardResult) {
	jobID := lease.JobID()
	res = ShardResult{
		Shard:    shard.Index,
		Outcomes: make([]model.ItemOutcome, 0, len(shard.Items)),
	}
	defer func() {
		if p := recover(); p != nil {
			res.Err = fmt.Errorf("shard %d panicked: %v", shard.Index, p)
			slog.ErrorContext(ctx, "shard panicked", "shard", shard.Index, "error", res.Err)
		}
	}()
	res.Tab = page.ID()
	ctx = log.ContextAttrs(ctx,
		slog.Int("shard", shard.Index),
		slog.String("tab", res.Tab),
	)

	for _, item := range shard.Items {
		if lease.CheckAndWait(ctx) == registry.Stop {
			slog.InfoContext(ctx, "shard stopped", "completed", res.Completed, "failed", res.Failed,
				"remaining", len(shard.Items)-len(res.Outcomes))
			res.Stopped = true
			return res
		}

		outcome, err := r.runItem(ctx, page, item, op)
		outcome.Index = item.Index
		outcome.ItemID = item.ID
		outcome.Tab = res.Tab
		outcome.Finished = time.Now().UTC()
		res.Outcomes = append(res.Outcomes, outcome)

		update := registry.Update{CurrentItem: item.ID}
		if outcome.Succeeded() {
			res.Completed++
			update.Completed = 1
			update.Message = "item " + item.ID + " done"
		} else {
			res.Failed++
			update.Failed = 1
			update.Message = "item " + item.ID + " failed: " + outcome.Error
			slog.WarnContext(ctx, "item failed", "item", item.ID, "error", outcome.Error)
		}
		lease.UpdateProgress(ctx, update, true)
		r.persist(ctx, jobID, outcome)

		if errors.Is(err, model.ErrTabBroken) {
			slog.ErrorContext(ctx, "tab broken: ending shard early", "error", err,
				"remaining", len(shard.Items)-len(res.Outcomes))
			res.Err = err
			return res
		}
	}
	return res
}

// runItem never panics and always returns an outcome with a status.
func (r *Runner) runItem(ctx context.Context, page tabs.Page, item Item, op Operation) (outcome model.ItemOutcome, err error) {
	if r.itemTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.itemTimeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("operation panicked: %v", p)
			outcome = model.ItemOutcome{Status: model.StatusFailed, Error: err.Error()}
		}
	}()

	outcome, err = op.Do(ctx, page, item.WorkItem)
	switch {
	case err != nil:
		outcome.Status = model.StatusFailed
		if outcome.Error == "" {
			outcome.Error = err.Error()
		}
	case outcome.Status == "":
		outcome.Status = model.StatusSuccess
	case outcome.Status != model.StatusSuccess && outcome.Status != model.StatusFailed:
		outcome.Error = fmt.Sprintf("unexpected item status %q", outcome.Status)
		outcome.Status = model.StatusFailed
	}
	return outcome, err
}

func (r *Runner) persist(ctx context.Context, jobID string, outcome model.ItemOutcome) {
	if r.store == nil {
		return
	}
	if err := r.store.Upsert(context.WithoutCancel(ctx), store.FromOutcome(jobID, outcome)); err != nil {
		slog.ErrorContext(ctx, "persisting outcome failed", "item", outcome.ItemID, "error", err)
	}
}
