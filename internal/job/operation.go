package job

import (
	"context"

	"github.com/valuation-tools/tabctl/internal/model"
	"github.com/valuation-tools/tabctl/internal/tabs"
)

// Operation performs the domain action of one job type on one item.
//
// The returned outcome carries the domain verdict: Status FAILED without an
// error is a regular item failure. A non-nil error fails the item too; when
// it wraps model.ErrTabBroken the tab is considered unusable and the shard
// ends early. Index, ItemID, Tab and Finished are filled in by the runner.
type Operation interface {
	Do(ctx context.Context, page tabs.Page, item model.WorkItem) (model.ItemOutcome, error)
}

type OperationFunc func(ctx context.Context, page tabs.Page, item model.WorkItem) (model.ItemOutcome, error)

func (f OperationFunc) Do(ctx context.Context, page tabs.Page, item model.WorkItem) (model.ItemOutcome, error) {
	return f(ctx, page, item)
}
