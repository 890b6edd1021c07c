package tabs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/valuation-tools/tabctl/internal/model"
)

const blankURL = "about:blank"

// Handle is a tab lent to one shard. Primary handles wrap the browser's
// main tab, whose lifetime belongs to the caller.
type Handle struct {
	Page    Page
	Primary bool
	browser Browser
}

// Pool hands out at most Max tabs per acquisition.
type Pool struct {
	max int
}

func NewPool(limit int) *Pool {
	return &Pool{max: max(limit, 1)}
}

func (p *Pool) Max() int {
	return p.max
}

// Acquire returns up to n (capped by Max) tabs: the browser's main tab first
// when it has one, then new blank tabs. A tab failing to open is logged and
// skipped, so fewer handles than requested may be returned; zero handles is
// an error wrapping model.ErrNoTabs. Handles must be given back to Release.
func (p *Pool) Acquire(ctx context.Context, browser Browser, n int) ([]Handle, error) {
	if browser == nil {
		return nil, model.ErrNoBrowser
	}
	n = min(max(n, 1), p.max)

	handles := make([]Handle, 0, n)
	if main := browser.MainTab(); main != nil {
		handles = append(handles, Handle{Page: main, Primary: true, browser: browser})
	}

	var errs []error
	for len(handles) < n {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		page, err := browser.NewTab(ctx, blankURL)
		if err != nil {
			slog.WarnContext(ctx, "opening tab failed: continuing with fewer tabs",
				"opened", len(handles), "requested", n, "error", err)
			errs = append(errs, err)
			// a browser refusing one tab usually refuses the next one too
			break
		}
		handles = append(handles, Handle{Page: page, browser: browser})
	}

	if len(handles) == 0 {
		return nil, fmt.Errorf("%w: %w", model.ErrNoTabs, errors.Join(errs...))
	}
	slog.DebugContext(ctx, "tabs acquired", "count", len(handles), "requested", n)
	return handles, nil
}

// Release closes every non-primary handle, even when ctx is already done.
func (p *Pool) Release(ctx context.Context, handles []Handle) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for _, h := range handles {
		if h.Primary || h.Page == nil {
			continue
		}
		if err := h.browser.CloseTab(ctx, h.Page); err != nil {
			errs = append(errs, fmt.Errorf("closing tab %s: %w", h.Page.ID(), err))
		}
	}
	return errors.Join(errs...)
}
