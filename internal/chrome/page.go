package chrome

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/valuation-tools/tabctl/internal/model"
	"github.com/valuation-tools/tabctl/internal/tabs"
)

// Page is a chromedp tab context. Calls made with a caller context run on a
// child of the tab context, so a caller deadline aborts the call without
// closing the tab.
type Page struct {
	browser *Browser
	ctx     context.Context
	cancel  context.CancelFunc
	target  target.ID
}

func newPage(b *Browser, ctx context.Context, cancel context.CancelFunc) *Page {
	p := &Page{browser: b, ctx: ctx, cancel: cancel}
	if c := chromedp.FromContext(ctx); c != nil && c.Target != nil {
		p.target = c.Target.TargetID
	}
	return p
}

// attachPage wraps a tab this process did not open.
func attachPage(b *Browser, id target.ID) (*Page, error) {
	ctx, cancel := chromedp.NewContext(b.main.ctx, chromedp.WithTargetID(id))
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		return nil, err
	}
	return &Page{browser: b, ctx: ctx, cancel: cancel, target: id}, nil
}

func (p *Page) ID() string {
	return string(p.target)
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

func (p *Page) Evaluate(ctx context.Context, script string, out any) error {
	return p.run(ctx, chromedp.Evaluate(script, out))
}

func (p *Page) Find(ctx context.Context, selector string) (tabs.Element, error) {
	nodes, err := p.nodes(ctx, selector)
	if err != nil || len(nodes) == 0 {
		return nil, err
	}
	return &Element{page: p, node: nodes[0]}, nil
}

func (p *Page) FindAll(ctx context.Context, selector string) ([]tabs.Element, error) {
	nodes, err := p.nodes(ctx, selector)
	if err != nil {
		return nil, err
	}
	ret := make([]tabs.Element, len(nodes))
	for i, n := range nodes {
		ret[i] = &Element{page: p, node: n}
	}
	return ret, nil
}

func (p *Page) nodes(ctx context.Context, selector string) ([]*cdp.Node, error) {
	var nodes []*cdp.Node
	err := p.run(ctx, chromedp.Nodes(selector, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0)))
	return nodes, err
}

func (p *Page) WaitFor(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.WaitReady(selector, chromedp.ByQuery))
}

func (p *Page) Sleep(ctx context.Context, d time.Duration) error {
	return p.run(ctx, chromedp.Sleep(d))
}

// run executes actions on the tab. Errors caused by the tab going away wrap
// model.ErrTabBroken; an expired caller context is returned as is.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	if err := p.ctx.Err(); err != nil {
		return fmt.Errorf("tab %s: %w: %w", p.ID(), model.ErrTabBroken, err)
	}
	rctx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(rctx, actions...)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case p.ctx.Err() != nil:
		return fmt.Errorf("tab %s: %w: %w", p.ID(), model.ErrTabBroken, err)
	}
	return err
}

func (p *Page) close(ctx context.Context) error {
	defer p.cancel()
	done := make(chan error, 1)
	go func() { done <- ignoreCanceled(chromedp.Cancel(p.ctx)) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("closing tab %s: %w", p.ID(), err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("closing tab %s: %w", p.ID(), ctx.Err())
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type Element struct {
	page *Page
	node *cdp.Node
}

func (e *Element) Click(ctx context.Context) error {
	return e.page.run(ctx, chromedp.MouseClickNode(e.node))
}

func (e *Element) Text(ctx context.Context) (string, error) {
	var text string
	err := e.page.run(ctx, chromedp.Text([]cdp.NodeID{e.node.NodeID}, &text, chromedp.ByNodeID))
	return text, err
}
