// Package tabstest provides an in-memory browser for tests of code built on
// the tabs capabilities.
package tabstest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valuation-tools/tabctl/internal/tabs"
)

var ErrClosed = errors.New("tab closed")

// Browser is a fake tabs.Browser. FailNewTabAfter > 0 makes NewTab fail once
// that many tabs were opened; a negative value makes it always fail.
type Browser struct {
	mx              sync.Mutex
	main            *Page
	open            []*Page
	next            int
	opened          int
	closed          int
	stopped         bool
	cookies         []tabs.Cookie
	FailNewTabAfter int
	// OnEvaluate, when set, answers every Evaluate call of every tab.
	OnEvaluate func(ctx context.Context, page *Page, script string, out any) error
	// Elements maps a selector to the texts of the elements it matches on
	// every tab.
	Elements map[string][]string
}

// NewBrowser returns a browser with a main tab when withMain is set.
func NewBrowser(withMain bool) *Browser {
	b := &Browser{}
	if withMain {
		b.main = b.newPage()
		b.open = append(b.open, b.main)
	}
	return b
}

func (b *Browser) newPage() *Page {
	id := fmt.Sprintf("tab-%d", b.next)
	b.next++
	return &Page{id: id, browser: b}
}

func (b *Browser) MainTab() tabs.Page {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.main == nil {
		return nil
	}
	return b.main
}

func (b *Browser) Main() *Page {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.main
}

func (b *Browser) NewTab(ctx context.Context, url string) (tabs.Page, error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.stopped {
		return nil, errors.New("browser stopped")
	}
	if b.FailNewTabAfter < 0 || (b.FailNewTabAfter > 0 && b.opened >= b.FailNewTabAfter) {
		return nil, errors.New("target creation refused")
	}
	p := b.newPage()
	p.url = url
	b.open = append(b.open, p)
	b.opened++
	return p, nil
}

func (b *Browser) Tabs(context.Context) ([]tabs.Page, error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	ret := make([]tabs.Page, 0, len(b.open))
	for _, p := range b.open {
		ret = append(ret, p)
	}
	return ret, nil
}

func (b *Browser) CloseTab(_ context.Context, page tabs.Page) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	idx := slices.IndexFunc(b.open, func(p *Page) bool { return p.ID() == page.ID() })
	if idx < 0 {
		return fmt.Errorf("%s: %w", page.ID(), ErrClosed)
	}
	b.open[idx].closed.Store(true)
	b.open = slices.Delete(b.open, idx, idx+1)
	b.closed++
	return nil
}

func (b *Browser) Stop(context.Context) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.stopped {
		return errors.New("already stopped")
	}
	b.stopped = true
	return nil
}

func (b *Browser) Cookies(context.Context) ([]tabs.Cookie, error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	return slices.Clone(b.cookies), nil
}

func (b *Browser) SetCookies(_ context.Context, cookies []tabs.Cookie) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.cookies = append(b.cookies, cookies...)
	return nil
}

// OpenTabs counts tabs not closed yet, the main tab included.
func (b *Browser) OpenTabs() int {
	b.mx.Lock()
	defer b.mx.Unlock()
	return len(b.open)
}

// Opened counts tabs created with NewTab.
func (b *Browser) Opened() int {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.opened
}

func (b *Browser) Stopped() bool {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.stopped
}

// Page is a fake tabs.Page recording its navigation history.
type Page struct {
	id      string
	browser *Browser
	closed  atomic.Bool

	mx      sync.Mutex
	url     string
	visited []string
	clicks  []string
}

func (p *Page) ID() string { return p.id }

func (p *Page) Navigate(ctx context.Context, url string) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mx.Lock()
	defer p.mx.Unlock()
	p.url = url
	p.visited = append(p.visited, url)
	return nil
}

func (p *Page) URL() string {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.url
}

func (p *Page) Visited() []string {
	p.mx.Lock()
	defer p.mx.Unlock()
	return slices.Clone(p.visited)
}

func (p *Page) Evaluate(ctx context.Context, script string, out any) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if fn := p.browser.OnEvaluate; fn != nil {
		return fn(ctx, p, script, out)
	}
	return nil
}

func (p *Page) Find(ctx context.Context, selector string) (tabs.Element, error) {
	all, err := p.FindAll(ctx, selector)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return all[0], nil
}

func (p *Page) FindAll(ctx context.Context, selector string) ([]tabs.Element, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ret []tabs.Element
	for _, text := range p.browser.Elements[selector] {
		ret = append(ret, &Element{page: p, selector: selector, text: text})
	}
	return ret, nil
}

func (p *Page) WaitFor(ctx context.Context, selector string) error {
	if p.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

// Clicks lists the selectors of the elements clicked on this tab.
func (p *Page) Clicks() []string {
	p.mx.Lock()
	defer p.mx.Unlock()
	return slices.Clone(p.clicks)
}

type Element struct {
	page     *Page
	selector string
	text     string
}

func (e *Element) Click(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.page.mx.Lock()
	defer e.page.mx.Unlock()
	e.page.clicks = append(e.page.clicks, e.selector)
	return nil
}

func (e *Element) Text(ctx context.Context) (string, error) {
	return e.text, ctx.Err()
}

func (p *Page) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Launcher hands out fresh fake browsers and remembers them.
type Launcher struct {
	mx       sync.Mutex
	Err      error
	Launched []*Browser
	Options  []tabs.LaunchOptions
}

func (l *Launcher) Launch(_ context.Context, opts tabs.LaunchOptions) (tabs.Browser, error) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}
	b := NewBrowser(true)
	l.Launched = append(l.Launched, b)
	l.Options = append(l.Options, opts)
	return b, nil
}
