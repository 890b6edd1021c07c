// Package chrome implements the tabs capabilities on top of chromedp.
package chrome

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/valuation-tools/tabctl/internal/model"
	"github.com/valuation-tools/tabctl/internal/tabs"
)

// Launcher starts Chrome instances configured by model.Browser. With a
// RemoteURL set it attaches to an already running browser instead.
type Launcher struct {
	cfg model.Browser
}

func NewLauncher(cfg model.Browser) *Launcher {
	return &Launcher{cfg: cfg}
}

func (l *Launcher) Launch(ctx context.Context, opts tabs.LaunchOptions) (tabs.Browser, error) {
	// the browser outlives the launching call
	parent := context.WithoutCancel(ctx)

	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if l.cfg.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(parent, l.cfg.RemoteURL)
	} else {
		allocCtx, allocCancel = chromedp.NewExecAllocator(parent, l.allocatorOptions(opts)...)
	}
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			slog.DebugContext(ctx, fmt.Sprintf(format, args...))
		}),
	)

	stop := context.AfterFunc(ctx, browserCancel)
	// the first Run starts the browser and attaches the main tab
	err := chromedp.Run(browserCtx)
	stop()
	if err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("starting browser: %w", errors.Join(err, ctx.Err()))
	}

	b := &Browser{
		allocCancel:   allocCancel,
		browserCancel: browserCancel,
		tabs:          make(map[target.ID]*Page),
	}
	b.main = newPage(b, browserCtx, browserCancel)
	slog.InfoContext(ctx, "browser started", "remote", l.cfg.RemoteURL != "",
		"headless", opts.Headless, "main_tab", b.main.ID())
	return b, nil
}

func (l *Launcher) allocatorOptions(opts tabs.LaunchOptions) []chromedp.ExecAllocatorOption {
	ret := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	ret = append(ret,
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if l.cfg.ExecPath != "" {
		ret = append(ret, chromedp.ExecPath(l.cfg.ExecPath))
	}
	if opts.UserDataDir != "" {
		ret = append(ret, chromedp.UserDataDir(opts.UserDataDir))
	}
	if l.cfg.WindowWidth > 0 && l.cfg.WindowHeight > 0 {
		ret = append(ret, chromedp.WindowSize(l.cfg.WindowWidth, l.cfg.WindowHeight))
	}
	return ret
}

// Browser is a running Chrome instance. Tabs opened through NewTab are
// tracked until CloseTab or Stop.
type Browser struct {
	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
	main          *Page

	mx      sync.Mutex
	tabs    map[target.ID]*Page
	stopped bool
}

var errStopped = errors.New("browser stopped")

func (b *Browser) MainTab() tabs.Page {
	return b.main
}

func (b *Browser) NewTab(ctx context.Context, url string) (tabs.Page, error) {
	b.mx.Lock()
	stopped := b.stopped
	b.mx.Unlock()
	if stopped {
		return nil, errStopped
	}

	tabCtx, cancel := chromedp.NewContext(b.main.ctx)
	stop := context.AfterFunc(ctx, cancel)
	err := chromedp.Run(tabCtx, chromedp.Navigate(url))
	stop()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("opening tab: %w", errors.Join(err, ctx.Err()))
	}

	p := newPage(b, tabCtx, cancel)
	b.mx.Lock()
	b.tabs[p.target] = p
	b.mx.Unlock()
	return p, nil
}

// Tabs lists the page targets of the browser, including those not opened
// through this Browser.
func (b *Browser) Tabs(ctx context.Context) ([]tabs.Page, error) {
	var infos []*target.Info
	err := b.main.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		infos, err = chromedp.Targets(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}

	b.mx.Lock()
	defer b.mx.Unlock()
	ret := make([]tabs.Page, 0, len(infos))
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		switch p, ok := b.tabs[info.TargetID]; {
		case info.TargetID == b.main.target:
			ret = append(ret, b.main)
		case ok:
			ret = append(ret, p)
		default:
			p, err := attachPage(b, info.TargetID)
			if err != nil {
				slog.DebugContext(ctx, "attaching tab failed", "tab", info.TargetID, "error", err)
				continue
			}
			ret = append(ret, p)
		}
	}
	return ret, nil
}

func (b *Browser) CloseTab(ctx context.Context, page tabs.Page) error {
	p, ok := page.(*Page)
	if !ok || p.browser != b {
		return fmt.Errorf("tab %s does not belong to this browser", page.ID())
	}
	if p == b.main {
		return errors.New("the main tab is closed by Stop only")
	}

	b.mx.Lock()
	delete(b.tabs, p.target)
	b.mx.Unlock()
	return p.close(ctx)
}

// Stop closes every tab and the browser itself. A second call is an error.
func (b *Browser) Stop(ctx context.Context) error {
	b.mx.Lock()
	if b.stopped {
		b.mx.Unlock()
		return errStopped
	}
	b.stopped = true
	pages := make([]*Page, 0, len(b.tabs))
	for _, p := range b.tabs {
		pages = append(pages, p)
	}
	clear(b.tabs)
	b.mx.Unlock()

	var errs []error
	for _, p := range pages {
		errs = append(errs, p.close(ctx))
	}
	errs = append(errs, ignoreCanceled(chromedp.Cancel(b.main.ctx)))
	b.browserCancel()
	b.allocCancel()
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("stopping browser: %w", err)
	}
	return nil
}

// compile time checks
var (
	_ tabs.Launcher        = (*Launcher)(nil)
	_ tabs.Browser         = (*Browser)(nil)
	_ tabs.SessionExporter = (*Browser)(nil)
	_ tabs.SessionImporter = (*Browser)(nil)
)
