package tabs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Recycler spawns auxiliary browser sessions so long jobs do not touch the
// primary interactive one.
type Recycler struct {
	launcher Launcher
}

func NewRecycler(launcher Launcher) *Recycler {
	return &Recycler{launcher: launcher}
}

// Session is a spawned browser. Close must be called on every path; it is
// safe to call more than once.
type Session struct {
	Browser Browser
	once    sync.Once
	err     error
}

// Spawn launches a new browser and, when existing can export its session and
// the new one can import it, copies the cookies over. A failed copy stops the
// new browser again.
func (r *Recycler) Spawn(ctx context.Context, existing Browser, opts LaunchOptions) (*Session, error) {
	if r.launcher == nil {
		return nil, errors.New("no launcher configured")
	}
	browser, err := r.launcher.Launch(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("launching session: %w", err)
	}
	s := &Session{Browser: browser}

	if err := forkSession(ctx, existing, browser); err != nil {
		_ = s.Close(ctx)
		return nil, err
	}
	return s, nil
}

func forkSession(ctx context.Context, from, to Browser) error {
	exporter, ok := from.(SessionExporter)
	if !ok {
		return nil
	}
	importer, ok := to.(SessionImporter)
	if !ok {
		slog.WarnContext(ctx, "spawned browser cannot import a session: starting fresh")
		return nil
	}
	cookies, err := exporter.Cookies(ctx)
	if err != nil {
		return fmt.Errorf("exporting session: %w", err)
	}
	if len(cookies) == 0 {
		return nil
	}
	if err := importer.SetCookies(ctx, cookies); err != nil {
		return fmt.Errorf("importing session: %w", err)
	}
	slog.DebugContext(ctx, "session forked", "cookies", len(cookies))
	return nil
}

func (s *Session) Close(ctx context.Context) error {
	s.once.Do(func() {
		s.err = s.Browser.Stop(context.WithoutCancel(ctx))
	})
	return s.err
}
