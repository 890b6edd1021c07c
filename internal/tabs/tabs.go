// Package tabs defines the browser capabilities the job engine consumes and
// manages tab and session lifetimes on top of them.
package tabs

import (
	"context"
	"time"
)

// Page is one browser tab able to navigate independently.
type Page interface {
	ID() string
	Navigate(ctx context.Context, url string) error
	// Evaluate runs script and decodes its JSON result into out (may be nil).
	Evaluate(ctx context.Context, script string, out any) error
	// Find returns nil without error when no element matches.
	Find(ctx context.Context, selector string) (Element, error)
	FindAll(ctx context.Context, selector string) ([]Element, error)
	// WaitFor blocks until selector is present or ctx ends.
	WaitFor(ctx context.Context, selector string) error
	Sleep(ctx context.Context, d time.Duration) error
}

type Element interface {
	Click(ctx context.Context) error
	Text(ctx context.Context) (string, error)
}

// Browser owns the tabs of one browser instance.
type Browser interface {
	// MainTab returns the primary tab or nil when the browser has none.
	MainTab() Page
	NewTab(ctx context.Context, url string) (Page, error)
	Tabs(ctx context.Context) ([]Page, error)
	CloseTab(ctx context.Context, page Page) error
	Stop(ctx context.Context) error
}

// Cookie is the session state copied between browser instances.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"` // unix seconds, 0 = session cookie
	Secure   bool    `json:"secure,omitempty"`
	HTTPOnly bool    `json:"http_only,omitempty"`
	SameSite string  `json:"same_site,omitempty"`
}

// SessionExporter is implemented by browsers able to share their session.
type SessionExporter interface {
	Cookies(ctx context.Context) ([]Cookie, error)
}

type SessionImporter interface {
	SetCookies(ctx context.Context, cookies []Cookie) error
}

type LaunchOptions struct {
	Headless bool
	// UserDataDir is the profile directory; empty means a throwaway profile.
	UserDataDir string
}

// Launcher starts new browser instances.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Browser, error)
}
