// Package automation defines the browser capability set the session layer
// consumes.
//
// The interfaces mirror the small slice of a browser automation engine the
// service needs: launch a browser, open an isolated context with a fixed
// viewport, open a page, and drive that page (navigate, reload, read text,
// locate elements, click, screenshot). The production implementation lives in
// the playwright subpackage; automationtest provides an in-memory fake.
//
// None of the page or locator primitives accept a context.Context. Once a
// primitive has been handed to the engine it runs to completion; callers may
// only bound it through the page default timeout.
package automation

import "errors"

// ErrNotInstalled is returned (wrapped) by Driver.Start or Engine.Launch when
// the engine's runtime dependency (driver or browser binaries) is missing.
// It is the only failure that triggers the one-time install-and-retry path.
var ErrNotInstalled = errors.New("automation runtime not installed")

// Default values for new browser contexts and pages
const (
	DefaultViewportWidth  = 1440
	DefaultViewportHeight = 900
	DefaultTimeout        = 30000.0 // 30 seconds in milliseconds
)

// Driver brings an Engine into existence and can install its runtime
// dependency.
type Driver interface {
	// Start constructs the shared engine.
	Start() (Engine, error)

	// Install downloads the runtime dependency (driver and browser).
	Install() error
}

// Engine is the shared, process-wide browser factory.
type Engine interface {
	Launch(opts LaunchOptions) (Browser, error)
	Stop() error
}

// LaunchOptions configures a browser launch.
type LaunchOptions struct {
	Headless bool
}

// Viewport represents the browser viewport dimensions.
type Viewport struct {
	Width  int
	Height int
}

// ContextOptions configures a new isolated browsing context.
type ContextOptions struct {
	Viewport Viewport

	// Timeout is the default timeout applied to pages of this context, in
	// milliseconds. Zero keeps the engine default.
	Timeout float64
}

// Browser is one launched browser instance.
type Browser interface {
	NewContext(opts ContextOptions) (BrowserContext, error)
	Close() error
}

// BrowserContext is an isolated browsing context (cookies, storage).
type BrowserContext interface {
	NewPage() (Page, error)
	Close() error
}

// Page is a single tab under programmatic control.
type Page interface {
	// URL returns the current page address.
	URL() string

	// Goto navigates to url and waits until the network is idle.
	Goto(url string) error

	// Reload reloads the current page.
	Reload() error

	// InnerText returns at most maxChars characters of the visible body text.
	InnerText(maxChars int) (string, error)

	// Content returns the full serialized HTML of the page.
	Content() (string, error)

	// GetByText locates elements whose visible text contains text
	// (case-insensitive, whitespace-normalized).
	GetByText(text string) Locator

	// Locator locates elements matching a CSS selector.
	Locator(selector string) Locator

	// Screenshot captures the page as PNG. When fullPage is false only the
	// current viewport is captured.
	Screenshot(fullPage bool) ([]byte, error)

	Close() error
}

// Locator is a lazy, re-evaluated element query.
type Locator interface {
	Count() (int, error)
	First() Locator
	Nth(index int) Locator
	IsVisible() (bool, error)
	Click() error
	Screenshot() ([]byte, error)
}
