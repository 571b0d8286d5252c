package automationtest

import (
	"sync"
	"sync/atomic"

	"github.com/entrhq/ehragent/pkg/automation"
)

var (
	_ automation.Driver         = (*Driver)(nil)
	_ automation.Engine         = (*Engine)(nil)
	_ automation.Browser        = (*Browser)(nil)
	_ automation.BrowserContext = (*Context)(nil)
	_ automation.Page           = (*Page)(nil)
	_ automation.Locator        = (*Locator)(nil)
)

// Driver is a fake automation.Driver. Errors queued in StartErrs and
// LaunchErrs are returned one per call, in order, before calls succeed.
type Driver struct {
	mu         sync.Mutex
	startErrs  []error
	launchErrs []error

	// InstallErr is returned by Install.
	InstallErr error

	// NewPage builds the page for each new context; defaults to NewPage().
	NewPage func() *Page

	// NewContextErr is returned by every Browser.NewContext.
	NewContextErr error

	starts   atomic.Int32
	installs atomic.Int32
	launches atomic.Int32

	engine   *Engine
	browsers []*Browser
}

// NewDriver creates a driver whose engine launches browsers backed by pages
// from newPage (nil uses NewPage()).
func NewDriver(newPage func() *Page) *Driver {
	return &Driver{NewPage: newPage}
}

// FailStart queues errors for the next Start calls.
func (d *Driver) FailStart(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.startErrs = append(d.startErrs, errs...)
}

// FailLaunch queues errors for the next Launch calls.
func (d *Driver) FailLaunch(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.launchErrs = append(d.launchErrs, errs...)
}

// Starts returns the number of Start calls.
func (d *Driver) Starts() int { return int(d.starts.Load()) }

// Installs returns the number of Install calls.
func (d *Driver) Installs() int { return int(d.installs.Load()) }

// Launches returns the number of Launch calls, failed ones included.
func (d *Driver) Launches() int { return int(d.launches.Load()) }

// Engine returns the last started engine.
func (d *Driver) Engine() *Engine {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.engine
}

// Browsers returns every successfully launched browser.
func (d *Driver) Browsers() []*Browser {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Browser(nil), d.browsers...)
}

func (d *Driver) Start() (automation.Engine, error) {
	d.starts.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.startErrs) > 0 {
		err := d.startErrs[0]
		d.startErrs = d.startErrs[1:]
		return nil, err
	}
	d.engine = &Engine{driver: d}
	return d.engine, nil
}

func (d *Driver) Install() error {
	d.installs.Add(1)
	return d.InstallErr
}

// Engine is a fake automation.Engine.
type Engine struct {
	driver  *Driver
	stopped atomic.Bool
}

// Stopped reports whether Stop was called.
func (e *Engine) Stopped() bool { return e.stopped.Load() }

func (e *Engine) Launch(opts automation.LaunchOptions) (automation.Browser, error) {
	d := e.driver
	d.launches.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.launchErrs) > 0 {
		err := d.launchErrs[0]
		d.launchErrs = d.launchErrs[1:]
		return nil, err
	}
	b := &Browser{driver: d, Headless: opts.Headless}
	d.browsers = append(d.browsers, b)
	return b, nil
}

func (e *Engine) Stop() error {
	e.stopped.Store(true)
	return nil
}

// Browser is a fake automation.Browser.
type Browser struct {
	driver   *Driver
	Headless bool

	// CloseErr is returned by Close.
	CloseErr error

	mu       sync.Mutex
	contexts []*Context
	closes   int
}

// Contexts returns the contexts created on this browser.
func (b *Browser) Contexts() []*Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Context(nil), b.contexts...)
}

// Closed reports whether Close was called.
func (b *Browser) Closed() bool {
	return b.CloseCount() > 0
}

// CloseCount reports how many times Close was called.
func (b *Browser) CloseCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closes
}

func (b *Browser) NewContext(opts automation.ContextOptions) (automation.BrowserContext, error) {
	if b.driver.NewContextErr != nil {
		return nil, b.driver.NewContextErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c := &Context{browser: b, Options: opts}
	b.contexts = append(b.contexts, c)
	return c, nil
}

func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closes++
	return b.CloseErr
}

// Context is a fake automation.BrowserContext.
type Context struct {
	browser *Browser
	Options automation.ContextOptions

	mu     sync.Mutex
	pages  []*Page
	closed bool
}

// Pages returns the pages opened in this context.
func (c *Context) Pages() []*Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Page(nil), c.pages...)
}

// Closed reports whether Close was called.
func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Context) NewPage() (automation.Page, error) {
	var p *Page
	if c.browser.driver.NewPage != nil {
		p = c.browser.driver.NewPage()
	} else {
		p = NewPage()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages = append(c.pages, p)
	return p, nil
}

func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
