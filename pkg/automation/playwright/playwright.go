// Package playwright implements the automation capability set on top of
// playwright-go.
package playwright

import (
	"fmt"
	"io"
	"strings"

	"github.com/entrhq/ehragent/pkg/automation"
	"github.com/playwright-community/playwright-go"
)

// textExtractionScript returns at most max characters of the visible body text.
const textExtractionScript = "max => (document.body?.innerText || '').slice(0, max)"

// Driver starts Playwright and installs Chromium on demand.
type Driver struct {
	opts *playwright.RunOptions
}

// NewDriver creates a driver that keeps Playwright's own output off the
// service's stdout and stderr.
func NewDriver() *Driver {
	return &Driver{
		opts: &playwright.RunOptions{
			Browsers: []string{"chromium"},
			Verbose:  false,
			Stdout:   io.Discard,
			Stderr:   io.Discard,
		},
	}
}

// Start runs the Playwright driver process.
func (d *Driver) Start() (automation.Engine, error) {
	pw, err := playwright.Run(d.opts)
	if err != nil {
		return nil, classify("failed to start playwright", err)
	}
	return &engine{pw: pw}, nil
}

// Install downloads the Playwright driver and Chromium.
func (d *Driver) Install() error {
	if err := playwright.Install(d.opts); err != nil {
		return fmt.Errorf("failed to install playwright: %w", err)
	}
	return nil
}

// classify wraps err with automation.ErrNotInstalled when Playwright reports a
// missing driver or browser executable.
func classify(msg string, err error) error {
	lower := strings.ToLower(err.Error())
	for _, marker := range []string{
		"executable doesn't exist",
		"please install the driver",
		"playwright install",
		"could not install driver",
	} {
		if strings.Contains(lower, marker) {
			return fmt.Errorf("%s: %w: %w", msg, automation.ErrNotInstalled, err)
		}
	}
	return fmt.Errorf("%s: %w", msg, err)
}

type engine struct {
	pw *playwright.Playwright
}

func (e *engine) Launch(opts automation.LaunchOptions) (automation.Browser, error) {
	b, err := e.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
	})
	if err != nil {
		return nil, classify("failed to launch browser", err)
	}
	return &browser{b: b}, nil
}

func (e *engine) Stop() error {
	if err := e.pw.Stop(); err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	return nil
}

type browser struct {
	b playwright.Browser
}

func (b *browser) NewContext(opts automation.ContextOptions) (automation.BrowserContext, error) {
	viewport := opts.Viewport
	if viewport.Width == 0 || viewport.Height == 0 {
		viewport = automation.Viewport{
			Width:  automation.DefaultViewportWidth,
			Height: automation.DefaultViewportHeight,
		}
	}

	c, err := b.b.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  viewport.Width,
			Height: viewport.Height,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create context: %w", err)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = automation.DefaultTimeout
	}
	c.SetDefaultTimeout(timeout)
	return &browserContext{c: c}, nil
}

func (b *browser) Close() error {
	return b.b.Close()
}

type browserContext struct {
	c playwright.BrowserContext
}

func (c *browserContext) NewPage() (automation.Page, error) {
	p, err := c.c.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	return &page{p: p}, nil
}

func (c *browserContext) Close() error {
	return c.c.Close()
}

type page struct {
	p playwright.Page
}

func (p *page) URL() string {
	return p.p.URL()
}

func (p *page) Goto(url string) error {
	if _, err := p.p.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateNetworkidle,
	}); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

func (p *page) Reload() error {
	if _, err := p.p.Reload(); err != nil {
		return fmt.Errorf("reload failed: %w", err)
	}
	return nil
}

func (p *page) InnerText(maxChars int) (string, error) {
	result, err := p.p.Evaluate(textExtractionScript, maxChars)
	if err != nil {
		return "", fmt.Errorf("text extraction failed: %w", err)
	}
	text, _ := result.(string)
	return text, nil
}

func (p *page) Content() (string, error) {
	return p.p.Content()
}

func (p *page) GetByText(text string) automation.Locator {
	return &locator{l: p.p.GetByText(text, playwright.PageGetByTextOptions{
		Exact: playwright.Bool(false),
	})}
}

func (p *page) Locator(selector string) automation.Locator {
	return &locator{l: p.p.Locator(selector)}
}

func (p *page) Screenshot(fullPage bool) ([]byte, error) {
	return p.p.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(fullPage),
	})
}

func (p *page) Close() error {
	return p.p.Close()
}

type locator struct {
	l playwright.Locator
}

func (l *locator) Count() (int, error) {
	return l.l.Count()
}

func (l *locator) First() automation.Locator {
	return &locator{l: l.l.First()}
}

func (l *locator) Nth(index int) automation.Locator {
	return &locator{l: l.l.Nth(index)}
}

func (l *locator) IsVisible() (bool, error) {
	return l.l.IsVisible()
}

func (l *locator) Click() error {
	return l.l.Click()
}

func (l *locator) Screenshot() ([]byte, error) {
	return l.l.Screenshot()
}
