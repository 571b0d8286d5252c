// Package automationtest provides an in-memory implementation of the
// automation capability set for tests.
//
// A Page holds a flat list of Elements. Locator(selector) matches elements
// that declare the selector (comma-separated selector lists match any part);
// GetByText matches elements whose text contains the query, ignoring case.
// Every primitive can be made to fail, and each page records how many
// primitives were in flight at once so tests can assert serialization.
package automationtest

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/entrhq/ehragent/pkg/automation"
)

// ErrElementNotFound is returned when clicking or capturing a locator that
// resolves to no element.
var ErrElementNotFound = errors.New("element not found")

// PNG is a tiny valid PNG header used as default image payload.
var PNG = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// Element is one node of a fake page.
type Element struct {
	Name      string
	Text      string
	Selectors []string
	Hidden    bool
	Image     []byte

	VisibleErr    error
	ClickErr      error
	ScreenshotErr error

	// OnClick runs after a successful click.
	OnClick func(p *Page)
}

// Page is a fake automation.Page.
type Page struct {
	mu       sync.Mutex
	url      string
	elements []*Element

	Body string
	HTML string

	// Viewport is returned by Screenshot.
	Viewport []byte

	GotoErr       error
	ReloadErr     error
	TextErr       error
	ContentErr    error
	ScreenshotErr error
	CountErr      error
	CloseErr      error

	// Delay is spent inside every primitive, widening overlap windows.
	Delay time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	calls       atomic.Int32

	gotos   []string
	reloads int
	clicks  []string
	closed  bool
}

// NewPage creates an empty page at about:blank.
func NewPage(elements ...*Element) *Page {
	return &Page{
		url:      "about:blank",
		elements: elements,
		Viewport: []byte("viewport"),
	}
}

// SetElements replaces the page content.
func (p *Page) SetElements(elements ...*Element) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.elements = elements
}

// AddElement appends an element to the page.
func (p *Page) AddElement(e *Element) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.elements = append(p.elements, e)
}

// MaxInFlight reports the highest number of concurrently running primitives.
func (p *Page) MaxInFlight() int {
	return int(p.maxInFlight.Load())
}

// Calls reports how many primitives ran.
func (p *Page) Calls() int {
	return int(p.calls.Load())
}

// Gotos returns every URL passed to Goto.
func (p *Page) Gotos() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.gotos...)
}

// Reloads returns the number of Reload calls.
func (p *Page) Reloads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reloads
}

// Clicks returns the names (or texts) of clicked elements in order.
func (p *Page) Clicks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.clicks...)
}

// Closed reports whether Close was called.
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Page) enter() func() {
	p.calls.Add(1)
	n := p.inFlight.Add(1)
	for {
		cur := p.maxInFlight.Load()
		if n <= cur || p.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	if p.Delay > 0 {
		time.Sleep(p.Delay)
	}
	return func() { p.inFlight.Add(-1) }
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) Goto(url string) error {
	defer p.enter()()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gotos = append(p.gotos, url)
	if p.GotoErr != nil {
		return p.GotoErr
	}
	p.url = url
	return nil
}

func (p *Page) Reload() error {
	defer p.enter()()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reloads++
	return p.ReloadErr
}

func (p *Page) InnerText(maxChars int) (string, error) {
	defer p.enter()()
	if p.TextErr != nil {
		return "", p.TextErr
	}
	runes := []rune(p.Body)
	if len(runes) > maxChars {
		runes = runes[:maxChars]
	}
	return string(runes), nil
}

func (p *Page) Content() (string, error) {
	defer p.enter()()
	if p.ContentErr != nil {
		return "", p.ContentErr
	}
	return p.HTML, nil
}

func (p *Page) GetByText(text string) automation.Locator {
	needle := normalize(text)
	return &Locator{page: p, index: -1, match: func(e *Element) bool {
		return strings.Contains(normalize(e.Text), needle)
	}}
}

func (p *Page) Locator(selector string) automation.Locator {
	parts := strings.Split(selector, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return &Locator{page: p, index: -1, match: func(e *Element) bool {
		for _, want := range parts {
			for _, have := range e.Selectors {
				if want == have {
					return true
				}
			}
		}
		return false
	}}
}

func (p *Page) Screenshot(fullPage bool) ([]byte, error) {
	defer p.enter()()
	if p.ScreenshotErr != nil {
		return nil, p.ScreenshotErr
	}
	return p.Viewport, nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return p.CloseErr
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Locator is a fake automation.Locator.
type Locator struct {
	page  *Page
	match func(*Element) bool
	index int
}

func (l *Locator) resolve() []*Element {
	l.page.mu.Lock()
	defer l.page.mu.Unlock()

	var matched []*Element
	for _, e := range l.page.elements {
		if l.match(e) {
			matched = append(matched, e)
		}
	}
	if l.index < 0 {
		return matched
	}
	if l.index < len(matched) {
		return matched[l.index : l.index+1]
	}
	return nil
}

func (l *Locator) Count() (int, error) {
	defer l.page.enter()()
	if l.page.CountErr != nil {
		return 0, l.page.CountErr
	}
	return len(l.resolve()), nil
}

func (l *Locator) First() automation.Locator {
	return l.Nth(0)
}

func (l *Locator) Nth(index int) automation.Locator {
	return &Locator{page: l.page, match: l.match, index: index}
}

func (l *Locator) IsVisible() (bool, error) {
	defer l.page.enter()()
	matched := l.resolve()
	if len(matched) == 0 {
		return false, nil
	}
	if matched[0].VisibleErr != nil {
		return false, matched[0].VisibleErr
	}
	return !matched[0].Hidden, nil
}

func (l *Locator) Click() error {
	defer l.page.enter()()
	matched := l.resolve()
	if len(matched) == 0 {
		return ErrElementNotFound
	}
	e := matched[0]
	if e.ClickErr != nil {
		return e.ClickErr
	}

	l.page.mu.Lock()
	name := e.Name
	if name == "" {
		name = e.Text
	}
	l.page.clicks = append(l.page.clicks, name)
	l.page.mu.Unlock()

	if e.OnClick != nil {
		e.OnClick(l.page)
	}
	return nil
}

func (l *Locator) Screenshot() ([]byte, error) {
	defer l.page.enter()()
	matched := l.resolve()
	if len(matched) == 0 {
		return nil, ErrElementNotFound
	}
	e := matched[0]
	if e.ScreenshotErr != nil {
		return nil, e.ScreenshotErr
	}
	if e.Image != nil {
		return e.Image, nil
	}
	return PNG, nil
}
