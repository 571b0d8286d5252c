// Package actions turns chat text into deterministic browser operations.
//
// Each Rule pairs a set of trigger keywords with an operation. Dispatch tests
// every rule against the lower-cased message, in table order, and runs every
// rule that matches. A failing operation never stops the rules after it; its
// outcome is reported as a Result.
package actions

import (
	"strings"

	"github.com/entrhq/ehragent/pkg/automation"
	"github.com/entrhq/ehragent/pkg/logging"
	"github.com/entrhq/ehragent/pkg/metrics"
)

// Action types.
const (
	TypeClick  = "click"
	TypeReload = "reload"
)

// Outcome statuses.
const (
	StatusOK      = "ok"
	StatusSkipped = "skipped"
	StatusError   = "error"
)

// ReasonNotFound is the Result error of a click whose target is absent.
const ReasonNotFound = "not found"

// Result is the outcome of one operation.
type Result struct {
	Type   string `json:"type"`
	Target string `json:"target"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Target is the page an operation runs against. Implementations must hold
// exclusive access to the page for the duration of Dispatch.
type Target interface {
	Page() automation.Page
	RecordError(err error)
}

// Rule runs Run when the message contains any of Triggers.
type Rule struct {
	// Triggers are lower-case substrings.
	Triggers []string
	Run      func(t Target) Result
}

// Matches reports whether the lower-cased message triggers the rule.
func (r Rule) Matches(lower string) bool {
	for _, trigger := range r.Triggers {
		if strings.Contains(lower, trigger) {
			return true
		}
	}
	return false
}

// DefaultRules open the OA and EHR entries and reload the page, in that order.
func DefaultRules() []Rule {
	return []Rule{
		{Triggers: []string{"oa"}, Run: ClickByText("OA")},
		{Triggers: []string{"ehr"}, Run: ClickByText("EHR")},
		{Triggers: []string{"刷新", "refresh"}, Run: Reload},
	}
}

// ClickByText clicks the first element whose visible text contains text.
func ClickByText(text string) func(Target) Result {
	return func(t Target) Result {
		result := Result{Type: TypeClick, Target: text}

		first := t.Page().GetByText(text).First()
		n, err := first.Count()
		if err != nil {
			return failed(t, result, err)
		}
		if n == 0 {
			result.Status = StatusSkipped
			result.Error = ReasonNotFound
			return result
		}

		if err := first.Click(); err != nil {
			return failed(t, result, err)
		}
		result.Status = StatusOK
		return result
	}
}

// Reload reloads the page.
func Reload(t Target) Result {
	result := Result{Type: TypeReload, Target: "page"}
	if err := t.Page().Reload(); err != nil {
		return failed(t, result, err)
	}
	result.Status = StatusOK
	return result
}

func failed(t Target, result Result, err error) Result {
	t.RecordError(err)
	result.Status = StatusError
	result.Error = err.Error()
	return result
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRules replaces the default rule table.
func WithRules(rules []Rule) Option {
	return func(d *Dispatcher) {
		d.rules = rules
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(log *logging.Logger) Option {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// Dispatcher runs the rule table against chat messages.
type Dispatcher struct {
	rules   []Rule
	log     *logging.Logger
	metrics *metrics.Metrics
}

// NewDispatcher creates a dispatcher with DefaultRules.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		rules: DefaultRules(),
		log:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch runs every rule matched by message and returns one Result per
// matched rule, in table order. The result is never nil.
func (d *Dispatcher) Dispatch(t Target, message string) []Result {
	lower := strings.ToLower(message)

	results := make([]Result, 0, len(d.rules))
	for _, rule := range d.rules {
		if !rule.Matches(lower) {
			continue
		}

		result := rule.Run(t)
		d.metrics.ObserveAction(result.Type, result.Status)
		if result.Status == StatusError {
			d.log.Warnf("%s %s failed: %s", result.Type, result.Target, result.Error)
		} else {
			d.log.Debugf("%s %s: %s", result.Type, result.Target, result.Status)
		}
		results = append(results, result)
	}
	return results
}
