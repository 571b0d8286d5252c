package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/entrhq/ehragent/pkg/automation"
	"github.com/entrhq/ehragent/pkg/logging"
	"github.com/entrhq/ehragent/pkg/metrics"
)

// EngineInitializer lazily brings up the single shared automation engine.
//
// Start and Launch failures caused by a missing runtime trigger exactly one
// install per process followed by a single retry. Once the install has been
// attempted, later failures are returned as-is.
type EngineInitializer struct {
	driver  automation.Driver
	log     *logging.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	engine  automation.Engine
	stopped bool

	installMu        sync.Mutex
	installAttempted bool
}

// NewEngineInitializer creates an initializer for driver. log and m may be nil.
func NewEngineInitializer(driver automation.Driver, log *logging.Logger, m *metrics.Metrics) *EngineInitializer {
	if log == nil {
		log = logging.NewNop()
	}
	return &EngineInitializer{
		driver:  driver,
		log:     log,
		metrics: m,
	}
}

// Ready returns the shared engine, starting it on first use.
func (i *EngineInitializer) Ready() (automation.Engine, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.engine != nil {
		return i.engine, nil
	}
	if i.stopped {
		return nil, fmt.Errorf("%w: engine stopped", ErrEngineUnavailable)
	}

	engine, err := i.driver.Start()
	if err != nil && errors.Is(err, automation.ErrNotInstalled) && i.install() {
		engine, err = i.driver.Start()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	}

	i.log.Infof("automation engine started")
	i.engine = engine
	return engine, nil
}

// Launch starts a new browser on the shared engine.
func (i *EngineInitializer) Launch(opts automation.LaunchOptions) (automation.Browser, error) {
	engine, err := i.Ready()
	if err != nil {
		return nil, err
	}

	browser, err := engine.Launch(opts)
	if err != nil && errors.Is(err, automation.ErrNotInstalled) && i.install() {
		browser, err = engine.Launch(opts)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	}
	return browser, nil
}

// install runs the driver install step the first time it is called and
// reports whether the caller should retry. Every later call returns false.
func (i *EngineInitializer) install() bool {
	i.installMu.Lock()
	defer i.installMu.Unlock()

	if i.installAttempted {
		return false
	}
	i.installAttempted = true

	i.log.Warnf("automation runtime missing, installing")
	err := i.driver.Install()
	i.metrics.ObserveInstall(err)
	if err != nil {
		i.log.Errorf("automation runtime install failed: %v", err)
		return false
	}
	i.log.Infof("automation runtime installed")
	return true
}

// Shutdown stops the engine. The initializer cannot be used afterwards.
func (i *EngineInitializer) Shutdown() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.stopped = true
	if i.engine == nil {
		return nil
	}
	err := i.engine.Stop()
	i.engine = nil
	return err
}
