package config

import (
	"fmt"
	"net/url"
	"sync"
	"time"
)

const (
	// SectionIDPortal is the identifier for the portal settings section
	SectionIDPortal = "portal"

	// DefaultEntryURL is the portal landing page every session opens.
	DefaultEntryURL = "https://atrust01.chowtaiseng.com/ac_portal/homepage/index.html#/index"

	defaultViewportWidth        = 1440
	defaultViewportHeight       = 900
	defaultNavigationTimeout    = 30 * time.Second
	defaultRenavigateOnRecreate = true
)

// PortalSettings configures browser sessions.
type PortalSettings struct {
	EntryURL             string
	Headless             bool
	ViewportWidth        int
	ViewportHeight       int
	NavigationTimeout    time.Duration
	RenavigateOnRecreate bool

	// IdleTimeout closes sessions unused for this long; 0 disables reaping.
	IdleTimeout time.Duration
}

func defaultPortalSettings() PortalSettings {
	return PortalSettings{
		EntryURL:             DefaultEntryURL,
		Headless:             true,
		ViewportWidth:        defaultViewportWidth,
		ViewportHeight:       defaultViewportHeight,
		NavigationTimeout:    defaultNavigationTimeout,
		RenavigateOnRecreate: defaultRenavigateOnRecreate,
	}
}

// PortalSection manages browser session settings.
type PortalSection struct {
	mu       sync.RWMutex
	settings PortalSettings
}

// NewPortalSection creates a portal section with default settings.
func NewPortalSection() *PortalSection {
	return &PortalSection{settings: defaultPortalSettings()}
}

// ID returns the section identifier.
func (s *PortalSection) ID() string {
	return SectionIDPortal
}

// Title returns the section title.
func (s *PortalSection) Title() string {
	return "Portal"
}

// Description returns the section description.
func (s *PortalSection) Description() string {
	return "Portal entry address and browser session behavior."
}

// Data returns the current configuration data.
func (s *PortalSection) Data() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"entry_url":              s.settings.EntryURL,
		"headless":               s.settings.Headless,
		"viewport_width":         s.settings.ViewportWidth,
		"viewport_height":        s.settings.ViewportHeight,
		"navigation_timeout":     s.settings.NavigationTimeout.String(),
		"renavigate_on_recreate": s.settings.RenavigateOnRecreate,
		"idle_timeout":           s.settings.IdleTimeout.String(),
	}
}

// SetData updates the configuration from the provided data.
func (s *PortalSection) SetData(data map[string]interface{}) error {
	if data == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.settings
	var err error
	for key, value := range data {
		switch key {
		case "entry_url":
			next.EntryURL, err = stringValue(key, value)
		case "headless":
			next.Headless, err = boolValue(key, value)
		case "viewport_width":
			next.ViewportWidth, err = intValue(key, value)
		case "viewport_height":
			next.ViewportHeight, err = intValue(key, value)
		case "navigation_timeout":
			next.NavigationTimeout, err = durationValue(key, value)
		case "renavigate_on_recreate":
			next.RenavigateOnRecreate, err = boolValue(key, value)
		case "idle_timeout":
			next.IdleTimeout, err = durationValue(key, value)
		default:
			// Ignore unknown keys for forward compatibility
			continue
		}
		if err != nil {
			return err
		}
	}

	s.settings = next
	return nil
}

// Validate validates the current configuration.
func (s *PortalSection) Validate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, err := url.Parse(s.settings.EntryURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("entry_url must be an absolute URL, got %q", s.settings.EntryURL)
	}
	if s.settings.ViewportWidth <= 0 || s.settings.ViewportHeight <= 0 {
		return fmt.Errorf("viewport must be positive, got %dx%d", s.settings.ViewportWidth, s.settings.ViewportHeight)
	}
	if s.settings.NavigationTimeout <= 0 {
		return fmt.Errorf("navigation_timeout must be positive, got %v", s.settings.NavigationTimeout)
	}
	if s.settings.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout must not be negative, got %v", s.settings.IdleTimeout)
	}
	return nil
}

// Reset resets the section to default configuration.
func (s *PortalSection) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = defaultPortalSettings()
}

// Settings returns a copy of the current settings.
func (s *PortalSection) Settings() PortalSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Update applies fn to the settings, for command-line overrides.
func (s *PortalSection) Update(fn func(*PortalSettings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.settings)
}
