package config

import (
	"fmt"
	"sync"
	"time"
)

const (
	// SectionIDServer is the identifier for the HTTP server section
	SectionIDServer = "server"

	defaultServerAddr     = ":8080"
	defaultRequestTimeout = 5 * time.Minute
)

// ServerSettings configures the HTTP API.
type ServerSettings struct {
	Addr           string
	AllowedOrigins []string
	RequestTimeout time.Duration
}

func defaultServerSettings() ServerSettings {
	return ServerSettings{
		Addr:           defaultServerAddr,
		AllowedOrigins: []string{"*"},
		RequestTimeout: defaultRequestTimeout,
	}
}

// ServerSection manages HTTP server settings.
type ServerSection struct {
	mu       sync.RWMutex
	settings ServerSettings
}

// NewServerSection creates a server section with default settings.
func NewServerSection() *ServerSection {
	return &ServerSection{settings: defaultServerSettings()}
}

// ID returns the section identifier.
func (s *ServerSection) ID() string {
	return SectionIDServer
}

// Title returns the section title.
func (s *ServerSection) Title() string {
	return "Server"
}

// Description returns the section description.
func (s *ServerSection) Description() string {
	return "HTTP listen address, CORS origins and per-request timeout."
}

// Data returns the current configuration data.
func (s *ServerSection) Data() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"addr":            s.settings.Addr,
		"allowed_origins": append([]string(nil), s.settings.AllowedOrigins...),
		"request_timeout": s.settings.RequestTimeout.String(),
	}
}

// SetData updates the configuration from the provided data.
func (s *ServerSection) SetData(data map[string]interface{}) error {
	if data == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.settings
	var err error
	for key, value := range data {
		switch key {
		case "addr":
			next.Addr, err = stringValue(key, value)
		case "allowed_origins":
			next.AllowedOrigins, err = stringSliceValue(key, value)
		case "request_timeout":
			next.RequestTimeout, err = durationValue(key, value)
		default:
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
func (s *ServerSection) Validate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.settings.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if s.settings.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %v", s.settings.RequestTimeout)
	}
	return nil
}

// Reset resets the section to default configuration.
func (s *ServerSection) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = defaultServerSettings()
}

// Settings returns a copy of the current settings.
func (s *ServerSection) Settings() ServerSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	settings := s.settings
	settings.AllowedOrigins = append([]string(nil), s.settings.AllowedOrigins...)
	return settings
}

// Update applies fn to the settings, for command-line overrides.
func (s *ServerSection) Update(fn func(*ServerSettings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.settings)
}
