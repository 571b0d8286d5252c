package config

import (
	"fmt"
	"sync"
)

// SectionIDLogging is the identifier for the logging section
const SectionIDLogging = "logging"

// LoggingSettings configures process logging.
type LoggingSettings struct {
	Level  string
	Format string

	// File enables a rotating JSON log file next to console output.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func defaultLoggingSettings() LoggingSettings {
	return LoggingSettings{
		Level:      "info",
		Format:     "console",
		MaxSizeMB:  100,
		MaxBackups: 3,
		MaxAgeDays: 28,
	}
}

// LoggingSection manages logging settings.
type LoggingSection struct {
	mu       sync.RWMutex
	settings LoggingSettings
}

// NewLoggingSection creates a logging section with default settings.
func NewLoggingSection() *LoggingSection {
	return &LoggingSection{settings: defaultLoggingSettings()}
}

// ID returns the section identifier.
func (s *LoggingSection) ID() string {
	return SectionIDLogging
}

// Title returns the section title.
func (s *LoggingSection) Title() string {
	return "Logging"
}

// Description returns the section description.
func (s *LoggingSection) Description() string {
	return "Log level, console format and optional rotating log file."
}

// Data returns the current configuration data.
func (s *LoggingSection) Data() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"level":        s.settings.Level,
		"format":       s.settings.Format,
		"file":         s.settings.File,
		"max_size_mb":  s.settings.MaxSizeMB,
		"max_backups":  s.settings.MaxBackups,
		"max_age_days": s.settings.MaxAgeDays,
		"compress":     s.settings.Compress,
	}
}

// SetData updates the configuration from the provided data.
func (s *LoggingSection) SetData(data map[string]interface{}) error {
	if data == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.settings
	var err error
	for key, value := range data {
		switch key {
		case "level":
			next.Level, err = stringValue(key, value)
		case "format":
			next.Format, err = stringValue(key, value)
		case "file":
			next.File, err = stringValue(key, value)
		case "max_size_mb":
			next.MaxSizeMB, err = intValue(key, value)
		case "max_backups":
			next.MaxBackups, err = intValue(key, value)
		case "max_age_days":
			next.MaxAgeDays, err = intValue(key, value)
		case "compress":
			next.Compress, err = boolValue(key, value)
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
func (s *LoggingSection) Validate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch s.settings.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("level must be one of debug, info, warn, error; got %q", s.settings.Level)
	}
	switch s.settings.Format {
	case "console", "json":
	default:
		return fmt.Errorf("format must be console or json, got %q", s.settings.Format)
	}
	if s.settings.MaxSizeMB < 0 || s.settings.MaxBackups < 0 || s.settings.MaxAgeDays < 0 {
		return fmt.Errorf("log rotation limits must not be negative")
	}
	return nil
}

// Reset resets the section to default configuration.
func (s *LoggingSection) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = defaultLoggingSettings()
}

// Settings returns a copy of the current settings.
func (s *LoggingSection) Settings() LoggingSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Update applies fn to the settings, for command-line overrides.
func (s *LoggingSection) Update(fn func(*LoggingSettings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.settings)
}
