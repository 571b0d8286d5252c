package config

import (
	"fmt"
	"sync"
	"time"
)

const (
	// SectionIDAI is the identifier for the AI settings section
	SectionIDAI = "ai"

	defaultAIURL         = "https://api.deepseek.com/chat/completions"
	defaultAIModel       = "deepseek-chat"
	defaultAITemperature = 0.2
	defaultAITimeout     = 60 * time.Second
)

// AISettings configures the chat completion endpoint.
type AISettings struct {
	APIURL string
	Model  string

	// APIKey may be empty; the client then reads DEEPSEEK_API_KEY.
	APIKey      string
	Temperature float64
	Timeout     time.Duration
}

func defaultAISettings() AISettings {
	return AISettings{
		APIURL:      defaultAIURL,
		Model:       defaultAIModel,
		Temperature: defaultAITemperature,
		Timeout:     defaultAITimeout,
	}
}

// AISection manages AI provider configuration settings.
type AISection struct {
	mu       sync.RWMutex
	settings AISettings
}

// NewAISection creates a new AI section with default settings.
func NewAISection() *AISection {
	return &AISection{settings: defaultAISettings()}
}

// ID returns the section identifier.
func (s *AISection) ID() string {
	return SectionIDAI
}

// Title returns the section title.
func (s *AISection) Title() string {
	return "AI Settings"
}

// Description returns the section description.
func (s *AISection) Description() string {
	return "OpenAI-compatible chat completion endpoint used for reply suggestions. api_key falls back to DEEPSEEK_API_KEY."
}

// Data returns the current configuration data.
func (s *AISection) Data() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"api_url":     s.settings.APIURL,
		"model":       s.settings.Model,
		"api_key":     s.settings.APIKey,
		"temperature": s.settings.Temperature,
		"timeout":     s.settings.Timeout.String(),
	}
}

// SetData updates the configuration from the provided data.
func (s *AISection) SetData(data map[string]interface{}) error {
	if data == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.settings
	var err error
	for key, value := range data {
		switch key {
		case "api_url":
			next.APIURL, err = stringValue(key, value)
		case "model":
			next.Model, err = stringValue(key, value)
		case "api_key":
			next.APIKey, err = stringValue(key, value)
		case "temperature":
			next.Temperature, err = floatValue(key, value)
		case "timeout":
			next.Timeout, err = durationValue(key, value)
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
func (s *AISection) Validate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// The key is optional: without one replies degrade to a fixed text.
	if s.settings.APIURL == "" {
		return fmt.Errorf("api_url is required")
	}
	if s.settings.Temperature < 0 || s.settings.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %v", s.settings.Temperature)
	}
	if s.settings.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", s.settings.Timeout)
	}
	return nil
}

// Reset resets the section to default configuration.
func (s *AISection) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = defaultAISettings()
}

// Settings returns a copy of the current settings.
func (s *AISection) Settings() AISettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}
