// Package config loads ehragent settings from a sectioned YAML or JSON file.
package config

import (
	"sync"
)

var (
	// globalManager is the singleton configuration manager instance
	globalManager *Manager
	globalMu      sync.Mutex
)

// New creates a manager over the file at configPath with every ehragent
// section registered and loaded. A missing file yields defaults.
func New(configPath string) (*Manager, error) {
	store, err := NewFileStore(configPath)
	if err != nil {
		return nil, err
	}

	manager := NewManager(store)
	sections := []Section{
		NewPortalSection(),
		NewAISection(),
		NewServerSection(),
		NewLoggingSection(),
	}
	for _, section := range sections {
		if err := manager.RegisterSection(section); err != nil {
			return nil, err
		}
	}

	if err := manager.LoadAll(); err != nil {
		return nil, err
	}
	return manager, nil
}

// Initialize creates and installs the global configuration manager.
// This should be called once at application startup.
func Initialize(configPath string) error {
	manager, err := New(configPath)
	if err != nil {
		return err
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	globalManager = manager
	return nil
}

// Global returns the global configuration manager.
// Panics if Initialize has not been called.
func Global() *Manager {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalManager == nil {
		panic("config not initialized: call config.Initialize first")
	}

	return globalManager
}

// IsInitialized returns true if the global configuration has been initialized.
func IsInitialized() bool {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalManager != nil
}

func sectionOf[T Section](m *Manager, id string) T {
	var zero T
	if m == nil {
		return zero
	}
	section, ok := m.GetSection(id)
	if !ok {
		return zero
	}
	typed, ok := section.(T)
	if !ok {
		return zero
	}
	return typed
}

// Portal returns the portal section, or nil if it is not registered.
func (m *Manager) Portal() *PortalSection {
	return sectionOf[*PortalSection](m, SectionIDPortal)
}

// AI returns the AI section, or nil if it is not registered.
func (m *Manager) AI() *AISection {
	return sectionOf[*AISection](m, SectionIDAI)
}

// Server returns the server section, or nil if it is not registered.
func (m *Manager) Server() *ServerSection {
	return sectionOf[*ServerSection](m, SectionIDServer)
}

// Logging returns the logging section, or nil if it is not registered.
func (m *Manager) Logging() *LoggingSection {
	return sectionOf[*LoggingSection](m, SectionIDLogging)
}

// GetPortal returns the portal section from global config.
// Returns nil if config is not initialized.
func GetPortal() *PortalSection {
	if !IsInitialized() {
		return nil
	}
	return Global().Portal()
}

// GetAI returns the AI section from global config.
// Returns nil if config is not initialized.
func GetAI() *AISection {
	if !IsInitialized() {
		return nil
	}
	return Global().AI()
}
