package config

import (
	"context"
	"sync"
)

// MemorySettings is a SettingsRepository for the memory store driver.
type MemorySettings struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemorySettings() *MemorySettings {
	return &MemorySettings{values: make(map[string]string)}
}

func (m *MemorySettings) GetSetting(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.values[key], nil
}

func (m *MemorySettings) SaveSetting(_ context.Context, key string, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}
