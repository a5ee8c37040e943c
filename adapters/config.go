// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package adapters

import (
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// StaticConfig is an immutable read-mostly map whose update channel
// never fires — suitable for one-shot process startup configuration.
type StaticConfig struct {
	values  map[string]any
	updates chan struct{}
}

// NewStaticConfig wraps values as a Config. The returned Updates channel
// never fires.
func NewStaticConfig(values map[string]any) *StaticConfig {
	return &StaticConfig{values: values, updates: make(chan struct{})}
}

func (c *StaticConfig) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

func (c *StaticConfig) GetString(key, fallback string) string {
	if v, ok := c.Get(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

func (c *StaticConfig) GetInt(key string, fallback int) int {
	if v, ok := c.Get(key); ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return fallback
}

func (c *StaticConfig) GetUint64(key string, fallback uint64) uint64 {
	if v, ok := c.Get(key); ok {
		switch n := v.(type) {
		case uint64:
			return n
		case int:
			if n >= 0 {
				return uint64(n)
			}
		case float64:
			if n >= 0 {
				return uint64(n)
			}
		}
	}
	return fallback
}

func (c *StaticConfig) GetBool(key string, fallback bool) bool {
	if v, ok := c.Get(key); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}

func (c *StaticConfig) GetDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := c.Get(key); ok {
		switch d := v.(type) {
		case time.Duration:
			return d
		case int:
			return time.Duration(d) * time.Millisecond
		case int64:
			return time.Duration(d) * time.Millisecond
		}
	}
	return fallback
}

func (c *StaticConfig) Updates() <-chan struct{} { return c.updates }

var _ Config = (*StaticConfig)(nil)

// WatchedConfig is a map guarded by a lock with a change-notification
// channel, decoded from YAML bytes (the teacher's ecosystem convention
// for config loading — go.yaml.in/yaml/v2-family — kept here via
// gopkg.in/yaml.v3). Replace atomically swaps the whole map and notifies
// subscribers through Updates. The engine package does not read a
// Config: its thresholds come from engine.Config, fixed when New builds
// the Engine.
type WatchedConfig struct {
	mu      sync.RWMutex
	values  map[string]any
	updates chan struct{}
}

// NewWatchedConfig parses YAML-encoded config bytes into a WatchedConfig.
func NewWatchedConfig(yamlBytes []byte) (*WatchedConfig, error) {
	values := make(map[string]any)
	if len(yamlBytes) > 0 {
		if err := yaml.Unmarshal(yamlBytes, &values); err != nil {
			return nil, err
		}
	}
	return &WatchedConfig{values: values, updates: make(chan struct{}, 1)}, nil
}

// Replace swaps the configuration map and notifies subscribers
// (non-blocking: a pending-but-undrained notification is sufficient).
func (c *WatchedConfig) Replace(yamlBytes []byte) error {
	values := make(map[string]any)
	if len(yamlBytes) > 0 {
		if err := yaml.Unmarshal(yamlBytes, &values); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.values = values
	c.mu.Unlock()

	select {
	case c.updates <- struct{}{}:
	default:
	}
	return nil
}

func (c *WatchedConfig) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

func (c *WatchedConfig) GetString(key, fallback string) string {
	if v, ok := c.Get(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

func (c *WatchedConfig) GetInt(key string, fallback int) int {
	if v, ok := c.Get(key); ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		}
	}
	return fallback
}

func (c *WatchedConfig) GetUint64(key string, fallback uint64) uint64 {
	if v, ok := c.Get(key); ok {
		switch n := v.(type) {
		case uint64:
			return n
		case int:
			if n >= 0 {
				return uint64(n)
			}
		case float64:
			if n >= 0 {
				return uint64(n)
			}
		}
	}
	return fallback
}

func (c *WatchedConfig) GetBool(key string, fallback bool) bool {
	if v, ok := c.Get(key); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}

func (c *WatchedConfig) GetDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := c.Get(key); ok {
		switch d := v.(type) {
		case int:
			return time.Duration(d) * time.Millisecond
		case float64:
			return time.Duration(d) * time.Millisecond
		}
	}
	return fallback
}

func (c *WatchedConfig) Updates() <-chan struct{} { return c.updates }

var _ Config = (*WatchedConfig)(nil)
