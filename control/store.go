// control/store.go
// Author: momentics <momentics@gmail.com>
//
// Thread-safe store of live-reloadable settings with change listeners.

package control

import (
	"reflect"
	"sync"
	"time"
)

// ConfigStore is a key/value map with snapshot reads and reload listeners.
type ConfigStore struct {
	mu        sync.RWMutex
	config    map[string]any
	listeners []func(changed map[string]any)
}

// NewConfigStore initializes a store seeded with initial.
func NewConfigStore(initial map[string]any) *ConfigStore {
	cs := &ConfigStore{config: make(map[string]any, len(initial))}
	for k, v := range initial {
		cs.config[k] = v
	}
	return cs
}

// GetSnapshot returns a copy of all config values.
func (cs *ConfigStore) GetSnapshot() map[string]any {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make(map[string]any, len(cs.config))
	for k, v := range cs.config {
		out[k] = v
	}
	return out
}

// Get returns one value.
func (cs *ConfigStore) Get(key string) (any, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	v, ok := cs.config[key]
	return v, ok
}

// GetInt returns key as an int, or def when absent or of another type.
func (cs *ConfigStore) GetInt(key string, def int) int {
	if v, ok := cs.Get(key); ok {
		if i, ok := v.(int); ok {
			return i
		}
	}
	return def
}

// GetString returns key as a string, or def.
func (cs *ConfigStore) GetString(key, def string) string {
	if v, ok := cs.Get(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// GetDuration returns key as a duration, or def.
func (cs *ConfigStore) GetDuration(key string, def time.Duration) time.Duration {
	if v, ok := cs.Get(key); ok {
		if d, ok := v.(time.Duration); ok {
			return d
		}
	}
	return def
}

// SetConfig merges newCfg and notifies listeners with the keys whose values
// actually changed. Listeners run synchronously, in registration order,
// outside the store lock.
func (cs *ConfigStore) SetConfig(newCfg map[string]any) {
	cs.mu.Lock()
	changed := make(map[string]any)
	for k, v := range newCfg {
		if old, ok := cs.config[k]; ok && reflect.DeepEqual(old, v) {
			continue
		}
		cs.config[k] = v
		changed[k] = v
	}
	listeners := append([]func(map[string]any){}, cs.listeners...)
	cs.mu.Unlock()

	if len(changed) == 0 {
		return
	}
	for _, fn := range listeners {
		fn(changed)
	}
}

// OnReload registers a listener called with the changed keys.
func (cs *ConfigStore) OnReload(fn func(changed map[string]any)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}
