// Package proxy implements resource proxy instances: processes that own a
// connection to one resource manager and translate coordinator requests
// into XA calls through a Switch.
package proxy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/txmon/internal/config"
	"github.com/roach88/txmon/internal/xa"
)

// Switch is the XA interface of one resource manager.
type Switch interface {
	Open(info string) xa.Code
	Close(info string) xa.Code
	Prepare(xid xa.XID, flags xa.Flags) xa.Code
	Commit(xid xa.XID, flags xa.Flags) xa.Code
	Rollback(xid xa.XID, flags xa.Flags) xa.Code
}

// Factory creates a Switch for one proxy instance.
type Factory func() Switch

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{
		"mockup": func() Switch { return NewMockup() },
	}
)

// Register makes a switch available under key. Registering a key twice
// replaces the earlier factory.
func Register(key string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[config.NormalizeKey(key)] = f
}

// NewSwitch creates the switch registered under key.
func NewSwitch(key string) (Switch, error) {
	registryMu.RLock()
	f, ok := registry[config.NormalizeKey(key)]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no xa switch for resource key %q", key)
	}
	return f(), nil
}

// Keys lists the registered switch keys.
func Keys() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	keys := make([]string, 0, len(registry))
	for k := range registry {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
