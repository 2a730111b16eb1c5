package station

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/seu-repo/sigec-sim/internal/ocpp"
)

// Configuration is the station's OCPP 1.6 configuration key store, seeded
// from the template and mutated only through ChangeConfiguration.
type Configuration struct {
	mu   sync.RWMutex
	keys []ocpp.KeyValue
}

func NewConfiguration(seed []ocpp.KeyValue) *Configuration {
	cfg := &Configuration{}
	for _, kv := range seed {
		cfg.keys = append(cfg.keys, kv)
	}
	return cfg
}

// Get returns the key-value entry, matching key names case-insensitively the
// way most charge points do.
func (c *Configuration) Get(key string) (ocpp.KeyValue, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, kv := range c.keys {
		if strings.EqualFold(kv.Key, key) {
			return kv, true
		}
	}
	return ocpp.KeyValue{}, false
}

// Set updates the value of an existing, writable key. It reports whether the
// key exists and whether it was writable; read-only and unknown keys never
// mutate state.
func (c *Configuration) Set(key, value string) (found, writable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.keys {
		if strings.EqualFold(c.keys[i].Key, key) {
			if c.keys[i].Readonly {
				return true, false
			}
			v := value
			c.keys[i].Value = &v
			return true, true
		}
	}
	return false, false
}

// All returns a copy of every entry.
func (c *Configuration) All() []ocpp.KeyValue {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ocpp.KeyValue, len(c.keys))
	copy(out, c.keys)
	return out
}

// IntValue parses the key as an integer, returning fallback when the key is
// absent or unparseable.
func (c *Configuration) IntValue(key string, fallback int) int {
	kv, ok := c.Get(key)
	if !ok || kv.Value == nil {
		return fallback
	}
	n, err := strconv.Atoi(*kv.Value)
	if err != nil {
		return fallback
	}
	return n
}

// BoolValue parses the key as a boolean, returning fallback when absent or
// unparseable.
func (c *Configuration) BoolValue(key string, fallback bool) bool {
	kv, ok := c.Get(key)
	if !ok || kv.Value == nil {
		return fallback
	}
	b, err := strconv.ParseBool(*kv.Value)
	if err != nil {
		return fallback
	}
	return b
}

// SecondsValue reads the key as a duration expressed in whole seconds.
func (c *Configuration) SecondsValue(key string, fallback time.Duration) time.Duration {
	kv, ok := c.Get(key)
	if !ok || kv.Value == nil {
		return fallback
	}
	n, err := strconv.Atoi(*kv.Value)
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

// CSVValue splits the key's value on commas, returning fallback when absent.
func (c *Configuration) CSVValue(key string, fallback []string) []string {
	kv, ok := c.Get(key)
	if !ok || kv.Value == nil || *kv.Value == "" {
		return fallback
	}
	parts := strings.Split(*kv.Value, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
