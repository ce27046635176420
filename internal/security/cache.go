package security

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/acolita/micro-repl/internal/adapters/realclock"
	"github.com/acolita/micro-repl/internal/ports"
)

// DefaultPasswordTTL is how long a password given at connect time is kept.
const DefaultPasswordTTL = 15 * time.Minute

// PasswordCache holds passwords given at connect time so a device can be
// reconnected without asking again. Entries expire after the TTL and are
// overwritten in memory when dropped.
type PasswordCache struct {
	mu      sync.Mutex
	entries map[string]*cachedSecret
	ttl     time.Duration
	clock   ports.Clock
}

type cachedSecret struct {
	data    []byte
	created time.Time
}

// NewPasswordCache creates a cache. A nil clock uses real time.
func NewPasswordCache(ttl time.Duration, clock ports.Clock) *PasswordCache {
	if clock == nil {
		clock = realclock.New()
	}
	return &PasswordCache{entries: make(map[string]*cachedSecret), ttl: ttl, clock: clock}
}

// Set stores secret under device, replacing any previous value.
func (c *PasswordCache) Set(device, secret string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked(device)
	c.entries[device] = &cachedSecret{data: []byte(secret), created: c.clock.Now()}
}

// Get returns the cached secret for device if it has not expired.
func (c *PasswordCache) Get(device string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[device]
	if !ok {
		return "", false
	}
	if c.clock.Now().Sub(e.created) > c.ttl {
		c.dropLocked(device)
		return "", false
	}
	return string(e.data), true
}

// ExpiresIn returns the time left for device, or zero.
func (c *PasswordCache) ExpiresIn(device string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[device]
	if !ok {
		return 0
	}
	if left := c.ttl - c.clock.Now().Sub(e.created); left > 0 {
		return left
	}
	return 0
}

// Forget drops the entry for device.
func (c *PasswordCache) Forget(device string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked(device)
}

// Clear drops every entry.
func (c *PasswordCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		c.dropLocked(k)
	}
}

// Len reports the number of entries, including expired ones not yet read.
func (c *PasswordCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *PasswordCache) dropLocked(device string) {
	if e, ok := c.entries[device]; ok {
		wipe(e.data)
		delete(c.entries, device)
	}
}

// wipe overwrites b with random bytes and then zeros.
func wipe(b []byte) {
	if len(b) == 0 {
		return
	}
	_, _ = rand.Read(b)
	clear(b)
}
