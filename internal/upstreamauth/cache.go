package upstreamauth

import (
	"sync"
	"time"

	"github.com/apolo-dev/registry-proxy/internal/challenge"
)

// credentialCache caches credentials keyed by the exact scope string
// they were acquired for. Entries within expirySkew of expiring are
// treated as already gone, so a caller never starts a request with a
// token that might die mid-flight.
type credentialCache struct {
	mu      sync.Mutex
	entries map[string]Credential
}

func newCredentialCache() *credentialCache {
	return &credentialCache{entries: make(map[string]Credential)}
}

func (c *credentialCache) get(key string) (Credential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cred, ok := c.entries[key]
	if !ok {
		return Credential{}, false
	}
	if expiresAt := cred.ExpiresAt(); !expiresAt.IsZero() && time.Now().Add(expirySkew).After(expiresAt) {
		delete(c.entries, key)
		return Credential{}, false
	}
	return cred, true
}

func (c *credentialCache) set(key string, cred Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cred
}

func (c *credentialCache) delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// scopeKey returns the cache key for a scope: its canonical string
// form, so that scopes differing only in the order of their
// constituent resource scopes hit the same cache entry.
func scopeKey(s challenge.Scope) string {
	return s.Canonical().String()
}
