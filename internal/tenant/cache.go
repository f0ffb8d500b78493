package tenant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fanoutdb/realtime/pkg/encryption"
	"github.com/fanoutdb/realtime/pkg/logger"
)

// ErrNotFound is returned when a tenant id has no matching record.
var ErrNotFound = fmt.Errorf("tenant not found")

// Loader fetches the authoritative tenant record, e.g. from the tenant
// CRUD API's database (out of scope per spec.md §1 — this is the seam).
type Loader interface {
	LoadTenant(ctx context.Context, externalID string) (*Tenant, error)
}

type entry struct {
	tenant    *Tenant
	expiresAt time.Time
}

// Cache is the short-TTL tenant configuration cache described in
// spec.md §2.4. A short TTL keeps the Connect Supervisor responsive to
// operator-driven suspend/region changes without hitting the control
// plane on every lookup.
type Cache struct {
	loader Loader
	ttl    time.Duration
	logger *logger.Logger

	mu      sync.Mutex
	entries map[string]entry
}

// NewCache builds a Cache with the given TTL (spec.md default is
// implementation-defined; callers typically use a few seconds).
func NewCache(loader Loader, ttl time.Duration, log *logger.Logger) *Cache {
	return &Cache{
		loader:  loader,
		ttl:     ttl,
		logger:  log,
		entries: make(map[string]entry),
	}
}

// Get returns the tenant record for externalID, refreshing it from the
// Loader if the cached copy has expired. JWT secret and DB password are
// decrypted lazily here so a cache hit never re-decrypts.
func (c *Cache) Get(ctx context.Context, externalID string) (*Tenant, error) {
	c.mu.Lock()
	if e, ok := c.entries[externalID]; ok && time.Now().Before(e.expiresAt) {
		c.mu.Unlock()
		return e.tenant, nil
	}
	c.mu.Unlock()

	t, err := c.loader.LoadTenant(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrNotFound
	}

	if t.DB.Password != "" {
		decrypted, err := encryption.DecryptSecret(t.DB.Password)
		if err != nil {
			if c.logger != nil {
				c.logger.Warnf("tenant %s: failed to decrypt DB password: %v", externalID, err)
			}
			return nil, fmt.Errorf("decrypt tenant db password: %w", err)
		}
		t.DB.Password = decrypted
	}

	if t.JWTSecret != "" {
		decrypted, err := encryption.DecryptSecret(t.JWTSecret)
		if err != nil {
			if c.logger != nil {
				c.logger.Warnf("tenant %s: failed to decrypt JWT secret: %v", externalID, err)
			}
			return nil, fmt.Errorf("decrypt tenant jwt secret: %w", err)
		}
		t.JWTSecret = decrypted
	}

	c.mu.Lock()
	c.entries[externalID] = entry{tenant: t, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()

	return t, nil
}

// Invalidate drops the cached entry for externalID, forcing the next
// Get to reload — used when the operations bus delivers suspend/unsuspend.
func (c *Cache) Invalidate(externalID string) {
	c.mu.Lock()
	delete(c.entries, externalID)
	c.mu.Unlock()
}
