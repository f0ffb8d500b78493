package tenant

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fanoutdb/realtime/pkg/encryption"
)

type fakeLoader struct {
	calls int32
	build func() *Tenant
}

func (f *fakeLoader) LoadTenant(ctx context.Context, externalID string) (*Tenant, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.build(), nil
}

func TestCacheGetDecryptsSecretsOnLoad(t *testing.T) {
	t.Setenv("REALTIME_MASTER_KEY", "test-master-key")

	encPassword, err := encryption.EncryptSecret("db-pass")
	require.NoError(t, err)
	encJWT, err := encryption.EncryptSecret("jwt-secret")
	require.NoError(t, err)

	loader := &fakeLoader{build: func() *Tenant {
		return &Tenant{ExternalID: "tenant-a", JWTSecret: encJWT, DB: Extension{Password: encPassword}}
	}}
	cache := NewCache(loader, time.Hour, nil)

	got, err := cache.Get(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, "db-pass", got.DB.Password)
	assert.Equal(t, "jwt-secret", got.JWTSecret)
}

func TestCacheGetServesFromCacheWithinTTL(t *testing.T) {
	loader := &fakeLoader{build: func() *Tenant {
		return &Tenant{ExternalID: "tenant-a"}
	}}
	cache := NewCache(loader, time.Hour, nil)

	_, err := cache.Get(context.Background(), "tenant-a")
	require.NoError(t, err)
	_, err = cache.Get(context.Background(), "tenant-a")
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&loader.calls), "a fresh entry must not hit the loader again")
}

func TestCacheGetRefreshesAfterTTLExpiry(t *testing.T) {
	loader := &fakeLoader{build: func() *Tenant {
		return &Tenant{ExternalID: "tenant-a"}
	}}
	cache := NewCache(loader, time.Millisecond, nil)

	_, err := cache.Get(context.Background(), "tenant-a")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, err = cache.Get(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&loader.calls))
}

func TestCacheInvalidateForcesReload(t *testing.T) {
	loader := &fakeLoader{build: func() *Tenant {
		return &Tenant{ExternalID: "tenant-a"}
	}}
	cache := NewCache(loader, time.Hour, nil)

	_, err := cache.Get(context.Background(), "tenant-a")
	require.NoError(t, err)

	cache.Invalidate("tenant-a")

	_, err = cache.Get(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&loader.calls))
}

func TestCacheGetNotFoundWhenLoaderReturnsNil(t *testing.T) {
	loader := &fakeLoader{build: func() *Tenant { return nil }}
	cache := NewCache(loader, time.Hour, nil)

	_, err := cache.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
