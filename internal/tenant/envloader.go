package tenant

import (
	"context"
	"os"
	"strconv"
)

// EnvLoader is a single-tenant Loader backed by environment variables,
// for standalone/dev deployments. The tenant CRUD API that loads real
// multi-tenant records is out of scope for this core (spec.md §1); a
// production deployment supplies its own Loader backed by that API.
type EnvLoader struct{}

// LoadTenant implements Loader. It only recognizes the external id
// configured in TENANT_EXTERNAL_ID; any other id returns ErrNotFound.
// TENANT_DB_PASSWORD and TENANT_JWT_SECRET are carried through exactly
// as Cache.Get expects: base64 AES-GCM ciphertext under
// REALTIME_MASTER_KEY, produced with pkg/encryption.EncryptSecret.
func (EnvLoader) LoadTenant(ctx context.Context, externalID string) (*Tenant, error) {
	if externalID != os.Getenv("TENANT_EXTERNAL_ID") {
		return nil, ErrNotFound
	}

	port, _ := strconv.Atoi(envOr("TENANT_DB_PORT", "5432"))
	maxUsers, _ := strconv.Atoi(envOr("TENANT_MAX_CONCURRENT_USERS", "0"))
	maxEvents, _ := strconv.Atoi(envOr("TENANT_MAX_EVENTS_PER_SECOND", "0"))

	return &Tenant{
		ExternalID: externalID,
		Region:     os.Getenv("TENANT_REGION"),
		Suspended:  os.Getenv("TENANT_SUSPENDED") == "true",
		JWTSecret:  os.Getenv("TENANT_JWT_SECRET"),
		JWKSURL:    os.Getenv("TENANT_JWKS_URL"),
		DB: Extension{
			Host:         os.Getenv("TENANT_DB_HOST"),
			Port:         port,
			Username:     os.Getenv("TENANT_DB_USER"),
			Password:     os.Getenv("TENANT_DB_PASSWORD"),
			DatabaseName: os.Getenv("TENANT_DB_NAME"),
			SSLEnforced:  os.Getenv("TENANT_DB_SSL") == "true",
		},
		MaxConcurrentUsers: maxUsers,
		MaxEventsPerSecond: maxEvents,
	}, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
