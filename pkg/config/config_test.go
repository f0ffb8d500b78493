package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultsWhenUnset(t *testing.T) {
	c := New()
	assert.Equal(t, 30*time.Second, c.RebalanceCheckInterval())
	assert.Equal(t, 50*time.Second, c.CheckConnectedUserInterval())
	assert.Equal(t, 30*time.Second, c.ERPCTimeout())
	assert.Equal(t, 5, c.TenantDBPoolMaxConns())
	assert.Nil(t, c.JWTClaimValidators())
	assert.Equal(t, "", c.SlotNameSuffix())
}

func TestEnvVarOverrides(t *testing.T) {
	t.Setenv("REBALANCE_CHECK_INTERVAL_MS", "5000")
	t.Setenv("CHECK_CONNECTED_USER_INTERVAL_MS", "1000")
	t.Setenv("TENANT_DB_POOL_MAX_CONNS", "10")
	t.Setenv("SLOT_NAME_SUFFIX", "staging")

	c := New()
	assert.Equal(t, 5*time.Second, c.RebalanceCheckInterval())
	assert.Equal(t, time.Second, c.CheckConnectedUserInterval())
	assert.Equal(t, 10, c.TenantDBPoolMaxConns())
	assert.Equal(t, "staging", c.SlotNameSuffix())
}

func TestInvalidOrNonPositiveFallsBackToDefault(t *testing.T) {
	t.Setenv("TENANT_DB_POOL_MAX_CONNS", "not-a-number")
	c1 := New()
	assert.Equal(t, 5, c1.TenantDBPoolMaxConns())

	t.Setenv("TENANT_DB_POOL_MAX_CONNS", "-1")
	c2 := New()
	assert.Equal(t, 5, c2.TenantDBPoolMaxConns())
}

func TestJWTClaimValidatorsParsesCommaSeparatedList(t *testing.T) {
	t.Setenv("JWT_CLAIM_VALIDATORS", "exp, nbf ,")
	c := New()
	assert.Equal(t, []string{"exp", "nbf"}, c.JWTClaimValidators())
}

func TestRequiresRestartOnlyForRestartKeys(t *testing.T) {
	c := New()
	c.Update(map[string]string{"SLOT_NAME_SUFFIX": "v2", "ERPC_TIMEOUT_MS": "1000"})

	assert.True(t, c.RequiresRestart(map[string]string{"SLOT_NAME_SUFFIX": "v1"}))
	assert.False(t, c.RequiresRestart(map[string]string{"SLOT_NAME_SUFFIX": "v2", "ERPC_TIMEOUT_MS": "9999"}))
}

func TestUpdateAndGetAll(t *testing.T) {
	c := New()
	c.Update(map[string]string{"FOO": "bar"})
	assert.Equal(t, "bar", c.Get("FOO"))
	assert.Equal(t, "bar", c.GetAll()["FOO"])
}
