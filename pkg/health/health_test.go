package health

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverallHealthyWithNoChecks(t *testing.T) {
	c := NewChecker()
	assert.Equal(t, StatusHealthy, c.Overall())
}

func TestOverallHealthyWhenAllChecksPass(t *testing.T) {
	c := NewChecker()
	c.RunCheck("db", func() error { return nil })
	c.RunCheck("cluster_nodes", func() error { return nil })
	assert.Equal(t, StatusHealthy, c.Overall())
}

func TestOverallUnhealthyWhenAnyCheckFails(t *testing.T) {
	c := NewChecker()
	c.RunCheck("db", func() error { return nil })
	c.RunCheck("cluster_nodes", func() error { return errors.New("unreachable") })
	assert.Equal(t, StatusUnhealthy, c.Overall())
}

func TestSnapshotCarriesCheckDetails(t *testing.T) {
	c := NewChecker()
	c.RunCheck("cluster_nodes", func() error { return errors.New("boom") })

	snap := c.Snapshot()
	require.Contains(t, snap, "cluster_nodes")
	assert.Equal(t, StatusUnhealthy, snap["cluster_nodes"].Status)
	assert.Equal(t, "boom", snap["cluster_nodes"].Message)
}

func TestLastHealthyAdvancesOnlyWhenFullyHealthy(t *testing.T) {
	c := NewChecker()
	initial := c.LastHealthy()
	c.RunCheck("db", func() error { return errors.New("down") })
	afterFailure := c.LastHealthy()
	assert.Equal(t, initial, afterFailure, "a failing check must not advance LastHealthy")

	c.RunCheck("db", func() error { return nil })
	afterRecovery := c.LastHealthy()

	assert.True(t, afterRecovery.After(afterFailure) || afterRecovery.Equal(afterFailure))
}
