package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewSessionAssignsDistinctCorrelationIDs(t *testing.T) {
	a := NewSession("tenant-a", "realtime:tenant-a:room", true)
	b := NewSession("tenant-a", "realtime:tenant-a:room", true)

	assert.NotEmpty(t, a.ID)
	assert.NotEmpty(t, b.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "tenant-a", a.TenantID)
	assert.Equal(t, "realtime:tenant-a:room", a.TenantTopic)
	assert.True(t, a.Private)
}
