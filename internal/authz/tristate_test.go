package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriSetOnceBooleanAlwaysBoolean(t *testing.T) {
	cases := []struct {
		name string
		from Tri
		next Tri
		want Tri
	}{
		{"unknown moves to true", Unknown, True, True},
		{"unknown moves to false", Unknown, False, False},
		{"true stays true against false", True, False, True},
		{"true stays true against unknown", True, Unknown, True},
		{"false stays false against true", False, True, False},
		{"false stays false against unknown", False, Unknown, False},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.want, c.from.Set(c.next))
		})
	}
}

func TestTriNeedsProbeAndAllows(t *testing.T) {
	assert.True(t, Unknown.NeedsProbe())
	assert.False(t, True.NeedsProbe())
	assert.False(t, False.NeedsProbe())

	assert.True(t, True.Allows())
	assert.False(t, False.Allows())
	assert.False(t, Unknown.Allows())
}

func TestFromBool(t *testing.T) {
	assert.Equal(t, True, FromBool(true))
	assert.Equal(t, False, FromBool(false))
}

func TestTriString(t *testing.T) {
	assert.Equal(t, "true", True.String())
	assert.Equal(t, "false", False.String())
	assert.Equal(t, "unknown", Unknown.String())
}
