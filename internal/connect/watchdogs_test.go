package connect

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPushConnectedUsersTriggersOnlyOnAllZeroFullBucket(t *testing.T) {
	s := &Supervisor{bucket: make([]int, 0, connectedUsersBucketLen)}

	for i := 0; i < connectedUsersBucketLen-1; i++ {
		assert.False(t, s.pushConnectedUsers(0), "bucket not yet full must never trigger")
	}
	assert.True(t, s.pushConnectedUsers(0), "a full bucket of all zeros must trigger")
}

func TestPushConnectedUsersAnyNonZeroResets(t *testing.T) {
	s := &Supervisor{bucket: make([]int, 0, connectedUsersBucketLen)}

	for i := 0; i < connectedUsersBucketLen-1; i++ {
		s.pushConnectedUsers(0)
	}
	assert.False(t, s.pushConnectedUsers(1), "a non-zero entry must prevent the trigger")

	for i := 0; i < connectedUsersBucketLen-1; i++ {
		assert.False(t, s.pushConnectedUsers(0))
	}
	assert.True(t, s.pushConnectedUsers(0), "once the non-zero entry rolls off, an all-zero window triggers again")
}

func TestPushConnectedUsersDropsOldestBeyondBucketLen(t *testing.T) {
	s := &Supervisor{bucket: make([]int, 0, connectedUsersBucketLen)}

	s.pushConnectedUsers(5)
	for i := 0; i < connectedUsersBucketLen; i++ {
		s.pushConnectedUsers(0)
	}

	assert.Len(t, s.bucket, connectedUsersBucketLen)
	for _, c := range s.bucket {
		assert.Equal(t, 0, c, "the oldest non-zero entry must have been dropped")
	}
}
