package abuse

import (
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goal-eng/api-mutator/internal/store"
)

func newTestController(t *testing.T, maxFailed int) *Controller {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, maxFailed, hclog.NewNullLogger())
}

func TestUserBlockThreshold(t *testing.T) {
	c := newTestController(t, 3)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.RecordFailure(1))
		blocked, err := c.UserBlock(1)
		require.NoError(t, err)
		assert.False(t, blocked, "%d failures are still within the allowance", i+1)
	}

	require.NoError(t, c.RecordFailure(1))
	blocked, err := c.UserBlock(1)
	require.NoError(t, err)
	assert.True(t, blocked, "the failure beyond the allowance blocks the user")

	other, err := c.UserBlock(2)
	require.NoError(t, err)
	assert.False(t, other, "another user's failures must not block this one")
}

func TestGlobalBlockThreshold(t *testing.T) {
	c := newTestController(t, 100)

	// Nine distinct users failing once each: still open.
	for id := int64(1); id <= 9; id++ {
		require.NoError(t, c.RecordFailure(id))
	}
	blocked, err := c.GlobalBlock()
	require.NoError(t, err)
	assert.False(t, blocked)

	require.NoError(t, c.RecordFailure(10))
	blocked, err = c.GlobalBlock()
	require.NoError(t, err)
	assert.True(t, blocked, "the tenth failure in the window trips the global block")
}

func TestWindowExpiry(t *testing.T) {
	c := newTestController(t, 1)

	// Two failures "yesterday", then move the clock past the window.
	base := time.Now()
	c.now = func() time.Time { return base }
	require.NoError(t, c.RecordFailure(1))
	require.NoError(t, c.RecordFailure(1))

	blocked, err := c.UserBlock(1)
	require.NoError(t, err)
	require.True(t, blocked)

	c.now = func() time.Time { return base.Add(Window + time.Minute) }
	blocked, err = c.UserBlock(1)
	require.NoError(t, err)
	assert.False(t, blocked, "failures older than the window no longer count")

	global, err := c.GlobalBlock()
	require.NoError(t, err)
	assert.False(t, global)
}

func TestRecordFailurePrunes(t *testing.T) {
	c := newTestController(t, 1)

	base := time.Now()
	c.now = func() time.Time { return base.Add(-2 * Window) }
	require.NoError(t, c.RecordFailure(1))

	c.now = func() time.Time { return base }
	require.NoError(t, c.RecordFailure(1))

	n, err := c.store.CountFailuresSince(base.Add(-10 * Window))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "recording must garbage-collect entries outside the window")
}
