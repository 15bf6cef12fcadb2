package resource

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_Resident(t *testing.T) {
	c := NewController(Config{ResidentLimitBytes: 100})

	require.NoError(t, c.ReserveResident(50))
	require.NoError(t, c.ReserveResident(40))
	assert.Equal(t, int64(90), c.ResidentUsage())

	err := c.ReserveResident(20)
	assert.ErrorIs(t, err, ErrMemoryLimitExceeded)
	assert.Equal(t, int64(90), c.ResidentUsage())

	c.ReleaseResident(50)
	assert.Equal(t, int64(40), c.ResidentUsage())
	require.NoError(t, c.ReserveResident(20))
	assert.Equal(t, int64(60), c.ResidentUsage())
	assert.Equal(t, int64(100), c.ResidentLimit())
}

func TestController_UnlimitedResident(t *testing.T) {
	c := NewController(Config{})

	require.NoError(t, c.ReserveResident(1000))
	c.ReleaseResident(500)
	assert.Equal(t, int64(500), c.ResidentUsage())
}

func TestController_Workers(t *testing.T) {
	c := NewController(Config{MaxFlushWorkers: 2})

	require.NoError(t, c.AcquireWorker(t.Context()))
	require.NoError(t, c.AcquireWorker(t.Context()))
	assert.False(t, c.TryAcquireWorker())

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, c.AcquireWorker(ctx))

	c.ReleaseWorker()
	assert.True(t, c.TryAcquireWorker())
}

func TestController_WaitFlush(t *testing.T) {
	c := NewController(Config{FlushBytesPerSec: 1 << 20})

	// Larger than the burst: split into pieces instead of failing.
	require.NoError(t, c.WaitFlush(t.Context(), 1<<20+10))
	assert.Equal(t, int64(1<<20+10), c.FlushedBytes())

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	assert.Error(t, c.WaitFlush(ctx, 1<<20))
}

func TestController_Nil(t *testing.T) {
	var c *Controller

	require.NoError(t, c.ReserveResident(1<<40))
	c.ReleaseResident(1 << 40)
	assert.Zero(t, c.ResidentUsage())
	assert.Zero(t, c.ResidentLimit())
	require.NoError(t, c.AcquireWorker(t.Context()))
	assert.True(t, c.TryAcquireWorker())
	c.ReleaseWorker()
	require.NoError(t, c.WaitFlush(t.Context(), 10))
	assert.Zero(t, c.FlushedBytes())
}
