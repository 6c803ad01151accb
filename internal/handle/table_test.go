package handle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telos-cog/telos/internal/teloserr"
	"github.com/telos-cog/telos/pkg/concept"
)

func TestAllocateRetainReleaseBalancesToEmpty(t *testing.T) {
	// A sequence of allocate/retain/release calls with balanced counts
	// must leave the live-segment set empty.
	tbl := New(nil)

	h, err := tbl.Allocate(concept.DTypeF32, 4)
	require.NoError(t, err)
	assert.Equal(t, 1, tbl.Stats().LiveSegments)

	h2, err := tbl.Retain(h)
	require.NoError(t, err)
	require.NoError(t, tbl.Release(h2))
	assert.Equal(t, 1, tbl.Stats().LiveSegments)

	require.NoError(t, tbl.Release(h))
	assert.Equal(t, 0, tbl.Stats().LiveSegments)
}

func TestMapAfterReleaseFailsWithHandleExpired(t *testing.T) {
	tbl := New(nil)
	h, err := tbl.Allocate(concept.DTypeF32, 2)
	require.NoError(t, err)
	require.NoError(t, tbl.Release(h))

	_, err = tbl.Map(h)
	require.Error(t, err)
	kind, ok := teloserr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, teloserr.HandleExpired, kind)
}

func TestConcurrentMapViewsShareBytes(t *testing.T) {
	tbl := New(nil)
	h, err := tbl.Allocate(concept.DTypeF32, 4)
	require.NoError(t, err)

	v1, err := tbl.Map(h)
	require.NoError(t, err)
	v2, err := tbl.Map(h)
	require.NoError(t, err)

	// Views are zero-copy: a write through one is visible through the
	// other, and unmapping one does not disturb the segment.
	v1.Bytes[0] = 0xFF
	assert.Equal(t, byte(0xFF), v2.Bytes[0], "views must window the same backing bytes")

	require.NoError(t, tbl.Unmap(v1))
	assert.Equal(t, byte(0xFF), v2.Bytes[0])
}

func TestAllocateRejectsUnsupportedDType(t *testing.T) {
	tbl := New(nil)
	_, err := tbl.Allocate(concept.DType("unknown"), 4)
	require.Error(t, err)
	kind, _ := teloserr.KindOf(err)
	assert.Equal(t, teloserr.InvalidArgument, kind)
}

func TestWriteBackRoundTripsThroughMap(t *testing.T) {
	tbl := New(nil)
	h, err := tbl.Allocate(concept.DTypeU8, 3)
	require.NoError(t, err)

	require.NoError(t, tbl.WriteBack(h, []byte{1, 2, 3}))
	v, err := tbl.Map(h)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, v.Bytes)
}

func TestReapReclaimsOrphanedSegmentsByOwnerToken(t *testing.T) {
	tbl := New(nil)
	h, err := tbl.Allocate(concept.DTypeF32, 4)
	require.NoError(t, err)
	assert.Equal(t, 1, tbl.Stats().LiveSegments)

	n := tbl.Reap([]string{h.OwnerToken})
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, tbl.Stats().LiveSegments)
}

func TestRunReaperPeriodicallyReclaimsDiscoveredOrphans(t *testing.T) {
	tbl := New(nil)
	h, err := tbl.Allocate(concept.DTypeF32, 4)
	require.NoError(t, err)

	stop := make(chan struct{})
	defer close(stop)
	tbl.RunReaper(5*time.Millisecond, func() []string { return []string{h.OwnerToken} }, stop)

	require.Eventually(t, func() bool {
		return tbl.Stats().LiveSegments == 0
	}, 200*time.Millisecond, 5*time.Millisecond)
}
