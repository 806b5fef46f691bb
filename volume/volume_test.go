package volume

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rbeerala/llfs/errs"
	"github.com/rbeerala/llfs/internal/pagedeleter"
	"github.com/rbeerala/llfs/page"
	"github.com/rbeerala/llfs/slotlog"
)

func newTestVolume(t *testing.T, arena *pagedeleter.Arena) (*Volume, *testCache) {
	t.Helper()
	tc, cache := newTestCache(arena)
	recycler := newTestRecycler(t, pagedeleter.NewDeleter(arena, nil))
	t.Cleanup(func() {
		recycler.Halt()
		_ = recycler.Join()
	})

	path := filepath.Join(t.TempDir(), "volume.log")
	dev, summary := openFreshVolumeLog(t, path)
	v, err := NewVolume(dev, summary, cache, recycler, nil, nil, nil)
	require.NoError(t, err)
	return v, tc
}

func TestNewVolumePersistsIdsOnFreshOpen(t *testing.T) {
	v, _ := newTestVolume(t, pagedeleter.NewArena())

	ids := v.Ids()
	require.NotEqual(t, ids.MainUUID, ids.RecyclerUUID)
	require.NotEqual(t, ids.MainUUID, ids.TrimmerUUID)
	require.Equal(t, ids.MainUUID, v.UUID())
}

func TestVolumeAppendJobCommitsJobAndIsIdempotentOnRetry(t *testing.T) {
	arena := pagedeleter.NewArena()
	v, _ := newTestVolume(t, arena)

	grant, err := v.Reserve(context.Background(), 4096, true)
	require.NoError(t, err)

	job := testJob{Adds: 2}
	rng, err := v.AppendJob(context.Background(), job, grant, nil)
	require.NoError(t, err)
	require.True(t, slotlog.SlotLessThan(rng.Lower, rng.Upper))
	require.Equal(t, 2, arena.Len())

	// Retrying the commit for the same prepare slot applies nothing twice.
	jobBytes := make([]byte, job.PackedSize())
	require.NoError(t, job.MarshalTo(jobBytes))
	require.NoError(t, v.cache.Commit(jobBytes, JobCommitParams{CallerUUID: v.ids.MainUUID, CallerSlot: rng.Lower}))
	require.Equal(t, 2, arena.Len())
}

func TestVolumeAppendJobDropsEnqueuePagesToRecycler(t *testing.T) {
	arena := pagedeleter.NewArena()
	leaf, err := arena.Allocate(nil)
	require.NoError(t, err)

	v, _ := newTestVolume(t, arena)

	grant, err := v.Reserve(context.Background(), 4096, true)
	require.NoError(t, err)

	_, err = v.AppendJob(context.Background(), testJob{Drops: []page.ID{leaf}}, grant, nil)
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for arena.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 0, arena.Len(), "the dropped leaf should be recycled by the background recycler task")
}

func TestVolumeAppendJobSequencerBlocksUntilPredecessorResolves(t *testing.T) {
	arena := pagedeleter.NewArena()
	v, _ := newTestVolume(t, arena)

	first := NewSequencer(nil)
	second := NewSequencer(first)

	secondDone := make(chan error, 1)
	go func() {
		grant, err := v.Reserve(context.Background(), 4096, true)
		if err != nil {
			secondDone <- err
			return
		}
		_, err = v.AppendJob(context.Background(), testJob{Adds: 1}, grant, second)
		secondDone <- err
	}()

	select {
	case <-secondDone:
		t.Fatal("second job resolved before its predecessor did")
	case <-time.After(50 * time.Millisecond):
	}

	grant, err := v.Reserve(context.Background(), 4096, true)
	require.NoError(t, err)
	_, err = v.AppendJob(context.Background(), testJob{Adds: 1}, grant, first)
	require.NoError(t, err)

	select {
	case err := <-secondDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second job never resolved after its predecessor completed")
	}
}

func TestVolumeReaderRejectsStaleReadBelowTrimFloor(t *testing.T) {
	arena := pagedeleter.NewArena()
	v, _ := newTestVolume(t, arena)

	grant, err := v.Reserve(context.Background(), 4096, true)
	require.NoError(t, err)
	rng, err := v.AppendJob(context.Background(), testJob{Adds: 1}, grant, nil)
	require.NoError(t, err)

	require.NoError(t, v.Sync(slotlog.Durable, rng.Upper))
	v.Trim(rng.Upper)

	v.Start(context.Background())
	t.Cleanup(func() {
		v.Halt()
		_ = v.Join()
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := v.Reader(&slotlog.SlotRange{Lower: 0, Upper: rng.Upper}, slotlog.Durable); err != nil {
			require.ErrorIs(t, err, errs.ErrStaleRead)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("trimmer never advanced past slot 0")
}

func TestVolumeReaderLockBlocksTrimmerUntilClosed(t *testing.T) {
	arena := pagedeleter.NewArena()
	v, _ := newTestVolume(t, arena)

	grant, err := v.Reserve(context.Background(), 4096, true)
	require.NoError(t, err)
	rng, err := v.AppendJob(context.Background(), testJob{Adds: 1}, grant, nil)
	require.NoError(t, err)
	require.NoError(t, v.Sync(slotlog.Durable, rng.Upper))

	reader, err := v.Reader(&slotlog.SlotRange{Lower: 0, Upper: rng.Upper}, slotlog.Durable)
	require.NoError(t, err)

	v.Trim(rng.Upper)
	v.Start(context.Background())
	t.Cleanup(func() {
		v.Halt()
		_ = v.Join()
	})

	time.Sleep(100 * time.Millisecond)
	lwm, ok := v.locks.LowWaterMark()
	require.True(t, ok)
	require.Equal(t, slotlog.SlotOffset(0), lwm, "the open reader lock must keep the trimmer from advancing past it")

	require.NoError(t, reader.Close())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := v.locks.LowWaterMark(); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("lock was never released after reader.Close")
}

func TestVolumeHaltUnblocksTrimmerAndFurtherAppends(t *testing.T) {
	arena := pagedeleter.NewArena()
	v, _ := newTestVolume(t, arena)
	v.Start(context.Background())

	grant, err := v.Reserve(context.Background(), 4096, true)
	require.NoError(t, err)

	v.Halt()
	require.NoError(t, v.Join())

	_, err = v.AppendJob(context.Background(), testJob{Adds: 1}, grant, nil)
	require.Error(t, err, "a halted volume must reject further appends even with an already-held grant")

	_, err = v.Reserve(context.Background(), 4096, true)
	require.Error(t, err, "a halted volume must reject further reservations")
}
