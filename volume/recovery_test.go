package volume

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rbeerala/llfs/internal/pagedeleter"
	"github.com/rbeerala/llfs/page"
	"github.com/rbeerala/llfs/slotlog"
)

func TestRecoverFindsPendingJobWithoutResolution(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.log")
	dev, _ := openFreshVolumeLog(t, path)
	w := slotlog.NewSlotWriter(dev, 0, nil)

	grant, err := w.Reserve(context.Background(), 4096, false)
	require.NoError(t, err)

	job := testJob{Drops: []page.ID{7}}
	jobBytes := make([]byte, job.PackedSize())
	require.NoError(t, job.MarshalTo(jobBytes))
	prepareRng, err := w.Append(grant, PrepareJob{JobBytes: jobBytes})
	require.NoError(t, err)
	require.NoError(t, dev.Close())

	dev2, summary := openFreshVolumeLog(t, path)
	defer dev2.Close()
	require.Len(t, summary.PendingJobs, 1)
	pending, ok := summary.PendingJobs[prepareRng.Lower]
	require.True(t, ok)
	require.Equal(t, jobBytes, pending.JobBytes)
}

func TestRecoverDropsJobsResolvedByCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.log")
	dev, _ := openFreshVolumeLog(t, path)
	w := slotlog.NewSlotWriter(dev, 0, nil)

	grant, err := w.Reserve(context.Background(), 4096, false)
	require.NoError(t, err)

	job := testJob{Adds: 1}
	jobBytes := make([]byte, job.PackedSize())
	require.NoError(t, job.MarshalTo(jobBytes))
	prepareRng, err := w.Append(grant, PrepareJob{JobBytes: jobBytes})
	require.NoError(t, err)
	_, err = w.Append(grant, CommitJob{PrepareSlot: prepareRng.Lower})
	require.NoError(t, err)
	require.NoError(t, dev.Close())

	dev2, summary := openFreshVolumeLog(t, path)
	defer dev2.Close()
	require.Empty(t, summary.PendingJobs)
}

func TestRecoverDropsJobsResolvedByRollback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.log")
	dev, _ := openFreshVolumeLog(t, path)
	w := slotlog.NewSlotWriter(dev, 0, nil)

	grant, err := w.Reserve(context.Background(), 4096, false)
	require.NoError(t, err)

	job := testJob{Adds: 1}
	jobBytes := make([]byte, job.PackedSize())
	require.NoError(t, job.MarshalTo(jobBytes))
	prepareRng, err := w.Append(grant, PrepareJob{JobBytes: jobBytes})
	require.NoError(t, err)
	_, err = w.Append(grant, RollbackJob{PrepareSlot: prepareRng.Lower})
	require.NoError(t, err)
	require.NoError(t, dev.Close())

	dev2, summary := openFreshVolumeLog(t, path)
	defer dev2.Close()
	require.Empty(t, summary.PendingJobs)
}

func TestRecoverSurfacesAttachEventsAndIds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.log")
	dev, _ := openFreshVolumeLog(t, path)
	w := slotlog.NewSlotWriter(dev, 0, nil)

	grant, err := w.Reserve(context.Background(), 4096, false)
	require.NoError(t, err)

	ids := Ids{MainUUID: uuid.New(), RecyclerUUID: uuid.New(), TrimmerUUID: uuid.New()}
	_, err = w.Append(grant, ids)
	require.NoError(t, err)
	_, err = w.Append(grant, AttachEvent{ClientUUID: ids.MainUUID, DeviceID: 0})
	require.NoError(t, err)
	require.NoError(t, dev.Close())

	dev2, summary := openFreshVolumeLog(t, path)
	defer dev2.Close()
	require.NotNil(t, summary.Ids)
	require.Equal(t, ids.MainUUID, summary.Ids.MainUUID)
	require.True(t, summary.Attached[attachKey(ids.MainUUID, 0)])
}

// TestNewVolumeCommitsPendingJobWhenReferencedPageStillPresent simulates a
// crash between Phase 1 (durable prepare) and Phase 2 (cache commit):
// resolve_pending_jobs must finish the job rather than lose it, since the
// page it drops is still live in the cache.
func TestNewVolumeCommitsPendingJobWhenReferencedPageStillPresent(t *testing.T) {
	arena := pagedeleter.NewArena()
	leaf, err := arena.Allocate(nil)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "volume.log")
	dev, _ := openFreshVolumeLog(t, path)
	w := slotlog.NewSlotWriter(dev, 0, nil)
	grant, err := w.Reserve(context.Background(), 4096, false)
	require.NoError(t, err)

	job := testJob{Drops: []page.ID{leaf}}
	jobBytes := make([]byte, job.PackedSize())
	require.NoError(t, job.MarshalTo(jobBytes))
	_, err = w.Append(grant, PrepareJob{JobBytes: jobBytes})
	require.NoError(t, err)
	require.NoError(t, dev.Close())

	dev2, summary := openFreshVolumeLog(t, path)
	defer dev2.Close()

	tc, cache := newTestCache(arena)
	recycler := newTestRecycler(t, pagedeleter.NewDeleter(arena, nil))
	defer func() {
		recycler.Halt()
		_ = recycler.Join()
	}()

	v, err := NewVolume(dev2, summary, cache, recycler, nil, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, v)
	require.Len(t, tc.processed, 1, "resolve_pending_jobs should have committed the pending job")

	deadline := time.Now().Add(2 * time.Second)
	for arena.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 0, arena.Len(), "the pending job's dropped page should reach the recycler and get deleted")
}

// TestNewVolumeRollsBackPendingJobWhenReferencedPageAlreadyGone covers the
// other resolve_pending_jobs branch: a referenced page that's no longer
// present means the job's effects can never be safely replayed, so it must
// be rolled back rather than re-committed.
func TestNewVolumeRollsBackPendingJobWhenReferencedPageAlreadyGone(t *testing.T) {
	arena := pagedeleter.NewArena()

	path := filepath.Join(t.TempDir(), "volume.log")
	dev, _ := openFreshVolumeLog(t, path)
	w := slotlog.NewSlotWriter(dev, 0, nil)
	grant, err := w.Reserve(context.Background(), 4096, false)
	require.NoError(t, err)

	job := testJob{Drops: []page.ID{999}} // never allocated, so IsPresent is false
	jobBytes := make([]byte, job.PackedSize())
	require.NoError(t, job.MarshalTo(jobBytes))
	_, err = w.Append(grant, PrepareJob{JobBytes: jobBytes})
	require.NoError(t, err)
	require.NoError(t, dev.Close())

	dev2, summary := openFreshVolumeLog(t, path)
	defer dev2.Close()

	tc, cache := newTestCache(arena)
	recycler := newTestRecycler(t, pagedeleter.NewDeleter(arena, nil))
	defer func() {
		recycler.Halt()
		_ = recycler.Join()
	}()

	v, err := NewVolume(dev2, summary, cache, recycler, nil, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, v)
	require.Empty(t, tc.processed, "a job whose referenced page is already gone must be rolled back, not committed")
}
