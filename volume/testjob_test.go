package volume

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/rbeerala/llfs/internal/logdevice"
	"github.com/rbeerala/llfs/internal/pagedeleter"
	"github.com/rbeerala/llfs/internal/wire"
	"github.com/rbeerala/llfs/page"
	"github.com/rbeerala/llfs/pagerecycler"
	"github.com/rbeerala/llfs/slotlog"
)

// testJob is a toy AppendableJob for exercising AppendJob's two-phase
// pipeline: Adds allocates that many new leaf pages, Drops enqueues
// existing pages to the recycler.
type testJob struct {
	Adds  int
	Drops []page.ID
}

func (j testJob) PackedSize() int { return 4 + 4 + 8*len(j.Drops) }

func (j testJob) MarshalTo(buf []byte) error {
	b := wire.NewBuilder(buf)
	b.PutUint32(uint32(j.Adds))
	b.PutUint32(uint32(len(j.Drops)))
	for _, id := range j.Drops {
		b.PutUint64(uint64(id))
	}
	return nil
}

func decodeTestJob(buf []byte) (testJob, error) {
	cur := wire.NewCursor(buf)
	adds, err := cur.Uint32()
	if err != nil {
		return testJob{}, errors.Wrap(err, "decode test job adds")
	}
	n, err := cur.Uint32()
	if err != nil {
		return testJob{}, errors.Wrap(err, "decode test job drop count")
	}
	drops := make([]page.ID, n)
	for i := range drops {
		v, err := cur.Uint64()
		if err != nil {
			return testJob{}, errors.Wrap(err, "decode test job drop id")
		}
		drops[i] = page.ID(v)
	}
	return testJob{Adds: int(adds), Drops: drops}, nil
}

// testCache wires internal/pagedeleter.Arena into a PageCache, tracking
// which CallerSlots it has already applied so AppendJob's exactly-once
// commit contract is testable.
type testCache struct {
	mu        sync.Mutex
	arena     *pagedeleter.Arena
	processed map[slotlog.SlotOffset]bool
	attached  map[uuid.UUID]bool
}

func newTestCache(arena *pagedeleter.Arena) (*testCache, *PageCache) {
	tc := &testCache{arena: arena, processed: make(map[slotlog.SlotOffset]bool), attached: make(map[uuid.UUID]bool)}
	return tc, NewPageCache(1, tc.commit, tc.referencedPages, tc.isPresent, tc.attachUser, tc.syncUser)
}

func (c *testCache) commit(jobBytes []byte, params JobCommitParams) error {
	c.mu.Lock()
	if c.processed[params.CallerSlot] {
		c.mu.Unlock()
		return nil
	}
	c.processed[params.CallerSlot] = true
	c.mu.Unlock()

	job, err := decodeTestJob(jobBytes)
	if err != nil {
		return err
	}
	for i := 0; i < job.Adds; i++ {
		if _, err := c.arena.Allocate(nil); err != nil {
			return errors.Wrap(err, "test cache: allocate")
		}
	}
	if len(job.Drops) == 0 {
		return nil
	}
	if params.Recycler == nil {
		return errors.New("test cache: job drops pages but no recycler was wired")
	}
	_, err = params.Recycler.RecyclePages(context.Background(), job.Drops, params.RecycleGrant, params.RecycleDepth)
	return errors.Wrap(err, "test cache: recycle dropped pages")
}

func (c *testCache) referencedPages(jobBytes []byte) ([]page.ID, error) {
	job, err := decodeTestJob(jobBytes)
	if err != nil {
		return nil, err
	}
	return job.Drops, nil
}

func (c *testCache) isPresent(id page.ID) bool {
	return c.arena.Refcount(id) > 0
}

func (c *testCache) attachUser(arenaIndex int, clientUUID uuid.UUID) (slotlog.SlotOffset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attached[clientUUID] = true
	return slotlog.SlotOffset(0), nil
}

// syncUser is a no-op: the in-memory pagedeleter.Arena backing this test
// cache has no log of its own to sync, unlike a real on-disk page arena.
func (c *testCache) syncUser(arenaIndex int, at slotlog.SlotOffset) error {
	return nil
}

// newTestRecycler builds a live, started Recycler backed by its own
// logdevice file, matching pagerecycler/recycler_test.go's helper.
func newTestRecycler(t *testing.T, deleter pagerecycler.PageDeleter) *pagerecycler.Recycler {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recycler.log")
	factory := logdevice.NewFactory(path, 1<<20)

	var summary pagerecycler.RecoverySummary
	dev, err := factory.OpenLogDevice(func(r slotlog.Reader) (slotlog.SlotOffset, error) {
		s, resume, err := pagerecycler.Recover(r)
		summary = s
		return resume, err
	})
	require.NoError(t, err)

	opts := pagerecycler.DefaultOptions()
	opts.MaxRefsPerPage = 4
	opts.BatchSize = 2
	opts.MaxBufferedPages = 64

	r, err := pagerecycler.NewRecycler(dev, summary, opts, deleter, nil, nil)
	require.NoError(t, err)
	r.Start(context.Background())
	return r
}

// openFreshVolumeLog opens (or reopens) a Volume's root WAL file at path,
// running Recover as the scan closure.
func openFreshVolumeLog(t *testing.T, path string) (slotlog.LogDevice, RecoverySummary) {
	t.Helper()
	factory := logdevice.NewFactory(path, 1<<20)
	var summary RecoverySummary
	dev, err := factory.OpenLogDevice(func(r slotlog.Reader) (slotlog.SlotOffset, error) {
		s, resume, err := Recover(r)
		summary = s
		return resume, err
	})
	require.NoError(t, err)
	return dev, summary
}
