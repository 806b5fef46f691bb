package pagerecycler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rbeerala/llfs/page"
	"github.com/rbeerala/llfs/slotlog"
)

func TestStateInsertIsIdempotentAtEqualOrLowerDepth(t *testing.T) {
	s := NewState()
	returned := s.Insert(page.ToRecycle{PageID: 1, SlotOffset: 10, Depth: 2})
	require.Len(t, returned, 1)

	require.Nil(t, s.Insert(page.ToRecycle{PageID: 1, SlotOffset: 20, Depth: 2}), "same depth is a no-op")
	require.Nil(t, s.Insert(page.ToRecycle{PageID: 1, SlotOffset: 20, Depth: 1}), "shallower depth is a no-op")
	require.Equal(t, 1, s.Len())
}

func TestStateInsertUpgradesDepthAndReturnsForRewrite(t *testing.T) {
	s := NewState()
	s.Insert(page.ToRecycle{PageID: 1, SlotOffset: 10, Depth: 0})

	returned := s.Insert(page.ToRecycle{PageID: 1, SlotOffset: 30, Depth: 3})
	require.Len(t, returned, 1)
	require.Equal(t, 3, returned[0].Depth)
	require.Equal(t, 1, s.Len())
}

func TestStateCollectBatchPrefersDeepestGroupFIFO(t *testing.T) {
	s := NewState()
	s.Insert(page.ToRecycle{PageID: 1, SlotOffset: 1, Depth: 0})
	s.Insert(page.ToRecycle{PageID: 2, SlotOffset: 2, Depth: 2})
	s.Insert(page.ToRecycle{PageID: 3, SlotOffset: 3, Depth: 2})
	s.Insert(page.ToRecycle{PageID: 4, SlotOffset: 4, Depth: 1})

	batch := s.CollectBatch(10)
	require.Len(t, batch, 2)
	require.Equal(t, page.ID(2), batch[0].PageID)
	require.Equal(t, page.ID(3), batch[1].PageID)
	require.Equal(t, 2, s.Len())

	batch = s.CollectBatch(10)
	require.Len(t, batch, 1)
	require.Equal(t, page.ID(4), batch[0].PageID)
}

func TestStateCollectBatchRespectsMaxSize(t *testing.T) {
	s := NewState()
	s.Insert(page.ToRecycle{PageID: 1, SlotOffset: 1, Depth: 0})
	s.Insert(page.ToRecycle{PageID: 2, SlotOffset: 2, Depth: 0})
	s.Insert(page.ToRecycle{PageID: 3, SlotOffset: 3, Depth: 0})

	batch := s.CollectBatch(2)
	require.Len(t, batch, 2)
	require.Equal(t, 1, s.Len())
}

func TestStateGetLRUSlotReportsMinimum(t *testing.T) {
	s := NewState()
	_, ok := s.GetLRUSlot()
	require.False(t, ok)

	s.Insert(page.ToRecycle{PageID: 1, SlotOffset: 50, Depth: 0})
	s.Insert(page.ToRecycle{PageID: 2, SlotOffset: 10, Depth: 1})

	lru, ok := s.GetLRUSlot()
	require.True(t, ok)
	require.Equal(t, slotlog.SlotOffset(10), lru)
}

func TestStateBulkLoadReplacesContents(t *testing.T) {
	s := NewState()
	s.Insert(page.ToRecycle{PageID: 1, SlotOffset: 1, Depth: 0})

	s.BulkLoad([]page.ToRecycle{
		{PageID: 2, SlotOffset: 2, Depth: 0},
		{PageID: 3, SlotOffset: 3, Depth: 1},
	})

	require.Equal(t, 2, s.Len())
	batch := s.CollectBatch(10)
	require.Len(t, batch, 1)
	require.Equal(t, page.ID(3), batch[0].PageID)
}
