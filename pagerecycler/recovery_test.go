package pagerecycler

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rbeerala/llfs/internal/logdevice"
	"github.com/rbeerala/llfs/page"
	"github.com/rbeerala/llfs/slotlog"
)

func openFreshFactory(t *testing.T, size uint64) (*logdevice.Factory, slotlog.LogDevice) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recycler.log")
	factory := logdevice.NewFactory(path, size)
	dev, err := factory.OpenLogDevice(func(r slotlog.Reader) (slotlog.SlotOffset, error) {
		return r.SlotRange().Lower, nil
	})
	require.NoError(t, err)
	return factory, dev
}

func TestRecoverFindsPendingPrepareWithoutCommit(t *testing.T) {
	factory, dev := openFreshFactory(t, 4096)
	w := slotlog.NewSlotWriter(dev, 0, nil)

	grant, err := w.Reserve(context.Background(), 4096, false)
	require.NoError(t, err)

	_, err = w.Append(grant, PagePrepare{PageID: 7, BatchSlot: unbatchedSlot})
	require.NoError(t, err)
	require.NoError(t, dev.Close())

	var summary RecoverySummary
	dev2, err := logdevice.NewFactory(factory.Path, 4096).OpenLogDevice(func(r slotlog.Reader) (slotlog.SlotOffset, error) {
		s, resume, err := Recover(r)
		summary = s
		return resume, err
	})
	require.NoError(t, err)
	defer dev2.Close()

	require.Len(t, summary.Pending, 1)
	require.Equal(t, page.ID(7), summary.Pending[0].PageID)
	require.Nil(t, summary.LatestBatch)
}

func TestRecoverTreatsUncommittedOfficialBatchAsLatestBatch(t *testing.T) {
	factory, dev := openFreshFactory(t, 4096)
	w := slotlog.NewSlotWriter(dev, 0, nil)

	grant, err := w.Reserve(context.Background(), 4096, false)
	require.NoError(t, err)

	batchSlot := w.CurrentSlot()
	_, err = w.Append(grant, PagePrepare{PageID: 1, BatchSlot: batchSlot})
	require.NoError(t, err)
	_, err = w.Append(grant, PagePrepare{PageID: 2, BatchSlot: batchSlot})
	require.NoError(t, err)
	require.NoError(t, dev.Close())

	var summary RecoverySummary
	dev2, err := logdevice.NewFactory(factory.Path, 4096).OpenLogDevice(func(r slotlog.Reader) (slotlog.SlotOffset, error) {
		s, resume, err := Recover(r)
		summary = s
		return resume, err
	})
	require.NoError(t, err)
	defer dev2.Close()

	require.NotNil(t, summary.LatestBatch)
	require.Len(t, summary.LatestBatch.ToRecycle, 2)
	require.Empty(t, summary.Pending)
}

func TestRecoverDropsCommittedBatches(t *testing.T) {
	factory, dev := openFreshFactory(t, 4096)
	w := slotlog.NewSlotWriter(dev, 0, nil)

	grant, err := w.Reserve(context.Background(), 4096, false)
	require.NoError(t, err)

	batchSlot := w.CurrentSlot()
	_, err = w.Append(grant, PagePrepare{PageID: 1, BatchSlot: batchSlot})
	require.NoError(t, err)
	_, err = w.Append(grant, BatchCommit{BatchSlot: batchSlot})
	require.NoError(t, err)
	require.NoError(t, dev.Close())

	var summary RecoverySummary
	dev2, err := logdevice.NewFactory(factory.Path, 4096).OpenLogDevice(func(r slotlog.Reader) (slotlog.SlotOffset, error) {
		s, resume, err := Recover(r)
		summary = s
		return resume, err
	})
	require.NoError(t, err)
	defer dev2.Close()

	require.Nil(t, summary.LatestBatch)
	require.Empty(t, summary.Pending)
}

func TestRecoverSurfacesLatestInfo(t *testing.T) {
	factory, dev := openFreshFactory(t, 4096)
	w := slotlog.NewSlotWriter(dev, 0, nil)

	grant, err := w.Reserve(context.Background(), 4096, false)
	require.NoError(t, err)

	info := Info{UUID: [16]byte{1, 2, 3}, OptionsSnapshot: []byte{9, 9, 9, 9}}
	_, err = w.Append(grant, info)
	require.NoError(t, err)
	require.NoError(t, dev.Close())

	var summary RecoverySummary
	dev2, err := logdevice.NewFactory(factory.Path, 4096).OpenLogDevice(func(r slotlog.Reader) (slotlog.SlotOffset, error) {
		s, resume, err := Recover(r)
		summary = s
		return resume, err
	})
	require.NoError(t, err)
	defer dev2.Close()

	require.NotNil(t, summary.LatestInfo)
	require.Equal(t, info.UUID, summary.LatestInfo.UUID)
}
