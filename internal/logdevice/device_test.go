package logdevice

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/rbeerala/llfs/slotlog"
)

var errScanFailed = errors.New("boom")

func noopScan(r slotlog.Reader) (slotlog.SlotOffset, error) {
	return r.SlotRange().Lower, nil
}

func TestFactoryOpenLogDeviceCreatesAndAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.log")
	f := NewFactory(path, 64)

	dev, err := f.OpenLogDevice(noopScan)
	require.NoError(t, err)
	defer dev.Close()

	require.Equal(t, 64, dev.Capacity())

	rng, err := dev.Append([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, slotlog.SlotOffset(0), rng.Lower)
	require.Equal(t, slotlog.SlotOffset(5), rng.Upper)
}

func TestDeviceAppendRejectsOverCapacity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.log")
	f := NewFactory(path, 8)
	dev, err := f.OpenLogDevice(noopScan)
	require.NoError(t, err)
	defer dev.Close()

	_, err = dev.Append([]byte("123456789"))
	require.Error(t, err)
}

func TestDeviceAppendWrapsAroundRingBuffer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.log")
	f := NewFactory(path, 8)
	dev, err := f.OpenLogDevice(noopScan)
	require.NoError(t, err)
	defer dev.Close()

	_, err = dev.Append([]byte("abcdef")) // fills 6 of 8
	require.NoError(t, err)
	require.NoError(t, dev.Trim(6))

	rng, err := dev.Append([]byte("ghijkl")) // wraps past the physical end
	require.NoError(t, err)
	require.Equal(t, slotlog.SlotOffset(6), rng.Lower)
	require.Equal(t, slotlog.SlotOffset(12), rng.Upper)

	r, err := dev.NewReader(&rng.Lower, slotlog.Speculative)
	require.NoError(t, err)
	buf := make([]byte, 6)
	n, err := io.ReadFull(r, buf)
	require.NoError(t, err)
	require.Equal(t, 6, n)
	require.Equal(t, "ghijkl", string(buf))
}

func TestDeviceSyncSpeculativeRejectsOffsetPastUpper(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.log")
	f := NewFactory(path, 32)
	dev, err := f.OpenLogDevice(noopScan)
	require.NoError(t, err)
	defer dev.Close()

	err = dev.Sync(slotlog.Speculative, slotlog.SlotUpperBoundAt{Offset: 10})
	require.Error(t, err)
}

func TestDeviceTrimRejectsBoundsOutsideRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.log")
	f := NewFactory(path, 32)
	dev, err := f.OpenLogDevice(noopScan)
	require.NoError(t, err)
	defer dev.Close()

	_, err = dev.Append([]byte("0123456789"))
	require.NoError(t, err)

	require.Error(t, dev.Trim(20), "trim past upper should fail")
	require.NoError(t, dev.Trim(5))
	require.Error(t, dev.Trim(2), "trim below current lower should fail")
}

func TestFactoryReopenResumesFromPersistedWatermark(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.log")
	f := NewFactory(path, 64)

	dev, err := f.OpenLogDevice(noopScan)
	require.NoError(t, err)
	_, err = dev.Append([]byte("payload-one"))
	require.NoError(t, err)
	require.NoError(t, dev.Sync(slotlog.Durable, slotlog.SlotUpperBoundAt{Offset: 11}))
	require.NoError(t, dev.Close())

	var scannedLower slotlog.SlotOffset
	scan := func(r slotlog.Reader) (slotlog.SlotOffset, error) {
		scannedLower = r.SlotRange().Lower
		return r.SlotRange().Upper, nil
	}

	reopened, err := f.OpenLogDevice(scan)
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, slotlog.SlotOffset(0), scannedLower)
	require.Equal(t, slotlog.SlotRange{Lower: 0, Upper: 11}, reopened.SlotRange(slotlog.Durable))
}

func TestFactoryScanErrorPropagates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.log")
	f := NewFactory(path, 32)

	_, err := f.OpenLogDevice(func(r slotlog.Reader) (slotlog.SlotOffset, error) {
		return 0, errScanFailed
	})
	require.ErrorIs(t, err, errScanFailed)
}
