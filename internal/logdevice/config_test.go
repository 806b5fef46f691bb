package logdevice

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPackedLogDeviceConfigRoundTrips(t *testing.T) {
	c := PackedLogDeviceConfig{
		Tag:               ConfigTag,
		PagesPerBlockLog2: 2,
		Block0Offset:      88,
		PhysicalSize:      1 << 20,
		LogicalSize:       1 << 20,
		UUID:              NewUUID(),
	}

	buf := make([]byte, PackedConfigSize)
	require.NoError(t, c.MarshalTo(buf))

	got, err := UnmarshalConfig(buf)
	require.NoError(t, err)
	require.Equal(t, c, got)
	require.Equal(t, uint64(16384), got.BlockSize())
}

func TestUnmarshalConfigRejectsWrongTag(t *testing.T) {
	c := PackedLogDeviceConfig{Tag: ConfigTag + 1, LogicalSize: 10}
	buf := make([]byte, PackedConfigSize)
	require.NoError(t, c.MarshalTo(buf))

	_, err := UnmarshalConfig(buf)
	require.Error(t, err)
}

func TestUnmarshalConfigRejectsWrongSize(t *testing.T) {
	_, err := UnmarshalConfig(make([]byte, 10))
	require.Error(t, err)
}
