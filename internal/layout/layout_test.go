package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUint32LE(t *testing.T) {
	t.Parallel()

	buf := []byte{0xff, 0x14, 0x00, 0x00, 0x00, 0xee}

	got, err := Uint32LE(buf, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(20), got)

	t.Run("short buffer", func(t *testing.T) {
		t.Parallel()
		_, err := Uint32LE(buf, 3)
		require.ErrorIs(t, err, ErrShortBuffer)
	})

	t.Run("negative offset", func(t *testing.T) {
		t.Parallel()
		_, err := Uint32LE(buf, -1)
		require.ErrorIs(t, err, ErrShortBuffer)
	})
}

func TestUint8(t *testing.T) {
	t.Parallel()

	got, err := Uint8([]byte{7, 9}, 1)
	require.NoError(t, err)
	assert.Equal(t, uint8(9), got)

	_, err = Uint8([]byte{7, 9}, 2)
	require.ErrorIs(t, err, ErrShortBuffer)
}

func TestBytes(t *testing.T) {
	t.Parallel()

	buf := []byte("0123456789")

	got, err := Bytes(buf, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("234"), got)

	got, err = Bytes(buf, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = Bytes(buf, 8, 3)
	require.ErrorIs(t, err, ErrShortBuffer)

	_, err = Bytes(buf, 0, -1)
	require.ErrorIs(t, err, ErrShortBuffer)
}

func TestLayoutOffsets(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 32768, SystemAreaBlocks*BlockSize)
	assert.Equal(t, RecordHeaderLen, NameOffset)
	assert.Len(t, StandardIdentifier, StandardIDLen)
}
