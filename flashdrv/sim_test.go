package flashdrv

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDriver(t *testing.T) *SimFlashDriver {
	t.Helper()

	path := filepath.Join(t.TempDir(), "flash.bin")

	sfd, err := NewSimFlashDriver(path, 256*1024, 0x00220016, 0x9e)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, sfd.Close())
	})

	return sfd
}

func TestSimFlashDriver_erasedIsAllFF(t *testing.T) {
	sfd := newTestDriver(t)

	b, err := sfd.ReadByte(12345)
	require.NoError(t, err)
	assert.Equal(t, byte(0xff), b)
}

func TestSimFlashDriver_programOnlyClearsBits(t *testing.T) {
	sfd := newTestDriver(t)

	status := sfd.Program(10, 0x0f)
	assert.Equal(t, StatusNotBusy, status)

	b, err := sfd.ReadByte(10)
	require.NoError(t, err)
	assert.Equal(t, byte(0x0f), b)

	// Programming 0xff on top must not set any bits back.
	status = sfd.Program(10, 0xff)
	assert.Equal(t, StatusNotBusy, status)

	b, err = sfd.ReadByte(10)
	require.NoError(t, err)
	assert.Equal(t, byte(0x0f), b)
}

func TestSimFlashDriver_eraseSectorResetsToFF(t *testing.T) {
	sfd := newTestDriver(t)

	sfd.Program(LargeSectorSize+5, 0x00)

	status := sfd.EraseSector(LargeSectorSize)
	require.Equal(t, StatusNotBusy, status)

	b, err := sfd.ReadByte(LargeSectorSize + 5)
	require.NoError(t, err)
	assert.Equal(t, byte(0xff), b)
}

func TestSimFlashDriver_waitIdleReflectsBusyFlag(t *testing.T) {
	sfd := newTestDriver(t)

	sfd.SetBusy(0, true)
	assert.False(t, sfd.WaitIdle(0))

	status := sfd.Program(0, 0x00)
	assert.Equal(t, StatusBusy, status)

	sfd.SetBusy(0, false)
	assert.True(t, sfd.WaitIdle(0))
}

func TestProgramBytes_stopsAtFirstFailure(t *testing.T) {
	sfd := newTestDriver(t)

	sfd.SetBusy(3, true)

	n, status := ProgramBytes(sfd, 0, []byte{0x01, 0x02, 0x03, 0x04, 0x05})
	assert.Equal(t, 3, n)
	assert.Equal(t, StatusBusy, status)
}

func TestEraseRegion_firstSectorUsesSubSectors(t *testing.T) {
	sfd := newTestDriver(t)

	sfd.Program(FirstSectorSubSectorSize*3+1, 0x00)

	status := EraseRegion(sfd, 0, FirstSectorSubSectorSize*FirstSectorSubSectorCount)
	require.Equal(t, StatusNotBusy, status)

	b, err := sfd.ReadByte(FirstSectorSubSectorSize*3 + 1)
	require.NoError(t, err)
	assert.Equal(t, byte(0xff), b)
}
