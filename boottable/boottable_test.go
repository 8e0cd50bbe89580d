package boottable

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cubesat-obc/obcboot/chipvariant"
	"github.com/cubesat-obc/obcboot/crc"
	"github.com/cubesat-obc/obcboot/flashdrv"
)

func newTestTable(t *testing.T) (*Table, *flashdrv.SimFlashDriver) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "flash.bin")

	sfd, err := flashdrv.NewSimFlashDriver(path, 8*1024*1024, chipvariant.TopBootDeviceID, 0x9e)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, sfd.Close())
	})

	table, err := New(sfd, nil)
	require.NoError(t, err)

	return table, sfd
}

func TestTable_unprogrammedEntryIsNotValid(t *testing.T) {
	table, _ := newTestTable(t)

	ev, err := table.Entry(0)
	require.NoError(t, err)
	assert.False(t, ev.IsValid())
}

func TestTable_writeEntryThenReadBack(t *testing.T) {
	table, _ := newTestTable(t)

	program := make([]byte, 640)
	for i := range program {
		program[i] = byte(i)
	}

	require.NoError(t, table.WriteEntry(3, program, "test image"))

	ev, err := table.Entry(3)
	require.NoError(t, err)

	assert.True(t, ev.IsValid())
	assert.Equal(t, uint32(len(program)), ev.Length())
	assert.Equal(t, crc.Ccitt(program), ev.Crc())
	assert.Equal(t, "test image", ev.Description())

	actualCrc, err := ev.CalculateCrc()
	require.NoError(t, err)
	assert.Equal(t, ev.Crc(), actualCrc)
}

func TestTable_entryIndexOutOfRange(t *testing.T) {
	table, _ := newTestTable(t)

	_, err := table.Entry(EntriesCount)
	assert.Error(t, err)

	_, err = table.Entry(-1)
	assert.Error(t, err)
}

func TestTable_eraseEntryLeavesItInvalid(t *testing.T) {
	table, _ := newTestTable(t)

	require.NoError(t, table.WriteEntry(1, []byte{1, 2, 3}, "x"))

	ev, err := table.Entry(1)
	require.NoError(t, err)
	require.True(t, ev.IsValid())

	require.NoError(t, table.EraseEntry(1))

	ev, err = table.Entry(1)
	require.NoError(t, err)
	assert.False(t, ev.IsValid())
}

func TestTable_writeAtomicity_crashBeforeValidLeavesSlotInvalid(t *testing.T) {
	// Simulate a power-cut between "description" and "valid" by performing
	// the first three metadata writes of WriteEntry by hand and never
	// reaching writeValid.
	table, sfd := newTestTable(t)

	program := []byte{0xde, 0xad, 0xbe, 0xef}

	status := flashdrv.EraseRegion(sfd, table.entryBase(2), table.variant.EntrySize)
	require.Equal(t, flashdrv.StatusNotBusy, status)

	_, status = sfd.ProgramBytes(table.entryBase(2)+entryProgramOffset, program)
	require.Equal(t, flashdrv.StatusNotBusy, status)

	require.NoError(t, table.writeLength(table.entryBase(2), uint32(len(program))))
	require.NoError(t, table.writeCrc(table.entryBase(2), crc.Ccitt(program)))
	require.NoError(t, table.writeDescription(table.entryBase(2), "partial"))

	// writeValid deliberately not called: this is the simulated crash.

	ev, err := table.Entry(2)
	require.NoError(t, err)
	assert.False(t, ev.IsValid(), "slot must read as not-valid until the valid byte is the last thing written")
}

func TestTable_bootloaderCopyCrc(t *testing.T) {
	table, sfd := newTestTable(t)

	copySize := table.variant.BootloaderCopySize
	base := table.variant.BootloaderCopiesBase

	image := make([]byte, copySize)
	for i := range image {
		image[i] = byte(i % 251)
	}

	_, status := sfd.ProgramBytes(base, image)
	require.Equal(t, flashdrv.StatusNotBusy, status)

	cv, err := table.GetBootloaderCopy(0)
	require.NoError(t, err)

	value, err := cv.CalculateCrc()
	require.NoError(t, err)
	assert.Equal(t, crc.Ccitt(image), value)
}

func TestTable_bootIndexRoundTrip(t *testing.T) {
	table, _ := newTestTable(t)

	require.NoError(t, table.SetBootIndex(3))

	index, err := table.BootIndex()
	require.NoError(t, err)
	assert.Equal(t, byte(3), index)
}

func TestTable_crcWorkspaceRoundTrip(t *testing.T) {
	table, _ := newTestTable(t)

	require.NoError(t, table.WriteCrcWorkspace(0xbeef))

	value, err := table.ReadCrcWorkspace()
	require.NoError(t, err)
	assert.Equal(t, uint16(0xbeef), value)
}

func TestTable_selfTestPasses(t *testing.T) {
	table, _ := newTestTable(t)

	ok, err := table.SelfTest()
	require.NoError(t, err)
	assert.True(t, ok)
}
