package framdrv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDriver() (*Driver, *SimChip, *SimChip, *SimChip) {
	c0 := NewSimChip(64)
	c1 := NewSimChip(64)
	c2 := NewSimChip(64)

	return NewDriver(c0, c1, c2), c0, c1, c2
}

func TestDriver_writeThenRead(t *testing.T) {
	d, _, _, _ := newTestDriver()

	data := []byte{0x01, 0x02, 0x03, 0x04}

	require.NoError(t, d.Write(8, data))

	out := make([]byte, 4)
	require.NoError(t, d.Read(8, out))

	assert.Equal(t, data, out)
}

func TestDriver_readMajorityRepairsOneBadChip(t *testing.T) {
	d, _, c1, _ := newTestDriver()

	require.NoError(t, d.Write(0, []byte{0xAA, 0xBB}))

	c1.Corrupt(0, []byte{0xFF, 0xFF})

	out := make([]byte, 2)
	require.NoError(t, d.Read(0, out))

	assert.Equal(t, []byte{0xAA, 0xBB}, out)
	assert.Equal(t, 2, d.MismatchCount)
}

func TestDriver_readFailsWhenAllThreeDisagree(t *testing.T) {
	d, c0, c1, c2 := newTestDriver()

	c0.Corrupt(0, []byte{0x01})
	c1.Corrupt(0, []byte{0x02})
	c2.Corrupt(0, []byte{0x03})

	out := make([]byte, 1)
	err := d.Read(0, out)

	assert.ErrorIs(t, err, ErrNoMajority)
}

func TestDriver_writeSucceedsWithOneFailure(t *testing.T) {
	d, _, _, _ := newTestDriver()

	failing := &failingChip{}
	d.chips[2] = failing

	require.NoError(t, d.Write(0, []byte{0x01}))
}

func TestDriver_writeFailsWithTwoFailures(t *testing.T) {
	d, _, _, _ := newTestDriver()

	d.chips[1] = &failingChip{}
	d.chips[2] = &failingChip{}

	err := d.Write(0, []byte{0x01})
	assert.Error(t, err)
}

func TestDriver_readStatusMajority(t *testing.T) {
	d, c0, c1, c2 := newTestDriver()

	c0.SetStatus(0x80)
	c1.SetStatus(0x80)
	c2.SetStatus(0x00)

	status, found := d.ReadStatus()
	assert.True(t, found)
	assert.Equal(t, StatusByte(0x80), status)
}

// failingChip always fails writes, for exercising the write-quorum path.
type failingChip struct{}

func (f *failingChip) Read(address uint32, buf []byte) error   { return nil }
func (f *failingChip) Write(address uint32, data []byte) error { return errSimulatedWriteFailure }
func (f *failingChip) ReadStatus() (StatusByte, error)         { return 0, nil }

type errSentinel string

func (e errSentinel) Error() string { return string(e) }

var errSimulatedWriteFailure = errSentinel("simulated chip write failure")
