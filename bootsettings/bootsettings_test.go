package bootsettings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cubesat-obc/obcboot/framdrv"
)

func newTestSettings(t *testing.T) *Settings {
	t.Helper()

	driver := framdrv.NewDriver(
		framdrv.NewSimChip(64),
		framdrv.NewSimChip(64),
		framdrv.NewSimChip(64),
	)

	return New(driver, 0)
}

func TestSettings_freshBlockIsNotValid(t *testing.T) {
	s := newTestSettings(t)

	ok, err := s.CheckMagicNumber()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSettings_initializeThenRoundTrip(t *testing.T) {
	s := newTestSettings(t)

	require.NoError(t, s.Initialize(0b00000111, 0b00111000))

	ok, err := s.CheckMagicNumber()
	require.NoError(t, err)
	assert.True(t, ok)

	primary, err := s.BootSlots()
	require.NoError(t, err)
	assert.Equal(t, byte(0b00000111), primary)

	failsafe, err := s.FailsafeBootSlots()
	require.NoError(t, err)
	assert.Equal(t, byte(0b00111000), failsafe)

	counter, err := s.BootCounter()
	require.NoError(t, err)
	assert.Equal(t, DefaultBootCounter, counter)
}

func TestSettings_decBootCounterFloorsAtZero(t *testing.T) {
	s := newTestSettings(t)
	require.NoError(t, s.Initialize(0b00000111, 0b00111000))

	require.NoError(t, s.SetBootCounter(1))
	require.NoError(t, s.DecBootCounter())

	counter, err := s.BootCounter()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), counter)

	require.NoError(t, s.DecBootCounter())

	counter, err = s.BootCounter()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), counter)
}

func TestSettings_confirmBootCopiesCounter(t *testing.T) {
	s := newTestSettings(t)
	require.NoError(t, s.Initialize(0b00000111, 0b00111000))
	require.NoError(t, s.SetBootCounter(2))

	require.NoError(t, s.ConfirmBoot())

	last, err := s.LastConfirmedBootCounter()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), last)
}

func TestDecodeSlotMask_sentinels(t *testing.T) {
	assert.Equal(t, SafeModeKindValue, DecodeSlotMask(SafeModeMark).Kind)
	assert.Equal(t, UpperKindValue, DecodeSlotMask(UpperMark).Kind)
}

func TestDecodeSlotMask_orderedSlots(t *testing.T) {
	selection := DecodeSlotMask(0b00010101)

	require.Equal(t, SlotsKind, selection.Kind)
	assert.Equal(t, []int{0, 2, 4}, selection.Slots)
}

func TestDecodeSlotMask_wrongPopcountIsInvalid(t *testing.T) {
	assert.Equal(t, InvalidKind, DecodeSlotMask(0b00000011).Kind)
	assert.Equal(t, InvalidKind, DecodeSlotMask(0b01111111).Kind)
}

func TestSettings_magicSurvivesOneChipCorruption(t *testing.T) {
	c1 := framdrv.NewSimChip(64)

	driver := framdrv.NewDriver(
		framdrv.NewSimChip(64),
		c1,
		framdrv.NewSimChip(64),
	)
	s := New(driver, 0)

	require.NoError(t, s.MarkAsValid())

	c1.Corrupt(0, []byte{0xff, 0xff, 0xff, 0xff})

	ok, err := s.CheckMagicNumber()
	require.NoError(t, err)
	require.True(t, ok)
}
