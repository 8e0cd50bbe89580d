package shell

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cubesat-obc/obcboot/bootsettings"
	"github.com/cubesat-obc/obcboot/boottable"
	"github.com/cubesat-obc/obcboot/chipvariant"
	"github.com/cubesat-obc/obcboot/decision"
	"github.com/cubesat-obc/obcboot/flashdrv"
	"github.com/cubesat-obc/obcboot/framdrv"
	"github.com/cubesat-obc/obcboot/handoff"
	"github.com/cubesat-obc/obcboot/params"
)

func newTestShell(t *testing.T, in string) (*Shell, *bytes.Buffer) {
	t.Helper()

	extPath := filepath.Join(t.TempDir(), "external.bin")
	extFlash, err := flashdrv.NewSimFlashDriver(extPath, 8*1024*1024, chipvariant.TopBootDeviceID, 0)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, extFlash.Close()) })

	table, err := boottable.New(extFlash, nil)
	require.NoError(t, err)

	framDriver := framdrv.NewDriver(framdrv.NewSimChip(64), framdrv.NewSimChip(64), framdrv.NewSimChip(64))
	settings := bootsettings.New(framDriver, 0)
	require.NoError(t, settings.Initialize(0b0010110, 0b1101000))

	appPath := filepath.Join(t.TempDir(), "app.bin")
	appFlash, err := flashdrv.NewSimFlashDriver(appPath, 1024*1024, 0, 0)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, appFlash.Close()) })

	engine := decision.NewEngine(settings, table, appFlash, 0, 512*1024, &handoff.Recorder{}, params.NewChannel())

	out := &bytes.Buffer{}
	sh := New(strings.NewReader(in), out)
	sh.Settings = settings
	sh.Table = table
	sh.Engine = engine

	return sh, out
}

func TestShell_listCommands(t *testing.T) {
	sh, out := newTestShell(t, "")

	require.NoError(t, sh.Dispatch(CommandListCommands))
	assert.Contains(t, out.String(), "Run boot decision engine")
}

func TestShell_unrecognizedCommand(t *testing.T) {
	sh, out := newTestShell(t, "")

	require.NoError(t, sh.Dispatch('q'))
	assert.Contains(t, out.String(), "unrecognized command")
}

func TestShell_dumpSettings(t *testing.T) {
	sh, out := newTestShell(t, "")

	require.NoError(t, sh.Dispatch(CommandDumpSettings))

	text := out.String()
	assert.Contains(t, text, "Boot counter: 3")
	assert.Contains(t, text, "Last confirmed boot counter: 0")
}

func TestShell_listEntriesAllInvalid(t *testing.T) {
	sh, out := newTestShell(t, "")

	require.NoError(t, sh.Dispatch(CommandListEntries))
	assert.Contains(t, out.String(), "Not Valid!")
}

func TestShell_listEntriesShowsWrittenEntry(t *testing.T) {
	sh, out := newTestShell(t, "")

	require.NoError(t, sh.Table.WriteEntry(2, []byte{1, 2, 3, 4}, "flight software"))

	require.NoError(t, sh.Dispatch(CommandListEntries))
	assert.Contains(t, out.String(), "flight software")
}

func TestShell_editSettingsRejectsShortMask(t *testing.T) {
	// Only two valid digits then a non-digit: must reject and not touch
	// the existing settings.
	sh, out := newTestShell(t, "12X")

	require.NoError(t, sh.Dispatch(CommandEditSettings))
	assert.Contains(t, out.String(), "Invalid boot index")

	mask, err := sh.Settings.BootSlots()
	require.NoError(t, err)
	assert.Equal(t, byte(0b0010110), mask, "rejected edit must not change existing settings")
}

func TestShell_editSettingsAcceptsValidMasks(t *testing.T) {
	sh, out := newTestShell(t, "012345")

	require.NoError(t, sh.Dispatch(CommandEditSettings))
	assert.Contains(t, out.String(), "New boot slots set")

	primary, err := sh.Settings.BootSlots()
	require.NoError(t, err)
	assert.Equal(t, byte(0b0000111), primary)

	failsafe, err := sh.Settings.FailsafeBootSlots()
	require.NoError(t, err)
	assert.Equal(t, byte(0b0111000), failsafe)

	counter, err := sh.Settings.BootCounter()
	require.NoError(t, err)
	assert.Equal(t, bootsettings.DefaultBootCounter, counter)
}

func TestShell_uploadRejectsSlotZero(t *testing.T) {
	sh, out := newTestShell(t, string([]byte{0}))

	require.NoError(t, sh.Dispatch(CommandUpload))
	assert.Contains(t, out.String(), "Cannot override safe-mode slot")
}

func TestShell_uploadRejectsOutOfRangeSlot(t *testing.T) {
	sh, out := newTestShell(t, string([]byte{byte(boottable.EntriesCount)}))

	require.NoError(t, sh.Dispatch(CommandUpload))
	assert.Contains(t, out.String(), "out of bounds")
}

func TestShell_uploadSafeWithNoEEPROMConfigured(t *testing.T) {
	sh, out := newTestShell(t, "")

	require.NoError(t, sh.Dispatch(CommandUploadSafe))
	assert.Contains(t, out.String(), "no safe-mode EEPROM configured")
}

func TestShell_bootWithNoEngineConfigured(t *testing.T) {
	sh, out := newTestShell(t, "")
	sh.Engine = nil

	require.NoError(t, sh.Dispatch(CommandBoot))
	assert.Contains(t, out.String(), "no boot engine configured")
}

func TestShell_resetCallsHook(t *testing.T) {
	sh, _ := newTestShell(t, "")

	called := false
	sh.Reset = func() { called = true }

	require.NoError(t, sh.Dispatch(CommandReset))
	assert.True(t, called)
}
