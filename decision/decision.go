// This package implements the top-level boot decision and transfer
// engine (spec section 4.7): the state machine that reads boot policy,
// verifies program integrity, repairs the application region from
// external flash on mismatch, applies the retry/safe-mode policy, and
// hands off to the chosen image. It is deliberately the single place
// driver-level errors become one of the boot-reason codes in the error
// taxonomy (spec section 7): "the engine is the single point where they
// become boot-reason codes."
package decision

import (
	"github.com/dsoprea/go-logging"

	"github.com/cubesat-obc/obcboot/bootsettings"
	"github.com/cubesat-obc/obcboot/boottable"
	"github.com/cubesat-obc/obcboot/crc"
	"github.com/cubesat-obc/obcboot/flashdrv"
	"github.com/cubesat-obc/obcboot/handoff"
	"github.com/cubesat-obc/obcboot/params"
)

// DefaultApplicationEntryPoint and DefaultSafeModeEntryPoint are the default handoff
// base addresses on the reference hardware. Callers targeting a
// different memory map override them on the Engine.
const (
	DefaultApplicationEntryPoint uint32 = 0x00000000
	DefaultSafeModeEntryPoint    uint32 = 0x0fe00000
)

// DefaultRunlevel is the RequestedRunlevel value a normal boot asks the
// application to start at.
const DefaultRunlevel uint8 = 0

// Outcome is the terminal result of one Run, for tests and the 'b' shell
// command to inspect without parsing log output.
type Outcome struct {
	Reason      params.BootReason
	BootIndex   byte
	BaseAddress uint32
}

// Engine wires together the settings, boot table, application region,
// persisted-parameter channel, and handoff primitive the state machine
// in spec section 4.7 operates over.
type Engine struct {
	Settings *bootsettings.Settings
	Table    *boottable.Table

	// AppRegion is the internal MCU flash application region. It is
	// modeled with the same flashdrv.Driver capability as external flash
	// (spec section 1: "does not write to internal MCU flash outside the
	// one application region" — the write surface is identical in kind).
	AppRegion     flashdrv.Driver
	AppRegionBase uint32
	AppRegionSize uint32

	Jumper  handoff.Jumper
	Params  *params.Channel

	ApplicationEntryPoint uint32
	SafeModeEntryPoint    uint32
}

// NewEngine constructs an Engine with the default entry points; callers
// may override ApplicationEntryPoint/SafeModeEntryPoint afterward.
func NewEngine(settings *bootsettings.Settings, table *boottable.Table, appRegion flashdrv.Driver, appRegionBase, appRegionSize uint32, jumper handoff.Jumper, paramsChannel *params.Channel) *Engine {
	return &Engine{
		Settings:              settings,
		Table:                 table,
		AppRegion:             appRegion,
		AppRegionBase:         appRegionBase,
		AppRegionSize:         appRegionSize,
		Jumper:                jumper,
		Params:                paramsChannel,
		ApplicationEntryPoint: DefaultApplicationEntryPoint,
		SafeModeEntryPoint:    DefaultSafeModeEntryPoint,
	}
}

// Run drives the PowerOn -> ... -> WriteParamsAndJump state machine to
// completion and returns the terminal Outcome. A non-nil error indicates
// a structural fault below the engine's own recovery policy (for example
// the FRAM boot counter or failsafe mask failing to read or write); every
// application-level failure instead surfaces as an Outcome.Reason and a
// nil error, matching the propagation policy in spec section 7.
func (e *Engine) Run() (outcome Outcome, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	selection, magicValid := e.readSelection()

	if selection.Kind == bootsettings.SafeModeKindValue {
		return e.finish(params.SelectedIndex, 0, e.SafeModeEntryPoint)
	}

	if selection.Kind == bootsettings.UpperKindValue {
		// Jump to the application base without any CRC verification or
		// copy (spec section 4.7: "used for in-field debug").
		return e.finish(params.SelectedIndex, 0, e.ApplicationEntryPoint)
	}

	if !magicValid || selection.Kind != bootsettings.SlotsKind {
		return e.safeModeFor(params.InvalidBootIndex)
	}

	counter, err := e.Settings.BootCounter()
	log.PanicIf(err)

	if counter == 0 {
		return e.safeModeFor(params.CounterExpired)
	}

	err = e.Settings.DecBootCounter()
	log.PanicIf(err)

	if index, ok := e.selectServiceableIndex(selection.Slots); ok {
		return e.finish(params.SelectedIndex, byte(index), e.ApplicationEntryPoint)
	}

	failsafeMask, err := e.Settings.FailsafeBootSlots()
	log.PanicIf(err)

	if failsafe := bootsettings.DecodeSlotMask(failsafeMask); failsafe.Kind == bootsettings.SlotsKind {
		if index, ok := e.selectServiceableIndex(failsafe.Slots); ok {
			return e.finish(params.SelectedIndex, byte(index), e.ApplicationEntryPoint)
		}
	}

	return e.safeModeFor(params.DownloadError)
}

// selectServiceableIndex walks slots in the priority order
// bootsettings.DecodeSlotMask produced (spec section 4.5: "the first three
// set bits in ascending order are the chosen slots"), skipping index 0
// (reserved for the safe-mode EEPROM, spec section 4.6) and any index
// outside the boot table, and returns the first one that verifies or is
// successfully re-copied from external flash (spec section 4.7's
// VerifyEntry/CopyEntry). Both the primary list and, on its exhaustion,
// the failsafe list are walked through this same helper.
func (e *Engine) selectServiceableIndex(slots []int) (int, bool) {
	for _, index := range slots {
		if !e.verifyBootIndex(index) {
			continue
		}

		if e.verifyEntry(index) {
			return index, true
		}
	}

	return 0, false
}

// readSelection decodes the primarySlots mask, treating a FRAM read
// failure (no majority among the three copies) the same as an explicit
// magic mismatch: settings are untrustworthy (spec section 4.7: "When
// three-of-three FRAM copies disagree, settings are treated as invalid").
func (e *Engine) readSelection() (bootsettings.SlotSelection, bool) {
	magicOk, magicErr := e.Settings.CheckMagicNumber()

	mask, maskErr := e.Settings.BootSlots()
	if maskErr != nil {
		return bootsettings.SlotSelection{Kind: bootsettings.InvalidKind}, false
	}

	return bootsettings.DecodeSlotMask(mask), magicErr == nil && magicOk
}

// verifyBootIndex requires 0 < index < N (spec section 4.7's "0 < index
// <= N" adapted to this package's 0-indexed BootTable entries): index 0 is
// reserved for the safe-mode EEPROM (spec section 4.6) and is never a
// valid flash boot-table target.
func (e *Engine) verifyBootIndex(index int) bool {
	return index > 0 && index < boottable.EntriesCount
}

// verifyEntry implements VerifyEntry(i): compare the application
// region's current CRC against the recorded entry CRC, and only copy
// from external flash when they disagree (spec section 4.7 and the
// "silent repair" scenario in section 8). It reports whether slot index
// is serviceable rather than finishing the boot itself, so a failed
// candidate can fall through to the next slot in priority order, or to
// the failsafe list, instead of committing to safe mode early.
func (e *Engine) verifyEntry(index int) bool {
	entry, err := e.Table.Entry(index)
	if err != nil {
		return false
	}

	if !entry.IsValid() {
		return e.copyEntry(index)
	}

	appBuf := make([]byte, entry.Length())
	if err := e.AppRegion.ReadAt(e.AppRegionBase, appBuf); err != nil {
		return e.copyEntry(index)
	}

	if crc.Ccitt(appBuf) == entry.Crc() {
		return true
	}

	return e.copyEntry(index)
}

// copyEntry implements CopyEntry(i): erase the application region,
// stream the entry's program bytes in, and verify the post-copy CRC
// still matches the recorded one (spec section 4.7 and the "fallback to
// safe mode via DownloadError" scenario in section 8). Like verifyEntry,
// it only reports success or failure; the caller decides what to try
// next.
func (e *Engine) copyEntry(index int) bool {
	entry, err := e.Table.Entry(index)
	if err != nil || !entry.IsValid() {
		return false
	}

	program, err := e.Table.ReadProgram(index)
	if err != nil {
		return false
	}

	status := flashdrv.EraseRegion(e.AppRegion, e.AppRegionBase, e.AppRegionSize)
	if status != flashdrv.StatusNotBusy {
		return false
	}

	if _, status := e.AppRegion.ProgramBytes(e.AppRegionBase, program); status != flashdrv.StatusNotBusy {
		return false
	}

	copied := make([]byte, len(program))
	if err := e.AppRegion.ReadAt(e.AppRegionBase, copied); err != nil {
		return false
	}

	return crc.Ccitt(copied) == entry.Crc()
}

// safeModeFor implements SafeMode: reset the diagnostic boot-index
// scratch byte to 0 and transfer to SafeModeEntryPoint with the given
// reason.
func (e *Engine) safeModeFor(reason params.BootReason) (Outcome, error) {
	if err := e.Table.SetBootIndex(0); err != nil {
		log.PrintError(err)
	}

	return e.finish(reason, 0, e.SafeModeEntryPoint)
}

// finish implements WriteParamsAndJump: stamp the persisted-parameter
// channel and call the handoff primitive. It is the one step the real
// implementation never returns from; Jumper implementations used outside
// of tests are expected to behave the same way.
func (e *Engine) finish(reason params.BootReason, index byte, baseAddress uint32) (Outcome, error) {
	if e.Params != nil {
		e.Params.Write(reason, index, DefaultRunlevel, false)
	}

	if err := e.Table.SetBootIndex(index); err != nil {
		log.PrintError(err)
	}

	if e.Jumper != nil {
		e.Jumper.Jump(baseAddress)
	}

	return Outcome{Reason: reason, BootIndex: index, BaseAddress: baseAddress}, nil
}
