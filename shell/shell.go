// This package implements the operator command shell (spec section 4.9):
// a single-ASCII-character dispatch table driving the engines over the
// debug UART. It is explicitly not part of the bootloader's core — the
// spec calls it out as "the external stimulus that drives the engines" —
// so it is kept as a thin adapter over bootsettings, boottable, xmodem,
// and decision rather than owning any state of its own.
package shell

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/dsoprea/go-logging"

	"github.com/cubesat-obc/obcboot/bootsettings"
	"github.com/cubesat-obc/obcboot/boottable"
	"github.com/cubesat-obc/obcboot/decision"
	"github.com/cubesat-obc/obcboot/xmodem"
)

// Commands are the single-character dispatch codes from spec section 4.9.
const (
	CommandBoot          = 'b'
	CommandUpload        = 'x'
	CommandUploadSafe    = 'z'
	CommandListEntries   = 'l'
	CommandEditSettings  = 's'
	CommandDumpSettings  = 'C'
	CommandReset         = 'r'
	CommandListCommands  = '?'
)

// Shell wires the operator command dispatch table to the engines. Out is
// written to on every command for a human at the other end of the debug
// UART; In supplies the operator's keystrokes one byte at a time, matching
// the bootloader's own byte-level USART_Rx reads.
type Shell struct {
	In  *bufio.Reader
	Out io.Writer

	Settings *bootsettings.Settings
	Table    *boottable.Table
	Engine   *decision.Engine

	// SafeModeEEPROM backs the 'z' command's upload-to-EEPROM path. Nil
	// disables the command on targets without a safe-mode EEPROM.
	SafeModeEEPROM xmodem.EEPROM

	// XmodemLink supplies the byte stream the 'x'/'z' commands hand to an
	// xmodem.Receiver. It is almost always the same stream as In/Out; kept
	// distinct so tests can drive it independently of command dispatch.
	XmodemLink xmodem.Link

	// Reset is called by the 'r' command. Nil makes the command a no-op,
	// matching hosted tests that have no hardware watchdog to trigger.
	Reset func()
}

// New constructs a Shell reading commands from in and writing responses to
// out.
func New(in io.Reader, out io.Writer) *Shell {
	return &Shell{In: bufio.NewReader(in), Out: out}
}

// Run reads and dispatches commands until In returns an error (typically
// io.EOF on a closed connection). It never returns a non-nil error for a
// command that failed in an operator-visible way — those are reported to
// Out, matching the bootloader's own "never crash the shell" posture.
func (sh *Shell) Run() error {
	for {
		b, err := sh.In.ReadByte()
		if err != nil {
			return err
		}

		if err := sh.Dispatch(b); err != nil {
			return err
		}
	}
}

// Dispatch executes one command character. It returns a non-nil error only
// when reading further operator input failed (for example the connection
// dropped mid-command); application-level failures are written to Out.
func (sh *Shell) Dispatch(command byte) error {
	switch command {
	case CommandBoot:
		return sh.cmdBoot()
	case CommandUpload:
		return sh.cmdUpload()
	case CommandUploadSafe:
		return sh.cmdUploadSafe()
	case CommandListEntries:
		return sh.cmdListEntries()
	case CommandEditSettings:
		return sh.cmdEditSettings()
	case CommandDumpSettings:
		return sh.cmdDumpSettings()
	case CommandReset:
		return sh.cmdReset()
	case CommandListCommands:
		return sh.cmdListCommands()
	case '\r', '\n':
		return nil
	default:
		fmt.Fprintf(sh.Out, "\nunrecognized command: %q (try '?')\n", command)
		return nil
	}
}

func (sh *Shell) cmdBoot() error {
	if sh.Engine == nil {
		fmt.Fprintf(sh.Out, "\nno boot engine configured\n")
		return nil
	}

	outcome, err := sh.Engine.Run()
	if err != nil {
		fmt.Fprintf(sh.Out, "\nboot engine error: %s\n", err)
		return nil
	}

	fmt.Fprintf(sh.Out, "\nBooting index: %d (reason: %s, base: 0x%08x)\n", outcome.BootIndex, outcome.Reason, outcome.BaseAddress)

	return nil
}

// cmdUpload implements the 'x' command (spec section 8 scenario 6): read
// a one-byte slot index, reject slot 0 (reserved for safe mode), erase and
// stream the incoming XMODEM-CRC transfer into that entry, then read a
// '\n'-terminated description and commit the entry's metadata.
func (sh *Shell) cmdUpload() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	fmt.Fprintf(sh.Out, "\n\nBoot Index: ")

	index, err := sh.In.ReadByte()
	if err != nil {
		return err
	}

	fmt.Fprintf(sh.Out, "%d", index)

	if index == 0 {
		fmt.Fprintf(sh.Out, "\nError: Cannot override safe-mode slot\n")
		return nil
	}

	if int(index) >= boottable.EntriesCount {
		fmt.Fprintf(sh.Out, "\nError: Boot index out of bounds\n")
		return nil
	}

	length, uploadErr := sh.receiveIntoEntry(int(index))
	if uploadErr != nil {
		fmt.Fprintf(sh.Out, "\nUpload failed: %s\n", uploadErr)
		return nil
	}

	fmt.Fprintf(sh.Out, "\nBoot Description: ")

	description, err := sh.readDescriptionLine()
	if err != nil {
		return err
	}

	if err := sh.Table.WriteEntryMetadata(int(index), length, description); err != nil {
		fmt.Fprintf(sh.Out, "\nFailed to commit entry metadata: %s\n", err)
		return nil
	}

	fmt.Fprintf(sh.Out, "...Done!\n")

	return nil
}

// cmdUploadSafe implements the 'z' command: stream an XMODEM-CRC transfer
// directly into the safe-mode EEPROM (boot table slot 0's counterpart in
// the original design, now a distinct physical device).
func (sh *Shell) cmdUploadSafe() error {
	if sh.SafeModeEEPROM == nil {
		fmt.Fprintf(sh.Out, "\nno safe-mode EEPROM configured\n")
		return nil
	}

	target := xmodem.NewEEPROMTarget(sh.SafeModeEEPROM, 0)

	receiver := xmodem.NewReceiver(sh.XmodemLink)

	length, err := receiver.Receive(context.Background(), target)
	if err != nil {
		fmt.Fprintf(sh.Out, "\nsafe-mode upload failed: %s\n", err)
		return nil
	}

	fmt.Fprintf(sh.Out, "\nsafe-mode image uploaded (%d bytes)\n", length)

	return nil
}

func (sh *Shell) receiveIntoEntry(index int) (length uint32, err error) {
	entryBase, entrySize, programBase := sh.Table.EntryLayout(index)

	target, err := xmodem.NewFlashTarget(sh.Table.Driver(), entryBase, entrySize, programBase)
	if err != nil {
		return 0, err
	}

	receiver := xmodem.NewReceiver(sh.XmodemLink)

	return receiver.Receive(context.Background(), target)
}

func (sh *Shell) readDescriptionLine() (string, error) {
	line, err := sh.In.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}

	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}

	fmt.Fprintf(sh.Out, "%s", line)

	return line, nil
}

// cmdListEntries implements the 'l' command.
func (sh *Shell) cmdListEntries() error {
	fmt.Fprintf(sh.Out, "\n\nBoot Table Entries:\n")

	for i := 0; i < boottable.EntriesCount; i++ {
		fmt.Fprintf(sh.Out, "\n%d. ", i)

		entry, err := sh.Table.Entry(i)
		if err != nil {
			fmt.Fprintf(sh.Out, "error: %s", err)
			continue
		}

		if !entry.IsValid() {
			fmt.Fprintf(sh.Out, "Not Valid!")
			continue
		}

		fmt.Fprintf(sh.Out, "%s (CRC: %.4X Size: %d bytes)", entry.Description(), entry.Crc(), entry.Length())
	}

	fmt.Fprintf(sh.Out, "\n")

	return nil
}

// cmdEditSettings implements the 's' command, reading two three-digit
// slot selections (primary, then failsafe) as ASCII digits.
func (sh *Shell) cmdEditSettings() error {
	fmt.Fprintf(sh.Out, "\n\nNew Boot slots (Primary):\n")

	primary, ok, err := sh.readBootSlots()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	fmt.Fprintf(sh.Out, "\n\nNew Boot slots (failsafe):\n")

	failsafe, ok, err := sh.readBootSlots()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if err := sh.Settings.Initialize(primary, failsafe); err != nil {
		fmt.Fprintf(sh.Out, "\nFailed to set boot slots: %s\n", err)
		return nil
	}

	fmt.Fprintf(sh.Out, "\nNew boot slots set\n")

	return nil
}

// readBootSlots reads three ASCII-digit slot indices and packs them into a
// bitmask, exactly as the original firmware's ReadBootSlots does.
func (sh *Shell) readBootSlots() (mask byte, ok bool, err error) {
	for i := 0; i < 3; i++ {
		fmt.Fprintf(sh.Out, "\tSlot %d: ", i)

		digit, readErr := sh.In.ReadByte()
		if readErr != nil {
			return 0, false, readErr
		}

		fmt.Fprintf(sh.Out, "%c", digit)

		if digit < '0' || int(digit-'0') >= boottable.EntriesCount {
			fmt.Fprintf(sh.Out, "\tInvalid boot index\n")
			return 0, false, nil
		}

		mask |= 1 << uint(digit-'0')
	}

	if popcount(mask) != 3 {
		fmt.Fprintf(sh.Out, "\t3 slots must be selected\n")
		return 0, false, nil
	}

	return mask, true, nil
}

func popcount(mask byte) int {
	n := 0
	for mask != 0 {
		n += int(mask & 1)
		mask >>= 1
	}

	return n
}

// cmdDumpSettings implements the 'C' command.
func (sh *Shell) cmdDumpSettings() error {
	counter, err := sh.Settings.BootCounter()
	if err != nil {
		fmt.Fprintf(sh.Out, "\nfailed to read boot counter: %s\n", err)
		return nil
	}

	lastConfirmed, err := sh.Settings.LastConfirmedBootCounter()
	if err != nil {
		fmt.Fprintf(sh.Out, "\nfailed to read last confirmed boot counter: %s\n", err)
		return nil
	}

	primary, err := sh.Settings.BootSlots()
	if err != nil {
		fmt.Fprintf(sh.Out, "\nfailed to read primary boot slots: %s\n", err)
		return nil
	}

	failsafe, err := sh.Settings.FailsafeBootSlots()
	if err != nil {
		fmt.Fprintf(sh.Out, "\nfailed to read failsafe boot slots: %s\n", err)
		return nil
	}

	fmt.Fprintf(sh.Out, "\nBoot settings:")
	fmt.Fprintf(sh.Out, "\nBoot slots: %s", describeSlots(primary))
	fmt.Fprintf(sh.Out, "\nFailsafe boot slots: %s", describeSlots(failsafe))
	fmt.Fprintf(sh.Out, "\nBoot counter: %d", counter)
	fmt.Fprintf(sh.Out, "\nLast confirmed boot counter: %d", lastConfirmed)
	fmt.Fprintf(sh.Out, "\n")

	return nil
}

func describeSlots(mask byte) string {
	switch mask {
	case bootsettings.SafeModeMark:
		return "Safe Mode"
	case bootsettings.UpperMark:
		return "Upper"
	}

	selection := bootsettings.DecodeSlotMask(mask)
	if selection.Kind != bootsettings.SlotsKind {
		return fmt.Sprintf("invalid (0x%02x)", mask)
	}

	out := ""
	for _, s := range selection.Slots {
		out += fmt.Sprintf("%d ", s)
	}

	return out
}

// cmdReset implements the 'r' command.
func (sh *Shell) cmdReset() error {
	fmt.Fprintf(sh.Out, "\nResetting...\n")

	if sh.Reset != nil {
		sh.Reset()
	}

	return nil
}

// cmdListCommands implements the '?' command.
func (sh *Shell) cmdListCommands() error {
	fmt.Fprintf(sh.Out, "\nCommands:\n")
	fmt.Fprintf(sh.Out, "  b  Run boot decision engine\n")
	fmt.Fprintf(sh.Out, "  x  Upload application to a slot via XMODEM-CRC\n")
	fmt.Fprintf(sh.Out, "  z  Upload safe-mode image to EEPROM\n")
	fmt.Fprintf(sh.Out, "  l  List boot table entries\n")
	fmt.Fprintf(sh.Out, "  s  Edit boot settings\n")
	fmt.Fprintf(sh.Out, "  C  Dump boot settings\n")
	fmt.Fprintf(sh.Out, "  r  Hardware reset\n")
	fmt.Fprintf(sh.Out, "  ?  List commands\n")

	return nil
}
