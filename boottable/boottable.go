// This package presents a typed view over the boot table stored in
// external NOR flash (spec section 4.4): N=7 firmware-image slots plus K
// redundant copies of the bootloader itself, each with fixed byte offsets
// for length, CRC, validity, description, and program bytes (spec section
// 6). Entries are parsed with the same restruct-tag approach the teacher
// uses for on-disk structures.
package boottable

import (
	"bytes"
	"encoding/binary"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"

	"github.com/cubesat-obc/obcboot/chipvariant"
	"github.com/cubesat-obc/obcboot/crc"
	"github.com/cubesat-obc/obcboot/flashdrv"
)

// defaultEncoding is the byte order used to pack/unpack every on-flash
// structure. All multi-byte wire fields in this bootloader are
// little-endian (spec section 6).
var defaultEncoding = binary.LittleEndian

// EntriesCount is N, the number of firmware-image slots (spec section 3.1).
const EntriesCount = 7

// BootloaderCopies is K, the number of redundant bootloader images used to
// detect a corrupted deployed bootloader by CRC majority (spec section 3.1).
const BootloaderCopies = 3

// Layout offsets within one entry, relative to the entry's own base
// (spec section 6).
const (
	entryLengthOffset      = 0
	entryCrcOffset         = 32
	entryValidOffset       = 64
	entryDescriptionOffset = 128
	entryDescriptionSize   = 64
	entryProgramOffset     = 1024
)

// validMarker is the one byte value that means "this slot is valid" (spec
// section 3.1); any other byte means invalid.
const validMarker = 0xaa

// rawEntryHeader is the fixed-size metadata prefix of one boot-table entry,
// unpacked with restruct the same way the teacher unpacks BootSectorHeader.
type rawEntryHeader struct {
	Length uint32
	_      [entryCrcOffset - 4]byte
	Crc    uint16
	_      [entryValidOffset - entryCrcOffset - 2]byte
	Valid  uint8
	_      [entryDescriptionOffset - entryValidOffset - 1]byte
	Description [entryDescriptionSize]byte
}

// Table is a typed view over the boot-table region of external flash.
type Table struct {
	driver  flashdrv.Driver
	variant chipvariant.Table
}

// New creates a Table bound to the given flash driver, resolving the
// chip-variant offset table from the driver's reported device-ID.
func New(driver flashdrv.Driver, overrides map[chipvariant.DeviceID]chipvariant.Table) (t *Table, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	variant, err := chipvariant.Resolve(driver.DeviceID(), overrides)
	log.PanicIf(err)

	return &Table{driver: driver, variant: variant}, nil
}

// entryBase returns the flash offset of entry i's metadata prefix.
func (t *Table) entryBase(i int) uint32 {
	return t.variant.EntriesBase + uint32(i)*t.variant.EntrySize
}

// Driver returns the flash driver backing this table, for callers (the
// 'x' shell command) that need to open an xmodem.FlashTarget directly
// against the entry region.
func (t *Table) Driver() flashdrv.Driver {
	return t.driver
}

// EntryLayout returns entry i's base offset, stride, and program-area
// offset, the three values an xmodem.FlashTarget needs to erase and
// stream into the entry ahead of WriteEntryMetadata.
func (t *Table) EntryLayout(i int) (entryBase, entrySize, programBase uint32) {
	base := t.entryBase(i)

	return base, t.variant.EntrySize, base + entryProgramOffset
}

// Entry returns a view of boot-table entry i (0-indexed, 0..EntriesCount).
func (t *Table) Entry(i int) (ev EntryView, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if i < 0 || i >= EntriesCount {
		log.Panicf("entry index out of range: %d", i)
	}

	base := t.entryBase(i)

	raw := make([]byte, entryDescriptionOffset+entryDescriptionSize)

	err = t.driver.ReadAt(base, raw)
	log.PanicIf(err)

	var header rawEntryHeader

	err = restruct.Unpack(raw, defaultEncoding, &header)
	log.PanicIf(err)

	return EntryView{
		table: t,
		index: i,
		base:  base,
		length: header.Length,
		crc:   header.Crc,
		valid: header.Valid == validMarker,
		description: header.Description,
	}, nil
}

// EntryView is a read-only snapshot of one boot-table entry's metadata.
type EntryView struct {
	table *Table
	index int
	base  uint32

	length      uint32
	crc         uint16
	valid       bool
	description [entryDescriptionSize]byte
}

// IsValid reports the raw valid byte's state (spec section 3.1). This does
// not re-check the CRC; callers that need integrity should call
// CalculateCrc and compare against Crc.
func (ev EntryView) IsValid() bool {
	return ev.valid
}

// Length returns the recorded program byte count.
func (ev EntryView) Length() uint32 {
	return ev.length
}

// Crc returns the recorded CRC-16/CCITT value.
func (ev EntryView) Crc() uint16 {
	return ev.crc
}

// Description returns the '\n'-terminated human label, with the terminator
// and any trailing bytes stripped.
func (ev EntryView) Description() string {
	if idx := bytes.IndexByte(ev.description[:], '\n'); idx >= 0 {
		return string(ev.description[:idx])
	}

	return string(bytes.TrimRight(ev.description[:], "\x00"))
}

// ProgramBase returns the flash offset of this entry's program bytes.
func (ev EntryView) ProgramBase() uint32 {
	return ev.base + entryProgramOffset
}

// CalculateCrc recomputes the CRC-16/CCITT over the first Length() program
// bytes as currently stored in flash. This is the authority the decision
// engine trusts at boot time (spec section 3.2).
func (ev EntryView) CalculateCrc() (value uint16, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	buf := make([]byte, ev.length)

	err = ev.table.driver.ReadAt(ev.ProgramBase(), buf)
	log.PanicIf(err)

	return crc.Ccitt(buf), nil
}

// ReadProgram returns a copy of entry i's program bytes, for the boot
// decision engine's copy-into-application-region step.
func (t *Table) ReadProgram(i int) (program []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	ev, err := t.Entry(i)
	log.PanicIf(err)

	program = make([]byte, ev.length)

	err = t.driver.ReadAt(ev.ProgramBase(), program)
	log.PanicIf(err)

	return program, nil
}

// BootIndex reads the diagnostic boot-index scratch byte recorded in
// external flash (spec section 9: symbolic offsets for "bootIndex,
// bootCounter, crc, test"), an absolute offset outside the entry array
// proper. This mirrors, for operator visibility, the index the
// triple-redundant BootSettings block in FRAM actually chose; it is not
// itself authoritative for boot decisions.
func (t *Table) BootIndex() (byte, error) {
	return t.driver.ReadByte(t.variant.BootIndexOffset)
}

// SetBootIndex writes the diagnostic boot-index scratch byte. Callers
// must erase the containing sector first if a bit needs to be set that
// programming alone cannot set (NOR flash can only clear bits).
func (t *Table) SetBootIndex(index byte) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	status := t.driver.Program(t.variant.BootIndexOffset, index)
	if status != flashdrv.StatusNotBusy {
		log.Panicf("writing boot-index scratch byte failed: %s", status)
	}

	return nil
}

// WriteCrcWorkspace records a CRC value at the chip-variant's crc scratch
// offset, where ReadCrcWorkspace reads it back. The shell commands do not
// read this workspace.
func (t *Table) WriteCrcWorkspace(value uint16) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	raw := make([]byte, 2)
	defaultEncoding.PutUint16(raw, value)

	n, status := t.driver.ProgramBytes(t.variant.CrcWorkspaceOffset, raw)
	if status != flashdrv.StatusNotBusy {
		log.Panicf("writing crc workspace failed at byte %d: %s", n, status)
	}

	return nil
}

// ReadCrcWorkspace reads back the value last written by WriteCrcWorkspace.
func (t *Table) ReadCrcWorkspace() (uint16, error) {
	raw := make([]byte, 2)

	if err := t.driver.ReadAt(t.variant.CrcWorkspaceOffset, raw); err != nil {
		return 0, err
	}

	return defaultEncoding.Uint16(raw), nil
}

// selfTestPattern1 and selfTestPattern2 are written to, and read back
// from, the chip-variant's test scratch byte to prove the flash part is
// genuinely programmable (and not, say, a stuck-at fault) before trusting
// it for a boot decision.
const (
	selfTestPattern1 byte = 0x55
	selfTestPattern2 byte = 0xaa
)

// SelfTest exercises the test scratch byte: erase, program 0x55, verify,
// erase again, program 0xAA, verify. The intervening erases matter
// because NOR programming can only clear bits; without them the second
// pattern could never read back correctly. Returns false if either
// readback disagrees with what was written.
func (t *Table) SelfTest() (ok bool, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	testOffset := t.variant.TestOffset

	for _, pattern := range []byte{selfTestPattern1, selfTestPattern2} {
		status := t.driver.EraseSector(testOffset)
		if status != flashdrv.StatusNotBusy {
			log.Panicf("self-test erase failed: %s", status)
		}

		status = t.driver.Program(testOffset, pattern)
		if status != flashdrv.StatusNotBusy {
			log.Panicf("self-test program of 0x%02x failed: %s", pattern, status)
		}

		value, readErr := t.driver.ReadByte(testOffset)
		log.PanicIf(readErr)

		if value != pattern {
			return false, nil
		}
	}

	return true, nil
}

// GetBootloaderCopy returns a view over redundant bootloader copy i
// (0..BootloaderCopies).
func (t *Table) GetBootloaderCopy(i int) (cv CopyView, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if i < 0 || i >= BootloaderCopies {
		log.Panicf("bootloader-copy index out of range: %d", i)
	}

	base := t.variant.BootloaderCopiesBase + uint32(i)*t.variant.BootloaderCopySize

	return CopyView{driver: t.driver, base: base, size: t.variant.BootloaderCopySize}, nil
}

// CopyView is a read-only view over one redundant bootloader image copy.
type CopyView struct {
	driver flashdrv.Driver
	base   uint32
	size   uint32
}

// CalculateCrc computes the CRC-16/CCITT over the whole copy region.
func (cv CopyView) CalculateCrc() (value uint16, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	buf := make([]byte, cv.size)

	err = cv.driver.ReadAt(cv.base, buf)
	log.PanicIf(err)

	return crc.Ccitt(buf), nil
}

// WriteEntry erases entry i, streams programBytes into it, computes its
// CRC, and writes metadata in the order length -> crc -> description ->
// valid (spec section 4.4 and 8): the valid byte is written last so a
// crash between any two metadata writes leaves the slot reading as "not
// valid" rather than "valid with the wrong CRC" (spec invariant, §3.3).
func (t *Table) WriteEntry(i int, programBytes []byte, description string) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if i < 0 || i >= EntriesCount {
		log.Panicf("entry index out of range: %d", i)
	}

	base := t.entryBase(i)

	status := flashdrv.EraseRegion(t.driver, base, t.variant.EntrySize)
	if status != flashdrv.StatusNotBusy {
		log.Panicf("erase of entry %d failed: %s", i, status)
	}

	n, status := t.driver.ProgramBytes(base+entryProgramOffset, programBytes)
	if status != flashdrv.StatusNotBusy {
		log.Panicf("program of entry %d failed at byte %d: %s", i, n, status)
	}

	err = t.WriteEntryMetadata(i, uint32(len(programBytes)), description)
	log.PanicIf(err)

	return nil
}

// WriteEntryMetadata commits an entry's metadata after its program bytes
// have already been written by some other path (the 'x' shell command
// streams them in directly through an xmodem.FlashTarget, erasing the
// region itself beforehand). It computes the CRC over the first length
// program bytes currently in flash and writes length -> crc -> description
// -> valid in that order (spec section 4.4's data-flow: "BootTable.write
// EntryMetadata" as the step after the raw bytes land).
func (t *Table) WriteEntryMetadata(i int, length uint32, description string) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if i < 0 || i >= EntriesCount {
		log.Panicf("entry index out of range: %d", i)
	}

	base := t.entryBase(i)

	program := make([]byte, length)

	err = t.driver.ReadAt(base+entryProgramOffset, program)
	log.PanicIf(err)

	value := crc.Ccitt(program)

	err = t.writeLength(base, length)
	log.PanicIf(err)

	err = t.writeCrc(base, value)
	log.PanicIf(err)

	err = t.writeDescription(base, description)
	log.PanicIf(err)

	err = t.writeValid(base)
	log.PanicIf(err)

	return nil
}

func (t *Table) writeLength(base uint32, length uint32) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	raw := make([]byte, 4)
	defaultEncoding.PutUint32(raw, length)

	n, status := t.driver.ProgramBytes(base+entryLengthOffset, raw)
	if status != flashdrv.StatusNotBusy {
		log.Panicf("writing length failed at byte %d: %s", n, status)
	}

	return nil
}

func (t *Table) writeCrc(base uint32, value uint16) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	raw := make([]byte, 2)
	defaultEncoding.PutUint16(raw, value)

	n, status := t.driver.ProgramBytes(base+entryCrcOffset, raw)
	if status != flashdrv.StatusNotBusy {
		log.Panicf("writing crc failed at byte %d: %s", n, status)
	}

	return nil
}

func (t *Table) writeDescription(base uint32, description string) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	raw := make([]byte, entryDescriptionSize)

	copyLen := len(description)
	if copyLen > entryDescriptionSize-1 {
		copyLen = entryDescriptionSize - 1
	}

	copy(raw, description[:copyLen])
	raw[copyLen] = '\n'

	n, status := t.driver.ProgramBytes(base+entryDescriptionOffset, raw)
	if status != flashdrv.StatusNotBusy {
		log.Panicf("writing description failed at byte %d: %s", n, status)
	}

	return nil
}

func (t *Table) writeValid(base uint32) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	status := t.driver.Program(base+entryValidOffset, validMarker)
	if status != flashdrv.StatusNotBusy {
		log.Panicf("writing valid marker failed: %s", status)
	}

	return nil
}

// EraseEntry erases the whole entry region, leaving it unprogrammed (all
// 0xFF) and therefore not valid.
func (t *Table) EraseEntry(i int) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if i < 0 || i >= EntriesCount {
		log.Panicf("entry index out of range: %d", i)
	}

	status := flashdrv.EraseRegion(t.driver, t.entryBase(i), t.variant.EntrySize)
	if status != flashdrv.StatusNotBusy {
		log.Panicf("erase of entry %d failed: %s", i, status)
	}

	return nil
}
