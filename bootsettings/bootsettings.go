// This package presents a typed view over the boot-policy block stored in
// triple-redundant FRAM (spec section 4.5): magic number, primary and
// failsafe slot bitmasks, and the retry counters the decision engine
// consults on every reset. Every field is read and written independently
// through the majority-voted framdrv.Driver, so a caller never has to
// reason about the three physical copies directly.
package bootsettings

import (
	"encoding/binary"

	"github.com/dsoprea/go-logging"

	"github.com/cubesat-obc/obcboot/framdrv"
)

// defaultEncoding matches the little-endian wire format used everywhere
// else in this bootloader.
var defaultEncoding = binary.LittleEndian

// Field offsets within the settings block (spec section 4.5).
const (
	magicOffset                    = 0
	primarySlotsOffset             = 4
	failsafeSlotsOffset            = 5
	bootCounterOffset              = 6
	lastConfirmedBootCounterOffset = 10

	// BlockSize is the total size in bytes of one logical settings record.
	BlockSize = 14
)

// MagicValue is the fixed constant that marks the block as initialized
// (spec section 3.1: "magic: u32 — fixed constant validating that the
// block has been initialized"). Treated as an opaque tag, not a version
// number.
const MagicValue uint32 = 0x424f4f54

// SafeModeMark and UpperMark are the two sentinel values primarySlots can
// take instead of an actual three-bit slot mask (spec section 3.1 and
// section 9's "tagged union" design note).
const (
	SafeModeMark byte = 0xfe
	UpperMark    byte = 0xfd
)

// DefaultBootCounter is the retry budget a freshly marked-valid settings
// block starts with (spec section 3.2: "bootCounter <= DEFAULT_BOOT_COUNTER
// (default 3)").
const DefaultBootCounter uint32 = 3

// SlotKind classifies a decoded primarySlots/failsafeSlots byte.
type SlotKind int

const (
	// SlotsKind means the mask decodes to an ordered list of slot indices.
	SlotsKind SlotKind = iota
	// SafeModeKindValue means the mask was the SafeModeMark sentinel.
	SafeModeKindValue
	// UpperKindValue means the mask was the UpperMark sentinel.
	UpperKindValue
	// InvalidKind means the mask was neither a sentinel nor a three-bit mask.
	InvalidKind
)

// SlotSelection is the decoded, tagged-union form of a slot bitmask (spec
// section 9: "Represent in a type system as a tagged union: {Slots(mask),
// SafeMode, Upper, Invalid}").
type SlotSelection struct {
	Kind  SlotKind
	Slots []int
}

// DecodeSlotMask scans mask least-significant-bit first and returns the
// ordered list of set bit positions, unless mask is one of the two
// sentinel values. A mask with a popcount other than 3 (and not a
// sentinel) decodes as InvalidKind (spec section 3.2's popcount
// invariant).
func DecodeSlotMask(mask byte) SlotSelection {
	switch mask {
	case SafeModeMark:
		return SlotSelection{Kind: SafeModeKindValue}
	case UpperMark:
		return SlotSelection{Kind: UpperKindValue}
	}

	var slots []int
	for i := 0; i < 8; i++ {
		if mask&(1<<uint(i)) != 0 {
			slots = append(slots, i)
		}
	}

	if len(slots) != 3 {
		return SlotSelection{Kind: InvalidKind}
	}

	return SlotSelection{Kind: SlotsKind, Slots: slots}
}

// Settings is a typed view over one settings block at a fixed FRAM
// address.
type Settings struct {
	driver  *framdrv.Driver
	address uint32
}

// New binds a Settings view to the given address on the triple-redundant
// FRAM driver. The caller supplies the address because the chip-variant
// offset table (chipvariant package) may place it differently per part.
func New(driver *framdrv.Driver, address uint32) *Settings {
	return &Settings{driver: driver, address: address}
}

// CheckMagicNumber reports whether the block's magic field reads as
// MagicValue. Callers that need to distinguish "all three FRAM copies
// disagree" from "valid block with the wrong magic" should inspect err.
func (s *Settings) CheckMagicNumber() (bool, error) {
	raw := make([]byte, 4)

	if err := s.driver.Read(s.address+magicOffset, raw); err != nil {
		return false, err
	}

	return defaultEncoding.Uint32(raw) == MagicValue, nil
}

// BootSlots returns the raw primarySlots byte.
func (s *Settings) BootSlots() (byte, error) {
	raw := make([]byte, 1)

	if err := s.driver.Read(s.address+primarySlotsOffset, raw); err != nil {
		return 0, err
	}

	return raw[0], nil
}

// SetBootSlots writes a new primarySlots byte.
func (s *Settings) SetBootSlots(mask byte) error {
	return s.driver.Write(s.address+primarySlotsOffset, []byte{mask})
}

// FailsafeBootSlots returns the raw failsafeSlots byte.
func (s *Settings) FailsafeBootSlots() (byte, error) {
	raw := make([]byte, 1)

	if err := s.driver.Read(s.address+failsafeSlotsOffset, raw); err != nil {
		return 0, err
	}

	return raw[0], nil
}

// SetFailsafeBootSlots writes a new failsafeSlots byte.
func (s *Settings) SetFailsafeBootSlots(mask byte) error {
	return s.driver.Write(s.address+failsafeSlotsOffset, []byte{mask})
}

// BootCounter returns the remaining-attempts counter.
func (s *Settings) BootCounter() (value uint32, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	raw := make([]byte, 4)

	err = s.driver.Read(s.address+bootCounterOffset, raw)
	log.PanicIf(err)

	return defaultEncoding.Uint32(raw), nil
}

// SetBootCounter writes a new value for the remaining-attempts counter.
func (s *Settings) SetBootCounter(value uint32) error {
	raw := make([]byte, 4)
	defaultEncoding.PutUint32(raw, value)

	return s.driver.Write(s.address+bootCounterOffset, raw)
}

// DecBootCounter reads, decrements (floored at 0), and writes back the
// counter in one call, matching the engine's single decBootCounter step
// (spec section 4.7, ValidateSettings).
func (s *Settings) DecBootCounter() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	value, err := s.BootCounter()
	log.PanicIf(err)

	if value > 0 {
		value--
	}

	err = s.SetBootCounter(value)
	log.PanicIf(err)

	return nil
}

// LastConfirmedBootCounter returns the counter snapshot the application
// records after a successful run.
func (s *Settings) LastConfirmedBootCounter() (uint32, error) {
	raw := make([]byte, 4)

	if err := s.driver.Read(s.address+lastConfirmedBootCounterOffset, raw); err != nil {
		return 0, err
	}

	return defaultEncoding.Uint32(raw), nil
}

// ConfirmBoot copies the current bootCounter into
// lastConfirmedBootCounter, the application-side acknowledgement that the
// boot succeeded (spec section 3.1).
func (s *Settings) ConfirmBoot() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	value, err := s.BootCounter()
	log.PanicIf(err)

	raw := make([]byte, 4)
	defaultEncoding.PutUint32(raw, value)

	err = s.driver.Write(s.address+lastConfirmedBootCounterOffset, raw)
	log.PanicIf(err)

	return nil
}

// MarkAsValid writes the magic constant, the operator-driven step that
// brings a freshly erased settings block into service (spec section 3.3:
// "Settings are created at first boot by an operator command").
func (s *Settings) MarkAsValid() error {
	raw := make([]byte, 4)
	defaultEncoding.PutUint32(raw, MagicValue)

	return s.driver.Write(s.address+magicOffset, raw)
}

// Initialize writes a complete fresh block: magic, the given slot masks,
// DefaultBootCounter, and a zeroed lastConfirmedBootCounter. It is the
// bulk equivalent of calling each setter once, used by the 's' shell
// command's "reset" path and by tests.
func (s *Settings) Initialize(primarySlots, failsafeSlots byte) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	err = s.SetBootSlots(primarySlots)
	log.PanicIf(err)

	err = s.SetFailsafeBootSlots(failsafeSlots)
	log.PanicIf(err)

	err = s.SetBootCounter(DefaultBootCounter)
	log.PanicIf(err)

	raw := make([]byte, 4)
	err = s.driver.Write(s.address+lastConfirmedBootCounterOffset, raw)
	log.PanicIf(err)

	err = s.MarkAsValid()
	log.PanicIf(err)

	return nil
}
