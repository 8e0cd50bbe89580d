package xmodem

import "github.com/dsoprea/go-logging"

// eepromUnlockAddr1 and eepromUnlockAddr2 are the two command offsets of
// the EEPROM unlock sequence (spec section 6: "0xAA @ 0x5555; 0x55 @
// 0x2AAA; 0xA0 @ 0x5555").
const (
	eepromUnlockAddr1 uint32 = 0x5555
	eepromUnlockAddr2 uint32 = 0x2aaa

	eepromPageSize = 64
)

// EEPROM is the capability the safe-mode image target writes through: a
// byte-addressable parallel part that accepts the AMD/SST-style unlock
// sequence before a page write and exposes the last-written byte's bit 7
// as a write-in-progress flag.
type EEPROM interface {
	WriteByte(offset uint32, value byte) error
	ReadByte(offset uint32) (byte, error)
}

// EEPROMTarget writes the safe-mode image (boot-table slot 0) into EEPROM
// (spec section 4.6: "slot index 0 -> safe-mode EEPROM using its unlock
// sequence ... write 64 bytes at a time, poll bit 7 of the last written
// byte until it matches the source bit 7").
type EEPROMTarget struct {
	eeprom EEPROM
	base   uint32
}

// NewEEPROMTarget binds an EEPROMTarget to the safe-mode image base
// offset.
func NewEEPROMTarget(eeprom EEPROM, base uint32) *EEPROMTarget {
	return &EEPROMTarget{eeprom: eeprom, base: base}
}

// WriteBlock writes one DataSize-byte block in eepromPageSize-sized pages,
// each preceded by the unlock sequence and followed by polling the page's
// last byte until its bit 7 equals bit 7 of the source byte.
func (et *EEPROMTarget) WriteBlock(blockIndex int, data []byte) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	blockBase := et.base + uint32(blockIndex)*DataSize

	for written := 0; written < len(data); {
		pageEnd := written + eepromPageSize
		if pageEnd > len(data) {
			pageEnd = len(data)
		}

		log.PanicIf(et.eeprom.WriteByte(eepromUnlockAddr1, 0xaa))
		log.PanicIf(et.eeprom.WriteByte(eepromUnlockAddr2, 0x55))
		log.PanicIf(et.eeprom.WriteByte(eepromUnlockAddr1, 0xa0))

		for i := written; i < pageEnd; i++ {
			log.PanicIf(et.eeprom.WriteByte(blockBase+uint32(i), data[i]))
		}

		lastOffset := blockBase + uint32(pageEnd-1)
		sourceBit7 := data[pageEnd-1] & 0x80

		for {
			value, readErr := et.eeprom.ReadByte(lastOffset)
			log.PanicIf(readErr)

			if value&0x80 == sourceBit7 {
				break
			}
		}

		written = pageEnd
	}

	return nil
}
