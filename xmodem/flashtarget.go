package xmodem

import (
	"github.com/dsoprea/go-logging"

	"github.com/cubesat-obc/obcboot/flashdrv"
)

// FlashTarget writes incoming blocks byte-by-byte into a boot-table entry
// region in external flash (spec section 4.6: "slot index 1..N -> external
// flash via FlashDriver; erase the entry sectors first, program
// byte-by-byte").
type FlashTarget struct {
	driver      flashdrv.Driver
	programBase uint32
}

// NewFlashTarget erases the entry region and returns a Target ready to
// receive its program bytes. entrySize must be the full entry stride (an
// integral number of erase sectors); programBase is the flash offset of
// the entry's program area.
func NewFlashTarget(driver flashdrv.Driver, entryBase, entrySize, programBase uint32) (*FlashTarget, error) {
	status := flashdrv.EraseRegion(driver, entryBase, entrySize)
	if status != flashdrv.StatusNotBusy {
		return nil, log.Errorf("xmodem: erase of entry region failed: %s", status)
	}

	return &FlashTarget{driver: driver, programBase: programBase}, nil
}

// WriteBlock programs one DataSize-byte block at the position
// blockIndex*DataSize within the entry's program area.
func (ft *FlashTarget) WriteBlock(blockIndex int, data []byte) error {
	offset := ft.programBase + uint32(blockIndex)*DataSize

	n, status := ft.driver.ProgramBytes(offset, data)
	if status != flashdrv.StatusNotBusy {
		return log.Errorf("xmodem: flash program failed at block %d, byte %d: %s", blockIndex, n, status)
	}

	return nil
}
