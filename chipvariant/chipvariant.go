// This package resolves the base offsets that differ between the two
// supported NOR flash chip variants (spec section 9: "Two flash chip
// variants. Offsets for bootIndex, bootCounter, crc, test, and the first
// entry differ between top-boot and bottom-boot parts."). Every
// higher-level package references these offsets by symbolic name rather
// than hard-coding them, and the table is keyed off the driver's
// DeviceID() at boot-table init.
package chipvariant

import "github.com/dsoprea/go-logging"

// Table holds the symbolic offsets a BootTable needs, all relative to the
// start of the boot-table region on external flash.
type Table struct {
	Name string `yaml:"name"`

	// EntriesBase is the offset of the first BootTableEntry.
	EntriesBase uint32 `yaml:"entriesBase"`

	// EntrySize is the per-entry stride (spec section 6: 512 KiB).
	EntrySize uint32 `yaml:"entrySize"`

	// BootIndexOffset/BootCounterOffset/CrcWorkspaceOffset/TestOffset are
	// scratch locations outside of the entry array proper. boottable.Table
	// uses the boot-index, crc-workspace and test offsets; no package reads
	// or writes BootCounterOffset (the boot counter lives in FRAM).
	BootIndexOffset    uint32 `yaml:"bootIndexOffset"`
	BootCounterOffset  uint32 `yaml:"bootCounterOffset"`
	CrcWorkspaceOffset uint32 `yaml:"crcWorkspaceOffset"`
	TestOffset         uint32 `yaml:"testOffset"`

	// BootloaderCopiesBase is the offset of the first redundant bootloader
	// image copy.
	BootloaderCopiesBase uint32 `yaml:"bootloaderCopiesBase"`
	BootloaderCopySize   uint32 `yaml:"bootloaderCopySize"`
}

// DeviceID identifies which variant a flash part reports itself as.
type DeviceID = uint32

// Known device IDs for the two supported chip variants. Values are
// opaque, matching whatever the manufacturer's device-ID register encodes;
// only equality against these constants matters.
const (
	TopBootDeviceID    DeviceID = 0x00220016
	BottomBootDeviceID DeviceID = 0x00220017
)

// defaultTables is the built-in variant table, used when no YAML override
// is supplied. It mirrors the original bootloader's hard-coded constants.
var defaultTables = map[DeviceID]Table{
	TopBootDeviceID: {
		Name:                 "top-boot",
		EntriesBase:          0x00010000,
		EntrySize:            512 * 1024,
		BootIndexOffset:      0x00000000,
		BootCounterOffset:    0x00000004,
		CrcWorkspaceOffset:   0x00000008,
		TestOffset:           0x0000000c,
		BootloaderCopiesBase: 0x003f0000,
		BootloaderCopySize:   32 * 1024,
	},
	BottomBootDeviceID: {
		Name:                 "bottom-boot",
		EntriesBase:          0x00040000,
		EntrySize:            512 * 1024,
		BootIndexOffset:      0x00000000,
		BootCounterOffset:    0x00000004,
		CrcWorkspaceOffset:   0x00000008,
		TestOffset:           0x0000000c,
		BootloaderCopiesBase: 0x00000000,
		BootloaderCopySize:   32 * 1024,
	},
}

// Resolve returns the offset table for the given device ID, sourced from
// overrides first (as loaded from YAML config by cmd/obcbootctl) and
// falling back to the compiled-in defaults.
func Resolve(deviceID DeviceID, overrides map[DeviceID]Table) (Table, error) {
	if overrides != nil {
		if table, found := overrides[deviceID]; found == true {
			return table, nil
		}
	}

	if table, found := defaultTables[deviceID]; found == true {
		return table, nil
	}

	return Table{}, log.Errorf("unrecognized flash device-id: 0x%08x", deviceID)
}
