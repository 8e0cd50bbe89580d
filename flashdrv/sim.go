package flashdrv

import (
	"os"

	"github.com/dsoprea/go-logging"
	"golang.org/x/sys/unix"
)

// SimFlashDriver stands in for the real NOR part (out of scope per spec
// section 1: "low-level NOR flash command sequences ... treated as an
// IFlashDriver capability"). It backs the flash image with a memory-mapped
// file so program/erase/read observe the same can-only-clear-bits
// semantics a real NOR device has, and so the image can be inspected or
// preloaded from disk between runs the way the operator's upload tooling
// would leave it.
type SimFlashDriver struct {
	Locker

	f    *os.File
	data []byte

	deviceID   uint32
	bootConfig uint32

	// busyOffsets simulates a device that reports busy until explicitly
	// cleared, for exercising the WaitIdle contract in tests.
	busyOffsets map[uint32]bool
}

// NewSimFlashDriver opens (or creates) a backing file, sizes it to the
// given size, and mmaps it. Bytes the file did not already hold are filled
// with the erased-NOR value 0xFF; bytes an existing file already holds are
// kept.
func NewSimFlashDriver(path string, size int, deviceID, bootConfig uint32) (sfd *SimFlashDriver, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	log.PanicIf(err)

	info, err := f.Stat()
	log.PanicIf(err)

	err = f.Truncate(int64(size))
	log.PanicIf(err)

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	log.PanicIf(err)

	for i := int(info.Size()); i < len(data); i++ {
		data[i] = 0xff
	}

	sfd = &SimFlashDriver{
		f:           f,
		data:        data,
		deviceID:    deviceID,
		bootConfig:  bootConfig,
		busyOffsets: make(map[uint32]bool),
	}

	return sfd, nil
}

// Close unmaps and closes the backing file.
func (sfd *SimFlashDriver) Close() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	err = unix.Munmap(sfd.data)
	log.PanicIf(err)

	err = sfd.f.Close()
	log.PanicIf(err)

	return nil
}

// DeviceID returns the simulated chip-ID used to select the chip-variant
// offset table.
func (sfd *SimFlashDriver) DeviceID() uint32 {
	return sfd.deviceID
}

// BootConfig returns the simulated boot-configuration word.
func (sfd *SimFlashDriver) BootConfig() uint32 {
	return sfd.bootConfig
}

// ReadByte reads a single byte at offset.
func (sfd *SimFlashDriver) ReadByte(offset uint32) (byte, error) {
	if int(offset) >= len(sfd.data) {
		return 0, log.Errorf("read offset (%d) out of range (%d)", offset, len(sfd.data))
	}

	return sfd.data[offset], nil
}

// ReadAt fills buf starting at offset.
func (sfd *SimFlashDriver) ReadAt(offset uint32, buf []byte) error {
	if int(offset)+len(buf) > len(sfd.data) {
		return log.Errorf("read span [%d, %d) out of range (%d)", offset, int(offset)+len(buf), len(sfd.data))
	}

	copy(buf, sfd.data[offset:int(offset)+len(buf)])

	return nil
}

// SetBusy marks offset as permanently busy, for WaitIdle tests.
func (sfd *SimFlashDriver) SetBusy(offset uint32, busy bool) {
	if busy {
		sfd.busyOffsets[offset] = true
	} else {
		delete(sfd.busyOffsets, offset)
	}
}

// WaitIdle reports whether offset is not marked busy. It does not poll or
// block: nothing clears the busy flag except a test calling
// SetBusy(offset, false), so for a busy offset it returns false at once.
func (sfd *SimFlashDriver) WaitIdle(offset uint32) bool {
	return !sfd.busyOffsets[offset]
}

// EraseSector resets one LargeSectorSize-aligned sector (or, for any offset
// inside the first FirstSectorSubSectorSize*FirstSectorSubSectorCount
// bytes, one FirstSectorSubSectorSize sub-sector) to the erased value.
func (sfd *SimFlashDriver) EraseSector(offset uint32) Status {
	if !sfd.WaitIdle(offset) {
		return StatusBusy
	}

	size := uint32(LargeSectorSize)
	if offset < FirstSectorSubSectorSize*FirstSectorSubSectorCount {
		size = FirstSectorSubSectorSize
	}

	end := offset + size
	if int(end) > len(sfd.data) {
		return StatusDeviceError
	}

	for i := offset; i < end; i++ {
		sfd.data[i] = 0xff
	}

	return StatusNotBusy
}

// Program clears bits in the byte at offset to match value, the way a real
// NOR part can only ever program 1 bits to 0.
func (sfd *SimFlashDriver) Program(offset uint32, value byte) Status {
	if !sfd.WaitIdle(offset) {
		return StatusBusy
	}

	if int(offset) >= len(sfd.data) {
		return StatusDeviceError
	}

	sfd.data[offset] &= value

	return StatusNotBusy
}

// ProgramBytes writes data one byte at a time via Program.
func (sfd *SimFlashDriver) ProgramBytes(offset uint32, data []byte) (int, Status) {
	return ProgramBytes(sfd, offset, data)
}
