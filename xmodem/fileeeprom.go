package xmodem

import (
	"os"

	"github.com/dsoprea/go-logging"
	"golang.org/x/sys/unix"
)

// FileEEPROM is a memory-mapped-file backed EEPROM, the same persistence
// technique flashdrv.SimFlashDriver and framdrv.FileChip use, sized for
// the safe-mode image rather than the boot table. It lets the 'z' console
// command leave a safe-mode image in place across separate invocations of
// the operator tool.
type FileEEPROM struct {
	f    *os.File
	data []byte
}

// NewFileEEPROM opens (or creates) an EEPROM image file of the given size.
func NewFileEEPROM(path string, size int) (fe *FileEEPROM, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	log.PanicIf(err)

	err = f.Truncate(int64(size))
	log.PanicIf(err)

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	log.PanicIf(err)

	return &FileEEPROM{f: f, data: data}, nil
}

// Close unmaps and closes the backing file.
func (fe *FileEEPROM) Close() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	err = unix.Munmap(fe.data)
	log.PanicIf(err)

	return fe.f.Close()
}

// WriteByte stores value at offset.
func (fe *FileEEPROM) WriteByte(offset uint32, value byte) error {
	if int(offset) >= len(fe.data) {
		return log.Errorf("eeprom write offset (%d) out of range (%d)", offset, len(fe.data))
	}

	fe.data[offset] = value

	return nil
}

// ReadByte returns the byte at offset.
func (fe *FileEEPROM) ReadByte(offset uint32) (byte, error) {
	if int(offset) >= len(fe.data) {
		return 0, log.Errorf("eeprom read offset (%d) out of range (%d)", offset, len(fe.data))
	}

	return fe.data[offset], nil
}
