package framdrv

import (
	"os"

	"github.com/dsoprea/go-logging"
	"golang.org/x/sys/unix"
)

// FileChip backs one physical FRAM copy with a memory-mapped file, the
// same technique flashdrv.SimFlashDriver uses for NOR flash, sized down
// for FRAM's much smaller address space. It lets the 'obcbootctl' CLI's
// settings/check/boot subcommands observe the same triple-redundant state
// across separate invocations instead of starting from a fresh chip every
// time, the way the operator's real debug tooling would see persistent
// hardware.
type FileChip struct {
	f      *os.File
	data   []byte
	status StatusByte
}

// NewFileChip opens (or creates) a FRAM image file of the given size,
// zero-filling it only if newly created.
func NewFileChip(path string, size int) (fc *FileChip, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	log.PanicIf(err)

	info, err := f.Stat()
	log.PanicIf(err)

	isNew := info.Size() == 0

	err = f.Truncate(int64(size))
	log.PanicIf(err)

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	log.PanicIf(err)

	if isNew {
		for i := range data {
			data[i] = 0
		}
	}

	return &FileChip{f: f, data: data}, nil
}

// Close unmaps and closes the backing file.
func (fc *FileChip) Close() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	err = unix.Munmap(fc.data)
	log.PanicIf(err)

	return fc.f.Close()
}

// Read copies len(buf) bytes starting at address into buf.
func (fc *FileChip) Read(address uint32, buf []byte) error {
	if int(address)+len(buf) > len(fc.data) {
		return log.Errorf("FRAM read span [%d, %d) out of range (%d)", address, int(address)+len(buf), len(fc.data))
	}

	copy(buf, fc.data[address:int(address)+len(buf)])

	return nil
}

// Write copies data into the chip starting at address.
func (fc *FileChip) Write(address uint32, data []byte) error {
	if int(address)+len(data) > len(fc.data) {
		return log.Errorf("FRAM write span [%d, %d) out of range (%d)", address, int(address)+len(data), len(fc.data))
	}

	copy(fc.data[address:int(address)+len(data)], data)

	return nil
}

// ReadStatus returns the simulated status register.
func (fc *FileChip) ReadStatus() (StatusByte, error) {
	return fc.status, nil
}
