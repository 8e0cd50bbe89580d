// This package presents three independent FRAM chips as the single
// IFramDriver capability (spec section 4.2): every logical read is a
// majority vote over three physical reads, every logical write fans out to
// all three chips and succeeds if at least two do. Low-level SPI timing is
// out of scope (spec section 1).
package framdrv

import (
	"github.com/dsoprea/go-logging"
)

// StatusByte is the opaque status register value a FRAM chip reports.
type StatusByte byte

// Chip is a single physical FRAM device.
type Chip interface {
	Read(address uint32, buf []byte) error
	Write(address uint32, data []byte) error
	ReadStatus() (StatusByte, error)
}

// Driver is the triple-redundant logical device the rest of the bootloader
// programs against.
type Driver struct {
	chips [3]Chip

	// MismatchCount tallies, across all reads and addresses, how many byte
	// positions have disagreed across the three chips. It is diagnostic
	// only.
	MismatchCount int
}

// NewDriver wraps three physical chips into one majority-voted logical
// device.
func NewDriver(chip0, chip1, chip2 Chip) *Driver {
	return &Driver{chips: [3]Chip{chip0, chip1, chip2}}
}

// ErrNoMajority is returned when all three chips disagree at some byte
// position and no majority value exists.
var ErrNoMajority = log.Errorf("FRAM read has no majority among the three copies")

// Read performs the read three times and returns, byte-for-byte, whichever
// value at least two of the three chips agree on. If any byte position has
// three distinct values the whole read fails.
func (d *Driver) Read(address uint32, out []byte) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	var raw [3][]byte
	for i, chip := range d.chips {
		buf := make([]byte, len(out))

		err := chip.Read(address, buf)
		log.PanicIf(err)

		raw[i] = buf
	}

	for i := range out {
		value, ok := majorityByte(raw[0][i], raw[1][i], raw[2][i])
		if !ok {
			d.MismatchCount++
			return ErrNoMajority
		}

		if raw[0][i] != raw[1][i] || raw[1][i] != raw[2][i] {
			d.MismatchCount++
		}

		out[i] = value
	}

	return nil
}

// Write performs the write on all three chips and considers the logical
// write successful if at least two of the three succeed.
func (d *Driver) Write(address uint32, data []byte) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	successes := 0
	var lastErr error

	for _, chip := range d.chips {
		if werr := chip.Write(address, data); werr == nil {
			successes++
		} else {
			lastErr = werr
		}
	}

	if successes < 2 {
		return log.Errorf("FRAM write failed on a majority of the copies (last error: %v)", lastErr)
	}

	return nil
}

// ReadStatus returns the majority status byte, or (0, false) if no two
// chips agree.
func (d *Driver) ReadStatus() (status StatusByte, found bool) {
	var values [3]StatusByte
	var errs [3]error

	for i, chip := range d.chips {
		values[i], errs[i] = chip.ReadStatus()
	}

	counts := make(map[StatusByte]int)
	for i, v := range values {
		if errs[i] == nil {
			counts[v]++
		}
	}

	for v, n := range counts {
		if n >= 2 {
			return v, true
		}
	}

	return 0, false
}

// majorityByte returns the value shared by at least two of the three
// inputs, or (0, false) if all three differ.
func majorityByte(a, b, c byte) (byte, bool) {
	switch {
	case a == b:
		return a, true
	case a == c:
		return a, true
	case b == c:
		return b, true
	default:
		return 0, false
	}
}
