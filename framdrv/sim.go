package framdrv

import "github.com/dsoprea/go-logging"

// SimChip is an in-memory stand-in for one physical FRAM chip, addressable
// over a simulated single chip-select SPI line. Real SPI timing is out of
// scope (spec section 1).
type SimChip struct {
	data   []byte
	status StatusByte
}

// NewSimChip allocates a chip with the given address space, zero-filled.
func NewSimChip(size int) *SimChip {
	return &SimChip{data: make([]byte, size)}
}

// Read copies size(buf) bytes starting at address into buf.
func (c *SimChip) Read(address uint32, buf []byte) error {
	if int(address)+len(buf) > len(c.data) {
		return log.Errorf("FRAM read span [%d, %d) out of range (%d)", address, int(address)+len(buf), len(c.data))
	}

	copy(buf, c.data[address:int(address)+len(buf)])

	return nil
}

// Write copies data into the chip starting at address.
func (c *SimChip) Write(address uint32, data []byte) error {
	if int(address)+len(data) > len(c.data) {
		return log.Errorf("FRAM write span [%d, %d) out of range (%d)", address, int(address)+len(data), len(c.data))
	}

	copy(c.data[address:int(address)+len(data)], data)

	return nil
}

// ReadStatus returns the simulated status register.
func (c *SimChip) ReadStatus() (StatusByte, error) {
	return c.status, nil
}

// SetStatus lets a test set the simulated status register.
func (c *SimChip) SetStatus(status StatusByte) {
	c.status = status
}

// Corrupt directly overwrites bytes on this one chip, bypassing the
// triple-redundant Driver, to let tests simulate a single-event upset on
// one of the three copies.
func (c *SimChip) Corrupt(address uint32, data []byte) {
	copy(c.data[address:int(address)+len(data)], data)
}
