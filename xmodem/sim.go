package xmodem

import "github.com/dsoprea/go-logging"

// SimEEPROM is an in-memory stand-in for the safe-mode EEPROM part. Real
// parts need the unlock sequence to accept a write and report completion
// via a bit-7 toggle; the simulator accepts any write unconditionally (it
// has no latency to model) but still requires EEPROMTarget to perform the
// unlock writes and poll, since those land at real addresses on this same
// chip.
type SimEEPROM struct {
	data []byte
}

// NewSimEEPROM allocates a zero-filled EEPROM address space.
func NewSimEEPROM(size int) *SimEEPROM {
	return &SimEEPROM{data: make([]byte, size)}
}

// WriteByte stores value at offset.
func (e *SimEEPROM) WriteByte(offset uint32, value byte) error {
	if int(offset) >= len(e.data) {
		return log.Errorf("eeprom write offset (%d) out of range (%d)", offset, len(e.data))
	}

	e.data[offset] = value

	return nil
}

// ReadByte returns the byte at offset.
func (e *SimEEPROM) ReadByte(offset uint32) (byte, error) {
	if int(offset) >= len(e.data) {
		return 0, log.Errorf("eeprom read offset (%d) out of range (%d)", offset, len(e.data))
	}

	return e.data[offset], nil
}

// pipeLink is an in-memory, full-duplex Link: bytes written by the test's
// simulated sender are queued for the Receiver's ReadByte, and bytes the
// Receiver writes (ACK/NAK/NCG) are queued for the sender to observe.
type pipeLink struct {
	toReceiver chan byte
	toSender   chan byte
}

// newPipeLink creates a connected pair of Links: the first end is handed
// to a Receiver, the second is driven by the test acting as the sender.
func newPipeLink(buffer int) (receiverEnd, senderEnd *pipeLink) {
	toReceiver := make(chan byte, buffer)
	toSender := make(chan byte, buffer)

	return &pipeLink{toReceiver: toReceiver, toSender: toSender},
		&pipeLink{toReceiver: toSender, toSender: toReceiver}
}

func (p *pipeLink) ReadByte() (byte, error) {
	return <-p.toReceiver, nil
}

func (p *pipeLink) WriteByte(b byte) error {
	p.toSender <- b

	return nil
}
