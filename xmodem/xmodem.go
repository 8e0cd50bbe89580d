// This package implements the XMODEM-CRC receiver used for firmware
// uploads over the debug serial line (spec section 4.6). It reimplements
// the wire contract bit-exactly: packet framing, sequence/complement
// check, CRC-16/CCITT validation, and ACK/NAK handshaking. Packets are
// read one byte at a time from a Link into a fixed-size frame buffer.
package xmodem

import (
	"context"
	"time"

	"github.com/dsoprea/go-logging"

	"github.com/cubesat-obc/obcboot/crc"
)

// Protocol bytes (spec section 6).
const (
	SOH byte = 0x01
	EOT byte = 0x04
	ACK byte = 0x06
	NAK byte = 0x15
	CAN byte = 0x18
	NCG byte = 0x43
)

// DataSize is the number of payload bytes per packet.
const DataSize = 128

// NCGRetryPolls is how many times the sender-ready poll loop spins before
// re-emitting NCG, matching the shipped routine's literal retry count
// (original firmware's `for (i = 0; i < 10000000; i++)`). A port running
// on a general-purpose OS has no equivalent busy-wait step cost, so this
// package exposes the retry as a wall-clock interval (NCGInterval)
// instead of a spin count; NCGRetryPolls is kept only as the documented
// provenance of that interval.
const NCGRetryPolls = 10000000

// DefaultNCGInterval is the default wait between NCG retransmissions.
const DefaultNCGInterval = 6 * time.Second

// ErrCancelled is returned when the leading byte of a packet is neither
// SOH nor EOT, which the wire contract treats as an abort (spec section
// 4.6: "any other leading byte aborts").
var ErrCancelled = log.Errorf("xmodem: transfer aborted by sender")

// Target is the write side of a transfer: a region that accepts
// DataSize-byte blocks at a given zero-based sequence index. Flash and
// EEPROM targets (see flashtarget.go and eeptarget.go) implement this.
type Target interface {
	WriteBlock(blockIndex int, data []byte) error
}

// packet is the parsed form of one 133-byte wire frame (spec section
// 3.1): SOH, seq, ~seq, 128 data bytes, CRC-high, CRC-low.
type packet struct {
	sequence byte
	data     [DataSize]byte
}

// parsePacket validates the sequence/complement pair and the trailing
// CRC-16/CCITT, matching XMODEM_verifyPacketChecksum bit-for-bit.
func parsePacket(raw []byte) (packet, error) {
	if len(raw) != 2+DataSize+2 {
		return packet{}, log.Errorf("xmodem: malformed packet length %d", len(raw))
	}

	seq := raw[0]
	seqComplement := raw[1]

	if int(seq)+int(seqComplement) != 255 {
		return packet{}, log.Errorf("xmodem: sequence/complement mismatch (%d + %d != 255)", seq, seqComplement)
	}

	var data [DataSize]byte
	copy(data[:], raw[2:2+DataSize])

	wireCrc := uint16(raw[2+DataSize])<<8 | uint16(raw[2+DataSize+1])
	if calculated := crc.Ccitt(data[:]); calculated != wireCrc {
		return packet{}, log.Errorf("xmodem: crc mismatch (calculated 0x%04x, wire 0x%04x)", calculated, wireCrc)
	}

	return packet{sequence: seq, data: data}, nil
}

// Link is the minimal serial interface a Receiver needs: a byte sink (for
// ACK/NAK/NCG) and a byte source (for packet bytes). Production callers
// wrap the debug UART; tests use an in-memory pipe.
type Link interface {
	ReadByte() (byte, error)
	WriteByte(b byte) error
}

// Receiver drives one XMODEM-CRC upload into a Target.
type Receiver struct {
	link Link

	// NCGInterval is how long to wait for a reply to one NCG byte before
	// re-sending it.
	NCGInterval time.Duration

	// pending buffers a byte consumed by waitForByte's handshake probe so
	// that readByte can deliver it to the packet loop instead of losing it.
	pending []byte
}

// NewReceiver creates a Receiver with DefaultNCGInterval.
func NewReceiver(link Link) *Receiver {
	return &Receiver{link: link, NCGInterval: DefaultNCGInterval}
}

// Receive drives the handshake and packet loop to completion, writing
// each validated packet's payload into target at offset
// (sequence-1)*DataSize, and returns the total byte count received
// (lastAckedSeq * DataSize, spec section 4.6).
func (r *Receiver) Receive(ctx context.Context, target Target) (length uint32, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	err = r.awaitSender(ctx)
	log.PanicIf(err)

	expected := byte(1)
	blocksWritten := 0

	for {
		header, err := r.readByte(ctx)
		log.PanicIf(err)

		if header == EOT {
			log.PanicIf(r.link.WriteByte(ACK))
			break
		}

		if header != SOH {
			return 0, ErrCancelled
		}

		raw := make([]byte, 2+DataSize+2)

		for i := range raw {
			raw[i], err = r.readByte(ctx)
			log.PanicIf(err)
		}

		pkt, parseErr := parsePacket(raw)
		if parseErr != nil {
			log.PanicIf(r.link.WriteByte(NAK))
			continue
		}

		if pkt.sequence != expected {
			// A resend of an already-accepted packet, or a sequence we
			// are not expecting: NAK and let the sender retry in step.
			log.PanicIf(r.link.WriteByte(NAK))
			continue
		}

		err = target.WriteBlock(blocksWritten, pkt.data[:])
		log.PanicIf(err)

		blocksWritten++
		expected++ // wraps modulo 256 automatically as a byte

		log.PanicIf(r.link.WriteByte(ACK))
	}

	return uint32(blocksWritten) * DataSize, nil
}

// awaitSender repeatedly sends NCG until the sender responds with the
// first byte of a transfer, or ctx is cancelled.
func (r *Receiver) awaitSender(ctx context.Context) error {
	for {
		if err := r.link.WriteByte(NCG); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ok, err := r.waitForByte(ctx, r.NCGInterval)
		if err != nil {
			return err
		}

		if ok {
			return nil
		}
	}
}

// byteResult carries one readByte outcome across the goroutine boundary
// used by waitForByte/readByte to implement a cancellable read over a
// Link that has no native deadline support.
type byteResult struct {
	b   byte
	err error
}

// waitForByte polls the link for up to timeout for any byte to become
// available, without consuming it permanently lost on timeout: since Link
// has no peek, a byte read during the wait is buffered and delivered to
// the next readByte call via pending.
func (r *Receiver) waitForByte(ctx context.Context, timeout time.Duration) (bool, error) {
	resultCh := make(chan byteResult, 1)

	go func() {
		b, err := r.link.ReadByte()
		resultCh <- byteResult{b: b, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return false, res.err
		}

		r.pending = append(r.pending, res.b)

		return true, nil
	case <-time.After(timeout):
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// readByte returns the next byte, preferring one buffered by
// waitForByte, else reading directly from the link.
func (r *Receiver) readByte(ctx context.Context) (byte, error) {
	if len(r.pending) > 0 {
		b := r.pending[0]
		r.pending = r.pending[1:]

		return b, nil
	}

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	return r.link.ReadByte()
}
