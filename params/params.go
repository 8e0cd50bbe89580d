// This package models the persisted-parameter channel (spec section 3.1
// and 9): a fixed RAM region the bootloader writes immediately before
// handoff so the booted application can learn why, and from where, it
// was launched. On real hardware this is a fixed address read by both
// images; here it is a Channel value, one per NewChannel call, written
// exactly once per boot
// (spec section 9: "document as such: the bootloader writes it
// immediately before handoff; the application reads it immediately after
// its own init; no concurrent access").
package params

// BootloaderMark is the magic value asserted in Parameters.MagicNumber
// immediately before Handoff.Jump (spec section 3.1/6).
const BootloaderMark uint32 = 0xb0074641

// BootReason classifies why the bootloader transferred control to the
// address it did (spec section 3.1).
type BootReason int

const (
	// SelectedIndex means the chosen slot verified (or was successfully
	// re-copied) and the application is being booted normally.
	SelectedIndex BootReason = iota
	// InvalidBootIndex means the requested index or settings magic was
	// invalid.
	InvalidBootIndex
	// CounterExpired means the retry budget was exhausted.
	CounterExpired
	// DownloadError means a copy-and-verify attempt failed.
	DownloadError
)

// String renders the reason the way a diagnostic dump would.
func (r BootReason) String() string {
	switch r {
	case SelectedIndex:
		return "SelectedIndex"
	case InvalidBootIndex:
		return "InvalidBootIndex"
	case CounterExpired:
		return "CounterExpired"
	case DownloadError:
		return "DownloadError"
	default:
		return "Unknown"
	}
}

// Parameters is the RAM block layout (spec section 3.1).
type Parameters struct {
	MagicNumber         uint32
	BootReason          BootReason
	BootIndex           uint8
	RequestedRunlevel   uint8
	ClearStateOnStartup bool
}

// Channel stands in for the single fixed-address region both images read
// and write (spec section 9). The package keeps no process-wide instance:
// each NewChannel call returns an independent Channel, and callers pass it
// to whoever writes or reads it.
type Channel struct {
	current Parameters
	written bool
}

// NewChannel returns an unwritten channel, as the region reads before the
// bootloader has ever run.
func NewChannel() *Channel {
	return &Channel{}
}

// Write records the parameters the application will read on its next
// init, stamping MagicNumber with BootloaderMark. Called exactly once per
// boot, immediately before Handoff.Jump (spec section 3.3).
func (c *Channel) Write(reason BootReason, bootIndex, requestedRunlevel uint8, clearStateOnStartup bool) {
	c.current = Parameters{
		MagicNumber:         BootloaderMark,
		BootReason:          reason,
		BootIndex:           bootIndex,
		RequestedRunlevel:   requestedRunlevel,
		ClearStateOnStartup: clearStateOnStartup,
	}
	c.written = true
}

// Read returns the parameters most recently written and whether the
// region has ever been written (false on a cold power-up before any
// bootloader has run).
func (c *Channel) Read() (Parameters, bool) {
	return c.current, c.written
}
