// This package models the one operation the specification deliberately
// leaves platform-defined (spec section 9: "Vector-table swap and jump
// ... In a portable spec this is the one operation that is intentionally
// platform-defined; express it as an opaque handoff(base_address) -> !").
// Real firmware disables SysTick, deinitialises the MSC and DMA
// controllers, resets the debug UART, clears the relevant peripheral
// clock gates, writes VTOR, and branches into the new image; none of
// that is representable or testable in a hosted Go program, so this
// package defines the capability surface and never returns from Jump on
// a real target.
package handoff

// Jumper performs the irreversible transfer of execution to baseAddress
// (spec section 4.8): quiesce peripherals, install the vector table at
// baseAddress, load SP from *baseAddress and PC from *(baseAddress+4),
// and branch. Implementations must not return.
type Jumper interface {
	Jump(baseAddress uint32)
}

// Recorder is a Jumper that records the call instead of transferring
// control, so the decision engine's terminal step can be asserted on in
// tests without ending the test process.
type Recorder struct {
	Called      bool
	BaseAddress uint32
}

// Jump records baseAddress. Unlike a real Jumper it returns, which is
// exactly why it exists: only as a test double.
func (r *Recorder) Jump(baseAddress uint32) {
	r.Called = true
	r.BaseAddress = baseAddress
}
