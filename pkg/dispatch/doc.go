// Package dispatch runs the per-recipient delivery loop.
//
// Records are read once and grouped by the identity field. Every group then
// walks an explicit state machine: validation of the address, building the
// attachment, rendering the body, sending, and cleanup of the attachment. A
// failure in one group never stops the run; only setup failures (source,
// grouping, credentials, no groups) are returned as *FatalSetupError. Sends
// are throttled by a cancellable delay, or by a shared rate limiter when
// several workers are configured.
package dispatch
