package transport

import "errors"

var (
	// ErrDetachedStreamReceiver is returned when Generate cannot register
	// the per-request response subscription. Generate does not wait for a
	// separate data-plane handshake message; the request-plane ack stands
	// in for it.
	ErrDetachedStreamReceiver = errors.New("kvrouter: detached stream receiver")
	// ErrConnectionFailed is returned when the addressed request could
	// not be delivered to address.
	ErrConnectionFailed = errors.New("kvrouter: connection failed")
	// ErrResponseAfterEnd is the per-message error surfaced when a
	// message arrives after complete_final was already observed true.
	ErrResponseAfterEnd = errors.New("kvrouter: response after generation ended")
	// ErrStreamEndedUnexpectedly is surfaced when the response channel
	// closes without a complete_final and without caller cancellation.
	ErrStreamEndedUnexpectedly = errors.New("kvrouter: stream ended unexpectedly")
)
