package transport

import (
	"encoding/binary"
	"fmt"
)

// Two-part framing: a 4-byte big-endian length prefix for the control
// message, followed by the control bytes, followed by the payload bytes
// running to the end of the buffer. This is the one piece of the
// addressed transport not grounded in a named third-party library
// (SPEC_FULL.md §4.5): it is a minimal wire convention standing in for
// the data plane's real framing, which is out of scope.
const lengthPrefixSize = 4

// EncodeTwoPart frames control and payload into a single message body.
func EncodeTwoPart(control, payload []byte) []byte {
	buf := make([]byte, lengthPrefixSize+len(control)+len(payload))
	binary.BigEndian.PutUint32(buf[:lengthPrefixSize], uint32(len(control)))
	copy(buf[lengthPrefixSize:], control)
	copy(buf[lengthPrefixSize+len(control):], payload)
	return buf
}

// DecodeTwoPart splits a framed body back into its control and payload
// parts.
func DecodeTwoPart(body []byte) (control, payload []byte, err error) {
	if len(body) < lengthPrefixSize {
		return nil, nil, fmt.Errorf("kvrouter: two-part frame too short: %d bytes", len(body))
	}
	controlLen := binary.BigEndian.Uint32(body[:lengthPrefixSize])
	rest := body[lengthPrefixSize:]
	if uint64(controlLen) > uint64(len(rest)) {
		return nil, nil, fmt.Errorf("kvrouter: two-part frame control length %d exceeds body", controlLen)
	}
	return rest[:controlLen], rest[controlLen:], nil
}
