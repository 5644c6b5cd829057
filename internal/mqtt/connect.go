// Package mqtt implements the minimal, non-destructive MQTT 3.1.1 CONNECT
// parser used to derive a client identity from the opening bytes of a
// freshly accepted connection.
package mqtt

import "encoding/binary"

// connectFixedHeader is the first byte of an MQTT CONNECT packet.
const connectFixedHeader = 0x10

// clientIDLengthOffset is the fixed byte offset of the 16-bit big-endian
// Client-ID length field, assuming the canonical "MQTT"/level-4 variable
// header with no will/username/password flags set before the Client-ID.
// The variable header is not walked, so a CONNECT packet with any other
// header shape yields a misread Client-ID.
const clientIDLengthOffset = 12

// ParseClientID extracts the MQTT Client Identifier from a peeked buffer.
// It returns ("", false) when the buffer does not look like a CONNECT
// packet, is too short, or the declared Client-ID length runs past the
// end of the buffer. The returned string may be empty even when ok is
// true (a CONNECT packet with a zero-length Client-ID is valid MQTT).
func ParseClientID(buf []byte) (clientID string, ok bool) {
	if len(buf) < 10 {
		return "", false
	}
	if buf[0] != connectFixedHeader {
		return "", false
	}
	if len(buf) < clientIDLengthOffset+2 {
		return "", false
	}

	length := int(binary.BigEndian.Uint16(buf[clientIDLengthOffset : clientIDLengthOffset+2]))
	start := clientIDLengthOffset + 2
	end := start + length
	if end > len(buf) {
		return "", false
	}

	return string(buf[start:end]), true
}
