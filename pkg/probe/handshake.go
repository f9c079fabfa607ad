package probe

import (
	"net"
	"strconv"
)

// statusProtocolVersion is -1 reinterpreted as unsigned, the wildcard
// protocol version status pings are allowed to send.
const statusProtocolVersion uint32 = 0xFFFFFFFF

// statusHandshake builds the two frames a status ping sends after
// connecting: a handshake packet with next-state=1 followed by an empty
// status request. Every frame is a varint length prefix, a varint
// packet id, then the payload.
func statusHandshake(address string) ([]byte, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, err
	}

	var body []byte
	body = appendVarInt(body, 0x00) // packet id: handshake
	body = appendVarInt(body, statusProtocolVersion)
	body = appendVarInt(body, uint32(len(host)))
	body = append(body, host...)
	body = append(body, byte(port>>8), byte(port))
	body = appendVarInt(body, 1) // next state: status

	var frame []byte
	frame = appendVarInt(frame, uint32(len(body)))
	frame = append(frame, body...)

	// Status request: empty packet 0x00.
	frame = append(frame, 0x01, 0x00)
	return frame, nil
}

// appendVarInt appends v in the protocol's LEB128-style varint
// encoding, seven bits per byte, low bits first.
func appendVarInt(b []byte, v uint32) []byte {
	for {
		if v&^0x7F == 0 {
			return append(b, byte(v))
		}
		b = append(b, byte(v&0x7F|0x80))
		v >>= 7
	}
}
