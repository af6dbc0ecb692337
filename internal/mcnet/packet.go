package mcnet

import (
	"fmt"
	"io"
)

// MaxPacketBytes bounds the payload length of any packet the gateway will
// read before the splice hands off to raw byte relay. The packets the
// gateway itself parses (handshake, login start) are tiny; this limit exists
// only to stop a hostile length prefix from causing an enormous allocation.
const MaxPacketBytes = 1 << 20 // 1 MiB

// Packet is a decoded Minecraft packet: its id, its full payload (including
// the packet-id VarInt), and the raw bytes exactly as they arrived on the
// wire (length prefix included). Raw is what the splicer forwards unchanged;
// Payload is what the classifier/gatekeeper parses further.
type Packet struct {
	ID      int32
	Payload []byte
	Raw     []byte
}

// ReadPacket reads one length-prefixed packet from r: a VarInt total length,
// followed by that many payload bytes, the first of which is the VarInt
// packet id. It never interprets bytes beyond the packet id for the caller;
// callers that need more decode further into Payload themselves.
func ReadPacket(r io.Reader) (Packet, error) {
	length, lengthRaw, err := ReadVarInt(r)
	if err != nil {
		return Packet{}, err
	}
	if length < 0 || int(length) > MaxPacketBytes {
		return Packet{}, fmt.Errorf("mcnet: packet length %d out of range: %w", length, ErrMalformedFrame)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Packet{}, fmt.Errorf("mcnet: read packet payload: %w: %v", ErrMalformedFrame, err)
	}

	packetID, _, err := ReadVarIntBuffered(payload)
	if err != nil {
		return Packet{}, err
	}

	raw := make([]byte, 0, len(lengthRaw)+len(payload))
	raw = append(raw, lengthRaw...)
	raw = append(raw, payload...)

	return Packet{ID: packetID, Payload: payload, Raw: raw}, nil
}

// EncodePacket builds the raw wire form (length-prefixed) of a packet whose
// payload is packetID followed by body.
func EncodePacket(packetID int32, body []byte) []byte {
	payload := AppendVarInt(nil, packetID)
	payload = append(payload, body...)

	raw := AppendVarInt(nil, int32(len(payload)))
	return append(raw, payload...)
}
