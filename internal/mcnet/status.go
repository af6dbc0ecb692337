package mcnet

import (
	"encoding/json"
	"fmt"
	"io"
)

// StatusResponse is the JSON body of a Status Response packet.
type StatusResponse struct {
	Version     StatusVersion `json:"version"`
	Players     StatusPlayers `json:"players"`
	Description StatusText    `json:"description"`
}

// StatusVersion is the "version" object of a status response.
type StatusVersion struct {
	Name     string `json:"name"`
	Protocol int32  `json:"protocol"`
}

// StatusPlayers is the "players" object of a status response.
type StatusPlayers struct {
	Max    int `json:"max"`
	Online int `json:"online"`
}

// StatusText is a chat-component-shaped text field; Minecraft accepts the
// flat {"text": "..."} form for plain strings.
type StatusText struct {
	Text string `json:"text"`
}

// EncodeStatusResponse marshals resp and wraps it as a Status Response
// packet (id 0x00): a single length-prefixed Minecraft string containing the
// JSON document.
func EncodeStatusResponse(resp StatusResponse) ([]byte, error) {
	body, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("mcnet: encode status response: %w", err)
	}
	payload := AppendString(nil, string(body))
	return EncodePacket(0x00, payload), nil
}

// ReadStatusRequest reads the (empty-bodied) Status Request packet from r,
// returning its raw bytes for transparent forwarding.
func ReadStatusRequest(r io.Reader) (Packet, error) {
	packet, err := ReadPacket(r)
	if err != nil {
		return Packet{}, err
	}
	if packet.ID != 0x00 {
		return Packet{}, fmt.Errorf("mcnet: status-request packet id %#x: %w", packet.ID, ErrMalformedFrame)
	}
	return packet, nil
}

// ReadStatusResponse reads a Status Response packet and returns its raw
// bytes for transparent forwarding (the gateway does not need to parse a
// live backend's response, only relay it).
func ReadStatusResponse(r io.Reader) (Packet, error) {
	packet, err := ReadPacket(r)
	if err != nil {
		return Packet{}, err
	}
	if packet.ID != 0x00 {
		return Packet{}, fmt.Errorf("mcnet: status-response packet id %#x: %w", packet.ID, ErrMalformedFrame)
	}
	return packet, nil
}

// pingPongPayloadBytes is the fixed size of the opaque payload carried by
// Ping/Pong packets.
const pingPongPayloadBytes = 8

// ReadPing reads a Ping packet (id 0x01) and returns its 8-byte payload.
func ReadPing(r io.Reader) ([]byte, error) {
	packet, err := ReadPacket(r)
	if err != nil {
		return nil, err
	}
	if packet.ID != 0x01 {
		return nil, fmt.Errorf("mcnet: ping packet id %#x: %w", packet.ID, ErrMalformedFrame)
	}

	_, idLen, err := ReadVarIntBuffered(packet.Payload)
	if err != nil {
		return nil, err
	}
	body := packet.Payload[idLen:]
	if len(body) != pingPongPayloadBytes {
		return nil, fmt.Errorf("mcnet: ping payload length %d: %w", len(body), ErrMalformedFrame)
	}

	out := make([]byte, pingPongPayloadBytes)
	copy(out, body)
	return out, nil
}

// EncodePong wraps payload (the Ping's echoed 8 bytes) as a Pong packet
// (id 0x01).
func EncodePong(payload []byte) []byte {
	return EncodePacket(0x01, payload)
}

// EncodeDisconnect builds a Login Disconnect packet (id 0x00): a JSON chat
// object {"text": reason} length-prefixed as a Minecraft string.
func EncodeDisconnect(reason string) []byte {
	body, _ := json.Marshal(StatusText{Text: reason})
	payload := AppendString(nil, string(body))
	return EncodePacket(0x00, payload)
}
