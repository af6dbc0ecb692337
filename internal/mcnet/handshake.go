package mcnet

import (
	"fmt"
	"io"
)

// NextState values carried in the handshake packet.
const (
	NextStateStatus = int32(1)
	NextStateLogin  = int32(2)
)

// Handshake is the parsed form of the first packet on a newly accepted
// connection.
type Handshake struct {
	ProtocolVersion int32
	ServerAddress   string
	ServerPort      uint16
	NextState       int32

	// Raw is the handshake packet exactly as it arrived on the wire (length
	// prefix included), forwarded unchanged by the splicer.
	Raw []byte
}

// ReadHandshake reads and decodes the handshake packet from r. Any decode
// failure or unexpected packet id is reported as ErrMalformedFrame; the
// caller must silently drop the connection in that case, never respond.
//
// ServerAddress/ServerPort are the client-dialed hostname:port and MUST NOT
// be used for routing — they are client-controlled. The gateway's accept
// port is the only trusted routing key.
func ReadHandshake(r io.Reader) (Handshake, error) {
	packet, err := ReadPacket(r)
	if err != nil {
		return Handshake{}, err
	}
	if packet.ID != 0x00 {
		return Handshake{}, fmt.Errorf("mcnet: handshake packet id %#x: %w", packet.ID, ErrMalformedFrame)
	}

	// Payload layout: packet-id VarInt, protocol-version VarInt,
	// server-address string, server-port u16 big-endian, next-state VarInt.
	offset := 0
	_, idLen, err := ReadVarIntBuffered(packet.Payload[offset:])
	if err != nil {
		return Handshake{}, err
	}
	offset += idLen

	protocolVersion, n, err := ReadVarIntBuffered(packet.Payload[offset:])
	if err != nil {
		return Handshake{}, err
	}
	offset += n

	serverAddress, n, err := ReadStringBuffered(packet.Payload, offset)
	if err != nil {
		return Handshake{}, err
	}
	offset += n

	if offset+2 > len(packet.Payload) {
		return Handshake{}, fmt.Errorf("mcnet: handshake truncated before port: %w", ErrMalformedFrame)
	}
	serverPort := uint16(packet.Payload[offset])<<8 | uint16(packet.Payload[offset+1])
	offset += 2

	nextState, n, err := ReadVarIntBuffered(packet.Payload[offset:])
	if err != nil {
		return Handshake{}, err
	}
	offset += n

	if nextState != NextStateStatus && nextState != NextStateLogin {
		return Handshake{}, fmt.Errorf("mcnet: handshake next_state %d: %w", nextState, ErrMalformedFrame)
	}

	return Handshake{
		ProtocolVersion: protocolVersion,
		ServerAddress:   serverAddress,
		ServerPort:      serverPort,
		NextState:       nextState,
		Raw:             packet.Raw,
	}, nil
}

// LoginStart is the parsed form of the Login Start packet.
// Fields beyond the player name are intentionally not decoded: the gateway
// never needs them, and the raw bytes are forwarded to the backend verbatim
// regardless.
type LoginStart struct {
	PlayerName string
	Raw        []byte
}

// ReadLoginStart reads and decodes the Login Start packet from r.
func ReadLoginStart(r io.Reader) (LoginStart, error) {
	packet, err := ReadPacket(r)
	if err != nil {
		return LoginStart{}, err
	}
	if packet.ID != 0x00 {
		return LoginStart{}, fmt.Errorf("mcnet: login-start packet id %#x: %w", packet.ID, ErrMalformedFrame)
	}

	_, idLen, err := ReadVarIntBuffered(packet.Payload)
	if err != nil {
		return LoginStart{}, err
	}

	playerName, _, err := ReadStringBuffered(packet.Payload, idLen)
	if err != nil {
		return LoginStart{}, err
	}

	return LoginStart{PlayerName: playerName, Raw: packet.Raw}, nil
}
