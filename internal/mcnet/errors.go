// Package mcnet implements the small subset of the Minecraft wire protocol
// the gateway needs to classify a connection and splice it to a backend: the
// VarInt/string/packet framing primitives, the handshake, the status
// request/response/ping exchange, and the login-start packet. It never
// interprets anything past the login-start packet.
package mcnet

import "errors"

// ErrMalformedFrame is returned whenever a decode fails: a VarInt whose
// continuation bit never clears within 5 bytes, a string length that
// overruns the buffer, invalid UTF-8, or an unexpected packet id. Per spec
// §7, the only correct reaction to ErrMalformedFrame is to silently drop the
// connection.
var ErrMalformedFrame = errors.New("mcnet: malformed frame")
