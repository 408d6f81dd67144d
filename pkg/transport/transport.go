// Package transport wraps one duplex socket behind a stable five-state
// connection lifecycle with at-most-one-outstanding-message flow control and
// transparent reconnection. The raw socket (handshake, framing, ping/pong)
// is consumed as an opaque capability through the Socket interface.
package transport

import (
	"context"
	"math/rand"
	"strings"
)

// State is the connection lifecycle state.
type State int32

const (
	Connecting State = iota
	Open
	Closing
	Closed
	Paused
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

// Close codes with defined protocol meaning.
const (
	CloseNormal          = 1000 // intentional, no reconnect, session preserved
	CloseGoingAway       = 1001 // revokes session membership on the accepting side
	CloseAbnormal        = 1006 // revokes session membership on the accepting side
	ClosePolicyViolation = 1008 // no reconnect, session preserved
	CloseForgetIdentity  = 3001 // dialing side forgets cached identity, then reconnects
)

// Handlers receive raw socket events. Any field may be nil.
type Handlers struct {
	Open    func()
	Message func(data string)
	Error   func(err error)
	Close   func(code int, reason string)
}

// Socket is the opaque duplex capability the connection wrapper consumes.
// Run starts event delivery exactly once; Open fires as soon as the socket
// is ready to carry traffic.
type Socket interface {
	Run(h Handlers)
	Send(data string) error
	Close(code int, reason string) error
	Protocol() string
}

// Dialer opens a fresh socket against addr, negotiating the given
// handshake sub-protocol list. It is invoked on initial connect and on every
// reconnect; the returned socket is not yet running.
type Dialer func(ctx context.Context, addr string, protocols []string) (Socket, error)

// ProtocolName is the application sub-protocol negotiated on every
// handshake.
const ProtocolName = "ws-user"

// IdentityProtocols builds the handshake sub-protocol offer list. The
// identity rides in the extra positional entries: the connection ID, then
// the cached email with "@" replaced by "*" so it stays a valid protocol
// token. The server selects only ProtocolName.
func IdentityProtocols(connID, email string) []string {
	offers := []string{ProtocolName, connID}
	if email != "" {
		offers = append(offers, strings.ReplaceAll(email, "@", "*"))
	}
	return offers
}

// ParseIdentity extracts the positional identity entries from a raw
// Sec-WebSocket-Protocol offer header.
func ParseIdentity(header string) (connID, email string) {
	parts := strings.Split(header, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if len(parts) > 1 {
		connID = parts[1]
	}
	if len(parts) > 2 {
		email = strings.ReplaceAll(parts[2], "*", "@")
	}
	return connID, email
}

const (
	connIDLower = "abcdefghijklmnopqrstuvwxyz0123456789"
	connIDUpper = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// GenerateConnID produces the wire-visible connection identifier: a random
// permutation of the lowercase-and-digit alphabet followed by a random
// permutation of the uppercase alphabet. 62 characters, unique per process
// instantiation for practical purposes, and always long enough to derive the
// 4-byte masking key.
func GenerateConnID() string {
	buf := make([]byte, 0, len(connIDLower)+len(connIDUpper))
	for _, alphabet := range []string{connIDLower, connIDUpper} {
		part := []byte(alphabet)
		rand.Shuffle(len(part), func(i, j int) { part[i], part[j] = part[j], part[i] })
		buf = append(buf, part...)
	}
	return string(buf)
}
