package roce

import "time"

// RawPacket is a fully-framed wire packet (BTH + extension header + payload
// + ICRC) ready for transmission, or as received off the wire before
// decoding.
type RawPacket []byte

// Transport is the boundary the core dispatches through. Establishing the
// UDP socket and the side-band rendezvous that exchanges GIDs/QPNs/rkeys are
// external collaborators (§1); the core only needs something that can move
// framed datagrams and apply a read deadline.
type Transport interface {
	// Send transmits one framed packet.
	Send(pkt RawPacket) error
	// Recv blocks for at most deadline for one framed packet, returning a
	// non-nil error on expiry (pkg/transport's UDP returns
	// transport.ErrTimeout).
	Recv(deadline time.Duration) (RawPacket, error)
	// Close releases the transport's resources.
	Close() error
}
