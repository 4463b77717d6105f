// Package transport provides the concrete UDP Transport a queue pair's
// endpoint sends and receives RoCE v2 packets through. The core only
// depends on the roce.Transport interface (§1 "out of scope for the core");
// this package is the external collaborator that implements it over a real
// socket, in the same spirit as the teacher's pkg/can/socketcanv2 wraps a
// raw CAN socket behind a bus interface.
package transport

import (
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/samsamfire/roce"
)

// ErrTimeout is returned by UDP.Recv when no datagram arrives within the
// requested deadline.
var ErrTimeout = errors.New("transport: receive timed out")

// UDP is a roce.Transport backed by a UDP socket bound to the caller's local
// address (RoCE v2 uses Port, §6): connected to one peer when opened with
// Dial, unconnected when opened with Listen. One UDP carries the traffic for every queue pair sharing a local
// GID, since RoCE v2 multiplexes queue pairs by destination QPN inside the
// BTH rather than by socket.
type UDP struct {
	conn *net.UDPConn
}

// socketBufferBytes is the send/receive buffer size requested on the
// underlying socket. The kernel default is sized for bursty interactive
// traffic, not the sustained packet trains a queue pair's segmented
// messages produce; gocanopen's socketcanv2 tunes its raw CAN fd the same
// way via SetsockoptTimeval, so this does the SO_RCVBUF/SO_SNDBUF
// equivalent for a datagram socket.
const socketBufferBytes = 4 << 20

// Dial opens a UDP socket bound to laddr and connected to raddr, tuning its
// kernel socket buffers for sustained RDMA-sized traffic.
func Dial(laddr, raddr *net.UDPAddr) (*UDP, error) {
	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}
	if err := tuneBuffers(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &UDP{conn: conn}, nil
}

// Listen opens a UDP socket bound to laddr without connecting to a fixed
// peer, for a responder that must accept traffic from any source GID.
func Listen(laddr *net.UDPAddr) (*UDP, error) {
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen: %w", err)
	}
	if err := tuneBuffers(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &UDP{conn: conn}, nil
}

func tuneBuffers(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("transport: syscall conn: %w", err)
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, socketBufferBytes); e != nil {
			sockErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, socketBufferBytes); e != nil {
			sockErr = e
			return
		}
	})
	if err != nil {
		return fmt.Errorf("transport: control: %w", err)
	}
	if sockErr != nil {
		return fmt.Errorf("transport: setsockopt: %w", sockErr)
	}
	return nil
}

// Send writes one framed packet to the connected peer address. A socket
// opened with Listen has no connected peer, so Send fails there; SendTo
// names the peer explicitly.
func (u *UDP) Send(pkt roce.RawPacket) error {
	_, err := u.conn.Write(pkt)
	return err
}

// SendTo writes one framed packet to an explicit peer, for a responder
// socket opened with Listen that serves more than one remote QPN.
func (u *UDP) SendTo(pkt roce.RawPacket, addr *net.UDPAddr) error {
	_, err := u.conn.WriteToUDP(pkt, addr)
	return err
}

// maxDatagram is larger than any PMTU plus header/ICRC overhead this
// module's largest PMTU (roce.PMTU4096) can produce.
const maxDatagram = 8192

// Recv blocks for at most deadline for one datagram, returning ErrTimeout
// on expiry. The returned slice is only valid until the next call to Recv.
func (u *UDP) Recv(deadline time.Duration) (roce.RawPacket, error) {
	if err := u.conn.SetReadDeadline(time.Now().Add(deadline)); err != nil {
		return nil, fmt.Errorf("transport: set deadline: %w", err)
	}
	buf := make([]byte, maxDatagram)
	n, err := u.conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, ErrTimeout
		}
		return nil, err
	}
	return roce.RawPacket(buf[:n]), nil
}

// RecvFrom is Recv's responder-socket variant, additionally reporting the
// source address a reply (or new queue pair) should target.
func (u *UDP) RecvFrom(deadline time.Duration) (roce.RawPacket, *net.UDPAddr, error) {
	if err := u.conn.SetReadDeadline(time.Now().Add(deadline)); err != nil {
		return nil, nil, fmt.Errorf("transport: set deadline: %w", err)
	}
	buf := make([]byte, maxDatagram)
	n, addr, err := u.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil, ErrTimeout
		}
		return nil, nil, err
	}
	return roce.RawPacket(buf[:n]), addr, nil
}

// LocalAddr returns the socket's bound local address.
func (u *UDP) LocalAddr() *net.UDPAddr { return u.conn.LocalAddr().(*net.UDPAddr) }

// Close releases the underlying socket.
func (u *UDP) Close() error { return u.conn.Close() }
