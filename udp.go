package netassist

import (
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// peerQueueSize is how many datagrams wait for a slow UDP peer session.
const peerQueueSize = 64

// datagram is one packet read by a UDP hub.
type datagram struct {
	from *net.UDPAddr
	data []byte
}

// peerConn presents one remote address of a shared UDP socket as a net.Conn,
// so a hub can run an ordinary Session per UDP peer. Each Read returns
// exactly one datagram.
type peerConn struct {
	pc     *net.UDPConn
	remote *net.UDPAddr
	inbox  chan []byte

	readDeadline atomic.Int64 // unix nanos, zero for none
	closed       chan struct{}
	once         sync.Once
}

func newPeerConn(pc *net.UDPConn, remote *net.UDPAddr) *peerConn {
	return &peerConn{
		pc:     pc,
		remote: remote,
		inbox:  make(chan []byte, peerQueueSize),
		closed: make(chan struct{}),
	}
}

// push hands a datagram to the peer session. It never blocks.
func (p *peerConn) push(data []byte) bool {
	select {
	case <-p.closed:
		return false
	default:
	}

	select {
	case p.inbox <- data:
		return true
	default:
		return false
	}
}

func (p *peerConn) Read(b []byte) (int, error) {
	var timeout <-chan time.Time
	if d := p.readDeadline.Load(); d != 0 {
		wait := time.Until(time.Unix(0, d))
		if wait <= 0 {
			return 0, os.ErrDeadlineExceeded
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case data := <-p.inbox:
		return copy(b, data), nil
	case <-p.closed:
		return 0, io.EOF
	case <-timeout:
		return 0, os.ErrDeadlineExceeded
	}
}

func (p *peerConn) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, net.ErrClosed
	default:
	}
	return p.pc.WriteToUDP(b, p.remote)
}

func (p *peerConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *peerConn) LocalAddr() net.Addr  { return p.pc.LocalAddr() }
func (p *peerConn) RemoteAddr() net.Addr { return p.remote }

func (p *peerConn) SetDeadline(t time.Time) error {
	return p.SetReadDeadline(t)
}

func (p *peerConn) SetReadDeadline(t time.Time) error {
	if t.IsZero() {
		p.readDeadline.Store(0)
		return nil
	}
	p.readDeadline.Store(t.UnixNano())
	return nil
}

// SetWriteDeadline is a no-op: the socket is shared by every peer.
func (p *peerConn) SetWriteDeadline(time.Time) error { return nil }
