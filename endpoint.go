package quic

import (
	"errors"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/zys-contribs/quic/internal/protocol"
)

// An endpoint is one bound UDP address of a socket. Reads are dispatched
// to sessions on the endpoint's loop; writes go straight to the kernel.
type endpoint struct {
	socket *Socket
	conn   net.PacketConn

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}

	// diagnostic packet loss injection; probabilities in [0,1]
	rxLossProbability float64
	txLossProbability float64
}

func newEndpoint(socket *Socket, conn net.PacketConn) *endpoint {
	return &endpoint{
		socket: socket,
		conn:   conn,
		closed: make(chan struct{}),
	}
}

func (e *endpoint) LocalAddr() net.Addr { return e.conn.LocalAddr() }

// run is the endpoint's read loop. It returns when the endpoint closes.
func (e *endpoint) run() error {
	buf := make([]byte, protocol.MaxPacketBufferSize)
	for {
		n, raddr, err := e.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-e.closed:
				return nil
			default:
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Temporary() { //nolint:staticcheck
				continue
			}
			return err
		}
		if n == 0 {
			continue
		}
		if e.rxLossProbability > 0 && rand.Float64() < e.rxLossProbability {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		e.socket.handlePacket(e, time.Now(), data, e.conn.LocalAddr(), raddr)
	}
}

// write sends one datagram.
func (e *endpoint) write(data []byte, raddr net.Addr) error {
	if e.txLossProbability > 0 && rand.Float64() < e.txLossProbability {
		return nil
	}
	_, err := e.conn.WriteTo(data, raddr)
	return err
}

func (e *endpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.closeErr = e.conn.Close()
	})
	return e.closeErr
}
