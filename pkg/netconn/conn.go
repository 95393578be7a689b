// Package netconn implements the async duplex connection layer: per-operation
// deadlines, death detection, and an endpoint-keyed connection pool.
package netconn

import (
	"net"
	"sync"
	"time"

	"github.com/paxosrun/paxosd/pkg/wire"
)

// Conn wraps a net.Conn with framed read/write and one-shot deadline
// semantics: arming a new read deadline implicitly cancels the previous one,
// since it is simply overwritten on the underlying socket.
type Conn struct {
	nc       net.Conn
	endpoint string
	maxFrame uint32

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial opens a new outbound TCP connection to endpoint (host:port).
func Dial(endpoint string, dialTimeout time.Duration, maxFrame uint32) (*Conn, error) {
	nc, err := net.DialTimeout("tcp", endpoint, dialTimeout)
	if err != nil {
		return nil, err
	}
	return Wrap(nc, endpoint, maxFrame), nil
}

// Wrap adapts an already-established net.Conn (e.g. from a listener accept).
func Wrap(nc net.Conn, endpoint string, maxFrame uint32) *Conn {
	if maxFrame == 0 {
		maxFrame = wire.DefaultMaxFrameSize
	}
	return &Conn{nc: nc, endpoint: endpoint, maxFrame: maxFrame, closed: make(chan struct{})}
}

// Endpoint returns the remote endpoint this connection was dialed to or
// accepted from.
func (c *Conn) Endpoint() string { return c.endpoint }

// Write encodes cmd and transmits it; writes are serialized so frames are
// enqueued and transmitted in FIFO order even if called from multiple
// goroutines (the consensus engine writes to a peer from one goroutine per
// in-flight round).
func (c *Conn) Write(cmd wire.Command) error {
	frame, err := wire.Encode(cmd)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.nc.Write(frame); err != nil {
		_ = c.Close()
		return err
	}
	return nil
}

// ReadCommand blocks until one frame arrives, deadline expires, or the
// connection errors. Setting a new deadline here cancels whatever deadline a
// previous call armed, since both calls configure the same socket.
func (c *Conn) ReadCommand(deadline time.Duration) (wire.Command, error) {
	if deadline > 0 {
		_ = c.nc.SetReadDeadline(time.Now().Add(deadline))
	} else {
		_ = c.nc.SetReadDeadline(time.Time{})
	}
	cmd, err := wire.ReadCommand(c.nc, c.maxFrame)
	if err != nil {
		_ = c.Close()
		return wire.Command{}, err
	}
	return cmd, nil
}

// Closed returns a channel closed once this connection has been torn down,
// for callers that want to react to disconnection asynchronously.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

// Close tears down the underlying socket. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.nc.Close()
		close(c.closed)
	})
	return err
}
