package netconn

import (
	"fmt"
	"sync"
	"time"

	obsmetrics "github.com/paxosrun/paxosd/pkg/observability/metrics"
)

// Pool maps remote endpoint to an open Conn, dialing lazily on miss. It
// mirrors the idle-connection-cache shape of the teacher's gRPC ConnManager,
// adapted so entries are evicted on I/O error (detected via Conn.Closed())
// rather than on an idle TTL — a cluster member's connection is either live
// or it is re-established by the handshake layer on the next health-check
// tick, there is no "idle but still good" state to cache around.
type Pool struct {
	mu          sync.Mutex
	conns       map[string]*Conn
	dialTimeout time.Duration
	maxFrame    uint32
}

// NewPool constructs an empty pool.
func NewPool(dialTimeout time.Duration, maxFrame uint32) *Pool {
	if dialTimeout <= 0 {
		dialTimeout = 3 * time.Second
	}
	return &Pool{conns: make(map[string]*Conn), dialTimeout: dialTimeout, maxFrame: maxFrame}
}

// Acquire returns the pooled connection for endpoint, dialing a new one if
// none is open.
func (p *Pool) Acquire(endpoint string) (*Conn, error) {
	p.mu.Lock()
	if c, ok := p.conns[endpoint]; ok {
		select {
		case <-c.Closed():
			delete(p.conns, endpoint)
		default:
			p.mu.Unlock()
			return c, nil
		}
	}
	p.mu.Unlock()

	c, err := Dial(endpoint, p.dialTimeout, p.maxFrame)
	if err != nil {
		return nil, fmt.Errorf("netconn: dial %s: %w", endpoint, err)
	}
	p.Put(endpoint, c)
	return c, nil
}

// Put installs an already-open connection (e.g. one accepted by a listener)
// into the pool under endpoint, replacing and closing any prior entry.
func (p *Pool) Put(endpoint string, c *Conn) {
	p.mu.Lock()
	if old, ok := p.conns[endpoint]; ok && old != c {
		_ = old.Close()
	} else if !ok {
		obsmetrics.ConnPoolActive.Inc()
	}
	p.conns[endpoint] = c
	p.mu.Unlock()
	go func() {
		<-c.Closed()
		p.mu.Lock()
		if cur, ok := p.conns[endpoint]; ok && cur == c {
			delete(p.conns, endpoint)
			obsmetrics.ConnPoolActive.Dec()
		}
		p.mu.Unlock()
	}()
}

// Lookup returns the currently pooled connection for endpoint without
// dialing, or nil if none is open.
func (p *Pool) Lookup(endpoint string) *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[endpoint]
}

// Remove closes and evicts the connection for endpoint, if any.
func (p *Pool) Remove(endpoint string) {
	p.mu.Lock()
	c, ok := p.conns[endpoint]
	if ok {
		delete(p.conns, endpoint)
	}
	p.mu.Unlock()
	if ok {
		_ = c.Close()
	}
}

// Count returns the number of currently pooled connections.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}
