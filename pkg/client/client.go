// Package client implements the request multiplexer described in spec.md
// §4.6: pipelined submission over a persistent connection to the believed
// leader, with FIFO response matching and per-request timeouts.
package client

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/paxosrun/paxosd/pkg/handshake"
	"github.com/paxosrun/paxosd/pkg/netconn"
	"github.com/paxosrun/paxosd/pkg/paxoserr"
	"github.com/paxosrun/paxosd/pkg/quorum"
	"github.com/paxosrun/paxosd/pkg/wire"
)

// Result is delivered on a pending request's channel once its response
// arrives, the deadline fires, or the connection is lost.
type Result struct {
	Workload []byte
	Err      error
}

type pendingRequest struct {
	resultCh chan Result
	timer    *time.Timer
	expired  bool
}

// Client maintains one persistent connection to each known server endpoint,
// discovers which one is currently the leader via its own handshake against
// every server at startup, and pipelines requests to that connection.
//
// Response matching relies on the server processing requests on a single
// connection strictly in arrival order (spec.md §5): each connection owns
// a FIFO queue of pendingRequests, and the k-th inbound frame on that
// connection always completes the k-th entry still queued for it.
type Client struct {
	mu        sync.Mutex
	endpoints []string
	pool      *netconn.Pool
	queues    map[string][]*pendingRequest
	leader    string

	dialTimeout time.Duration
	maxFrame    uint32
	logger      *log.Logger

	started bool
}

// New constructs a Client. Dial timeout defaults to 3s. Connections to every
// added endpoint are tracked through a netconn.Pool, so
// pkg/observability/metrics' connpool gauge reflects live client
// connections.
func New(logger *log.Logger) *Client {
	return &Client{
		pool:        netconn.NewPool(3*time.Second, 0),
		queues:      make(map[string][]*pendingRequest),
		dialTimeout: 3 * time.Second,
		logger:      logger,
	}
}

// Add registers a server endpoint to connect to. Must be called before
// Start.
func (c *Client) Add(host string, port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("client: cannot add %s:%d after start", host, port)
	}
	c.endpoints = append(c.endpoints, fmt.Sprintf("%s:%d", host, port))
	return nil
}

// Start handshakes against every added endpoint and begins a read loop per
// connection that dispatches inbound frames to that connection's oldest
// pending request, tracking whichever endpoint currently reports itself
// alive-leader.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	endpoints := append([]string(nil), c.endpoints...)
	c.started = true
	c.mu.Unlock()

	for _, ep := range endpoints {
		conn, _, hostState, err := handshake.Attempt(ep, c.dialTimeout, c.dialTimeout, c.maxFrame)
		if err != nil {
			if c.logger != nil {
				c.logger.Printf("client: handshake with %s failed: %v", ep, err)
			}
			continue
		}
		c.pool.Put(ep, conn)
		c.mu.Lock()
		c.queues[ep] = nil
		if hostState == quorum.AliveLeader {
			c.leader = ep
		}
		c.mu.Unlock()
		go c.readLoop(ep, conn)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pool.Count() == 0 {
		return fmt.Errorf("client: no reachable servers among %v", endpoints)
	}
	if c.leader == "" {
		for ep := range c.queues {
			c.leader = ep
			break
		}
	}
	return nil
}

func (c *Client) readLoop(endpoint string, conn *netconn.Conn) {
	for {
		cmd, err := conn.ReadCommand(0)
		if err != nil {
			c.failAllOn(endpoint, paxoserr.ErrConnectionLost)
			return
		}
		switch cmd.Type {
		case wire.TypeRequestAccepted:
			c.completeOldest(endpoint, Result{Workload: cmd.Workload})
		case wire.TypeRequestFail:
			code := string(cmd.Workload)
			if code == "" {
				code = paxoserr.CodeNotLeader
			}
			c.completeOldest(endpoint, Result{Err: paxoserr.NewServerError(code)})
		default:
			if c.logger != nil {
				c.logger.Printf("client: unexpected frame %v from %s", cmd.Type, endpoint)
			}
		}
	}
}

// completeOldest pops the oldest request queued for endpoint and fulfills it
// with res. If that request's timeout already fired, res is its late
// response and is dropped.
func (c *Client) completeOldest(endpoint string, res Result) {
	c.mu.Lock()
	q := c.queues[endpoint]
	if len(q) == 0 {
		c.mu.Unlock()
		return
	}
	req := q[0]
	c.queues[endpoint] = q[1:]
	expired := req.expired
	c.mu.Unlock()
	if expired {
		return
	}
	req.timer.Stop()
	req.resultCh <- res
}

func (c *Client) failAllOn(endpoint string, err error) {
	c.pool.Remove(endpoint)
	c.mu.Lock()
	q := c.queues[endpoint]
	delete(c.queues, endpoint)
	if c.leader == endpoint {
		c.leader = ""
		for ep := range c.queues {
			c.leader = ep
			break
		}
	}
	c.mu.Unlock()

	for _, req := range q {
		if req.expired {
			continue
		}
		req.timer.Stop()
		req.resultCh <- Result{Err: err}
	}
}

// Submit pipelines workload to the believed leader and returns a channel
// that will receive exactly one Result.
func (c *Client) Submit(ctx context.Context, workload []byte, timeout time.Duration) (<-chan Result, error) {
	c.mu.Lock()
	leader := c.leader
	c.mu.Unlock()
	conn := c.pool.Lookup(leader)
	if conn == nil {
		return nil, paxoserr.ErrConnectionLost
	}
	c.mu.Lock()
	req := &pendingRequest{resultCh: make(chan Result, 1)}
	req.timer = time.AfterFunc(timeout, func() { c.expire(leader, req) })
	c.queues[leader] = append(c.queues[leader], req)
	c.mu.Unlock()

	if err := conn.Write(wire.Command{Type: wire.TypeClientRequest}.WithWorkload(workload)); err != nil {
		c.expire(leader, req)
		return nil, err
	}
	return req.resultCh, nil
}

func (c *Client) expire(endpoint string, req *pendingRequest) {
	c.mu.Lock()
	req.expired = true
	c.mu.Unlock()
	select {
	case req.resultCh <- Result{Err: paxoserr.ErrTimeout}:
	default:
	}
}

// Send is a convenience wrapper around Submit that blocks until the result
// or timeout arrives.
func (c *Client) Send(ctx context.Context, workload []byte, timeout time.Duration) ([]byte, error) {
	ch, err := c.Submit(ctx, workload, timeout)
	if err != nil {
		return nil, err
	}
	select {
	case res := <-ch:
		return res.Workload, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
