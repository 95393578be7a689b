// Package handshake implements peer connection bootstrap and leader
// election, grounded directly on the four-step connect/send/reply/validate
// sequence of the paxos++ handshake protocol: every server dials every
// configured peer, exchanges identity, and the lowest host id among alive
// peers wins leadership on each health-check tick.
package handshake

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/paxosrun/paxosd/pkg/netconn"
	"github.com/paxosrun/paxosd/pkg/observability/metrics"
	"github.com/paxosrun/paxosd/pkg/observability/tracing"
	"github.com/paxosrun/paxosd/pkg/quorum"
	"github.com/paxosrun/paxosd/pkg/wire"
)

// Default timeouts, matching spec defaults of 3000ms handshake timeout and
// 1000ms health-check tick.
const (
	DefaultHandshakeTimeout   = 3000 * time.Millisecond
	DefaultHealthCheckInterval = 1000 * time.Millisecond
)

// Attempt dials endpoint, performs the initiator side of the handshake
// (step1+step2: connect, send handshake-start, await handshake-response),
// and validates the responder's reported endpoint (step4's assertion,
// returned as an error here instead of aborting the process). On success it
// returns the open connection, which the caller installs into the quorum
// and subsequently uses for all Paxos traffic addressed to that peer.
func Attempt(endpoint string, dialTimeout, respTimeout time.Duration, maxFrame uint32) (conn *netconn.Conn, hostID uint64, hostState quorum.State, err error) {
	c, err := netconn.Dial(endpoint, dialTimeout, maxFrame)
	if err != nil {
		metrics.HandshakeAttempts.WithLabelValues("connect-failed").Inc()
		return nil, 0, quorum.Dead, err
	}
	if err := c.Write(wire.Command{Type: wire.TypeHandshakeStart}); err != nil {
		metrics.HandshakeAttempts.WithLabelValues("write-failed").Inc()
		return nil, 0, quorum.Dead, err
	}
	resp, err := c.ReadCommand(respTimeout)
	if err != nil {
		metrics.HandshakeAttempts.WithLabelValues("timeout").Inc()
		return nil, 0, quorum.Dead, err
	}
	if resp.Type != wire.TypeHandshakeResponse || !resp.HasHostID || !resp.HasHostEndpoint || !resp.HasHostState {
		_ = c.Close()
		metrics.HandshakeAttempts.WithLabelValues("malformed").Inc()
		return nil, 0, quorum.Dead, fmt.Errorf("handshake: malformed response from %s", endpoint)
	}
	if resp.HostEndpoint != endpoint {
		_ = c.Close()
		metrics.HandshakeAttempts.WithLabelValues("endpoint-mismatch").Inc()
		return nil, 0, quorum.Dead, fmt.Errorf("handshake: %s reported endpoint %s, wanted %s", endpoint, resp.HostEndpoint, endpoint)
	}
	metrics.HandshakeAttempts.WithLabelValues("ok").Inc()
	return c, resp.HostID, quorum.State(resp.HostState), nil
}

// Respond builds the handshake-response frame (step3): this server's own
// identity, endpoint, and current state, sent back on whatever connection
// the handshake-start arrived on.
func Respond(selfID uint64, selfEndpoint string, selfState quorum.State) wire.Command {
	return wire.Command{Type: wire.TypeHandshakeResponse}.WithHost(selfID, selfEndpoint, wire.PeerState(selfState))
}

// Runner drives the periodic health-check tick: re-attempting handshakes
// with any peer not currently alive, and re-evaluating leader election.
type Runner struct {
	Quorum              *quorum.Quorum
	SelfID              uint64
	DialTimeout         time.Duration
	RespTimeout         time.Duration
	MaxFrame            uint32
	HealthCheckInterval time.Duration
	Logger              *log.Logger

	// OnConnected, if set, is invoked (off the tick goroutine) once a new
	// outbound connection is installed into the quorum.
	OnConnected func(endpoint string, conn *netconn.Conn)

	// OnLeaderChange is invoked whenever self's leader/follower status
	// flips, for metrics and logging hooks.
	OnLeaderChange func(isLeader bool)
}

func (r *Runner) interval() time.Duration {
	if r.HealthCheckInterval > 0 {
		return r.HealthCheckInterval
	}
	return DefaultHealthCheckInterval
}

// Run blocks, ticking until ctx is done. The initial tick fires immediately
// so startup does not wait a full interval before the first handshake
// attempt.
func (r *Runner) Run(ctx context.Context) {
	r.tick(ctx)
	ticker := time.NewTicker(r.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	self := r.Quorum.Self()
	for _, p := range r.Quorum.Servers() {
		if p.Endpoint == self.Endpoint {
			continue
		}
		if p.State.IsAlive() {
			if p.Conn() == nil {
				r.Quorum.AdjustState(p.Endpoint, quorum.Dead)
			} else {
				select {
				case <-p.Conn().Closed():
					r.Quorum.AdjustState(p.Endpoint, quorum.Dead)
					r.Quorum.SetConnection(p.Endpoint, nil)
				default:
					continue
				}
			}
		}
		go r.attempt(ctx, p.Endpoint)
	}
	r.electAndTransition()
}

func (r *Runner) attempt(ctx context.Context, endpoint string) {
	_, endSpan := tracing.StartSpan(ctx, "handshake.attempt")
	defer endSpan()
	conn, hostID, hostState, err := Attempt(endpoint, r.DialTimeout, r.RespTimeout, r.MaxFrame)
	if err != nil {
		if r.Logger != nil {
			r.Logger.Printf("handshake: %s unreachable: %v", endpoint, err)
		}
		r.Quorum.AdjustState(endpoint, quorum.Dead)
		return
	}
	select {
	case <-ctx.Done():
		_ = conn.Close()
		return
	default:
	}
	r.Quorum.SetIdentity(endpoint, hostID)
	r.Quorum.SetConnection(endpoint, conn)
	r.Quorum.AdjustState(endpoint, hostState)
	if r.OnConnected != nil {
		r.OnConnected(endpoint, conn)
	}
}

func (r *Runner) electAndTransition() {
	live := 0
	for _, p := range r.Quorum.Servers() {
		if p.Endpoint != r.Quorum.Self().Endpoint && p.State.IsAlive() {
			live++
		}
	}
	metrics.QuorumLivePeers.Set(float64(live))

	winner := r.Quorum.ElectLeader()
	if winner == "" {
		return
	}
	self := r.Quorum.Self()
	wasLeader := self.State == quorum.AliveLeader
	isLeader := winner == self.Endpoint
	if isLeader {
		r.Quorum.AdjustState(self.Endpoint, quorum.AliveLeader)
	} else {
		r.Quorum.AdjustState(self.Endpoint, quorum.AliveFollower)
	}
	metrics.IsLeader.Set(boolToFloat(isLeader))
	if isLeader != wasLeader {
		metrics.LeaderChanges.Inc()
		if r.OnLeaderChange != nil {
			r.OnLeaderChange(isLeader)
		}
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
