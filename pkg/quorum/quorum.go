// Package quorum tracks the static, in-memory peer table each server uses
// to answer "who is leader?" and "who is live?" Membership is fixed once
// Start is called; there is no runtime add/remove after that.
package quorum

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/paxosrun/paxosd/pkg/netconn"
)

// State is a peer's liveness state from the local server's point of view.
type State uint8

const (
	Unknown State = iota
	AliveFollower
	AliveLeader
	Dead
)

func (s State) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case AliveFollower:
		return "alive-follower"
	case AliveLeader:
		return "alive-leader"
	case Dead:
		return "dead"
	default:
		return "invalid"
	}
}

// IsAlive reports whether s is one of the two "alive-*" states.
func (s State) IsAlive() bool { return s == AliveFollower || s == AliveLeader }

// Peer is one entry in the quorum's peer table.
type Peer struct {
	Endpoint string
	ID       uint64
	HasID    bool
	State    State

	conn *netconn.Conn
}

// Conn returns the currently installed connection to this peer, or nil.
func (p *Peer) Conn() *netconn.Conn { return p.conn }

// Snapshot is the JSON-serializable view of a Peer exposed by the admin
// surface; it never carries the live *netconn.Conn handle.
type Snapshot struct {
	Endpoint  string `json:"endpoint"`
	ID        uint64 `json:"id,omitempty"`
	HasID     bool   `json:"has_id"`
	State     string `json:"state"`
	Connected bool   `json:"connected"`
	Self      bool   `json:"self"`
}

// Quorum is the in-memory peer table, including a distinguished self entry.
// Every method takes the internal mutex, since the handshake runner's
// per-peer goroutines, the consensus engine and the admin surface's handler
// goroutines all call into it concurrently. The *Peer records returned by
// Lookup, Servers and Self are shared, and reads of their fields are not
// synchronized.
type Quorum struct {
	mu      sync.RWMutex
	self    string
	peers   map[string]*Peer
	started bool
}

// New constructs a Quorum whose self entry is selfEndpoint.
func New(selfEndpoint string) *Quorum {
	q := &Quorum{self: selfEndpoint, peers: make(map[string]*Peer)}
	q.peers[selfEndpoint] = &Peer{Endpoint: selfEndpoint, State: Unknown}
	return q
}

// Add registers a peer endpoint. Must be called before Start; Add after
// Start returns an error since membership is static once running.
func (q *Quorum) Add(endpoint string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return fmt.Errorf("quorum: cannot add %s after start", endpoint)
	}
	if _, ok := q.peers[endpoint]; ok {
		return fmt.Errorf("quorum: duplicate peer %s", endpoint)
	}
	q.peers[endpoint] = &Peer{Endpoint: endpoint, State: Unknown}
	return nil
}

// Start freezes membership; subsequent Add calls fail.
func (q *Quorum) Start() {
	q.mu.Lock()
	q.started = true
	q.mu.Unlock()
}

// Lookup returns the peer record for endpoint, or nil if not a member.
func (q *Quorum) Lookup(endpoint string) *Peer {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.peers[endpoint]
}

// Servers returns every peer in the quorum including self, in stable
// (endpoint-sorted) order.
func (q *Quorum) Servers() []*Peer {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]*Peer, 0, len(q.peers))
	for _, p := range q.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// Self returns this server's own peer record.
func (q *Quorum) Self() *Peer {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.peers[q.self]
}

// WeAreTheLeader reports whether self's state is currently AliveLeader.
func (q *Quorum) WeAreTheLeader() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	p := q.peers[q.self]
	return p != nil && p.State == AliveLeader
}

// AdjustState transitions endpoint's liveness state. Any peer may move to
// Dead from any state; Dead -> alive-* is allowed on successful handshake.
func (q *Quorum) AdjustState(endpoint string, state State) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p, ok := q.peers[endpoint]; ok {
		p.State = state
	}
}

// SetConnection installs (or clears, with c == nil) the live connection
// handle for endpoint. The quorum holds this as a weak reference: closing
// the connection elsewhere does not automatically clear it here; the
// handshake runner clears it when a health-check tick finds it closed.
func (q *Quorum) SetConnection(endpoint string, c *netconn.Conn) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p, ok := q.peers[endpoint]; ok {
		p.conn = c
	}
}

// SetIdentity records the numeric host id learned from a peer's handshake
// response.
func (q *Quorum) SetIdentity(endpoint string, id uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p, ok := q.peers[endpoint]; ok {
		p.ID, p.HasID = id, true
	}
}

// ElectLeader evaluates the election rule: among alive peers, the lowest
// host id wins; ties cannot occur since ids are unique. A lone self with no
// peers immediately elects self. Returns the elected endpoint, or "" if no
// peer (including self) has a known id yet.
func (q *Quorum) ElectLeader() string {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if len(q.peers) == 1 {
		return q.self
	}

	var winner string
	var winnerID uint64
	found := false
	for ep, p := range q.peers {
		if !p.State.IsAlive() || !p.HasID {
			continue
		}
		if !found || p.ID < winnerID {
			winner, winnerID, found = ep, p.ID, true
		}
	}
	if !found {
		return ""
	}
	return winner
}

// Snapshot returns a JSON-friendly, lock-safe view of the full peer table,
// for the admin surface's GetStatus handler.
func (q *Quorum) Snapshot() []Snapshot {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]Snapshot, 0, len(q.peers))
	eps := make([]string, 0, len(q.peers))
	for ep := range q.peers {
		eps = append(eps, ep)
	}
	sort.Strings(eps)
	for _, ep := range eps {
		p := q.peers[ep]
		out = append(out, Snapshot{
			Endpoint:  p.Endpoint,
			ID:        p.ID,
			HasID:     p.HasID,
			State:     p.State.String(),
			Connected: p.conn != nil,
			Self:      ep == q.self,
		})
	}
	return out
}

// MarshalSnapshot is a convenience wrapper around Snapshot for callers that
// want the admin surface's wire format directly.
func (q *Quorum) MarshalSnapshot() ([]byte, error) {
	return json.Marshal(q.Snapshot())
}
