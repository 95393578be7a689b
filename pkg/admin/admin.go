// Package admin defines the shared status surface served by the httpjson
// and grpc backends: a read-only view of quorum membership and consensus
// outcome counters, distinct from the Paxos/handshake wire protocol itself.
package admin

import (
	"context"
	"encoding/json"

	"github.com/paxosrun/paxosd/pkg/quorum"
)

// Status is the JSON payload served at GET /status (httpjson) or
// Management.GetStatus (grpc).
type Status struct {
	Self      string            `json:"self"`
	Leader    string            `json:"leader,omitempty"`
	IsLeader  bool              `json:"is_leader"`
	Peers     []quorum.Snapshot `json:"peers"`
	Proposals map[string]uint64 `json:"proposals,omitempty"`
}

// StatusFunc produces a fresh Status snapshot, called once per request.
type StatusFunc func(ctx context.Context) (Status, error)

// MarshalStatus renders status as the wire format both backends share.
func MarshalStatus(s Status) ([]byte, error) {
	return json.Marshal(s)
}

// BuildStatusFunc closes over q to answer GetStatus requests; leader is
// derived from q itself. The returned Status leaves Proposals empty: proposal
// counters are exposed only through the Prometheus /metrics endpoint.
func BuildStatusFunc(q *quorum.Quorum) StatusFunc {
	return func(ctx context.Context) (Status, error) {
		self := q.Self()
		leader := ""
		for _, p := range q.Servers() {
			if p.State == quorum.AliveLeader {
				leader = p.Endpoint
				break
			}
		}
		return Status{
			Self:     self.Endpoint,
			Leader:   leader,
			IsLeader: q.WeAreTheLeader(),
			Peers:    q.Snapshot(),
		}, nil
	}
}
