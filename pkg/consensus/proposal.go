package consensus

import "github.com/paxosrun/paxosd/pkg/wire"

// responseState mirrors basic_paxos.cpp's response_none/response_ack/
// response_reject three-value state, kept as a distinct type rather than a
// bool since a peer that has not yet responded is a different state from
// one that responded negatively.
type responseState uint8

const (
	responseNone responseState = iota
	responseAck
	responseReject
)

func (s responseState) String() string {
	switch s {
	case responseAck:
		return "ack"
	case responseReject:
		return "reject"
	default:
		return "none"
	}
}

// clientWriter is the minimal surface Engine needs to reply on the
// connection a client-request frame arrived on; satisfied by *netconn.Conn.
type clientWriter interface {
	Write(cmd wire.Command) error
}

// Proposal is the leader-local record for one in-flight consensus round,
// one per client request. It is owned exclusively by the Engine's
// serializer goroutine; no locking is required on its fields.
type Proposal struct {
	ID         uint64
	Workload   []byte
	ClientConn clientWriter

	// Accepted tracks each polled peer's (including, once added, self's)
	// phase-1 response.
	Accepted map[string]responseState
	// Responses accumulates each polled peer's phase-2 executed workload,
	// keyed the same way as Accepted.
	Responses map[string][]byte
}
