// Package wire implements the length-prefixed frame codec that carries
// handshake and Paxos command frames between cluster members.
package wire

import "fmt"

// CommandType enumerates the exhaustive set of wire-level command types.
type CommandType uint8

const (
	TypeHandshakeStart CommandType = iota + 1
	TypeHandshakeResponse
	TypeRequestPrepare
	TypeRequestPromise
	TypeRequestFail
	TypeRequestAccept
	TypeRequestAccepted
	TypeClientRequest
)

func (t CommandType) String() string {
	switch t {
	case TypeHandshakeStart:
		return "handshake-start"
	case TypeHandshakeResponse:
		return "handshake-response"
	case TypeRequestPrepare:
		return "request-prepare"
	case TypeRequestPromise:
		return "request-promise"
	case TypeRequestFail:
		return "request-fail"
	case TypeRequestAccept:
		return "request-accept"
	case TypeRequestAccepted:
		return "request-accepted"
	case TypeClientRequest:
		return "client-request"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// PeerState mirrors quorum.State without importing pkg/quorum, to keep the
// wire codec free of any dependency beyond the frame itself.
type PeerState uint8

const (
	StateUnknown PeerState = iota
	StateAliveFollower
	StateAliveLeader
	StateDead
)

// Command is the tagged record carried by every frame. All fields besides
// Type are optional; presence is tracked explicitly rather than inferred
// from zero values, since zero is a valid ProposalID and an empty Workload
// is a valid payload.
type Command struct {
	Type CommandType

	ProposalID   uint64
	HasProposal  bool
	Workload     []byte
	HasWorkload  bool
	HostID       uint64
	HasHostID    bool
	HostEndpoint string
	HasHostEndpoint bool
	HostState    PeerState
	HasHostState bool
}

// WithProposalID returns a copy of cmd carrying proposal id p.
func (c Command) WithProposalID(p uint64) Command {
	c.ProposalID, c.HasProposal = p, true
	return c
}

// WithWorkload returns a copy of cmd carrying workload w (may be empty but
// non-nil to signal presence).
func (c Command) WithWorkload(w []byte) Command {
	c.Workload, c.HasWorkload = w, true
	return c
}

// WithHost returns a copy of cmd carrying handshake host identity fields.
func (c Command) WithHost(id uint64, endpoint string, state PeerState) Command {
	c.HostID, c.HasHostID = id, true
	c.HostEndpoint, c.HasHostEndpoint = endpoint, true
	c.HostState, c.HasHostState = state, true
	return c
}
