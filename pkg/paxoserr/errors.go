// Package paxoserr collects the sentinel error taxonomy shared by the
// consensus engine and client multiplexer.
package paxoserr

import (
	"errors"
	"fmt"
)

// Transport errors.
var (
	ErrConnectFailed    = errors.New("paxosd: connect failed")
	ErrReadTimeout      = errors.New("paxosd: read timeout")
	ErrWriteFailed      = errors.New("paxosd: write failed")
	ErrEOF              = errors.New("paxosd: connection closed by peer")
	ErrFrameTruncated   = errors.New("paxosd: frame truncated")
	ErrFrameOversize    = errors.New("paxosd: frame oversize")
	ErrDecodeMalformed  = errors.New("paxosd: frame malformed")
)

// Protocol errors.
var (
	ErrNotLeader          = errors.New("paxosd: not leader")
	ErrProposalRejected   = errors.New("paxosd: proposal rejected")
	ErrUnanimousNotReached = errors.New("paxosd: unanimous acceptance not reached")
)

// Consistency errors.
var (
	ErrResponsesDivergent = errors.New("paxosd: peers returned divergent responses")
)

// Client-surface errors.
var (
	ErrTimeout        = errors.New("paxosd: request timed out")
	ErrConnectionLost = errors.New("paxosd: connection lost")
)

// Wire-visible error codes, returned in ServerError.Code and matching the
// error-code table of the wire protocol.
const (
	CodeIncorrectProposal    = "incorrect-proposal"
	CodeInconsistentResponse = "inconsistent-response"
	CodeNotLeader            = "not-leader"
	CodeTimeout              = "timeout"
	CodeConnectionLost       = "connection-lost"
	CodeFrameOversize        = "frame-oversize"
	CodeFrameTruncated       = "frame-truncated"
	CodeDecodeMalformed      = "decode-malformed"
)

// ServerError is the typed error a client.Send caller can switch on, instead
// of matching against an opaque error string. It carries the wire-visible
// code returned by the leader or synthesized locally by the client.
type ServerError struct {
	Code string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("paxosd: server error: %s", e.Code)
}

// NewServerError constructs a *ServerError for code.
func NewServerError(code string) *ServerError {
	return &ServerError{Code: code}
}
