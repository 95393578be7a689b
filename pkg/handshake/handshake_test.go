package handshake

import (
	"net"
	"testing"
	"time"

	"github.com/paxosrun/paxosd/pkg/quorum"
	"github.com/paxosrun/paxosd/pkg/wire"
)

// serveOneHandshake accepts a single connection on ln, reads the expected
// handshake-start, and replies with a handshake-response built from the
// given identity fields.
func serveOneHandshake(t *testing.T, ln net.Listener, id uint64, endpoint string, state wire.PeerState) {
	t.Helper()
	nc, err := ln.Accept()
	if err != nil {
		return
	}
	defer nc.Close()
	if _, err := wire.ReadCommand(nc, 0); err != nil {
		t.Errorf("server: read handshake-start: %v", err)
		return
	}
	resp := Respond(id, endpoint, quorum.State(state))
	frame, err := wire.Encode(resp)
	if err != nil {
		t.Errorf("server: encode response: %v", err)
		return
	}
	if _, err := nc.Write(frame); err != nil {
		t.Errorf("server: write response: %v", err)
	}
}

func TestAttemptSucceedsAndValidatesEndpoint(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	endpoint := ln.Addr().String()

	go serveOneHandshake(t, ln, 42, endpoint, wire.StateAliveFollower)

	conn, hostID, hostState, err := Attempt(endpoint, time.Second, time.Second, 0)
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	defer conn.Close()
	if hostID != 42 {
		t.Fatalf("expected host id 42, got %d", hostID)
	}
	if hostState != quorum.AliveFollower {
		t.Fatalf("expected alive-follower, got %v", hostState)
	}
}

func TestAttemptRejectsEndpointMismatch(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	endpoint := ln.Addr().String()

	go serveOneHandshake(t, ln, 7, "127.0.0.1:1", wire.StateAliveFollower)

	if _, _, _, err := Attempt(endpoint, time.Second, time.Second, 0); err == nil {
		t.Fatalf("expected endpoint mismatch error")
	}
}

func TestAttemptFailsOnUnreachableEndpoint(t *testing.T) {
	// Port 1 on loopback should refuse immediately.
	if _, _, _, err := Attempt("127.0.0.1:1", 200*time.Millisecond, 200*time.Millisecond, 0); err == nil {
		t.Fatalf("expected connect error against unreachable endpoint")
	}
}

func TestRunnerElectsSingleNodeSelfLeader(t *testing.T) {
	q := quorum.New("127.0.0.1:19999")
	q.Start()

	var becameLeader bool
	r := &Runner{
		Quorum:         q,
		SelfID:         1,
		HealthCheckInterval: 50 * time.Millisecond,
		OnLeaderChange: func(isLeader bool) { becameLeader = isLeader },
	}
	r.electAndTransition()

	if !q.WeAreTheLeader() {
		t.Fatalf("expected single-node quorum to self-elect leader")
	}
	if !becameLeader {
		t.Fatalf("expected OnLeaderChange(true) to fire")
	}
}
