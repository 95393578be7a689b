package server

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/paxosrun/paxosd/pkg/client"
	"github.com/paxosrun/paxosd/pkg/paxoserr"
)

func echo(in []byte) []byte {
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func waitForLeader(t *testing.T, servers []*Server, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, s := range servers {
			if s.Quorum().WeAreTheLeader() {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("no server elected itself leader within %v", timeout)
}

func startThreeNodeCluster(t *testing.T, basePort int) ([]*Server, func()) {
	t.Helper()
	endpoints := []string{
		fmt.Sprintf("127.0.0.1:%d", basePort),
		fmt.Sprintf("127.0.0.1:%d", basePort+1),
		fmt.Sprintf("127.0.0.1:%d", basePort+2),
	}
	opts := Options{
		HandshakeTimeout:    500 * time.Millisecond,
		HealthCheckInterval: 50 * time.Millisecond,
		RequestTimeout:      2 * time.Second,
	}

	var servers []*Server
	ctx, cancel := context.WithCancel(context.Background())
	for i, ep := range endpoints {
		host, portStr, _ := splitHostPort(ep)
		port := atoiMust(t, portStr)
		_ = host
		s, err := NewServer("127.0.0.1", port, echo, opts)
		if err != nil {
			t.Fatalf("new server %d: %v", i, err)
		}
		for j, peer := range endpoints {
			if j == i {
				continue
			}
			peerHost, peerPortStr, _ := splitHostPort(peer)
			_ = s.Add(peerHost, atoiMust(t, peerPortStr))
		}
		if err := s.Start(ctx); err != nil {
			t.Fatalf("start server %d: %v", i, err)
		}
		servers = append(servers, s)
	}

	cleanup := func() { cancel() }
	return servers, cleanup
}

func TestThreeNodeClusterPipelinedRequests(t *testing.T) {
	servers, cleanup := startThreeNodeCluster(t, 19201)
	defer cleanup()
	waitForLeader(t, servers, 5*time.Second)

	c := client.New(nil)
	for p := 19201; p <= 19203; p++ {
		if err := c.Add("127.0.0.1", p); err != nil {
			t.Fatalf("client add: %v", err)
		}
	}
	ctx, cancelCtx := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCtx()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("client start: %v", err)
	}

	const n = 50
	var wg sync.WaitGroup
	errs := make([]error, n)
	got := make([][]byte, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			workload := []byte(fmt.Sprintf("%d", i))
			got[i], errs[i] = c.Send(ctx, workload, 10*time.Second)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("request %d failed: %v", i, errs[i])
		}
		want := []byte(fmt.Sprintf("%d", i))
		if !bytes.Equal(got[i], want) {
			t.Fatalf("request %d: expected %q, got %q", i, want, got[i])
		}
	}
}

func TestDeadPeerAtStartupStillServesRequests(t *testing.T) {
	basePort := 19211
	ep1 := fmt.Sprintf("127.0.0.1:%d", basePort)
	ep2 := fmt.Sprintf("127.0.0.1:%d", basePort+1)
	ep3 := fmt.Sprintf("127.0.0.1:%d", basePort+2) // never started

	opts := Options{HandshakeTimeout: 300 * time.Millisecond, HealthCheckInterval: 50 * time.Millisecond, RequestTimeout: 2 * time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s1, err := NewServer("127.0.0.1", basePort, echo, opts)
	if err != nil {
		t.Fatalf("new s1: %v", err)
	}
	_ = s1.Add("127.0.0.1", basePort+1)
	_ = s1.Add("127.0.0.1", basePort+2)
	if err := s1.Start(ctx); err != nil {
		t.Fatalf("start s1: %v", err)
	}

	s2, err := NewServer("127.0.0.1", basePort+1, echo, opts)
	if err != nil {
		t.Fatalf("new s2: %v", err)
	}
	_ = s2.Add("127.0.0.1", basePort)
	_ = s2.Add("127.0.0.1", basePort+2)
	if err := s2.Start(ctx); err != nil {
		t.Fatalf("start s2: %v", err)
	}

	waitForLeader(t, []*Server{s1, s2}, 5*time.Second)

	c := client.New(nil)
	_ = c.Add("127.0.0.1", basePort)
	_ = c.Add("127.0.0.1", basePort+1)
	_ = c.Add("127.0.0.1", basePort+2) // unreachable, client tolerates it
	cctx, cancelCtx := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCtx()
	if err := c.Start(cctx); err != nil {
		t.Fatalf("client start: %v", err)
	}

	got, err := c.Send(cctx, []byte("ping"), 3*time.Second)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !bytes.Equal(got, []byte("ping")) {
		t.Fatalf("expected echo, got %q", got)
	}
	_ = ep1
	_ = ep2
	_ = ep3
}

func TestClientReceivesFrameOversizeServerError(t *testing.T) {
	basePort := 19221
	opts := Options{HandshakeTimeout: 300 * time.Millisecond, HealthCheckInterval: 50 * time.Millisecond, RequestTimeout: time.Second, MaxFrameSize: 64}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := NewServer("127.0.0.1", basePort, echo, opts)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForLeader(t, []*Server{s}, 2*time.Second)

	c := client.New(nil)
	_ = c.Add("127.0.0.1", basePort)
	cctx, cancelCtx := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancelCtx()
	if err := c.Start(cctx); err != nil {
		t.Fatalf("client start: %v", err)
	}

	oversized := bytes.Repeat([]byte("x"), 128)
	_, sendErr := c.Send(cctx, oversized, 2*time.Second)
	if sendErr == nil {
		t.Fatalf("expected an error for an oversized workload")
	}
	if se, ok := sendErr.(*paxoserr.ServerError); ok {
		if se.Code != paxoserr.CodeFrameOversize && se.Code != paxoserr.CodeConnectionLost {
			t.Fatalf("expected frame-oversize or connection-lost, got %q", se.Code)
		}
	}
}

func splitHostPort(ep string) (string, string, error) {
	for i := len(ep) - 1; i >= 0; i-- {
		if ep[i] == ':' {
			return ep[:i], ep[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("no colon in %q", ep)
}

func atoiMust(t *testing.T, s string) int {
	t.Helper()
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			t.Fatalf("non-digit in port %q", s)
		}
		n = n*10 + int(r-'0')
	}
	return n
}
