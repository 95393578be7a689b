package client

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/paxosrun/paxosd/pkg/wire"
)

// fakeServer accepts one connection, replies to handshake-start with the
// given state/id, then echoes every client-request workload back as
// request-accepted, in arrival order.
func fakeServer(t *testing.T, ln net.Listener, id uint64, state wire.PeerState) {
	t.Helper()
	nc, err := ln.Accept()
	if err != nil {
		return
	}
	defer nc.Close()
	endpoint := ln.Addr().String()
	for {
		cmd, err := wire.ReadCommand(nc, 0)
		if err != nil {
			return
		}
		var resp wire.Command
		switch cmd.Type {
		case wire.TypeHandshakeStart:
			resp = wire.Command{Type: wire.TypeHandshakeResponse}.WithHost(id, endpoint, state)
		case wire.TypeClientRequest:
			resp = wire.Command{Type: wire.TypeRequestAccepted}.WithWorkload(cmd.Workload)
		default:
			return
		}
		frame, err := wire.Encode(resp)
		if err != nil {
			return
		}
		if _, err := nc.Write(frame); err != nil {
			return
		}
	}
}

func TestSendRoundTripsThroughLeader(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go fakeServer(t, ln, 1, wire.StateAliveLeader)

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, err2 := strconv.Atoi(portStr)
	if err2 != nil {
		t.Fatalf("parse port: %v", err2)
	}

	c := New(nil)
	if err := c.Add(host, port); err != nil {
		t.Fatalf("add: %v", err)
	}
	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	got, err := c.Send(ctx, []byte("hello"), time.Second)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("expected echoed workload, got %q", got)
	}
}

func TestSendPipelinesInFIFOOrder(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go fakeServer(t, ln, 1, wire.StateAliveLeader)

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, err2 := strconv.Atoi(portStr)
	if err2 != nil {
		t.Fatalf("parse port: %v", err2)
	}

	c := New(nil)
	_ = c.Add(host, port)
	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	var chans []<-chan Result
	for i := 0; i < 5; i++ {
		ch, err := c.Submit(ctx, []byte{byte('0' + i)}, 2*time.Second)
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		chans = append(chans, ch)
	}
	for i, ch := range chans {
		select {
		case res := <-ch:
			if res.Err != nil {
				t.Fatalf("request %d: %v", i, res.Err)
			}
			if res.Workload[0] != byte('0'+i) {
				t.Fatalf("request %d: expected echo of %c, got %q", i, '0'+i, res.Workload)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("request %d: timed out", i)
		}
	}
}

func TestSendTimesOutWhenServerNeverReplies(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	// Accept handshake only, then stop responding to further frames.
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		defer nc.Close()
		endpoint := ln.Addr().String()
		cmd, err := wire.ReadCommand(nc, 0)
		if err != nil || cmd.Type != wire.TypeHandshakeStart {
			return
		}
		resp := wire.Command{Type: wire.TypeHandshakeResponse}.WithHost(1, endpoint, wire.StateAliveLeader)
		frame, _ := wire.Encode(resp)
		nc.Write(frame)
		// Read (and silently drop) the client-request, never responding.
		wire.ReadCommand(nc, 0)
		select {}
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, err2 := strconv.Atoi(portStr)
	if err2 != nil {
		t.Fatalf("parse port: %v", err2)
	}

	c := New(nil)
	_ = c.Add(host, port)
	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	start := time.Now()
	_, err = c.Send(ctx, []byte("x"), 100*time.Millisecond)
	elapsed := time.Since(start)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("expected timeout within ~100-200ms, took %v", elapsed)
	}
}

func TestFailsOnUnreachableServers(t *testing.T) {
	c := New(nil)
	_ = c.Add("127.0.0.1", 1) // unreachable
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Start(ctx); err == nil {
		t.Fatalf("expected start to fail with no reachable servers")
	}
}

