package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Command{
		{Type: TypeHandshakeStart},
		Command{Type: TypeHandshakeResponse}.WithHost(42, "127.0.0.1:1337", StateAliveLeader),
		Command{Type: TypeRequestPrepare}.WithProposalID(7),
		{Type: TypeRequestPromise},
		{Type: TypeRequestFail},
		Command{Type: TypeRequestAccept}.WithWorkload([]byte("hello")),
		Command{Type: TypeRequestAccepted}.WithWorkload([]byte{}),
		Command{Type: TypeClientRequest}.WithWorkload([]byte("0")),
	}
	for _, c := range cases {
		frame, err := Encode(c)
		if err != nil {
			t.Fatalf("encode %v: %v", c.Type, err)
		}
		got, err := ReadCommand(bytes.NewReader(frame), 0)
		if err != nil {
			t.Fatalf("decode %v: %v", c.Type, err)
		}
		if got.Type != c.Type {
			t.Fatalf("type mismatch: got %v want %v", got.Type, c.Type)
		}
		if got.HasProposal != c.HasProposal || got.ProposalID != c.ProposalID {
			t.Fatalf("proposal mismatch for %v: got %+v want %+v", c.Type, got, c)
		}
		if got.HasWorkload != c.HasWorkload || !bytes.Equal(got.Workload, c.Workload) {
			t.Fatalf("workload mismatch for %v: got %+v want %+v", c.Type, got, c)
		}
		if got.HasHostID != c.HasHostID || got.HostID != c.HostID {
			t.Fatalf("host id mismatch for %v", c.Type)
		}
		if got.HasHostEndpoint != c.HasHostEndpoint || got.HostEndpoint != c.HostEndpoint {
			t.Fatalf("host endpoint mismatch for %v", c.Type)
		}
		if got.HasHostState != c.HasHostState || got.HostState != c.HostState {
			t.Fatalf("host state mismatch for %v", c.Type)
		}
	}
}

func TestFrameOversizeAtCapBoundary(t *testing.T) {
	cmd := Command{Type: TypeRequestAccept}.WithWorkload(bytes.Repeat([]byte("a"), 10))
	frame, err := Encode(cmd)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := ReadCommand(bytes.NewReader(frame), uint32(len(frame)-4)); err != nil {
		t.Fatalf("expected frame exactly at cap to succeed, got %v", err)
	}
	if _, err := ReadCommand(bytes.NewReader(frame), uint32(len(frame)-5)); !errors.Is(err, ErrFrameOversize) {
		t.Fatalf("expected ErrFrameOversize one byte over cap, got %v", err)
	}
}

func TestFrameTruncated(t *testing.T) {
	cmd := Command{Type: TypeRequestAccept}.WithWorkload([]byte("hello world"))
	frame, err := Encode(cmd)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := ReadCommand(bytes.NewReader(frame[:len(frame)-3]), 0); !errors.Is(err, ErrFrameTruncated) {
		t.Fatalf("expected ErrFrameTruncated, got %v", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	// Declares a workload length field but provides no bytes.
	payload := []byte{byte(TypeRequestAccept), flagWorkload, 0, 0, 0, 5}
	if _, err := Decode(payload); !errors.Is(err, ErrDecodeMalformed) {
		t.Fatalf("expected ErrDecodeMalformed, got %v", err)
	}
}
