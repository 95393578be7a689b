package quorum

import "testing"

func TestAddRejectsDuplicateAndAfterStart(t *testing.T) {
	q := New("127.0.0.1:1337")
	if err := q.Add("127.0.0.1:1338"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := q.Add("127.0.0.1:1338"); err == nil {
		t.Fatalf("expected error adding duplicate peer")
	}
	q.Start()
	if err := q.Add("127.0.0.1:1339"); err == nil {
		t.Fatalf("expected error adding after start")
	}
}

func TestSingleNodeElectsSelfImmediately(t *testing.T) {
	q := New("127.0.0.1:1337")
	q.Start()
	if got := q.ElectLeader(); got != "127.0.0.1:1337" {
		t.Fatalf("expected self-election, got %q", got)
	}
}

func TestElectLeaderPicksLowestIDAmongAlivePeers(t *testing.T) {
	q := New("127.0.0.1:1337")
	_ = q.Add("127.0.0.1:1338")
	_ = q.Add("127.0.0.1:1339")
	q.Start()

	q.SetIdentity("127.0.0.1:1337", 30)
	q.AdjustState("127.0.0.1:1337", AliveFollower)
	q.SetIdentity("127.0.0.1:1338", 10)
	q.AdjustState("127.0.0.1:1338", AliveFollower)
	q.SetIdentity("127.0.0.1:1339", 20)
	q.AdjustState("127.0.0.1:1339", Dead) // dead peers are excluded regardless of id

	if got := q.ElectLeader(); got != "127.0.0.1:1338" {
		t.Fatalf("expected lowest-id alive peer to win, got %q", got)
	}
}

func TestElectLeaderReturnsEmptyWithNoIdentifiedAlivePeers(t *testing.T) {
	q := New("127.0.0.1:1337")
	_ = q.Add("127.0.0.1:1338")
	q.Start()
	if got := q.ElectLeader(); got != "" {
		t.Fatalf("expected no winner, got %q", got)
	}
}

func TestAdjustStateAllowsDeadToAliveTransition(t *testing.T) {
	q := New("127.0.0.1:1337")
	_ = q.Add("127.0.0.1:1338")
	q.Start()

	q.AdjustState("127.0.0.1:1338", Dead)
	if q.Lookup("127.0.0.1:1338").State != Dead {
		t.Fatalf("expected dead state")
	}
	q.AdjustState("127.0.0.1:1338", AliveFollower)
	if q.Lookup("127.0.0.1:1338").State != AliveFollower {
		t.Fatalf("expected dead -> alive-follower transition to succeed")
	}
}

func TestWeAreTheLeaderReflectsSelfState(t *testing.T) {
	q := New("127.0.0.1:1337")
	q.Start()
	if q.WeAreTheLeader() {
		t.Fatalf("expected false before any state assignment")
	}
	q.AdjustState("127.0.0.1:1337", AliveLeader)
	if !q.WeAreTheLeader() {
		t.Fatalf("expected true once self is alive-leader")
	}
}

func TestSnapshotMarksSelfAndOrdersByEndpoint(t *testing.T) {
	q := New("127.0.0.1:1339")
	_ = q.Add("127.0.0.1:1337")
	_ = q.Add("127.0.0.1:1338")
	q.Start()

	snap := q.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(snap))
	}
	for i := 1; i < len(snap); i++ {
		if snap[i-1].Endpoint > snap[i].Endpoint {
			t.Fatalf("snapshot not sorted by endpoint: %+v", snap)
		}
	}
	var sawSelf bool
	for _, s := range snap {
		if s.Endpoint == "127.0.0.1:1339" {
			sawSelf = true
			if !s.Self {
				t.Fatalf("expected self entry marked Self=true")
			}
		}
	}
	if !sawSelf {
		t.Fatalf("self endpoint missing from snapshot")
	}
}
