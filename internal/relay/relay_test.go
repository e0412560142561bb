package relay

import (
	"testing"
	"time"
)

type fakeBroadcaster struct {
	calls int
	path  []string
}

func (f *fakeBroadcaster) BroadcastExcept(raw []byte, path []string) error {
	f.calls++
	f.path = path
	return nil
}

func TestReceiveDedupsWithinWindow(t *testing.T) {
	bc := &fakeBroadcaster{}
	r := New(bc)
	env := NewEnvelope("p1")
	now := time.Unix(0, 0)

	dup, fwd, err := r.Receive([]byte("payload"), env, []byte("raw"), "p2", now)
	if err != nil || dup || !fwd {
		t.Fatalf("first receive: dup=%v fwd=%v err=%v", dup, fwd, err)
	}
	dup, fwd, err = r.Receive([]byte("payload"), NewEnvelope("p1"), []byte("raw"), "p2", now.Add(time.Minute))
	if err != nil || !dup || fwd {
		t.Fatalf("second receive should dedup: dup=%v fwd=%v err=%v", dup, fwd, err)
	}
	if bc.calls != 1 {
		t.Fatalf("expected exactly one broadcast, got %d", bc.calls)
	}
}

func TestReceiveStopsAtZeroTTL(t *testing.T) {
	bc := &fakeBroadcaster{}
	r := New(bc)
	env := Envelope{TTL: 1, Path: []string{"p1"}}
	_, fwd, err := r.Receive([]byte("payload"), env, []byte("raw"), "p2", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if fwd {
		t.Fatalf("expected no forward once TTL reaches 0")
	}
	if bc.calls != 0 {
		t.Fatalf("expected no broadcast, got %d calls", bc.calls)
	}
}

func TestReceiveExpiresDedupAfterWindow(t *testing.T) {
	bc := &fakeBroadcaster{}
	r := New(bc)
	now := time.Unix(0, 0)
	_, _, err := r.Receive([]byte("payload"), NewEnvelope("p1"), []byte("raw"), "p2", now)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	dup, _, err := r.Receive([]byte("payload"), NewEnvelope("p1"), []byte("raw"), "p2", now.Add(DedupWindow+time.Second))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if dup {
		t.Fatalf("expected dedup entry to have expired")
	}
}

func TestPruneExpired(t *testing.T) {
	bc := &fakeBroadcaster{}
	r := New(bc)
	now := time.Unix(0, 0)
	if _, _, err := r.Receive([]byte("payload"), NewEnvelope("p1"), []byte("raw"), "p2", now); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if n := r.PruneExpired(now.Add(DedupWindow + time.Second)); n != 1 {
		t.Fatalf("expected 1 pruned entry, got %d", n)
	}
}

func TestInPath(t *testing.T) {
	env := Envelope{Path: []string{"p1", "p2"}}
	if !InPath(env, "p1") {
		t.Fatalf("expected p1 in path")
	}
	if InPath(env, "p3") {
		t.Fatalf("expected p3 not in path")
	}
}
