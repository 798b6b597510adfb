package membership

import (
	"testing"

	"github.com/danmuck/meshctl/internal/testutil/testlog"
)

func TestNewViewNormalizesParticipants(t *testing.T) {
	testlog.Start(t)

	v := NewView(3, []ParticipantID{"worker-2", "worker-0", "worker-1", "worker-0"})
	if len(v.Participants) != 3 {
		t.Fatalf("expected 3 unique participants, got %d", len(v.Participants))
	}
	want := []ParticipantID{"worker-0", "worker-1", "worker-2"}
	for i, id := range want {
		if v.Participants[i] != id {
			t.Fatalf("participant %d: expected %q, got %q", i, id, v.Participants[i])
		}
	}
	if !v.Contains("worker-1") {
		t.Fatalf("expected view to contain worker-1")
	}
	if v.Contains("worker-9") {
		t.Fatalf("did not expect view to contain worker-9")
	}
}

func TestViewCloneIsIsolated(t *testing.T) {
	testlog.Start(t)

	v := NewView(1, []ParticipantID{"a", "b"})
	v.Capacity = map[ParticipantID]float64{"a": 1.0}

	clone := v.Clone()
	clone.Participants[0] = "mutated"
	clone.Capacity["a"] = 9.0

	if v.Participants[0] != "a" {
		t.Fatalf("clone mutation leaked into participants: %q", v.Participants[0])
	}
	if v.Capacity["a"] != 1.0 {
		t.Fatalf("clone mutation leaked into capacity: %v", v.Capacity["a"])
	}
}

func TestViewDiff(t *testing.T) {
	testlog.Start(t)

	prev := NewView(1, []ParticipantID{"a", "b", "c"})
	next := NewView(2, []ParticipantID{"b", "c", "d"})

	joined := next.Joined(prev)
	if len(joined) != 1 || joined[0] != "d" {
		t.Fatalf("expected joined=[d], got %v", joined)
	}
	departed := next.Departed(prev)
	if len(departed) != 1 || departed[0] != "a" {
		t.Fatalf("expected departed=[a], got %v", departed)
	}
}

func TestValidID(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		id   ParticipantID
		want bool
	}{
		{"worker-0", true},
		{"host:9001", true},
		{"a.b_c-d", true},
		{"", false},
		{"-worker", false},
		{"worker-", false},
		{"wor--ker", false},
		{"Worker", false},
		{"w k", false},
	}
	for _, tc := range cases {
		if got := ValidID(tc.id); got != tc.want {
			t.Fatalf("ValidID(%q): expected %v, got %v", tc.id, tc.want, got)
		}
	}
}
