package signal

import (
	"fmt"
	"testing"
)

func TestSeenSetSuppressesDuplicates(t *testing.T) {
	s := newSeenSet(10)

	if !s.Add("webrtc-offer|doctor-1|100") {
		t.Error("first add should report fresh")
	}
	if s.Add("webrtc-offer|doctor-1|100") {
		t.Error("second add of same key should report duplicate")
	}
	if !s.Add("webrtc-offer|doctor-1|101") {
		t.Error("different timestamp is a different key")
	}
}

func TestSeenSetCompactsToNewestHalf(t *testing.T) {
	s := newSeenSet(100)

	for i := 0; i < 101; i++ {
		s.Add(fmt.Sprintf("ice-candidate|patient-1|%d", i))
	}

	if got := s.Len(); got != 50 {
		t.Fatalf("after overflow Len() = %d, expected 50", got)
	}

	// The newest keys survive compaction.
	if s.Add("ice-candidate|patient-1|100") {
		t.Error("newest key should still be tracked")
	}
	// The oldest were forgotten and would be re-admitted.
	if !s.Add("ice-candidate|patient-1|0") {
		t.Error("oldest key should have been compacted away")
	}
}

func TestMessageDedupKey(t *testing.T) {
	tests := []struct {
		name     string
		msg      Message
		expected string
	}{
		{
			name:     "offer",
			msg:      Message{Type: TypeOffer, From: "doctor-1", Timestamp: 1700000000000},
			expected: "webrtc-offer|doctor-1|1700000000000",
		},
		{
			name:     "candidate ignores room and target",
			msg:      Message{Type: TypeCandidate, From: "patient-2", To: "doctor-1", RoomID: "room-9", Timestamp: 5},
			expected: "ice-candidate|patient-2|5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.DedupKey(); got != tt.expected {
				t.Errorf("DedupKey() = %q, expected %q", got, tt.expected)
			}
		})
	}
}
