package rtc

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
)

func cand(s string, mid *string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s, SDPMid: mid}
}

func TestApplyPendingKeepsOrderAndSkipsMalformed(t *testing.T) {
	mid := "0"
	q := &CandidateQueue{}
	q.Push(cand("candidate:a", &mid))
	q.Push(cand("", &mid))
	q.Push(cand("candidate:b", nil))
	q.Push(cand("candidate:c", &mid))
	q.Push(cand("candidate:reject", &mid))
	q.Push(cand("candidate:d", &mid))

	var applied, skipped []string
	n := ApplyPending(q,
		func(c webrtc.ICECandidateInit) error {
			if c.Candidate == "candidate:reject" {
				return errors.New("bad pair")
			}
			applied = append(applied, c.Candidate)
			return nil
		},
		func(c webrtc.ICECandidateInit, err error) {
			skipped = append(skipped, c.Candidate)
		},
	)

	want := []string{"candidate:a", "candidate:c", "candidate:d"}
	if n != len(want) || len(applied) != len(want) {
		t.Fatalf("applied=%v", applied)
	}
	for i := range want {
		if applied[i] != want[i] {
			t.Fatalf("applied=%v, want %v", applied, want)
		}
	}
	if len(skipped) != 3 {
		t.Fatalf("skipped=%v", skipped)
	}
	if q.Len() != 0 {
		t.Fatalf("queue not drained")
	}
	if ApplyPending(q, func(webrtc.ICECandidateInit) error { t.Fatal("reapplied"); return nil }, nil) != 0 {
		t.Fatalf("second drain applied candidates")
	}
}
