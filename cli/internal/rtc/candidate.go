package rtc

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// ErrMalformedCandidate marks a candidate missing its descriptor or media id.
var ErrMalformedCandidate = errors.New("malformed ICE candidate")

// ValidateCandidate checks that c can be applied to a peer connection.
func ValidateCandidate(c webrtc.ICECandidateInit) error {
	if c.Candidate == "" || c.SDPMid == nil {
		return ErrMalformedCandidate
	}
	return nil
}

// CandidateQueue holds remote candidates that arrived before the remote
// description, in arrival order.
type CandidateQueue struct {
	mu    sync.Mutex
	items []webrtc.ICECandidateInit
}

// Push appends a candidate.
func (q *CandidateQueue) Push(c webrtc.ICECandidateInit) {
	q.mu.Lock()
	q.items = append(q.items, c)
	q.mu.Unlock()
}

// Len reports the number of queued candidates.
func (q *CandidateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain empties the queue, returning its contents in arrival order.
func (q *CandidateQueue) Drain() []webrtc.ICECandidateInit {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Reset discards all queued candidates.
func (q *CandidateQueue) Reset() {
	q.Drain()
}

// ApplyPending drains q into add. Malformed entries and entries add rejects
// are reported through skip and do not stop the drain.
func ApplyPending(q *CandidateQueue, add func(webrtc.ICECandidateInit) error, skip func(webrtc.ICECandidateInit, error)) int {
	applied := 0
	for _, c := range q.Drain() {
		if err := ValidateCandidate(c); err != nil {
			skip(c, err)
			continue
		}
		if err := add(c); err != nil {
			skip(c, err)
			continue
		}
		applied++
	}
	return applied
}
