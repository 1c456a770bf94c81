package negotiation

import (
	"errors"
	"sync"

	"github.com/BioHazard786/warpcall/internal/protocol"
)

// CandidateSink is the receiving side of buffered candidates, normally a
// Machine.
type CandidateSink interface {
	// CandidateReady reports whether a usable remote description exists for c.
	CandidateReady(c protocol.Candidate) bool
	ApplyCandidate(c protocol.Candidate) error
}

// CandidateBuffer holds candidates that arrive before the remote description
// they belong to, keyed by remote connection id.
type CandidateBuffer struct {
	mu      sync.Mutex
	pending map[string][]protocol.Candidate
}

func NewCandidateBuffer() *CandidateBuffer {
	return &CandidateBuffer{pending: make(map[string][]protocol.Candidate)}
}

// Enqueue applies c right away when sink is ready for it and buffers it
// otherwise. A nil sink means no connection exists yet for remoteID; the
// candidate is kept until one claims it with Flush.
func (b *CandidateBuffer) Enqueue(remoteID string, c protocol.Candidate, sink CandidateSink) (applied bool, err error) {
	if sink != nil && sink.CandidateReady(c) {
		return true, sink.ApplyCandidate(c)
	}

	b.mu.Lock()
	b.pending[remoteID] = append(b.pending[remoteID], c)
	b.mu.Unlock()
	return false, nil
}

// Flush hands every buffered candidate for remoteID to sink in arrival order
// and clears the queue. Each candidate is handed over exactly once, even if
// applying it fails.
func (b *CandidateBuffer) Flush(remoteID string, sink CandidateSink) (int, error) {
	b.mu.Lock()
	queued := b.pending[remoteID]
	delete(b.pending, remoteID)
	b.mu.Unlock()

	var errs []error
	for _, c := range queued {
		if err := sink.ApplyCandidate(c); err != nil {
			errs = append(errs, err)
		}
	}
	return len(queued), errors.Join(errs...)
}

// Discard drops everything buffered for remoteID.
func (b *CandidateBuffer) Discard(remoteID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.pending[remoteID])
	delete(b.pending, remoteID)
	return n
}

// Len returns the number of candidates buffered for remoteID.
func (b *CandidateBuffer) Len(remoteID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[remoteID])
}

// Remotes returns the remote ids that currently have buffered candidates.
func (b *CandidateBuffer) Remotes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	return ids
}
