package cluster

import (
	"context"
	"sync"

	"github.com/pingcap/errors"
)

// mailbox is an unbounded MPMC queue of envelopes for one tag of one rank.
// Takers may filter by sender; envelopes from the same sender are taken in
// arrival order.
type mailbox struct {
	mu     sync.Mutex
	queue  []Envelope
	closed bool

	// changed is closed and replaced whenever the queue grows or the
	// mailbox closes.
	changed chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{changed: make(chan struct{})}
}

// put appends env. It returns false if the mailbox is closed.
func (m *mailbox) put(env Envelope) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.queue = append(m.queue, env)
	close(m.changed)
	m.changed = make(chan struct{})
	return true
}

// take removes and returns the oldest envelope from sender from, or from any
// sender if from is AnyRank. It blocks until one arrives, ctx is done or the
// mailbox is closed. Queued envelopes are still handed out after close.
func (m *mailbox) take(ctx context.Context, from Rank) (Envelope, error) {
	for {
		m.mu.Lock()
		for i, env := range m.queue {
			if from == AnyRank || env.From == from {
				m.queue = append(m.queue[:i], m.queue[i+1:]...)
				m.mu.Unlock()
				return env, nil
			}
		}
		if m.closed {
			m.mu.Unlock()
			return Envelope{}, errMailboxClosed
		}
		changed := m.changed
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return Envelope{}, errors.Trace(ctx.Err())
		case <-changed:
		}
	}
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.changed)
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

var errMailboxClosed = errors.New("mailbox closed")
