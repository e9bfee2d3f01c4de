package crawler

import (
	"sync"
)

// Ticket correlates an in-flight fetch with its continuation.
type Ticket uint64

// Ledger holds the continuations of in-flight fetches. A continuation leaves
// the ledger on Take, so each one is resumed at most once.
type Ledger struct {
	mu      sync.Mutex
	next    Ticket
	pending map[Ticket]Continuation
}

// NewLedger returns an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{pending: make(map[Ticket]Continuation)}
}

// Register stores cont and returns the ticket the fetch engine carries.
func (l *Ledger) Register(cont Continuation) Ticket {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	l.pending[l.next] = cont
	return l.next
}

// Take removes and returns the continuation for t.
func (l *Ledger) Take(t Ticket) (Continuation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cont, ok := l.pending[t]
	if !ok {
		return Continuation{}, ErrContinuationConsumed
	}
	delete(l.pending, t)
	return cont, nil
}

// Outstanding returns the number of continuations not yet taken.
func (l *Ledger) Outstanding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}
