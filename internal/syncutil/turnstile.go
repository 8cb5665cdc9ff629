package syncutil

import "sync"

// Turnstile admits holders of consecutive tickets one at a time, in ticket
// order. Every ticket handed out must eventually be passed to Done.
type Turnstile struct {
	mu   sync.Mutex
	cond *sync.Cond
	next uint64
}

// NewTurnstile creates a turnstile whose first admitted ticket is first.
func NewTurnstile(first uint64) *Turnstile {
	t := &Turnstile{next: first}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Reset moves the turnstile to first. Only call while no tickets are out.
func (t *Turnstile) Reset(first uint64) {
	t.mu.Lock()
	t.next = first
	t.mu.Unlock()
	t.cond.Broadcast()
}

// Wait blocks until ticket is admitted.
func (t *Turnstile) Wait(ticket uint64) {
	t.mu.Lock()
	for t.next != ticket {
		t.cond.Wait()
	}
	t.mu.Unlock()
}

// Done admits the ticket after this one.
func (t *Turnstile) Done(ticket uint64) {
	t.mu.Lock()
	t.next = ticket + 1
	t.mu.Unlock()
	t.cond.Broadcast()
}
