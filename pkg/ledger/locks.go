package ledger

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fintrack/pkg/metrics"
)

// loanLocks serializes mutations per loan. Entries are reference counted and
// dropped once no goroutine holds or waits on them.
type loanLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*loanLock
}

type loanLock struct {
	mu   sync.Mutex
	refs int
}

func newLoanLocks() *loanLocks {
	return &loanLocks{locks: make(map[uuid.UUID]*loanLock)}
}

// lock blocks until the caller holds id's lock and returns its release func.
func (l *loanLocks) lock(id uuid.UUID) func() {
	start := time.Now()

	l.mu.Lock()
	ll, ok := l.locks[id]
	if !ok {
		ll = &loanLock{}
		l.locks[id] = ll
	}
	ll.refs++
	l.mu.Unlock()

	ll.mu.Lock()
	metrics.LockWait.Observe(time.Since(start).Seconds())

	return func() {
		ll.mu.Unlock()

		l.mu.Lock()
		ll.refs--
		if ll.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *loanLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
