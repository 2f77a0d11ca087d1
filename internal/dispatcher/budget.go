package dispatcher

import (
	"sync"

	"github.com/JakeFAU/cfpl-crawler/internal/crawler"
)

// Budget caps the pages a job captures. Reservations count against the
// limit until they are committed or released, so concurrent workers can
// never capture more than the limit between them. A limit of zero or less
// never runs out.
type Budget struct {
	mu       sync.Mutex
	limit    int
	used     int
	reserved int
	done     chan struct{}
}

// NewBudget returns a budget of limit pages, used of which are already spent.
func NewBudget(limit, used int) *Budget {
	b := &Budget{limit: limit, used: used}
	if limit > 0 {
		b.done = make(chan struct{})
		if used >= limit {
			close(b.done)
		}
	}
	return b
}

// Reserve claims a page. It reports false while spent and outstanding
// reservations already cover the limit.
func (b *Budget) Reserve() bool {
	if b.limit <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used+b.reserved >= b.limit {
		return false
	}
	b.reserved++
	return true
}

// Commit turns a reservation into a spent page.
func (b *Budget) Commit() {
	if b.limit <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reserved > 0 {
		b.reserved--
	}
	b.used++
	if b.used == b.limit {
		close(b.done)
	}
}

// Release gives a reservation back unspent.
func (b *Budget) Release() {
	if b.limit <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reserved > 0 {
		b.reserved--
	}
}

// Used reports the pages spent so far.
func (b *Budget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Done is closed once the limit is reached. It is nil, and so never ready,
// for an unlimited budget.
func (b *Budget) Done() <-chan struct{} {
	return b.done
}

var _ crawler.PageBudget = (*Budget)(nil)
