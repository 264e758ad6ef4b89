// Package ledger keeps a bounded record of archival jobs already scheduled.
package ledger

// Ledger is a fixed-capacity, insertion-ordered set of keys. When full, adding a
// new key evicts the oldest one. It is not safe for concurrent use; each
// persistence worker owns its own ledgers.
type Ledger struct {
	ring  []string
	head  int
	size  int
	index map[string]struct{}
}

// New creates a ledger holding at most capacity keys. A capacity below one is
// treated as one.
func New(capacity int) *Ledger {
	if capacity < 1 {
		capacity = 1
	}
	return &Ledger{
		ring:  make([]string, capacity),
		index: make(map[string]struct{}, capacity),
	}
}

// Contains reports whether key is currently recorded.
func (l *Ledger) Contains(key string) bool {
	_, ok := l.index[key]
	return ok
}

// Add records key and reports whether it was newly added. Adding a key that is
// already present is a no-op and does not refresh its position.
func (l *Ledger) Add(key string) bool {
	if l.Contains(key) {
		return false
	}
	if l.size == len(l.ring) {
		oldest := l.ring[l.head]
		delete(l.index, oldest)
		l.ring[l.head] = key
		l.head = (l.head + 1) % len(l.ring)
	} else {
		l.ring[(l.head+l.size)%len(l.ring)] = key
		l.size++
	}
	l.index[key] = struct{}{}
	return true
}

// Len returns the number of recorded keys.
func (l *Ledger) Len() int { return l.size }

// keys returns the recorded keys from oldest to newest.
func (l *Ledger) keys() []string {
	out := make([]string, 0, l.size)
	for i := 0; i < l.size; i++ {
		out = append(out, l.ring[(l.head+i)%len(l.ring)])
	}
	return out
}
