package cache

import (
	"container/list"
	"time"
)

type ledgerEntry struct {
	key        string
	insertedAt time.Time
}

// Ledger is the insertion-ordered eviction queue every tier keeps next to its
// values. The front is always the oldest live key and a key appears at most
// once. A Ledger is not safe for concurrent use; tiers guard it with their
// own lock.
type Ledger struct {
	order *list.List
	index map[string]*list.Element
}

// NewLedger returns an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

// Touch records a write of key at the given time, moving it to the back.
func (l *Ledger) Touch(key string, at time.Time) {
	if el, ok := l.index[key]; ok {
		l.order.Remove(el)
	}
	l.index[key] = l.order.PushBack(ledgerEntry{key: key, insertedAt: at})
}

// Remove drops key and reports whether it was present.
func (l *Ledger) Remove(key string) bool {
	el, ok := l.index[key]
	if !ok {
		return false
	}
	l.order.Remove(el)
	delete(l.index, key)
	return true
}

// Contains reports whether key is tracked.
func (l *Ledger) Contains(key string) bool {
	_, ok := l.index[key]
	return ok
}

// Oldest returns the key at the front of the queue.
func (l *Ledger) Oldest() (string, bool) {
	el := l.order.Front()
	if el == nil {
		return "", false
	}
	entry, _ := el.Value.(ledgerEntry)
	return entry.key, true
}

// Expired returns, oldest first, the keys written more than maxAge before
// now. The scan stops at the first fresh entry.
func (l *Ledger) Expired(now time.Time, maxAge time.Duration) []string {
	var out []string
	for el := l.order.Front(); el != nil; el = el.Next() {
		entry, _ := el.Value.(ledgerEntry)
		if !entry.insertedAt.Add(maxAge).Before(now) {
			break
		}
		out = append(out, entry.key)
	}
	return out
}

// Len returns the number of tracked keys.
func (l *Ledger) Len() int {
	return l.order.Len()
}

// Keys returns a copy of the tracked keys, oldest first.
func (l *Ledger) Keys() []string {
	out := make([]string, 0, l.order.Len())
	for el := l.order.Front(); el != nil; el = el.Next() {
		entry, _ := el.Value.(ledgerEntry)
		out = append(out, entry.key)
	}
	return out
}

// Reset drops every key.
func (l *Ledger) Reset() {
	l.order.Init()
	l.index = make(map[string]*list.Element)
}
