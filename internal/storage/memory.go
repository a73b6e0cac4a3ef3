// internal/storage/memory.go
package storage

import (
	"iter"
	"sync"

	"fall-detection-client/internal/data"
)

// DefaultCapacity is the number of alerts kept before the oldest are evicted.
const DefaultCapacity = 100

// AlertLedger is a bounded, newest-first history of received alerts plus the
// latest-alert pointer. Entries are never reordered after insertion.
type AlertLedger struct {
	mu       sync.RWMutex
	buffer   []data.Alert
	latest   *data.Alert
	capacity int
}

func NewAlertLedger(capacity int) *AlertLedger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &AlertLedger{
		buffer:   make([]data.Alert, 0, capacity+1),
		capacity: capacity,
	}
}

// Record inserts a copy of the alert at the front and evicts past capacity.
// Duplicate ids are kept as separate entries.
func (l *AlertLedger) Record(alert data.Alert) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, data.Alert{})
	copy(l.buffer[1:], l.buffer[:len(l.buffer)-1])
	alert = alert.Clone()
	l.buffer[0] = alert
	if len(l.buffer) > l.capacity {
		clear(l.buffer[l.capacity:])
		l.buffer = l.buffer[:l.capacity]
	}

	latest := alert
	l.latest = &latest
}

func (l *AlertLedger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.buffer)
	l.buffer = l.buffer[:0]
	l.latest = nil
}

// Latest returns the most recently recorded alert.
func (l *AlertLedger) Latest() (data.Alert, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.latest == nil {
		return data.Alert{}, false
	}
	return l.latest.Clone(), true
}

func (l *AlertLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buffer)
}

func (l *AlertLedger) Capacity() int { return l.capacity }

// GetRecent returns copies of up to count alerts, newest first. count <= 0
// returns all.
func (l *AlertLedger) GetRecent(count int) []data.Alert {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if count <= 0 || count > len(l.buffer) {
		count = len(l.buffer)
	}
	result := make([]data.Alert, count)
	for i, a := range l.buffer[:count] {
		result[i] = a.Clone()
	}
	return result
}

func (l *AlertLedger) GetAll() []data.Alert {
	return l.GetRecent(0)
}

// Filter returns a read-only view of the alerts matching keep, in ledger
// order. Each iteration works on the ledger contents at the time it starts,
// so the sequence can be ranged over repeatedly.
func (l *AlertLedger) Filter(keep func(data.Alert) bool) iter.Seq[data.Alert] {
	return func(yield func(data.Alert) bool) {
		for _, a := range l.GetAll() {
			if keep != nil && !keep(a) {
				continue
			}
			if !yield(a) {
				return
			}
		}
	}
}

// MinSeverity is a Filter predicate keeping alerts at or above min.
func MinSeverity(min data.Severity) func(data.Alert) bool {
	return func(a data.Alert) bool { return a.Severity.AtLeast(min) }
}

// OfEventType is a Filter predicate keeping alerts of the given type.
func OfEventType(et data.EventType) func(data.Alert) bool {
	return func(a data.Alert) bool { return a.EventType == et }
}

// All combines predicates; every one must match.
func All(preds ...func(data.Alert) bool) func(data.Alert) bool {
	return func(a data.Alert) bool {
		for _, p := range preds {
			if p != nil && !p(a) {
				return false
			}
		}
		return true
	}
}
