package eventlog

import "sort"

// Log is an append-only, deduplicating, always-sorted sequence of events.
// It is not safe for concurrent use; callers serialise access on the node
// executor.
type Log struct {
	events []Event
	ids    map[string]struct{}
}

// New returns an empty log.
func New() *Log {
	return &Log{ids: make(map[string]struct{})}
}

// FromEvents builds a log from a previously persisted slice. The slice is
// re-sorted and deduplicated, so a blob written by an older or buggy build
// still loads into a valid log.
func FromEvents(events []Event) *Log {
	l := New()
	for _, e := range events {
		l.Insert(e)
	}
	return l
}

// Insert places the event at its sorted position. It is idempotent: inserting
// an id the log already holds is a no-op. Reports whether the event was new.
func (l *Log) Insert(e Event) bool {
	if _, ok := l.ids[e.ID]; ok {
		return false
	}
	i := sort.Search(len(l.events), func(i int) bool {
		return Compare(l.events[i], e) >= 0
	})
	l.events = append(l.events, Event{})
	copy(l.events[i+1:], l.events[i:])
	l.events[i] = e
	l.ids[e.ID] = struct{}{}
	return true
}

// Contains reports whether an event with the given id is in the log.
func (l *Log) Contains(id string) bool {
	_, ok := l.ids[id]
	return ok
}

// Len returns the number of events in the log.
func (l *Log) Len() int {
	return len(l.events)
}

// IDs returns the ids of every event in log order.
func (l *Log) IDs() []string {
	ids := make([]string, len(l.events))
	for i, e := range l.events {
		ids[i] = e.ID
	}
	return ids
}

// Events returns a copy of the log in sorted order.
func (l *Log) Events() []Event {
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// MissingRelativeTo returns every local event whose id is not in the given
// set, preserving log order. This is the anti-entropy primitive: a peer sends
// us the ids it holds and we answer with what it lacks.
func (l *Log) MissingRelativeTo(ids []string) []Event {
	have := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		have[id] = struct{}{}
	}
	var missing []Event
	for _, e := range l.events {
		if _, ok := have[e.ID]; !ok {
			missing = append(missing, e)
		}
	}
	return missing
}

// Authors returns the distinct author peer ids appearing in the log, in
// first-appearance (log) order.
func (l *Log) Authors() []string {
	seen := make(map[string]struct{})
	var authors []string
	for _, e := range l.events {
		if _, ok := seen[e.AuthorPeerID]; !ok {
			seen[e.AuthorPeerID] = struct{}{}
			authors = append(authors, e.AuthorPeerID)
		}
	}
	return authors
}

// RemoveAuthor deletes every event authored by the given peer, keeping the
// remainder in the same relative order. Returns how many events were removed.
func (l *Log) RemoveAuthor(peerID string) int {
	kept := l.events[:0]
	removed := 0
	for _, e := range l.events {
		if e.AuthorPeerID == peerID {
			delete(l.ids, e.ID)
			removed++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(l.events); i++ {
		l.events[i] = Event{}
	}
	l.events = kept
	return removed
}
