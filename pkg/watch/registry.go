// Package watch implements PulseDB's in-process and cross-process
// change notification. In-process subscribers get a bounded channel
// with non-blocking publish; cross-process readers poll a CSN-indexed
// ring buffer (pkg/watch/poll.go). The concurrency idiom follows the
// rest of the codebase: a sync.RWMutex guarding a plain map, the same
// pattern pkg/index's graph lock uses.
package watch

import "sync"

// EventType is the kind of change a WatchEvent reports.
type EventType int

const (
	Created EventType = iota
	Updated
	Archived
	Deleted
)

func (t EventType) String() string {
	switch t {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Archived:
		return "archived"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Event is one published change.
type Event struct {
	ExperienceID [16]byte
	CollectiveID [16]byte
	Type         EventType
	CSN          uint64
	TimestampMS  int64
}

// Filter narrows which events a subscriber receives. A nil slice/value
// for a field means "no constraint on this field."
type Filter struct {
	Domains      []string
	Types        []EventType
	MinImportance float64
	hasImportance bool
}

// NewFilter builds a Filter, recording whether MinImportance was set
// (the zero value 0 is otherwise indistinguishable from "no filter").
func NewFilter(domains []string, types []EventType, minImportance *float64) Filter {
	f := Filter{Domains: domains, Types: types}
	if minImportance != nil {
		f.MinImportance = *minImportance
		f.hasImportance = true
	}
	return f
}

func (f Filter) matchesType(t EventType) bool {
	if len(f.Types) == 0 {
		return true
	}
	for _, want := range f.Types {
		if want == t {
			return true
		}
	}
	return false
}

// Match reports whether event satisfies the filter given the event's
// associated domain tags and importance, supplied by the caller since
// Event itself only carries identifiers, not the full experience.
func (f Filter) Match(event Event, domains []string, importance float64) bool {
	if !f.matchesType(event.Type) {
		return false
	}
	if f.hasImportance && importance < f.MinImportance {
		return false
	}
	if len(f.Domains) == 0 {
		return true
	}
	for _, want := range f.Domains {
		for _, have := range domains {
			if want == have {
				return true
			}
		}
	}
	return false
}

// Subscriber is a handle into the registry. The zero value is not
// usable; construct via Registry.Subscribe. A Subscriber is reclaimed
// (weak-reference semantics) the first time the registry finds its
// Events channel's receiver gone — detected here via the closed flag
// set by Unsubscribe rather than true weak pointers, since Go has no
// GC-observable weak reference that fires on "nobody is receiving."
type Subscriber struct {
	id     uint64
	filter Filter
	ch     chan Event
	lag    int

	mu     sync.Mutex
	closed bool
}

// Events returns the channel new matching events are sent on.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Lag returns the number of events dropped for this subscriber because
// its buffer was full at publish time.
func (s *Subscriber) Lag() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lag
}

func (s *Subscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Registry fans out committed write events to in-process subscribers,
// one subscriber list per collective. Publish never blocks: a full
// subscriber buffer drops the event and increments that subscriber's
// lag counter instead.
type Registry struct {
	mu         sync.RWMutex
	bufferSize int
	nextID     uint64
	subs       map[[16]byte][]*Subscriber
}

// NewRegistry creates an empty registry. bufferSize sets the channel
// capacity new subscribers get (defaults to 1000).
func NewRegistry(bufferSize int) *Registry {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &Registry{
		bufferSize: bufferSize,
		subs:       make(map[[16]byte][]*Subscriber),
	}
}

// Subscribe registers a new subscriber for a collective.
func (r *Registry) Subscribe(collective [16]byte, filter Filter) *Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	sub := &Subscriber{
		id:     r.nextID,
		filter: filter,
		ch:     make(chan Event, r.bufferSize),
	}
	r.subs[collective] = append(r.subs[collective], sub)
	return sub
}

// Unsubscribe marks sub closed and removes it from the registry. Safe
// to call more than once.
func (r *Registry) Unsubscribe(collective [16]byte, sub *Subscriber) {
	sub.mu.Lock()
	sub.closed = true
	sub.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.subs[collective]
	for i, s := range list {
		if s == sub {
			r.subs[collective] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// Publish attempts a non-blocking send of event to every live
// subscriber of its collective whose filter matches. domains and
// importance describe the experience the event concerns, used only for
// filter evaluation. Closed subscribers encountered here are reaped
// (weak-reference semantics: nothing pins a dropped subscriber in the
// registry past its next publish attempt).
func (r *Registry) Publish(event Event, domains []string, importance float64) {
	r.mu.RLock()
	list := r.subs[event.CollectiveID]
	snapshot := make([]*Subscriber, len(list))
	copy(snapshot, list)
	r.mu.RUnlock()

	var dead []*Subscriber
	for _, sub := range snapshot {
		if sub.isClosed() {
			dead = append(dead, sub)
			continue
		}
		if !sub.filter.Match(event, domains, importance) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.mu.Lock()
			sub.lag++
			sub.mu.Unlock()
		}
	}

	if len(dead) > 0 {
		r.mu.Lock()
		list := r.subs[event.CollectiveID]
		for _, d := range dead {
			for i, s := range list {
				if s == d {
					list = append(list[:i], list[i+1:]...)
					break
				}
			}
		}
		r.subs[event.CollectiveID] = list
		r.mu.Unlock()
	}
}
