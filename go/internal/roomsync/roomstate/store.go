package roomstate

import (
	"sort"
	"sync"
	"time"
)

// Store is the canonical cache of connection status and liveness for one room session.
// Every write notifies subscribers synchronously, outside the lock, in registration order.
type Store struct {
	mu sync.RWMutex

	state       ConnectionState
	connectedAt *time.Time
	lastPong    time.Time
	lastBeat    time.Time
	members     map[string]Member

	obsMu     sync.Mutex
	nextObsID int
	observers []observer
}

type observer struct {
	id int
	fn func(Snapshot)
}

// New creates an empty store in the closed state
func New() *Store {
	return &Store{
		state:   StateClosed,
		members: make(map[string]Member),
	}
}

// Snapshot returns a copy of the current contents
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		ConnectionState:  s.state,
		LastPongReceived: s.lastPong,
		LastHeartbeat:    s.lastBeat,
		Members:          make(map[string]Member, len(s.members)),
	}
	if s.connectedAt != nil {
		t := *s.connectedAt
		snap.ConnectedAt = &t
	}
	for id, m := range s.members {
		snap.Members[id] = m
	}
	return snap
}

// ConnectionState returns the last state reported by the adapter
func (s *Store) ConnectionState() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetConnectionState records an adapter state transition
func (s *Store) SetConnectionState(state ConnectionState) {
	s.write(func() { s.state = state })
}

// ConnectedAt returns when the channel first reached open in this session
func (s *Store) ConnectedAt() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.connectedAt == nil {
		return time.Time{}, false
	}
	return *s.connectedAt, true
}

// MarkConnected sets connectedAt if it is not already set
func (s *Store) MarkConnected(at time.Time) {
	s.write(func() {
		if s.connectedAt == nil {
			s.connectedAt = &at
		}
	})
}

// ClearConnected unsets connectedAt
func (s *Store) ClearConnected() {
	s.write(func() { s.connectedAt = nil })
}

// LastPongReceived returns the remote pong clock
func (s *Store) LastPongReceived() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastPong
}

// MarkPong advances the remote pong clock. Older instants are ignored.
func (s *Store) MarkPong(at time.Time) {
	s.write(func() {
		if at.After(s.lastPong) {
			s.lastPong = at
		}
	})
}

// LastHeartbeat returns the local heartbeat clock
func (s *Store) LastHeartbeat() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastBeat
}

// MarkHeartbeat advances the local heartbeat clock. Older instants are ignored.
func (s *Store) MarkHeartbeat(at time.Time) {
	s.write(func() {
		if at.After(s.lastBeat) {
			s.lastBeat = at
		}
	})
}

// ResetLiveness sets both liveness clocks to at, even if that moves them back.
// Used on room entry and after a forced reconnection.
func (s *Store) ResetLiveness(at time.Time) {
	s.write(func() {
		s.lastPong = at
		s.lastBeat = at
	})
}

// ApplyPresence adds or removes a single member
func (s *Store) ApplyPresence(m Member, present bool) {
	s.write(func() {
		if present {
			s.members[m.UserID] = m
		} else {
			delete(s.members, m.UserID)
		}
	})
}

// ReplaceMembers swaps the whole roster, typically after a presence sync
func (s *Store) ReplaceMembers(members []Member) {
	s.write(func() {
		s.members = make(map[string]Member, len(members))
		for _, m := range members {
			s.members[m.UserID] = m
		}
	})
}

// Members returns the current roster ordered by user id
func (s *Store) Members() []Member {
	s.mu.RLock()
	out := make([]Member, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Subscribe registers fn to be called after every write
func (s *Store) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.obsMu.Lock()
	s.nextObsID++
	id := s.nextObsID
	s.observers = append(s.observers, observer{id: id, fn: fn})
	s.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.obsMu.Lock()
			defer s.obsMu.Unlock()
			for i, o := range s.observers {
				if o.id == id {
					s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *Store) write(apply func()) {
	s.mu.Lock()
	apply()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.obsMu.Lock()
	observers := make([]observer, len(s.observers))
	copy(observers, s.observers)
	s.obsMu.Unlock()

	for _, o := range observers {
		o.fn(snap)
	}
}
