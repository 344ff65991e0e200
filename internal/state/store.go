// Package state holds the published aggregate view and fans it out to
// read-only subscribers.
package state

import (
	"sync"

	"github.com/storeyes/livecount/internal/aggregate"
	"github.com/storeyes/livecount/internal/metrics"
)

// State is the contract published to UI collaborators.
type State struct {
	Products          map[string]int `json:"products"`
	TotalCount        int            `json:"totalCount"`
	NotificationToken *string        `json:"notificationToken"`
	Loading           bool           `json:"loading"`
}

// Store owns the aggregate. All mutations go through its methods, which
// serialise them behind one lock and publish a copy to every subscriber.
type Store struct {
	mu      sync.RWMutex
	agg     aggregate.Aggregate
	token   *string
	loading bool
	subs    map[chan State]struct{}
}

// NewStore returns an empty store that reports loading until the first
// snapshot attempt resolves.
func NewStore() *Store {
	return &Store{
		agg:     aggregate.New(),
		loading: true,
		subs:    make(map[chan State]struct{}),
	}
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stateLocked()
}

// Aggregate returns a copy of the current aggregate.
func (s *Store) Aggregate() aggregate.Aggregate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agg.Clone()
}

// Replace swaps in a snapshot wholesale and clears loading.
func (s *Store) Replace(a aggregate.Aggregate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agg = a.Clone()
	s.loading = false
	s.publishLocked()
}

// Apply merges one event as a single atomic update. An event the aggregate
// refuses leaves the state untouched and publishes nothing.
func (s *Store) Apply(e aggregate.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.agg.Add(e); err != nil {
		return err
	}
	s.publishLocked()
	return nil
}

// Clear empties the aggregate and marks the store as loading. Used when the
// application goes to the background.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.agg.Products) == 0 && s.agg.TotalCount == 0 && s.loading {
		return
	}
	s.agg = aggregate.New()
	s.loading = true
	s.publishLocked()
}

func (s *Store) SetLoading(loading bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loading == loading {
		return
	}
	s.loading = loading
	s.publishLocked()
}

// SetNotificationToken records the push token. An empty token clears it.
func (s *Store) SetNotificationToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next *string
	if token != "" {
		next = &token
	}
	if (s.token == nil && next == nil) || (s.token != nil && next != nil && *s.token == *next) {
		return
	}
	s.token = next
	s.publishLocked()
}

// Subscribe registers a subscriber. The channel always holds the most recent
// state: a slow reader skips intermediate states rather than blocking the
// writer. The returned func unsubscribes and closes the channel; it is safe
// to call more than once.
func (s *Store) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)

	s.mu.Lock()
	s.subs[ch] = struct{}{}
	metrics.SetSubscribers(len(s.subs))
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			metrics.SetSubscribers(len(s.subs))
			s.mu.Unlock()
			close(ch)
		})
	}
}

// SubscriberCount returns the number of live subscribers.
func (s *Store) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

func (s *Store) stateLocked() State {
	st := State{
		Products:   make(map[string]int, len(s.agg.Products)),
		TotalCount: s.agg.TotalCount,
		Loading:    s.loading,
	}
	for code, n := range s.agg.Products {
		st.Products[code] = n
	}
	if s.token != nil {
		tok := *s.token
		st.NotificationToken = &tok
	}
	return st
}

func (s *Store) publishLocked() {
	metrics.SetTotalCount(s.agg.TotalCount)
	for ch := range s.subs {
		st := s.stateLocked()
		select {
		case ch <- st:
			continue
		default:
		}
		// Drop the stale pending state and replace it with the latest.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
}
