package bream

import (
	"context"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

type Subscription struct {
	ID      string
	Type    string // either "REQ" or "COUNT"
	Filters nostr.Filters

	cancel context.CancelFunc // calling it cancels the context of the associated REQ/COUNT
}

// Subscriptions holds the active subscriptions of a single client.
// All methods are safe for concurrent use.
type Subscriptions struct {
	mu    sync.RWMutex
	list  []Subscription // normally < 100 subs, so a slice is more efficient than a map
	stats *stats
}

// Add registers the subscription. If one with the same ID already exists,
// the old one is cancelled and replaced with the new.
func (s *Subscriptions) Add(new Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.list {
		if s.list[i].ID == new.ID {
			old := s.list[i]
			old.cancel()
			s.list[i] = new

			if s.stats != nil {
				s.stats.filters.Add(int64(len(new.Filters) - len(old.Filters)))
			}
			return
		}
	}

	s.list = append(s.list, new)
	if s.stats != nil {
		s.stats.subscriptions.Add(1)
		s.stats.filters.Add(int64(len(new.Filters)))
	}
}

// Remove cancels and removes the subscription with the provided ID, if present.
func (s *Subscriptions) Remove(ID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.list {
		if s.list[i].ID == ID {
			s.list[i].cancel()

			if s.stats != nil {
				s.stats.subscriptions.Add(-1)
				s.stats.filters.Add(-int64(len(s.list[i].Filters)))
			}

			last := len(s.list) - 1
			s.list[i], s.list[last] = s.list[last], Subscription{}
			s.list = s.list[:last]
			return
		}
	}
}

// Matching returns the IDs of the REQ subscriptions whose filters match the event.
func (s *Subscriptions) Matching(event *nostr.Event) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var IDs []string
	for _, sub := range s.list {
		if sub.Type == "REQ" && sub.Filters.Match(event) {
			IDs = append(IDs, sub.ID)
		}
	}
	return IDs
}

// List returns a copy of the active subscriptions.
func (s *Subscriptions) List() []Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]Subscription, len(s.list))
	copy(list, s.list)
	return list
}

// clear cancels and removes all subscriptions, returning the removed ones.
// It's called once, when the client unregisters.
func (s *Subscriptions) clear() []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.list {
		sub.cancel()
	}

	if s.stats != nil {
		s.stats.subscriptions.Add(-int64(len(s.list)))
		for _, sub := range s.list {
			s.stats.filters.Add(-int64(len(sub.Filters)))
		}
	}

	cleared := s.list
	s.list = nil
	return cleared
}
