package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/bream-house/bream"
	"github.com/bream-house/bream/outbox"
	"github.com/bream-house/bream/policy"
	"github.com/bream-house/bream/pubsub"
	"github.com/bream-house/bream/reject"
)

type fakeStore struct {
	mu      sync.Mutex
	saved   []*nostr.Event
	deleted map[string][]string // author -> deleted ids
	revoked []string            // ids already covered by a stored deletion
	saveErr error
}

func (s *fakeStore) SaveEvent(ctx context.Context, event *nostr.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, event)
	return nil
}

func (s *fakeStore) ReplaceEvent(ctx context.Context, event *nostr.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.saveErr != nil {
		return s.saveErr
	}

	kept := make([]*nostr.Event, 0, len(s.saved)+1)
	for _, prev := range s.saved {
		if prev.PubKey == event.PubKey && prev.Kind == event.Kind {
			continue
		}
		kept = append(kept, prev)
	}
	s.saved = append(kept, event)
	return nil
}

func (s *fakeStore) DeleteEvents(ctx context.Context, author string, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deleted == nil {
		s.deleted = make(map[string][]string)
	}
	s.deleted[author] = append(s.deleted[author], ids...)
	return int64(len(ids)), nil
}

func (s *fakeStore) QueryEvents(ctx context.Context, filters nostr.Filters) (bream.EventStream, error) {
	return bream.NewSliceStream(), nil
}

func (s *fakeStore) CountEvents(ctx context.Context, filters nostr.Filters) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, filter := range filters {
		for _, id := range filter.Tags["e"] {
			for _, revoked := range s.revoked {
				if id == revoked {
					return 1, false, nil
				}
			}
		}
	}
	return 0, false, nil
}

func (s *fakeStore) savedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

type fakeSinks struct {
	mu       sync.Mutex
	bumps    int
	hashtags []string
	urls     []string
	lists    []outbox.RelayList
}

func (s *fakeSinks) BumpAuthor(ctx context.Context, pubkey string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bumps++
	return nil
}

func (s *fakeSinks) RecordHashtags(ctx context.Context, hashtags []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashtags = append(s.hashtags, hashtags...)
	return nil
}

func (s *fakeSinks) RecordRelayURLs(ctx context.Context, urls []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urls = append(s.urls, urls...)
	return nil
}

func (s *fakeSinks) SaveRelayList(ctx context.Context, list outbox.RelayList) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists = append(s.lists, list)
	return nil
}

func freshEvent(id string, kind int) *nostr.Event {
	return &nostr.Event{
		ID:        id,
		PubKey:    "author",
		Kind:      kind,
		CreatedAt: nostr.Now(),
	}
}

func TestHandleEventIsIdempotent(t *testing.T) {
	store := &fakeStore{}
	sinks := &fakeSinks{}
	pipeline := New(store, WithSinks(sinks))

	event := freshEvent("e1", nostr.KindTextNote)
	event.Tags = nostr.Tags{{"t", "golang"}}

	for i := 0; i < 3; i++ {
		if err := pipeline.HandleEvent(context.Background(), event); err != nil {
			t.Fatalf("expected acceptance on call %d, got %v", i, err)
		}
	}
	pipeline.Wait()

	if n := store.savedCount(); n != 1 {
		t.Fatalf("expected 1 save, got %d", n)
	}

	if sinks.bumps != 1 {
		t.Fatalf("expected 1 author stat bump, got %d", sinks.bumps)
	}

	if len(sinks.hashtags) != 1 || sinks.hashtags[0] != "golang" {
		t.Fatalf("expected one hashtag record, got %v", sinks.hashtags)
	}
}

func TestRejectionVerdictIsCached(t *testing.T) {
	var calls int
	deny := policy.Func(func(ctx context.Context, event *nostr.Event) (bool, string, error) {
		calls++
		return false, "you are banned", nil
	})

	store := &fakeStore{}
	pipeline := New(store, WithPolicy(deny))

	event := freshEvent("e1", nostr.KindTextNote)
	want := reject.Blocked("you are banned")

	for i := 0; i < 2; i++ {
		if err := pipeline.HandleEvent(context.Background(), event); !errors.Is(err, want) {
			t.Fatalf("expected %v on call %d, got %v", want, i, err)
		}
	}

	if calls != 1 {
		t.Fatalf("expected 1 policy call, got %d", calls)
	}

	if n := store.savedCount(); n != 0 {
		t.Fatalf("expected no saves, got %d", n)
	}
}

func TestConcurrentSubmissionRunsOnce(t *testing.T) {
	store := &fakeStore{}
	pipeline := New(store)
	event := freshEvent("e1", nostr.KindTextNote)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pipeline.HandleEvent(context.Background(), event); err != nil {
				t.Errorf("expected acceptance, got %v", err)
			}
		}()
	}
	wg.Wait()

	if n := store.savedCount(); n != 1 {
		t.Fatalf("expected 1 save, got %d", n)
	}
}

func TestPolicyFailureAdmits(t *testing.T) {
	broken := policy.Func(func(ctx context.Context, event *nostr.Event) (bool, string, error) {
		return false, "", errors.New("plugin crashed")
	})

	store := &fakeStore{}
	pipeline := New(store, WithPolicy(broken))

	if err := pipeline.HandleEvent(context.Background(), freshEvent("e1", nostr.KindTextNote)); err != nil {
		t.Fatalf("expected acceptance, got %v", err)
	}

	if n := store.savedCount(); n != 1 {
		t.Fatalf("expected 1 save, got %d", n)
	}
}

func TestAdmitKnown(t *testing.T) {
	known := AdmitKnown(func(ctx context.Context, pubkey string) (bool, error) {
		return pubkey == "local", nil
	})

	store := &fakeStore{}
	pipeline := New(store, WithEligibility(known))

	stranger := freshEvent("e1", nostr.KindTextNote)
	want := reject.Blocked("only registered users can post")
	if err := pipeline.HandleEvent(context.Background(), stranger); !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}

	resident := freshEvent("e2", nostr.KindTextNote)
	resident.PubKey = "local"
	if err := pipeline.HandleEvent(context.Background(), resident); err != nil {
		t.Fatalf("expected acceptance, got %v", err)
	}
}

func TestEphemeralEventsAreNotStored(t *testing.T) {
	store := &fakeStore{}
	bus := pubsub.NewBus()
	sub := bus.Subscribe(nostr.Filters{{Kinds: []int{20001}}})
	defer sub.Close()

	pipeline := New(store, WithBus(bus))

	if err := pipeline.HandleEvent(context.Background(), freshEvent("e1", 20001)); err != nil {
		t.Fatalf("expected acceptance, got %v", err)
	}

	if n := store.savedCount(); n != 0 {
		t.Fatalf("expected no saves, got %d", n)
	}

	select {
	case event := <-sub.Events():
		if event.ID != "e1" {
			t.Fatalf("expected event e1, got %s", event.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a live delivery")
	}
}

func TestBackfillIsNotFannedOut(t *testing.T) {
	store := &fakeStore{}
	bus := pubsub.NewBus()
	sub := bus.Subscribe(nostr.Filters{{Kinds: []int{nostr.KindTextNote}}})
	defer sub.Close()

	pipeline := New(store, WithBus(bus))

	stale := freshEvent("e1", nostr.KindTextNote)
	stale.CreatedAt = nostr.Now() - nostr.Timestamp(3600)

	if err := pipeline.HandleEvent(context.Background(), stale); err != nil {
		t.Fatalf("expected acceptance, got %v", err)
	}

	if n := store.savedCount(); n != 1 {
		t.Fatalf("expected 1 save, got %d", n)
	}

	select {
	case event := <-sub.Events():
		t.Fatalf("expected no live delivery, got %s", event.ID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDeletion(t *testing.T) {
	target := strings.Repeat("a", 64)

	store := &fakeStore{}
	pipeline := New(store)

	deletion := freshEvent("e1", nostr.KindDeletion)
	deletion.Tags = nostr.Tags{{"e", target}, {"e", "not-an-id"}}

	if err := pipeline.HandleEvent(context.Background(), deletion); err != nil {
		t.Fatalf("expected acceptance, got %v", err)
	}

	if got := store.deleted["author"]; len(got) != 1 || got[0] != target {
		t.Fatalf("expected %s deleted for author, got %v", target, got)
	}

	// the deletion itself must survive
	if n := store.savedCount(); n != 1 {
		t.Fatalf("expected 1 save, got %d", n)
	}
}

func TestDeletionWithoutReferencesIsInvalid(t *testing.T) {
	pipeline := New(&fakeStore{})

	deletion := freshEvent("e1", nostr.KindDeletion)
	want := &reject.Reason{Prefix: reject.PrefixInvalid}

	if err := pipeline.HandleEvent(context.Background(), deletion); !errors.Is(err, want) {
		t.Fatalf("expected an invalid verdict, got %v", err)
	}
}

func TestRevokedEventIsNotReingested(t *testing.T) {
	store := &fakeStore{revoked: []string{"e1"}}
	pipeline := New(store)

	want := reject.Blocked("the event was deleted")
	if err := pipeline.HandleEvent(context.Background(), freshEvent("e1", nostr.KindTextNote)); !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}

	if n := store.savedCount(); n != 0 {
		t.Fatalf("expected no saves, got %d", n)
	}
}

func TestRelayListUpdatesRoutingTable(t *testing.T) {
	store := &fakeStore{}
	sinks := &fakeSinks{}
	pipeline := New(store, WithSinks(sinks))

	list := freshEvent("e1", nostr.KindRelayListMetadata)
	list.Tags = nostr.Tags{
		{"r", "wss://relay.one", "write"},
		{"r", "wss://relay.two", "read"},
	}

	if err := pipeline.HandleEvent(context.Background(), list); err != nil {
		t.Fatalf("expected acceptance, got %v", err)
	}
	pipeline.Wait()

	if len(sinks.lists) != 1 {
		t.Fatalf("expected 1 saved relay list, got %d", len(sinks.lists))
	}

	saved := sinks.lists[0]
	if len(saved.Write) != 1 || saved.Write[0] != "wss://relay.one" {
		t.Fatalf("expected write relay wss://relay.one, got %v", saved.Write)
	}

	// a newer list replaces the stored one instead of accumulating
	update := freshEvent("e2", nostr.KindRelayListMetadata)
	update.Tags = nostr.Tags{{"r", "wss://relay.three", "write"}}

	if err := pipeline.HandleEvent(context.Background(), update); err != nil {
		t.Fatalf("expected acceptance, got %v", err)
	}
	pipeline.Wait()

	if len(sinks.lists) != 2 {
		t.Fatalf("expected 2 saved relay lists, got %d", len(sinks.lists))
	}

	if n := store.savedCount(); n != 1 {
		t.Fatalf("expected 1 stored event, got %d", n)
	}
}

func TestReplaceableKindKeepsOnlyTheLatest(t *testing.T) {
	store := &fakeStore{}
	pipeline := New(store)

	profile := freshEvent("e1", nostr.KindProfileMetadata)
	update := freshEvent("e2", nostr.KindProfileMetadata)
	note := freshEvent("e3", nostr.KindTextNote)

	for _, event := range []*nostr.Event{profile, update, note} {
		if err := pipeline.HandleEvent(context.Background(), event); err != nil {
			t.Fatalf("expected acceptance of %s, got %v", event.ID, err)
		}
	}

	if n := store.savedCount(); n != 2 {
		t.Fatalf("expected 2 stored events, got %d", n)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	for _, event := range store.saved {
		if event.ID == "e1" {
			t.Fatal("expected the first profile to be superseded")
		}
	}
}

func TestBroadcastReceivesFreshEvents(t *testing.T) {
	store := &fakeStore{}

	var mu sync.Mutex
	var broadcasted []string
	fanout := func(ctx context.Context, event *nostr.Event) {
		mu.Lock()
		defer mu.Unlock()
		broadcasted = append(broadcasted, event.ID)
	}

	pipeline := New(store, WithBroadcast(fanout))

	if err := pipeline.HandleEvent(context.Background(), freshEvent("e1", nostr.KindTextNote)); err != nil {
		t.Fatalf("expected acceptance, got %v", err)
	}
	pipeline.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(broadcasted) != 1 || broadcasted[0] != "e1" {
		t.Fatalf("expected e1 to be broadcast, got %v", broadcasted)
	}
}
