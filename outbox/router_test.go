package outbox

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

// mapSource is an in-memory [ListSource] for tests.
type mapSource map[string]RelayList

func (m mapSource) RelayList(ctx context.Context, pubkey string) (RelayList, bool, error) {
	list, ok := m[pubkey]
	return list, ok, nil
}

func TestNewer(t *testing.T) {
	old := RelayList{PubKey: "pk", CreatedAt: 100}
	update := RelayList{PubKey: "pk", CreatedAt: 200}

	if !update.Newer(old) {
		t.Fatal("expected the later list to be newer")
	}
	if old.Newer(update) {
		t.Fatal("expected the earlier list not to be newer")
	}
	if old.Newer(old) {
		t.Fatal("expected a list not to be newer than itself")
	}
}

func TestParseRelayList(t *testing.T) {
	tests := []struct {
		name  string
		event *nostr.Event
		list  RelayList
		err   error
	}{
		{
			name:  "wrong kind",
			event: &nostr.Event{Kind: nostr.KindTextNote},
			err:   ErrNotRelayList,
		},
		{
			name: "unmarked relays serve both directions",
			event: &nostr.Event{
				Kind:      nostr.KindRelayListMetadata,
				PubKey:    "pk",
				CreatedAt: 100,
				Tags:      nostr.Tags{{"r", "wss://relay.one"}},
			},
			list: RelayList{
				PubKey:    "pk",
				CreatedAt: 100,
				Read:      []string{"wss://relay.one"},
				Write:     []string{"wss://relay.one"},
			},
		},
		{
			name: "markers are respected",
			event: &nostr.Event{
				Kind:   nostr.KindRelayListMetadata,
				PubKey: "pk",
				Tags: nostr.Tags{
					{"r", "wss://read.me", "read"},
					{"r", "wss://write.me", "write"},
				},
			},
			list: RelayList{
				PubKey: "pk",
				Read:   []string{"wss://read.me"},
				Write:  []string{"wss://write.me"},
			},
		},
		{
			name: "insecure and malformed urls are dropped",
			event: &nostr.Event{
				Kind:   nostr.KindRelayListMetadata,
				PubKey: "pk",
				Tags: nostr.Tags{
					{"r", "ws://plaintext.example"},
					{"r", "not a url"},
					{"r", "wss://"},
					{"r", "wss://good.example"},
				},
			},
			list: RelayList{
				PubKey: "pk",
				Read:   []string{"wss://good.example"},
				Write:  []string{"wss://good.example"},
			},
		},
		{
			name: "duplicates are collapsed",
			event: &nostr.Event{
				Kind:   nostr.KindRelayListMetadata,
				PubKey: "pk",
				Tags: nostr.Tags{
					{"r", "wss://relay.one"},
					{"r", "wss://relay.one/", "read"},
				},
			},
			list: RelayList{
				PubKey: "pk",
				Read:   []string{"wss://relay.one"},
				Write:  []string{"wss://relay.one"},
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			list, err := ParseRelayList(test.event)
			if !errors.Is(err, test.err) {
				t.Fatalf("expected error %v, got %v", test.err, err)
			}

			if err == nil && !reflect.DeepEqual(list, test.list) {
				t.Fatalf("expected list %v, got %v", test.list, list)
			}
		})
	}
}

func TestPlanSubscription(t *testing.T) {
	source := mapSource{
		"alice": {PubKey: "alice", Write: []string{"wss://a.one", "wss://shared"}},
		"bob":   {PubKey: "bob", Write: []string{"wss://shared"}},
		"carol": {PubKey: "carol", Read: []string{"wss://c.reads"}},
	}

	router := NewRouter(source, WithDefaultRelays("wss://fallback"))

	tests := []struct {
		name   string
		filter nostr.Filter
		viewer string
		plan   []RelayFilter
	}{
		{
			name:   "authors are grouped by write relay",
			filter: nostr.Filter{Authors: []string{"alice", "bob"}, Kinds: []int{1}},
			plan: []RelayFilter{
				{URL: "wss://a.one", Filter: nostr.Filter{Authors: []string{"alice"}, Kinds: []int{1}}},
				{URL: "wss://shared", Filter: nostr.Filter{Authors: []string{"alice", "bob"}, Kinds: []int{1}}},
			},
		},
		{
			name:   "unknown author falls back to the defaults",
			filter: nostr.Filter{Authors: []string{"nobody"}},
			plan: []RelayFilter{
				{URL: "wss://fallback", Filter: nostr.Filter{Authors: []string{"nobody"}}},
			},
		},
		{
			name:   "author-less filter goes to the viewer's read relays",
			filter: nostr.Filter{Kinds: []int{1}},
			viewer: "carol",
			plan: []RelayFilter{
				{URL: "wss://c.reads", Filter: nostr.Filter{Kinds: []int{1}}},
			},
		},
		{
			name:   "author-less filter without a viewer goes to the defaults",
			filter: nostr.Filter{Kinds: []int{1}},
			plan: []RelayFilter{
				{URL: "wss://fallback", Filter: nostr.Filter{Kinds: []int{1}}},
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			plan := router.PlanSubscription(context.Background(), test.filter, test.viewer)
			for i := range plan {
				sort.Strings(plan[i].Filter.Authors)
			}

			if !reflect.DeepEqual(plan, test.plan) {
				t.Fatalf("expected plan %v, got %v", test.plan, plan)
			}
		})
	}
}

func TestPlanSubscriptionCapsWriteRelays(t *testing.T) {
	source := mapSource{
		"alice": {PubKey: "alice", Write: []string{
			"wss://r1", "wss://r2", "wss://r3", "wss://r4", "wss://r5", "wss://r6", "wss://r7",
		}},
	}

	router := NewRouter(source)
	plan := router.PlanSubscription(context.Background(), nostr.Filter{Authors: []string{"alice"}}, "")

	if len(plan) != maxWriteRelays {
		t.Fatalf("expected %d relay filters, got %d", maxWriteRelays, len(plan))
	}
}

func TestPlanPublish(t *testing.T) {
	source := mapSource{
		"alice": {PubKey: "alice", Write: []string{"wss://a.writes", "wss://self.example"}},
		"bob":   {PubKey: "bob", Read: []string{"wss://b.reads"}},
	}

	bobKey := "79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"
	source[bobKey] = source["bob"]

	router := NewRouter(source,
		WithSelf("wss://self.example"),
		WithDefaultRelays("wss://fallback"),
	)

	event := &nostr.Event{
		PubKey: "alice",
		Tags:   nostr.Tags{{"p", bobKey}, {"p", "not-a-pubkey"}},
	}

	urls := router.PlanPublish(context.Background(), event)
	want := []string{"wss://a.writes", "wss://b.reads"}

	if !reflect.DeepEqual(urls, want) {
		t.Fatalf("expected urls %v, got %v", want, urls)
	}
}

func TestPlanPublishCap(t *testing.T) {
	var write []string
	for i := 0; i < maxWriteRelays; i++ {
		write = append(write, "wss://w"+string(rune('a'+i)))
	}

	source := mapSource{"alice": {PubKey: "alice", Write: write}}

	pTagged := []string{
		"79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798",
		"c6047f9441ed7d6d3045406e95c07cd85c778e4b8cef3ca7abac09b95c709ee5",
		"f9308a019258c31049344f85f89d5229b531c845836f99b08601f113bce036f9",
	}

	event := &nostr.Event{PubKey: "alice"}
	for i, pk := range pTagged {
		source[pk] = RelayList{PubKey: pk, Read: []string{
			"wss://p" + string(rune('a'+i)) + ".one",
			"wss://p" + string(rune('a'+i)) + ".two",
			"wss://p" + string(rune('a'+i)) + ".three",
		}}
		event.Tags = append(event.Tags, nostr.Tag{"p", pk})
	}

	router := NewRouter(source)
	urls := router.PlanPublish(context.Background(), event)

	if len(urls) != maxPublishRelays {
		t.Fatalf("expected %d urls, got %d", maxPublishRelays, len(urls))
	}
}
