// Package outbox implements NIP-65 outbox routing: deciding which relays
// to query for an author's events and which relays to publish to, based
// on the authors' own relay list announcements (kind 10002).
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

var (
	ErrNotRelayList = errors.New("outbox: the event is not a relay list (kind 10002)")
)

// RelayList is an author's NIP-65 relay list: where they write their events
// and where they read mentions of themselves.
type RelayList struct {
	PubKey    string
	CreatedAt nostr.Timestamp
	Read      []string
	Write     []string
}

// Newer reports whether the list is newer than the other. IDs break ties so
// the comparison is deterministic.
func (l RelayList) Newer(other RelayList) bool {
	return l.CreatedAt > other.CreatedAt
}

// ParseRelayList extracts the relay list from a kind-10002 event.
// Each "r" tag names a relay URL with an optional "read"/"write" marker;
// unmarked relays serve both purposes. Only secure websocket (wss://) URLs
// are kept, anything else is discarded.
func ParseRelayList(event *nostr.Event) (RelayList, error) {
	if event.Kind != nostr.KindRelayListMetadata {
		return RelayList{}, fmt.Errorf("%w: got kind %d", ErrNotRelayList, event.Kind)
	}

	list := RelayList{PubKey: event.PubKey, CreatedAt: event.CreatedAt}
	for _, tag := range event.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}

		url, ok := cleanRelayURL(tag[1])
		if !ok {
			continue
		}

		marker := ""
		if len(tag) > 2 {
			marker = strings.ToLower(tag[2])
		}

		switch marker {
		case "read":
			list.Read = appendUnique(list.Read, url)
		case "write":
			list.Write = appendUnique(list.Write, url)
		default:
			list.Read = appendUnique(list.Read, url)
			list.Write = appendUnique(list.Write, url)
		}
	}

	return list, nil
}

// cleanRelayURL normalizes the URL and reports whether it's a usable
// secure websocket address.
func cleanRelayURL(url string) (string, bool) {
	url = nostr.NormalizeURL(strings.TrimSpace(url))
	if !strings.HasPrefix(url, "wss://") {
		return "", false
	}

	// reject URLs without a host, e.g. "wss://"
	if len(strings.TrimPrefix(url, "wss://")) == 0 {
		return "", false
	}
	return url, true
}

func appendUnique(urls []string, url string) []string {
	for _, u := range urls {
		if u == url {
			return urls
		}
	}
	return append(urls, url)
}

// ListSource resolves the latest known relay list of a pubkey.
// A missing list is not an error: ok is false.
type ListSource interface {
	RelayList(ctx context.Context, pubkey string) (list RelayList, ok bool, err error)
}
