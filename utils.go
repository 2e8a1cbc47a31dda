package bream

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
)

// ApplyBudget rewrites the limits of the filters so their sum doesn't exceed
// the budget, protecting the relay from queries that would return far more
// events than the client can consume.
//
// Filters with LimitZero are left untouched, as they don't ask for stored
// events. Filters whose limit is unspecified (<= 0) are treated as asking
// for the whole budget. When the total demand exceeds the budget, filters
// already below their fair share keep their limit, and the rest of the
// budget is split among the others in proportion to what they asked for.
func ApplyBudget(budget int, filters ...nostr.Filter) {
	if len(filters) == 0 {
		return
	}

	if budget <= 0 {
		for i := range filters {
			filters[i].Limit = 0
			filters[i].LimitZero = true
		}
		return
	}

	active := make([]int, 0, len(filters))
	total := 0
	for i := range filters {
		if filters[i].LimitZero {
			continue
		}
		if filters[i].Limit <= 0 {
			filters[i].Limit = budget
		}

		active = append(active, i)
		total += filters[i].Limit
	}

	if len(active) == 0 || total <= budget {
		return
	}

	// filters below their fair share keep their limit untouched
	remaining := budget
	for {
		fair := remaining / len(active)
		progress := false

		next := active[:0]
		total = 0
		for _, i := range active {
			if filters[i].Limit <= fair {
				remaining -= filters[i].Limit
				progress = true
				continue
			}

			next = append(next, i)
			total += filters[i].Limit
		}

		active = next
		if len(active) == 0 {
			return
		}
		if !progress {
			break
		}
	}

	// the rest is split proportionally; when the budget runs out the
	// remaining filters are forced to LimitZero.
	left := remaining
	for _, i := range active {
		grant := filters[i].Limit * remaining / total
		if grant < 1 {
			grant = 1
		}
		if grant > left {
			grant = left
		}

		filters[i].Limit = grant
		left -= grant

		if grant == 0 {
			filters[i].LimitZero = true
		}
	}
}

// IsImpossible reports whether the filter contains a required set that is
// present but empty (e.g. "kinds": []), which can never match any event.
// Such filters must be dropped before querying, as the absent conditions
// would otherwise make them match everything instead of nothing.
func IsImpossible(f nostr.Filter) bool {
	if f.IDs != nil && len(f.IDs) == 0 {
		return true
	}
	if f.Kinds != nil && len(f.Kinds) == 0 {
		return true
	}
	if f.Authors != nil && len(f.Authors) == 0 {
		return true
	}
	for _, values := range f.Tags {
		if values != nil && len(values) == 0 {
			return true
		}
	}
	return false
}

// normalizeURL strips the scheme, surrounding spaces and the trailing slash,
// so urls can be compared by host and path only.
func normalizeURL(url string) string {
	url = strings.TrimSpace(url)
	for _, prefix := range []string{"wss://", "ws://", "https://", "http://"} {
		if strings.HasPrefix(url, prefix) {
			url = url[len(prefix):]
			break
		}
	}
	return strings.TrimSuffix(url, "/")
}

// HandleSignals calls cancel when an interrupt or termination signal is received.
func HandleSignals(cancel context.CancelFunc) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	cancel()
}

// IsUnexpectedClose reports whether the websocket error is something other
// than a client closing the connection normally.
func IsUnexpectedClose(err error) bool {
	return websocket.IsUnexpectedCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure)
}
