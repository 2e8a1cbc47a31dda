package bream

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Hooks provides the extension points through which the relay's behaviour
// is customized: how events are ingested, how queries are answered, and
// which connections or requests are turned away.
//
// These functions are categorized into three groups:
//   - Reject: preemptively blocks incoming data or connections before processing.
//   - On: handles standard lifecycle events (Connect, Disconnect, Auth) and
//     successful data flows (Event, Req, Count).
//   - When: triggers on special, non-standard, or warning conditions.
//
// All functions supplied must be thread-safe and must not be modified at runtime.
type Hooks struct {
	Reject RejectHooks
	On     OnHooks
	When   WhenHooks
}

func DefaultHooks() Hooks {
	return Hooks{
		Reject: DefaultRejectHooks(),
		On:     DefaultOnHooks(),
		When:   DefaultWhenHooks(),
	}
}

// RejectHooks defines optional functions that can preemptively reject
// certain actions before they are processed by the relay.
//
// Each function in a hook slice is evaluated in order. If any function
// returns a non-nil error, the corresponding input (connection, event,
// request, or count) is immediately rejected.
type RejectHooks struct {
	// Connection is invoked before establishing a new client connection.
	// Returning a non-nil error rejects the connection.
	Connection []func(Stats, *http.Request) error

	// Event is invoked before processing an EVENT message.
	// Returning a non-nil error rejects the event.
	Event []func(Client, *nostr.Event) error

	// Req is invoked before processing a REQ message.
	// Returning a non-nil error rejects the request.
	Req []func(Client, nostr.Filters) error

	// Count is invoked before processing a NIP-45 COUNT request.
	// Returning a non-nil error rejects the request.
	Count []func(Client, nostr.Filters) error
}

func DefaultRejectHooks() RejectHooks {
	return RejectHooks{
		Connection: []func(Stats, *http.Request) error{RegistrationFailWithin(3 * time.Second)},
		Event:      []func(Client, *nostr.Event) error{InvalidID, InvalidSignature},
	}
}

// OnHooks defines functions invoked after specific relay events occur.
// Each function is called only after the corresponding input has passed
// all RejectHooks (if any).
type OnHooks struct {
	// Connect runs immediately after a client has been connected and registered.
	// It is guaranteed to run before the Disconnect hook of the same client.
	// This callback must be very fast to avoid blocking the hot path.
	// For longer operations, use goroutines.
	Connect func(Client)

	// Disconnect runs immediately after a client has been unregistered and disconnected.
	// It is guaranteed to run after the Connect hook of the same client.
	// This callback must be very fast to avoid blocking the hot path.
	// For longer operations, use goroutines.
	Disconnect func(Client)

	// Auth is called immediately after a client successfully authenticates.
	// It can be used to load resources tied to the client's public key or adjust rate limits.
	Auth func(Client)

	// Event defines how the relay ingests an EVENT, typically by running it
	// through the ingestion pipeline. The returned error becomes the OK
	// message's reason: classified [reject.Reason] errors are sent verbatim,
	// anything else is logged and replaced with a generic failure string.
	// The context is cancelled when the relay shuts down.
	Event func(context.Context, Client, *nostr.Event) error

	// Req defines how the relay answers a REQ containing one or more filters,
	// by returning a cancellable stream of matching stored events.
	// The provided context is cancelled if the client sends the corresponding
	// CLOSE message, and carries the configured query timeout.
	Req func(context.Context, Client, nostr.Filters) (EventStream, error)

	// Count defines how the relay processes NIP-45 COUNT requests.
	// This hook is optional (= nil). If unset, COUNT requests are rejected
	// with [ErrUnsupportedNIP45].
	Count func(context.Context, Client, nostr.Filters) (count int64, approx bool, err error)
}

func DefaultOnHooks() OnHooks {
	return OnHooks{
		Connect:    func(Client) {},
		Disconnect: func(Client) {},
		Auth:       func(Client) {},
		Event:      logEvent,
		Req:        logFilters,
	}
}

// WhenHooks defines functions invoked when special, non-standard, or
// exceptional conditions occur during the relay's operation.
type WhenHooks struct {
	// GreedyClient is invoked when a client's response buffer becomes full,
	// typically because it sends new REQs before reading responses from earlier ones.
	// This hook is commonly used for logging misbehavior or disconnecting the client.
	GreedyClient func(Client)
}

func DefaultWhenHooks() WhenHooks {
	return WhenHooks{
		GreedyClient: DisconnectOnDrops(200),
	}
}

// InvalidID returns an error if the event's ID is invalid.
func InvalidID(c Client, e *nostr.Event) error {
	if !e.CheckID() {
		return ErrInvalidEventID
	}
	return nil
}

// InvalidSignature returns an error if the event's signature is invalid.
func InvalidSignature(c Client, e *nostr.Event) error {
	match, err := e.CheckSignature()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidEventSignature, err.Error())
	}

	if !match {
		return ErrInvalidEventSignature
	}
	return nil
}

// RegistrationFailWithin returns a Reject.Connection function that errs
// if a client registration has failed within the given duration.
func RegistrationFailWithin(d time.Duration) func(Stats, *http.Request) error {
	return func(s Stats, r *http.Request) error {
		if time.Since(s.LastRegistrationFail()) < d {
			return ErrOverloaded
		}
		return nil
	}
}

// DisconnectOnDrops returns a When.GreedyClient function that sends a notice and
// disconnects the client if it dropped more than the maximum responses.
func DisconnectOnDrops(maxDropped int) func(c Client) {
	return func(c Client) {
		if c.DroppedResponses() > maxDropped {
			c.SendNotice("too many dropped responses, disconnecting")
			c.Disconnect()
		}
	}
}

func logEvent(ctx context.Context, c Client, e *nostr.Event) error {
	log.Printf("received event: %v", e)
	return nil
}

func logFilters(ctx context.Context, c Client, f nostr.Filters) (EventStream, error) {
	log.Printf("received filters: %v", f)
	return NewSliceStream(), nil
}
