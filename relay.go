package bream

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"

	"github.com/bream-house/bream/reject"
)

var (
	ErrOverloaded       = errors.New("the relay is overloaded, please try again later")
	ErrUnsupportedNIP45 = errors.New("NIP-45 COUNT is not supported")

	// errTooSlow is sent when storage can't answer within the query timeout.
	errTooSlow = reject.Errorf("could not respond fast enough")
)

type Relay struct {
	// the set of active clients
	clients map[*client]struct{}

	// the channels used to register/unregister a client
	register   chan *client
	unregister chan *client

	// the channel used to broadcast events to all matching clients
	broadcast chan *nostr.Event

	// the queue for EVENTs, REQs and COUNTs
	queue chan request

	stats stats

	systemOptions
	websocketOptions
	limits Limits
	info   []byte

	Hooks
}

// NewRelay creates a new Relay instance with sane defaults and customizable
// internal behavior. Customize its structure with functional options
// (e.g., [WithDomain], [WithQueueCapacity]), and its behaviour by writing
// the [Hooks].
//
// Example:
//
//	relay := NewRelay(
//	    WithDomain("example.com"), // required for proper NIP-42 validation
//	    WithQueueCapacity(5000),
//	    WithPingPeriod(30 * time.Second),
//	)
func NewRelay(opts ...Option) *Relay {
	r := &Relay{
		clients:    make(map[*client]struct{}, 100),
		register:   make(chan *client, 100),
		unregister: make(chan *client, 100),
		broadcast:  make(chan *nostr.Event, 1000),
		queue:      make(chan request, 1000),

		systemOptions:    newSystemOptions(),
		websocketOptions: newWebsocketOptions(),
		limits:           DefaultLimits(),
		info:             newRelayInfo(),

		Hooks: DefaultHooks(),
	}

	for _, opt := range opts {
		opt(r)
	}

	r.validate()
	return r
}

// enqueue tries to add the request to the queue of the relay.
// If it's full, it returns [ErrOverloaded].
func (r *Relay) enqueue(req request) *requestError {
	select {
	case r.queue <- req:
		return nil
	default:
		if r.logOverload {
			log.Printf("failed to enqueue request with ID %s: %v", req.ID(), ErrOverloaded)
		}
		return &requestError{ID: req.ID(), Err: ErrOverloaded}
	}
}

// Broadcast the event to all clients whose subscriptions match it.
func (r *Relay) Broadcast(e *nostr.Event) error {
	select {
	case r.broadcast <- e:
		return nil
	default:
		return ErrOverloaded
	}
}

// StartAndServe starts the relay, listens to the provided address and handles
// http requests. It's a blocking operation, that stops only when the context
// gets cancelled. Use [Relay.Start] if you don't want to listen and serve right away.
func (r *Relay) StartAndServe(ctx context.Context, address string) error {
	r.Start(ctx)
	exitErr := make(chan error, 1)
	server := &http.Server{Addr: address, Handler: r}

	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			exitErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return server.Shutdown(ctx)

	case err := <-exitErr:
		return err
	}
}

// Start the relay in a separate goroutine. The relay will later need to be
// served using http.ListenAndServe or equivalent.
func (r *Relay) Start(ctx context.Context) {
	go r.coordinator(ctx)
	go r.processor(ctx)
}

// Coordinate the registration and unregistration of clients, and the
// broadcasting of events.
func (r *Relay) coordinator(ctx context.Context) {
	defer r.close()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-r.register:
			r.clients[client] = struct{}{}
			r.stats.clients.Add(1)
			r.On.Connect(client)

		case client := <-r.unregister:
			r.drop(client)

			// perform batch unregistration to prevent [client.Disconnect]
			// from getting stuck on the channel send when many
			// disconnections occur at the same time.
			n := len(r.unregister)
			for range n {
				r.drop(<-r.unregister)
			}

		case event := <-r.broadcast:
			// marshal once, instead of once per matching subscription
			data, err := event.MarshalJSON()
			if err != nil {
				log.Printf("failed to marshal event %s for broadcast: %v", event.ID, err)
				continue
			}

			for client := range r.clients {
				for _, ID := range client.subs.Matching(event) {
					client.send(rawEventResponse{ID: ID, Event: data})
				}
			}
		}
	}
}

// drop unregisters the client, cancelling all its subscriptions.
func (r *Relay) drop(c *client) {
	delete(r.clients, c)
	c.subs.clear()
	close(c.toSend)

	r.stats.clients.Add(-1)
	r.On.Disconnect(c)
}

// close sends a close response for each subscription of each client.
func (r *Relay) close() {
	log.Println("shutting down the relay...")
	defer log.Println("relay stopped")

	for client := range r.clients {
		for _, sub := range client.subs.List() {
			client.send(closedResponse{ID: sub.ID, Reason: "shutting down the relay"})
		}
	}
}

// Process the requests in the relay queue with [Relay.maxProcessors]
// concurrent workers, by applying the user defined [Hooks].
func (r *Relay) processor(ctx context.Context) {
	sem := make(chan struct{}, r.maxProcessors)

	for {
		select {
		case <-ctx.Done():
			return

		case request := <-r.queue:
			if request.IsExpired() {
				continue
			}

			sem <- struct{}{}
			go func() {
				r.process(ctx, request)
				<-sem
			}()
		}
	}
}

// process the request according to its type by applying the user defined [Hooks].
func (r *Relay) process(ctx context.Context, request request) {
	ID := request.ID()
	switch request := request.(type) {
	case *eventRequest:
		if err := r.On.Event(ctx, request.client, request.Event); err != nil {
			if _, ok := reject.From(err); !ok {
				log.Printf("failed to process event %s: %v", ID, err)
			}

			request.client.send(okResponse{ID: ID, Saved: false, Reason: reject.Message(err)})
			return
		}

		request.client.send(okResponse{ID: ID, Saved: true})

		if err := r.Broadcast(request.Event); err != nil && r.logOverload {
			log.Printf("failed to broadcast event %s: %v", ID, err)
		}

	case *reqRequest:
		budget := request.client.RemainingCapacity()
		ApplyBudget(budget, request.Filters...)

		ctx, cancel := context.WithTimeout(request.ctx, r.queryTimeout)
		defer cancel()

		stream, err := r.On.Req(ctx, request.client, request.Filters)
		if err != nil {
			r.closeReq(request, err)
			return
		}
		defer stream.Close()

		for {
			event, err := stream.Next(ctx)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				r.closeReq(request, err)
				return
			}

			request.client.send(eventResponse{ID: ID, Event: event})
		}

		request.client.send(eoseResponse{ID: ID})

	case *countRequest:
		ctx, cancel := context.WithTimeout(request.ctx, r.queryTimeout)
		defer cancel()

		count, approx, err := r.On.Count(ctx, request.client, request.Filters)
		if err != nil {
			if request.ctx.Err() != nil {
				return
			}

			if errors.Is(err, context.DeadlineExceeded) {
				err = errTooSlow
			}

			if _, ok := reject.From(err); !ok {
				log.Printf("failed to process COUNT %s: %v", ID, err)
			}

			request.client.send(closedResponse{ID: ID, Reason: reject.Message(err)})
			request.client.subs.Remove(ID)
			return
		}

		request.client.send(countResponse{ID: ID, Count: count, Approx: approx})
		request.client.subs.Remove(ID)
	}
}

// closeReq sends a CLOSED message and removes the subscription, unless the
// failure was caused by the client's own CLOSE.
func (r *Relay) closeReq(req *reqRequest, err error) {
	if req.ctx.Err() != nil {
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		err = errTooSlow
	}

	if _, ok := reject.From(err); !ok {
		log.Printf("failed to process REQ %s: %v", req.id, err)
	}

	req.client.send(closedResponse{ID: req.id, Reason: reject.Message(err)})
	req.client.subs.Remove(req.id)
}

// ServeHTTP implements the http.Handler interface, handling WebSocket
// upgrades and NIP-11 information document requests.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Header.Get("Upgrade") == "websocket" {
		r.HandleWebsocket(w, req)
		return
	}

	if strings.Contains(req.Header.Get("Accept"), "application/nostr+json") {
		w.Header().Set("Content-Type", "application/nostr+json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Write(r.info)
		return
	}

	http.Error(w, "Expected WebSocket connection", http.StatusUpgradeRequired)
}

// HandleWebsocket upgrades the http request to a websocket, creates a [client],
// and registers it with the [Relay]. The client will then read and write to the
// websocket in two separate goroutines, preventing multiple readers/writers.
func (r *Relay) HandleWebsocket(w http.ResponseWriter, req *http.Request) {
	for _, reject := range r.Reject.Connection {
		if err := reject(r, req); err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("failed to upgrade to websocket: %v", err)
		return
	}

	client := &client{
		ip:     GetIP(req),
		relay:  r,
		conn:   conn,
		toSend: make(chan response, r.sendBuffer),
	}
	client.auther.domain = r.domain
	client.subs.stats = &r.stats

	select {
	case r.register <- client:
		r.stats.nextClient.Add(1)
		go client.write()
		go client.read()

	default:
		r.stats.lastRegistrationFail.Store(time.Now().Unix())
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server is overloaded"))
		conn.Close()

		if r.logOverload {
			log.Println("failed to register client: channel is full")
		}
	}
}
