package bream

import (
	"log"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr/nip11"

	"github.com/bream-house/bream/ratelimit"
)

const (
	DefaultWriteWait      time.Duration = 10 * time.Second
	DefaultPongWait       time.Duration = 60 * time.Second
	DefaultPingPeriod     time.Duration = 45 * time.Second
	DefaultQueryTimeout   time.Duration = 20 * time.Second
	DefaultMaxMessageSize int64         = 500000 // 0.5MB
	DefaultBufferSize     int           = 1024   // 1KB
	DefaultSendBuffer     int           = 100
)

type Option func(*Relay)

type systemOptions struct {
	// the maximum number of concurrent processors consuming from the [Relay.queue].
	// To specify it, use [WithMaxProcessors]
	maxProcessors int

	// the relay domain name (e.g., "example.com") used to validate the NIP-42 "relay" tag.
	// It should be explicitly set with [WithDomain]; if unset, a warning will be logged and NIP-42 will fail.
	domain string

	// the maximum wall-clock duration of a single REQ or COUNT query.
	queryTimeout time.Duration

	// the capacity of each client's response channel.
	sendBuffer int

	// logOverload non-fatal internal conditions such as dropped events or failed client
	// registrations due to full channels. Set it to true with [WithOverloadLogs].
	logOverload bool
}

func newSystemOptions() systemOptions {
	return systemOptions{
		maxProcessors: 4,
		queryTimeout:  DefaultQueryTimeout,
		sendBuffer:    DefaultSendBuffer,
	}
}

func WithMaxProcessors(n int) Option         { return func(r *Relay) { r.maxProcessors = n } }
func WithDomain(d string) Option             { return func(r *Relay) { r.domain = normalizeURL(d) } }
func WithQueryTimeout(d time.Duration) Option { return func(r *Relay) { r.queryTimeout = d } }
func WithSendBuffer(s int) Option            { return func(r *Relay) { r.sendBuffer = s } }
func WithOverloadLogs() Option               { return func(r *Relay) { r.logOverload = true } }
func WithQueueCapacity(c int) Option         { return func(r *Relay) { r.queue = make(chan request, c) } }

type websocketOptions struct {
	upgrader       websocket.Upgrader
	writeWait      time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration
	maxMessageSize int64
}

func newWebsocketOptions() websocketOptions {
	return websocketOptions{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  DefaultBufferSize,
			WriteBufferSize: DefaultBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		writeWait:      DefaultWriteWait,
		pongWait:       DefaultPongWait,
		pingPeriod:     DefaultPingPeriod,
		maxMessageSize: DefaultMaxMessageSize,
	}
}

func WithReadBufferSize(s int) Option       { return func(r *Relay) { r.upgrader.ReadBufferSize = s } }
func WithWriteBufferSize(s int) Option      { return func(r *Relay) { r.upgrader.WriteBufferSize = s } }
func WithWriteWait(d time.Duration) Option  { return func(r *Relay) { r.writeWait = d } }
func WithPongWait(d time.Duration) Option   { return func(r *Relay) { r.pongWait = d } }
func WithPingPeriod(d time.Duration) Option { return func(r *Relay) { r.pingPeriod = d } }
func WithMaxMessageSize(s int64) Option     { return func(r *Relay) { r.maxMessageSize = s } }

// Limits are the per-IP rate limits enforced by the relay. Each limiter is
// keyed by the IP group of the client (see [IP.Group]), so multiple
// connections from the same address share the same quotas.
// A nil limiter disables that check.
type Limits struct {
	// Message limits websocket text frames of any type. When exceeded,
	// the connection is closed with code 1008 (policy violation).
	Message *ratelimit.Multi

	// Req limits REQ and COUNT queries. When exceeded, the query is
	// rejected with a CLOSED message carrying a "rate-limited:" reason.
	Req *ratelimit.Multi

	// Event limits ordinary EVENT submissions. When exceeded, the event
	// is silently dropped.
	Event *ratelimit.Multi

	// Ephemeral limits EVENT submissions of ephemeral kinds, which are
	// never stored and therefore get a larger quota. When exceeded, the
	// event is silently dropped.
	Ephemeral *ratelimit.Multi
}

func DefaultLimits() Limits {
	return Limits{
		Message: ratelimit.NewMulti(
			ratelimit.Tier{Limit: 120, Window: 10 * time.Second},
			ratelimit.Tier{Limit: 3000, Window: 5 * time.Minute},
		),
		Req: ratelimit.NewMulti(
			ratelimit.Tier{Limit: 30, Window: 10 * time.Second},
			ratelimit.Tier{Limit: 600, Window: 10 * time.Minute},
		),
		Event: ratelimit.NewMulti(
			ratelimit.Tier{Limit: 15, Window: 10 * time.Second},
			ratelimit.Tier{Limit: 500, Window: 5 * time.Minute},
		),
		Ephemeral: ratelimit.NewMulti(
			ratelimit.Tier{Limit: 60, Window: 10 * time.Second},
			ratelimit.Tier{Limit: 2000, Window: 5 * time.Minute},
		),
	}
}

func WithLimits(l Limits) Option { return func(r *Relay) { r.limits = l } }

func newRelayInfo() []byte {
	info := nip11.RelayInformationDocument{
		Software:      "https://github.com/bream-house/bream",
		SupportedNIPs: []any{1, 11, 42, 45, 65},
	}

	json, err := json.Marshal(info)
	if err != nil {
		panic("failed to marshal NIP-11 document: " + err.Error())
	}
	return json
}

func WithInfo(info nip11.RelayInformationDocument) Option {
	return func(r *Relay) {
		json, err := json.Marshal(info)
		if err != nil {
			panic("failed to marshal NIP-11 document: " + err.Error())
		}

		r.info = json
	}
}

// validate panics if structural parameters are invalid, and logs warnings
// for non-fatal but potentially misconfigured settings (e.g., missing domain).
func (r *Relay) validate() {
	if r.pingPeriod < 1*time.Second {
		panic("ping period must be greater than 1s")
	}

	if r.pongWait <= r.pingPeriod {
		panic("pong wait must be greater than ping period")
	}

	if r.writeWait < 1*time.Second {
		panic("write wait must be greater than 1s")
	}

	if r.queryTimeout < 1*time.Second {
		panic("query timeout must be greater than 1s")
	}

	if r.maxMessageSize < 512 {
		panic("max message size must be greater than 512 bytes to accept nostr events")
	}

	if r.maxProcessors < 1 {
		panic("max processors must be greater than 1 to correctly process from the queue")
	}

	if r.sendBuffer < 1 {
		panic("send buffer must be greater than 1 to deliver responses")
	}

	if r.domain == "" {
		log.Println("WARN: you must set the relay's domain to validate NIP-42 auth")
	}
}
