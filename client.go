package bream

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"

	"github.com/bream-house/bream/reject"
)

// Client is the interface exposed to the [Hooks], representing a single
// websocket connection. All methods are safe for concurrent use.
type Client interface {
	// Subscriptions returns the currently active subscriptions of the client.
	Subscriptions() []Subscription

	// IP returns the IP address of the client.
	IP() IP

	// Pubkey returns the pubkey the client used to authenticate with NIP-42,
	// or the empty string if the client didn't auth.
	// To initiate the authentication, call [Client.SendAuthChallenge].
	Pubkey() string

	// SendAuthChallenge sends the client a newly generated AUTH challenge.
	// This resets the authentication state: any previously authenticated pubkey
	// is cleared, and a new challenge is generated and sent.
	SendAuthChallenge()

	// SendNotice sends the client a NOTICE message.
	SendNotice(message string)

	// DroppedResponses returns the number of responses dropped because the
	// client was not reading fast enough.
	DroppedResponses() int

	// RemainingCapacity returns the available capacity of the client's
	// response buffer, useful for budgeting expensive queries.
	RemainingCapacity() int

	// Disconnect the client, closing its websocket connection.
	Disconnect()
}

// client is a middleman between the websocket connection and the [Relay].
// It's responsible for reading, validating and rate-limiting the requests,
// and for writing the responses of its active subscriptions.
type client struct {
	auther
	ip   IP
	subs Subscriptions

	relay  *Relay
	conn   *websocket.Conn
	toSend chan response

	dropped         atomic.Int64
	inGreedyHook    atomic.Bool
	isUnregistering atomic.Bool
}

func (c *client) IP() IP                       { return c.ip }
func (c *client) Subscriptions() []Subscription { return c.subs.List() }
func (c *client) DroppedResponses() int        { return int(c.dropped.Load()) }
func (c *client) RemainingCapacity() int       { return cap(c.toSend) - len(c.toSend) }
func (c *client) SendNotice(message string)    { c.send(noticeResponse{Message: message}) }

func (c *client) SendAuthChallenge() {
	challenge := make([]byte, authChallengeBytes)
	rand.Read(challenge)

	encoded := hex.EncodeToString(challenge)
	c.setChallenge(encoded)
	c.send(authResponse{Challenge: encoded})
}

func (c *client) Disconnect() {
	if c.isUnregistering.CompareAndSwap(false, true) {
		c.relay.unregister <- c
	}
}

// rejectEvent runs the Reject.Event hooks of the relay.
func (c *client) rejectEvent(e *eventRequest) *requestError {
	for _, reject := range c.relay.Reject.Event {
		if err := reject(c, e.Event); err != nil {
			return &requestError{ID: e.Event.ID, Err: err}
		}
	}
	return nil
}

// rejectReq runs the Reject.Req hooks of the relay.
func (c *client) rejectReq(req *reqRequest) *requestError {
	for _, reject := range c.relay.Reject.Req {
		if err := reject(c, req.Filters); err != nil {
			return &requestError{ID: req.id, Err: err}
		}
	}
	return nil
}

// rejectCount runs the Reject.Count hooks of the relay.
// If the On.Count hook is not set, an error is returned since NIP-45 is optional.
func (c *client) rejectCount(count *countRequest) *requestError {
	if c.relay.On.Count == nil {
		return &requestError{ID: count.id, Err: ErrUnsupportedNIP45}
	}

	for _, reject := range c.relay.Reject.Count {
		if err := reject(c, count.Filters); err != nil {
			return &requestError{ID: count.id, Err: err}
		}
	}
	return nil
}

// The client reads from the websocket and parses the data into the appropriate
// structure (e.g. [reqRequest]). It enforces the per-IP rate limits, manages
// creation and cancellation of subscriptions, and sends the requests to the
// [Relay] to be processed.
func (c *client) read() {
	defer func() {
		c.Disconnect()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.relay.maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.relay.pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(c.relay.pongWait)); return nil })

	key := c.ip.Group()

	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			if IsUnexpectedClose(err) {
				log.Printf("unexpected close error from IP %s: %v", c.ip, err)
			}
			return
		}

		if typ != websocket.TextMessage {
			c.closeWith(websocket.CloseUnsupportedData, "only text frames are accepted")
			return
		}

		if l := c.relay.limits.Message; l != nil {
			if err := l.Hit1(key); err != nil {
				c.closeWith(websocket.ClosePolicyViolation, reject.RateLimited("too many messages").Error())
				return
			}
		}

		label, json, err := parseJSON(data)
		if err != nil {
			// if unable to parse the message, send a NOTICE and keep the connection
			c.send(noticeResponse{Message: err.Error()})
			continue
		}

		switch label {
		case "EVENT":
			event, reqErr := parseEvent(json)
			if reqErr != nil {
				c.send(okResponse{ID: reqErr.ID, Saved: false, Reason: invalidReason(reqErr)})
				continue
			}

			limiter := c.relay.limits.Event
			if nostr.IsEphemeralKind(event.Event.Kind) {
				limiter = c.relay.limits.Ephemeral
			}
			if limiter != nil {
				if err := limiter.Hit1(key); err != nil {
					// flooders get no feedback, the event is silently dropped
					if c.relay.logOverload {
						log.Printf("dropped event %s from IP %s: %v", event.ID(), c.ip, err)
					}
					continue
				}
			}

			if reqErr := c.rejectEvent(event); reqErr != nil {
				c.send(okResponse{ID: reqErr.ID, Saved: false, Reason: invalidReason(reqErr)})
				continue
			}

			event.client = c
			if reqErr := c.relay.enqueue(event); reqErr != nil {
				c.send(okResponse{ID: reqErr.ID, Saved: false, Reason: reject.Errorf("%s", reqErr.Error()).Error()})
			}

		case "REQ":
			req, reqErr := parseReq(json)
			if reqErr != nil {
				c.send(closedResponse{ID: reqErr.ID, Reason: invalidReason(reqErr)})
				continue
			}

			if l := c.relay.limits.Req; l != nil {
				if err := l.Hit1(key); err != nil {
					c.send(closedResponse{ID: req.id, Reason: reject.RateLimited("too many queries, slow down").Error()})
					continue
				}
			}

			if reqErr := c.rejectReq(req); reqErr != nil {
				c.send(closedResponse{ID: reqErr.ID, Reason: invalidReason(reqErr)})
				continue
			}

			req.client = c
			sub := req.Subscription()

			if reqErr := c.relay.enqueue(req); reqErr != nil {
				c.send(closedResponse{ID: reqErr.ID, Reason: reject.Errorf("%s", reqErr.Error()).Error()})
				continue
			}

			c.subs.Add(sub)

		case "COUNT":
			count, reqErr := parseCount(json)
			if reqErr != nil {
				c.send(closedResponse{ID: reqErr.ID, Reason: invalidReason(reqErr)})
				continue
			}

			if l := c.relay.limits.Req; l != nil {
				if err := l.Hit1(key); err != nil {
					c.send(closedResponse{ID: count.id, Reason: reject.RateLimited("too many queries, slow down").Error()})
					continue
				}
			}

			if reqErr := c.rejectCount(count); reqErr != nil {
				c.send(closedResponse{ID: reqErr.ID, Reason: invalidReason(reqErr)})
				continue
			}

			count.client = c
			sub := count.Subscription()

			if reqErr := c.relay.enqueue(count); reqErr != nil {
				c.send(closedResponse{ID: reqErr.ID, Reason: reject.Errorf("%s", reqErr.Error()).Error()})
				continue
			}

			c.subs.Add(sub)

		case "CLOSE":
			close, reqErr := parseClose(json)
			if reqErr != nil {
				c.send(noticeResponse{Message: reqErr.Error()})
				continue
			}

			c.subs.Remove(close.subID)

		case "AUTH":
			auth, reqErr := parseAuth(json)
			if reqErr != nil {
				c.send(okResponse{ID: reqErr.ID, Saved: false, Reason: invalidReason(reqErr)})
				continue
			}

			if reqErr := c.Validate(auth); reqErr != nil {
				c.send(okResponse{ID: reqErr.ID, Saved: false, Reason: invalidReason(reqErr)})
				continue
			}

			c.SetPubkey(auth.PubKey)
			c.send(okResponse{ID: auth.ID, Saved: true})
			c.relay.On.Auth(c)

		default:
			c.send(noticeResponse{Message: ErrUnsupportedType.Error()})
		}
	}
}

// The client writes to the websocket whatever response it receives in its channel.
// Periodically it writes [websocket.PingMessage]s.
func (c *client) write() {
	ticker := time.NewTicker(c.relay.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case response, ok := <-c.toSend:
			c.conn.SetWriteDeadline(time.Now().Add(c.relay.writeWait))

			if !ok {
				// the relay has closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.conn.WriteJSON(response); err != nil {
				if IsUnexpectedClose(err) {
					log.Printf("unexpected error when writing to IP %s: %v", c.ip, err)
				}
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.relay.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				if IsUnexpectedClose(err) {
					log.Printf("unexpected error when pinging IP %s: %v", c.ip, err)
				}
				return
			}
		}
	}
}

func (c *client) send(r response) {
	if c.isUnregistering.Load() {
		return
	}

	select {
	case c.toSend <- r:
	default:
		c.dropped.Add(1)

		// the guard prevents the hook from recursing through SendNotice
		if c.inGreedyHook.CompareAndSwap(false, true) {
			c.relay.When.GreedyClient(c)
			c.inGreedyHook.Store(false)
		}
	}
}

// closeWith writes a close frame with the given code and reason.
// WriteControl is safe for concurrent use with the write pump.
func (c *client) closeWith(code int, reason string) {
	deadline := time.Now().Add(c.relay.writeWait)
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

// invalidReason formats protocol validation failures with the NIP-01
// "invalid:" prefix, keeping already classified reasons verbatim.
func invalidReason(err error) string {
	if reason, ok := reject.From(err); ok {
		return reason.Error()
	}
	return reject.Invalid("%s", err.Error()).Error()
}
