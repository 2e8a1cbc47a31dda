// Package reject defines the classified, machine-readable rejection reasons
// used in OK and CLOSED messages. The prefixes follow NIP-01: a client can
// rely on them verbatim, so messages must never carry internal error detail.
package reject

import (
	"errors"
	"fmt"
)

const (
	PrefixBlocked     = "blocked"
	PrefixRateLimited = "rate-limited"
	PrefixInvalid     = "invalid"
	PrefixDuplicate   = "duplicate"
	PrefixPow         = "pow"
	PrefixError       = "error"
)

// GenericFailure is the reason surfaced to clients when something
// unexpected happened. The real error is logged, never sent.
var GenericFailure = &Reason{Prefix: PrefixError, Msg: "something went wrong"}

// Reason is a classified rejection whose Error() string is safe to send to clients.
type Reason struct {
	Prefix string
	Msg    string
}

func (r *Reason) Error() string { return r.Prefix + ": " + r.Msg }

// Is matches two reasons by prefix, and by message when the target specifies one.
func (r *Reason) Is(target error) bool {
	t, ok := target.(*Reason)
	if !ok {
		return false
	}
	if t.Prefix != r.Prefix {
		return false
	}
	return t.Msg == "" || t.Msg == r.Msg
}

func Blocked(format string, args ...any) *Reason {
	return &Reason{Prefix: PrefixBlocked, Msg: fmt.Sprintf(format, args...)}
}

func RateLimited(format string, args ...any) *Reason {
	return &Reason{Prefix: PrefixRateLimited, Msg: fmt.Sprintf(format, args...)}
}

func Invalid(format string, args ...any) *Reason {
	return &Reason{Prefix: PrefixInvalid, Msg: fmt.Sprintf(format, args...)}
}

func Duplicate(format string, args ...any) *Reason {
	return &Reason{Prefix: PrefixDuplicate, Msg: fmt.Sprintf(format, args...)}
}

func Pow(format string, args ...any) *Reason {
	return &Reason{Prefix: PrefixPow, Msg: fmt.Sprintf(format, args...)}
}

func Errorf(format string, args ...any) *Reason {
	return &Reason{Prefix: PrefixError, Msg: fmt.Sprintf(format, args...)}
}

// From extracts the classified reason from err, if there is one.
func From(err error) (*Reason, bool) {
	var reason *Reason
	if errors.As(err, &reason) {
		return reason, true
	}
	return nil, false
}

// Message returns the client-safe string for err: the reason verbatim when
// err is classified, [GenericFailure] otherwise.
func Message(err error) string {
	if reason, ok := From(err); ok {
		return reason.Error()
	}
	return GenericFailure.Error()
}
