package exchange

import (
	"errors"
	"fmt"
)

// Kind classifies gateway failures by how the caller recovers from them.
type Kind int

const (
	// KindRateLimited is exchange throttling, recovered with a long backoff.
	KindRateLimited Kind = iota + 1
	// KindBanned is an IP-level block, recovered with a very long backoff.
	KindBanned
	// KindOrderRejected is a single placement refused by the exchange.
	KindOrderRejected
	// KindServerTransient is an exchange-side or transport failure on one call.
	KindServerTransient
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindBanned:
		return "banned"
	case KindOrderRejected:
		return "order_rejected"
	case KindServerTransient:
		return "server_transient"
	}
	return "unknown"
}

var (
	ErrRateLimited     = &Error{Kind: KindRateLimited}
	ErrBanned          = &Error{Kind: KindBanned}
	ErrOrderRejected   = &Error{Kind: KindOrderRejected}
	ErrServerTransient = &Error{Kind: KindServerTransient}
)

// Error is a classified gateway failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Op == "" && e.Err == nil {
		return e.Kind.String()
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so errors.Is(err, ErrRateLimited) works for any wrapped *Error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsLoopLevel reports whether err must be handled by the poll loop's backoff
// instead of being absorbed inside a cycle.
func IsLoopLevel(err error) bool {
	k := KindOf(err)
	return k == KindRateLimited || k == KindBanned
}
