package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind classifies exchange failures for the retry policy.
type Kind int

const (
	// KindFatal is never retried: bad request, auth, insufficient funds.
	KindFatal Kind = iota
	// KindNetwork is a transport failure or a 5xx. The request may or may
	// not have reached the exchange.
	KindNetwork
	// KindRateLimit means the exchange rejected the request unprocessed.
	KindRateLimit
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindRateLimit:
		return "rate_limit"
	default:
		return "fatal"
	}
}

var (
	ErrNotSupported        = errors.New("exchange: operation not supported")
	ErrInsufficientBalance = errors.New("exchange: insufficient balance")
	ErrNoPrice             = errors.New("exchange: no price for symbol")
)

// Error is a classified exchange failure.
type Error struct {
	Kind       Kind
	Op         string
	Status     int
	Code       int
	Msg        string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Code != 0:
		return fmt.Sprintf("%s: %s: http %d code %d: %s", e.Op, e.Kind, e.Status, e.Code, e.Msg)
	default:
		return fmt.Sprintf("%s: %s: http %d: %s", e.Op, e.Kind, e.Status, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Classify maps any error to a Kind. Unknown errors are fatal; context
// cancellation is fatal so a stopping bot does not retry.
func Classify(err error) Kind {
	if err == nil {
		return KindFatal
	}
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindFatal
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindNetwork
	}
	return KindFatal
}

func statusKind(status int) Kind {
	switch {
	case status == 429 || status == 418:
		return KindRateLimit
	case status >= 500:
		return KindNetwork
	default:
		return KindFatal
	}
}
