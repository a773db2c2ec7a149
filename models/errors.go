package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures crossing component boundaries.
type ErrorKind int

const (
	ErrConnection ErrorKind = iota + 1
	ErrCommunication
	ErrParse
	ErrInternal
	ErrUnsupported
)

func (k ErrorKind) String() string {
	switch k {
	case ErrConnection:
		return "connection"
	case ErrCommunication:
		return "communication"
	case ErrParse:
		return "parse"
	case ErrInternal:
		return "internal"
	case ErrUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// MarketDataError wraps a cause with its kind, the failing operation and the exchange.
type MarketDataError struct {
	Kind     ErrorKind
	Op       string
	Exchange string
	Err      error
}

func (e *MarketDataError) Error() string {
	msg := e.Kind.String() + " error"
	if e.Exchange != "" {
		msg += " [" + e.Exchange + "]"
	}
	if e.Op != "" {
		msg += " " + e.Op
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MarketDataError) Unwrap() error {
	return e.Err
}

func NewError(kind ErrorKind, exchange, op string, err error) *MarketDataError {
	return &MarketDataError{Kind: kind, Op: op, Exchange: exchange, Err: err}
}

func ParseError(exchange string, format string, args ...interface{}) *MarketDataError {
	return &MarketDataError{Kind: ErrParse, Exchange: exchange, Op: "parse", Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first MarketDataError in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var mde *MarketDataError
	if errors.As(err, &mde) {
		return mde.Kind
	}
	return 0
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

var (
	ErrChannelClosed   = &MarketDataError{Kind: ErrInternal, Op: "emit", Err: errors.New("output channel closed")}
	ErrNotSupported    = &MarketDataError{Kind: ErrUnsupported, Op: "capability", Err: errors.New("operation not supported by adapter")}
	ErrEmptyOrderBook  = errors.New("order book has no levels")
	ErrUnknownExchange = errors.New("unknown exchange")
)
