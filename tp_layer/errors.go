package tp_layer

import "errors"

// ErrorKind classifies transport failures. None of them ever reaches the
// service layer; the affected transfer is dropped and the state machine
// returns to Idle.
type ErrorKind uint8

const (
	KindTimeout ErrorKind = iota + 1
	KindSequence
	KindOverflow
	KindMalformed
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindSequence:
		return "sequence error"
	case KindOverflow:
		return "overflow"
	case KindMalformed:
		return "malformed frame"
	default:
		return "ISO-TP error"
	}
}

// messageOrDefault returns msg if present, otherwise fallback.
func messageOrDefault(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}

type TransportError struct {
	Kind ErrorKind
	msg  string
}

func newTransportError(kind ErrorKind, msg string) TransportError {
	return TransportError{Kind: kind, msg: msg}
}

func (e TransportError) Error() string {
	return messageOrDefault(e.msg, e.Kind.String())
}

// Is matches on Kind so callers can use errors.Is(err, ErrTimeout).
func (e TransportError) Is(target error) bool {
	var t TransportError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrTimeout   = TransportError{Kind: KindTimeout}
	ErrSequence  = TransportError{Kind: KindSequence}
	ErrOverflow  = TransportError{Kind: KindOverflow}
	ErrMalformed = TransportError{Kind: KindMalformed}

	// ErrInvalidLength is returned by Send for empty or oversized payloads.
	ErrInvalidLength = errors.New("payload length out of range")
	// ErrBusy is returned by Send while another outbound transfer is in flight.
	ErrBusy = errors.New("transmit already in progress")
	// ErrPayloadOverflow is returned when a bounded Payload would exceed its limit.
	ErrPayloadOverflow = errors.New("payload limit exceeded")
)
