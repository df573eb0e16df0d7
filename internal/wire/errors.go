package wire

import "fmt"

// Kind classifies an error raised anywhere in this module, mirroring the
// taxonomy callers use to decide how to react (log and continue, tear
// down a single link, or abort the whole node).
type Kind int

const (
	IO Kind = iota
	Framing
	Protocol
	Configuration
	MutexPrecondition
	NotFound
)

func (k Kind) String() string {
	switch k {
	case IO:
		return "IO"
	case Framing:
		return "Framing"
	case Protocol:
		return "Protocol"
	case Configuration:
		return "Configuration"
	case MutexPrecondition:
		return "MutexPrecondition"
	case NotFound:
		return "NotFound"
	default:
		return "Unknown"
	}
}

// Error is the error type used across the module. It always carries a
// Kind so a caller can branch without string matching.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an Error of the given kind, optionally wrapping err.
func Errorf(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}
