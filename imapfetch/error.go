package imapfetch

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("section not found")
	ErrUnrecognized   = errors.New("unrecognized section")
	ErrHeaderOverflow = errors.New("filtered header larger than header size")
	ErrHeaderTooLarge = errors.New("message header too large")
)

// Kind of fetch error. Source, not found and unrecognized errors fail only
// the section. Transport errors fail the whole response.
type Kind int

const (
	KindSource       Kind = iota + 1 // Message data or structure not available.
	KindNotFound                     // Part path does not resolve.
	KindUnrecognized                 // Unknown section form.
	KindTransport                    // Writing to the connection failed.
)

func (k Kind) String() string {
	switch k {
	case KindSource:
		return "source"
	case KindNotFound:
		return "notfound"
	case KindUnrecognized:
		return "unrecognized"
	case KindTransport:
		return "transport"
	}
	return fmt.Sprintf("kind%d", int(k))
}

// Error is returned by FetchBodySection.
type Error struct {
	Kind Kind

	// Partial is set if the error happened after a literal size was written. The
	// response on the connection cannot be completed.
	Partial bool

	Err error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s: %v", e.Kind, e.Err)
	if e.Partial {
		s += " (after literal size was sent)"
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fatal returns whether the connection cannot be used for further responses,
// and must be closed.
func (e *Error) Fatal() bool {
	return e.Kind == KindTransport || e.Partial
}

func xerr(kind Kind, partial bool, format string, args ...any) *Error {
	return &Error{kind, partial, fmt.Errorf(format, args...)}
}
