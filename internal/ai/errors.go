package ai

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

type ErrorKind uint8

const (
	// ErrConfiguration: a required setting or credential is missing, or the
	// request itself is unusable. Raised before any network call.
	ErrConfiguration ErrorKind = iota + 1
	// ErrUpstreamProtocol: non-success status or a failed handshake before
	// the first fragment.
	ErrUpstreamProtocol
	// ErrUpstreamStream: failure after streaming began. Always in-band.
	ErrUpstreamStream
)

func (k ErrorKind) String() string {
	switch k {
	case ErrConfiguration:
		return "configuration"
	case ErrUpstreamProtocol:
		return "upstream_protocol"
	case ErrUpstreamStream:
		return "upstream_stream"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind     ErrorKind
	Provider string
	Status   int    // upstream HTTP status, when there was one
	Body     string // bounded excerpt of the upstream error body
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	switch {
	case e.Msg != "":
		b.WriteString(e.Msg)
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	default:
		b.WriteString(e.Kind.String())
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Body != "" {
		b.WriteString(": ")
		b.WriteString(e.Body)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// PreStream reports whether err may still be answered with an HTTP status.
func PreStream(err error) bool {
	k := KindOf(err)
	return k == ErrConfiguration || k == ErrUpstreamProtocol
}

func configError(provider, format string, args ...any) *Error {
	return &Error{Kind: ErrConfiguration, Provider: provider, Msg: fmt.Sprintf(format, args...)}
}

func protocolError(provider string, status int, body string) *Error {
	msg := "upstream returned an error"
	if status == 0 {
		msg = "upstream handshake failed"
	}
	return &Error{Kind: ErrUpstreamProtocol, Provider: provider, Status: status, Body: body, Msg: msg}
}

// streamError keeps an *Error as is and wraps anything else.
func streamError(provider string, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: ErrUpstreamStream, Provider: provider, Err: err}
}

func readErrorBody(r io.Reader, limit int64) string {
	b, _ := io.ReadAll(io.LimitReader(r, limit))
	return strings.TrimSpace(string(b))
}
