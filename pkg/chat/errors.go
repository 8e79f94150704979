package chat

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrEmptyMessage = errors.New("message is empty")
	// ErrBusy is returned by Send when a send is in flight and the session
	// drops concurrent sends.
	ErrBusy   = errors.New("a message is already being sent")
	ErrClosed = errors.New("session is closed")

	errCancelled   = errors.New("stream cancelled")
	errIdleTimeout = errors.New("stream inactivity timeout")
)

// ErrorKind classifies why a send cycle failed.
type ErrorKind int

const (
	ErrorKindNone ErrorKind = iota
	// ErrorKindTransport: the request could not be sent, was rejected with a
	// non-2xx status, or the body failed mid-read.
	ErrorKindTransport
	// ErrorKindProtocol: the backend sent an "Error:" frame.
	ErrorKindProtocol
	// ErrorKindDecode: the byte stream could not be decoded into records.
	ErrorKindDecode
	ErrorKindCancelled
	ErrorKindTimeout
)

var errorKindNames = map[ErrorKind]string{
	ErrorKindNone:      "none",
	ErrorKindTransport: "transport",
	ErrorKindProtocol:  "protocol",
	ErrorKindDecode:    "decode",
	ErrorKindCancelled: "cancelled",
	ErrorKindTimeout:   "timeout",
}

func (k ErrorKind) String() string {
	if n, ok := errorKindNames[k]; ok {
		return n
	}
	return "unknown"
}

func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ErrorKind) UnmarshalText(b []byte) error {
	for kind, name := range errorKindNames {
		if name == string(b) {
			*k = kind
			return nil
		}
	}
	return errors.Errorf("unknown error kind %q", string(b))
}

// StreamError describes a failed send cycle. It is logged and kept for the
// host's diagnostics; the conversation only ever shows the failure message.
type StreamError struct {
	Kind       ErrorKind
	StatusCode int
	Detail     string
	Err        error
}

func (e *StreamError) Error() string {
	msg := e.Kind.String() + " error"
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (http %d)", e.StatusCode)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// KindOf returns the ErrorKind carried by err, or ErrorKindNone.
func KindOf(err error) ErrorKind {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ErrorKindNone
}
