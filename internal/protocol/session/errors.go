package session

import (
	"errors"
	"strings"
)

// Error kinds. Every *Error matches exactly one of these with errors.Is.
var (
	ErrWriteFailed       = errors.New("session: write failed")
	ErrAckTimeout        = errors.New("session: acknowledgement timeout")
	ErrAckReceive        = errors.New("session: acknowledgement receive failed")
	ErrInvalidAck        = errors.New("session: invalid acknowledgement")
	ErrApplicationError  = errors.New("session: application error acknowledgement")
	ErrApplicationReject = errors.New("session: application reject acknowledgement")
	ErrFrame             = errors.New("session: frame error")
	ErrInvalidMessage    = errors.New("session: invalid message")
	ErrSocket            = errors.New("session: socket error")
	ErrReceiveTimeout    = errors.New("session: receive timeout")
)

var kindNames = []struct {
	kind error
	name string
}{
	{ErrWriteFailed, "write_failed"},
	{ErrAckTimeout, "ack_timeout"},
	{ErrAckReceive, "ack_receive"},
	{ErrInvalidAck, "invalid_ack"},
	{ErrApplicationError, "application_error"},
	{ErrApplicationReject, "application_reject"},
	{ErrFrame, "frame"},
	{ErrInvalidMessage, "invalid_message"},
	{ErrSocket, "socket"},
	{ErrReceiveTimeout, "receive_timeout"},
}

// Error is the typed failure surfaced by the producer and the consumer.
// Message and Ack hold raw bytes; Error() renders them through the Reporter
// the error was built with.
type Error struct {
	Kind    error
	Op      string
	Message []byte
	Ack     []byte
	Err     error

	reporter Reporter
}

// Error builds a typed error that renders payload bytes with r.
func (r Reporter) Error(kind error, op string, message, ack []byte, cause error) *Error {
	return &Error{
		Kind:     kind,
		Op:       op,
		Message:  message,
		Ack:      ack,
		Err:      cause,
		reporter: r,
	}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Op != "" {
		b.WriteString(" op=")
		b.WriteString(e.Op)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Message != nil {
		b.WriteString(" message=")
		b.WriteString(e.reporter.Render(e.Message))
	}
	if e.Ack != nil {
		b.WriteString(" ack=")
		b.WriteString(e.reporter.Render(e.Ack))
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindName returns a stable label for the error kind in err, or "other".
func KindName(err error) string {
	if err == nil {
		return "none"
	}
	var serr *Error
	if errors.As(err, &serr) {
		err = serr.Kind
	}
	for _, k := range kindNames {
		if errors.Is(err, k.kind) {
			return k.name
		}
	}
	return "other"
}
