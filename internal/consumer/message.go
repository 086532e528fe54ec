package consumer

import (
	"context"
	"time"

	"github.com/danmuck/mllp/internal/protocol/hl7"
	"github.com/danmuck/mllp/internal/protocol/session"
)

// Message is one received payload and where it came from.
type Message struct {
	ID         string
	ConnID     string
	Payload    []byte
	LocalAddr  string
	RemoteAddr string
	ReceivedAt time.Time

	// Header is nil when header extraction is off or the payload does not
	// open with MSH.
	Header *hl7.Header
	// Certificate is nil when the peer presented none.
	Certificate *session.CertificateInfo
}

// Metadata flattens the message attributes into string pairs, the way they
// are attached to log events.
func (m *Message) Metadata() map[string]string {
	out := map[string]string{
		"id":          m.ID,
		"conn_id":     m.ConnID,
		"local_addr":  m.LocalAddr,
		"remote_addr": m.RemoteAddr,
		"received_at": m.ReceivedAt.UTC().Format(time.RFC3339Nano),
	}
	if m.Header != nil {
		for k, v := range m.Header.Fields() {
			out[k] = v
		}
	}
	if m.Certificate != nil {
		out["cert_subject"] = m.Certificate.Subject
		out["cert_issuer"] = m.Certificate.Issuer
		out["cert_serial"] = m.Certificate.SerialNumber
		out["cert_not_before"] = m.Certificate.NotBefore.UTC().Format(time.RFC3339)
		out["cert_not_after"] = m.Certificate.NotAfter.UTC().Format(time.RFC3339)
	}
	return out
}

// Reply is the handler's answer. A non-empty Ack is written verbatim.
// Otherwise, with auto-acknowledge on, an acknowledgement is generated from
// the inbound MSH with Code (AA when unset) and Text as MSA-3.
type Reply struct {
	Ack  []byte
	Code hl7.Code
	Text string
}

type Handler interface {
	HandleMessage(ctx context.Context, msg *Message) (Reply, error)
}

type HandlerFunc func(ctx context.Context, msg *Message) (Reply, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, msg *Message) (Reply, error) {
	return f(ctx, msg)
}

// AutoAck is a Handler that accepts everything.
var AutoAck = HandlerFunc(func(context.Context, *Message) (Reply, error) {
	return Reply{}, nil
})
