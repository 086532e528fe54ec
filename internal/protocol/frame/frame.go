package frame

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

const (
	StartOfBlock byte = 0x0b
	EndOfBlock   byte = 0x1c
	EndOfData    byte = 0x0d

	// DefaultEndOfDataGrace bounds the extra read for a trailing END_OF_DATA
	// when it is not required.
	DefaultEndOfDataGrace = 100 * time.Millisecond
	DefaultMaxFrameBytes  = 8 * 1024 * 1024

	readChunk = 4096
)

var (
	ErrTimeout          = errors.New("frame: read timeout")
	ErrEndOfDataTimeout = fmt.Errorf("%w: end of data not received", ErrTimeout)
	ErrCorrupt          = errors.New("frame: corrupt frame")
	ErrIncomplete       = errors.New("frame: connection closed mid-frame")
	ErrFrameTooLarge    = errors.New("frame: frame too large")
	ErrTransport        = errors.New("frame: transport failure")
)

// DeadlineReader is the transport surface the decoder needs. net.Conn and
// *tls.Conn satisfy it.
type DeadlineReader interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// Frame is one decoded envelope.
type Frame struct {
	Payload   []byte
	EndOfData bool
	// Discarded counts bytes dropped while seeking the start marker.
	Discarded int
}

// ReadOptions controls one ReadFrame call.
type ReadOptions struct {
	// ReceiveTimeout bounds the whole call, including the wait for the
	// first byte.
	ReceiveTimeout time.Duration
	// ReadTimeout bounds each read once a frame has started.
	ReadTimeout      time.Duration
	RequireEndOfData bool
	ValidatePayload  bool
	MaxFrameBytes    int
	EndOfDataGrace   time.Duration
}

func DefaultReadOptions() ReadOptions {
	return ReadOptions{
		ReceiveTimeout:   15 * time.Second,
		ReadTimeout:      5 * time.Second,
		RequireEndOfData: true,
		MaxFrameBytes:    DefaultMaxFrameBytes,
		EndOfDataGrace:   DefaultEndOfDataGrace,
	}
}

// ReadError reports a failed ReadFrame. Err is one of the package sentinels
// (or io.EOF), Cause the underlying transport error when there is one, and
// Partial the frame bytes received before the failure.
type ReadError struct {
	Err     error
	Partial []byte
	Cause   error
}

func (e *ReadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%v: %v", e.Err, e.Cause)
	}
	return e.Err.Error()
}

func (e *ReadError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// Encode wraps payload in an MLLP envelope.
func Encode(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+3)
	out = append(out, StartOfBlock)
	out = append(out, payload...)
	return append(out, EndOfBlock, EndOfData)
}

// WriteFrame writes the complete envelope with a single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	_, err := w.Write(Encode(payload))
	return err
}

type decodeState uint8

const (
	stateSeek decodeState = iota
	statePayload
	stateEndOfBlock
)

// Decoder assembles frames from a stream. Its state survives a failed
// ReadFrame, so a later call resumes without losing buffered bytes. A
// Decoder is not safe for concurrent use.
type Decoder struct {
	r         DeadlineReader
	buf       []byte
	scratch   []byte
	payload   []byte
	state     decodeState
	discarded int
}

func NewDecoder(r DeadlineReader) *Decoder {
	return &Decoder{
		r:       r,
		scratch: make([]byte, readChunk),
	}
}

// InFrame reports whether a start marker has been consumed for a frame that
// is not complete yet.
func (d *Decoder) InFrame() bool {
	return d.state != stateSeek
}

// Buffered returns the number of received bytes not yet consumed.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset drops all buffered and partial state.
func (d *Decoder) Reset() {
	d.buf = nil
	d.payload = nil
	d.state = stateSeek
	d.discarded = 0
}

// ReadFrame blocks until one frame is assembled or the deadlines in opts
// expire.
func (d *Decoder) ReadFrame(opts ReadOptions) (Frame, error) {
	var overall time.Time
	if opts.ReceiveTimeout > 0 {
		overall = time.Now().Add(opts.ReceiveTimeout)
	}
	for {
		f, done, err := d.scan(opts)
		if err != nil {
			return Frame{}, err
		}
		if done {
			return f, nil
		}

		err = d.fill(d.deadline(opts, overall))
		if err == nil {
			continue
		}
		switch {
		case isTimeout(err):
			if d.state == stateEndOfBlock {
				if !opts.RequireEndOfData {
					return d.complete(false), nil
				}
				return Frame{}, &ReadError{Err: ErrEndOfDataTimeout, Partial: d.partial(), Cause: err}
			}
			return Frame{}, &ReadError{Err: ErrTimeout, Partial: d.partial(), Cause: err}
		case errors.Is(err, io.EOF):
			if d.state == stateEndOfBlock && !opts.RequireEndOfData {
				return d.complete(false), nil
			}
			if d.state == stateSeek {
				return Frame{}, &ReadError{Err: io.EOF}
			}
			partial := d.partial()
			d.Reset()
			return Frame{}, &ReadError{Err: ErrIncomplete, Partial: partial, Cause: err}
		default:
			partial := d.partial()
			d.Reset()
			return Frame{}, &ReadError{Err: ErrTransport, Partial: partial, Cause: err}
		}
	}
}

func (d *Decoder) scan(opts ReadOptions) (Frame, bool, error) {
	consumed := 0
	for consumed < len(d.buf) {
		b := d.buf[consumed]
		switch d.state {
		case stateSeek:
			consumed++
			if b == StartOfBlock {
				d.state = statePayload
				d.payload = make([]byte, 0, 256)
			} else {
				d.discarded++
			}
		case statePayload:
			consumed++
			switch b {
			case EndOfBlock:
				d.state = stateEndOfBlock
			case StartOfBlock:
				if opts.ValidatePayload {
					return Frame{}, false, d.corrupt("START_OF_BLOCK", len(d.payload))
				}
				d.payload = append(d.payload, b)
			default:
				d.payload = append(d.payload, b)
			}
			if opts.MaxFrameBytes > 0 && len(d.payload) > opts.MaxFrameBytes {
				partial := d.partial()
				d.Reset()
				return Frame{}, false, &ReadError{Err: ErrFrameTooLarge, Partial: partial}
			}
		case stateEndOfBlock:
			if b == EndOfData {
				consumed++
				d.buf = d.buf[consumed:]
				return d.complete(true), true, nil
			}
			if !opts.RequireEndOfData {
				// the byte belongs to whatever follows the frame
				d.buf = d.buf[consumed:]
				return d.complete(false), true, nil
			}
			// END_OF_BLOCK was inside the payload
			if opts.ValidatePayload {
				return Frame{}, false, d.corrupt("END_OF_BLOCK", len(d.payload))
			}
			d.payload = append(d.payload, EndOfBlock)
			d.state = statePayload
		}
	}
	d.buf = d.buf[consumed:]
	return Frame{}, false, nil
}

func (d *Decoder) corrupt(marker string, index int) error {
	partial := d.partial()
	d.Reset()
	return &ReadError{
		Err:     ErrCorrupt,
		Partial: partial,
		Cause:   fmt.Errorf("embedded %s at index %d", marker, index),
	}
}

func (d *Decoder) complete(endOfData bool) Frame {
	f := Frame{
		Payload:   d.payload,
		EndOfData: endOfData,
		Discarded: d.discarded,
	}
	if f.Payload == nil {
		f.Payload = []byte{}
	}
	d.payload = nil
	d.state = stateSeek
	d.discarded = 0
	return f
}

func (d *Decoder) partial() []byte {
	if len(d.payload) == 0 {
		return nil
	}
	out := make([]byte, len(d.payload))
	copy(out, d.payload)
	return out
}

func (d *Decoder) deadline(opts ReadOptions, overall time.Time) time.Time {
	now := time.Now()
	var next time.Time
	switch d.state {
	case stateSeek:
		if !overall.IsZero() {
			return overall
		}
		if opts.ReadTimeout > 0 {
			return now.Add(opts.ReadTimeout)
		}
		return time.Time{}
	case stateEndOfBlock:
		if !opts.RequireEndOfData {
			grace := opts.EndOfDataGrace
			if grace <= 0 {
				grace = DefaultEndOfDataGrace
			}
			if opts.ReadTimeout > 0 && opts.ReadTimeout < grace {
				grace = opts.ReadTimeout
			}
			next = now.Add(grace)
			break
		}
		fallthrough
	default:
		if opts.ReadTimeout > 0 {
			next = now.Add(opts.ReadTimeout)
		}
	}
	if next.IsZero() || (!overall.IsZero() && overall.Before(next)) {
		return overall
	}
	return next
}

func (d *Decoder) fill(deadline time.Time) error {
	if err := d.r.SetReadDeadline(deadline); err != nil {
		return err
	}
	n, err := d.r.Read(d.scratch)
	if n > 0 {
		d.buf = append(d.buf, d.scratch[:n]...)
		return nil
	}
	if err == nil {
		return nil
	}
	return err
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
