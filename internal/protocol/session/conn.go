package session

import (
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/mllp/internal/protocol/frame"
	"github.com/google/uuid"
)

// State is the lifecycle state of a Conn.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateIdle
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	default:
		return "closed"
	}
}

// Conn wraps one transport connection with the bookkeeping both roles and
// the idle monitor share. The guard serializes exchanges against the
// monitor; the owner holds it for a whole send/ack (client) or
// dispatch/ack (server) and the monitor only ever tries it.
type Conn struct {
	id        string
	raw       net.Conn
	decoder   *frame.Decoder
	createdAt time.Time

	guard        sync.Mutex
	lastActivity atomic.Int64
	state        atomic.Int32
	// assembling is set while the reader blocks inside a started frame.
	assembling atomic.Bool

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

func NewConn(raw net.Conn) *Conn {
	now := time.Now()
	c := &Conn{
		id:        uuid.NewString(),
		raw:       raw,
		createdAt: now,
		done:      make(chan struct{}),
	}
	c.decoder = frame.NewDecoder(activityReader{c: c})
	c.lastActivity.Store(now.UnixNano())
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *Conn) ID() string              { return c.id }
func (c *Conn) NetConn() net.Conn       { return c.raw }
func (c *Conn) LocalAddr() net.Addr     { return c.raw.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr    { return c.raw.RemoteAddr() }
func (c *Conn) CreatedAt() time.Time    { return c.createdAt }
func (c *Conn) State() State            { return State(c.state.Load()) }
func (c *Conn) Done() <-chan struct{}   { return c.done }
func (c *Conn) Closed() bool            { return c.State() == StateClosed }
func (c *Conn) LastActivity() time.Time { return time.Unix(0, c.lastActivity.Load()) }

// Ready marks the end of connection setup (TCP accept/dial plus any TLS
// handshake).
func (c *Conn) Ready() {
	c.Touch()
	c.state.CompareAndSwap(int32(StateConnecting), int32(StateIdle))
}

func (c *Conn) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Acquire takes the guard for one exchange. It returns false, without the
// guard held, when the connection is already closed.
func (c *Conn) Acquire() bool {
	c.guard.Lock()
	if c.Closed() {
		c.guard.Unlock()
		return false
	}
	c.state.Store(int32(StateActive))
	return true
}

// Release ends an exchange started with Acquire.
func (c *Conn) Release() {
	c.Touch()
	c.state.CompareAndSwap(int32(StateActive), int32(StateIdle))
	c.guard.Unlock()
}

// ReadFrame reads the next frame with the connection's resumable decoder.
// Callers must not read concurrently.
func (c *Conn) ReadFrame(opts frame.ReadOptions) (frame.Frame, error) {
	f, err := c.decoder.ReadFrame(opts)
	if err == nil {
		c.assembling.Store(false)
	}
	return f, err
}

// InFrame reports whether a partial frame is buffered.
func (c *Conn) InFrame() bool {
	return c.decoder.InFrame()
}

// WriteFrame writes one envelope bounded by timeout.
func (c *Conn) WriteFrame(payload []byte, timeout time.Duration) error {
	if timeout > 0 {
		if err := c.raw.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	if err := frame.WriteFrame(c.raw, payload); err != nil {
		return err
	}
	c.Touch()
	return nil
}

// Terminate closes the connection with strategy. Only the first call on a
// connection acts; it reports whether this call was that one.
func (c *Conn) Terminate(strategy IdleStrategy) (bool, error) {
	acted := false
	c.closeOnce.Do(func() {
		acted = true
		c.state.Store(int32(StateClosed))
		switch strategy {
		case IdleClose:
			c.closeErr = c.raw.Close()
		default:
			c.closeErr = abort(c.raw)
		}
		close(c.done)
	})
	return acted, c.closeErr
}

// Reset aborts the connection so the peer sees a TCP RST.
func (c *Conn) Reset() error {
	_, err := c.Terminate(IdleReset)
	return err
}

// CloseGracefully closes with FIN, preceded by close_notify under TLS.
func (c *Conn) CloseGracefully() error {
	_, err := c.Terminate(IdleClose)
	return err
}

// ReapIfIdle terminates the connection when it has been inactive for at
// least timeout, no exchange holds the guard and no frame is half read. A
// stalled partial frame is left to the read timeout. It reports whether it
// acted.
func (c *Conn) ReapIfIdle(now time.Time, timeout time.Duration, strategy IdleStrategy) bool {
	if !c.guard.TryLock() {
		return false
	}
	defer c.guard.Unlock()
	if c.Closed() || c.assembling.Load() || now.Sub(c.LastActivity()) < timeout {
		return false
	}
	acted, _ := c.Terminate(strategy)
	return acted
}

// TuneTCP applies keep-alive and no-delay to TCP connections. Other
// connection types are left alone.
func TuneTCP(conn net.Conn, keepAlive, noDelay bool) {
	if tlsConn, ok := conn.(*tls.Conn); ok {
		conn = tlsConn.NetConn()
	}
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcp.SetKeepAlive(keepAlive)
	_ = tcp.SetNoDelay(noDelay)
}

func abort(conn net.Conn) error {
	if tlsConn, ok := conn.(*tls.Conn); ok {
		// skip close_notify
		conn = tlsConn.NetConn()
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetLinger(0)
	}
	return conn.Close()
}

type activityReader struct {
	c *Conn
}

// Read runs on the decoder's goroutine, so the decoder state can be sampled
// here without a lock.
func (r activityReader) Read(p []byte) (int, error) {
	r.c.assembling.Store(r.c.decoder.InFrame())
	n, err := r.c.raw.Read(p)
	if n > 0 {
		r.c.Touch()
	}
	return n, err
}

func (r activityReader) SetReadDeadline(t time.Time) error {
	return r.c.raw.SetReadDeadline(t)
}
