package producer

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/mllp/internal/logging"
	"github.com/danmuck/mllp/internal/observability"
	"github.com/danmuck/mllp/internal/protocol/frame"
	"github.com/danmuck/mllp/internal/protocol/hl7"
	"github.com/danmuck/mllp/internal/protocol/session"
	"github.com/rs/zerolog"
)

const role = "producer"

var (
	ErrAddressRequired = errors.New("producer: address required")
	ErrClientClosed    = errors.New("producer: client closed")
)

type Config struct {
	Address string
	Session session.Config
}

func DefaultConfig() Config {
	return Config{
		Session: session.DefaultConfig(),
	}
}

// State is the client-side exchange state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateIdle
	StateSending
	StateAwaitingAck
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateAwaitingAck:
		return "awaiting_ack"
	default:
		return "disconnected"
	}
}

// Result is a successful (AA) exchange.
type Result struct {
	Ack        hl7.Acknowledgement
	ConnID     string
	LocalAddr  string
	RemoteAddr string
	Duration   time.Duration
}

// Client sends messages to one destination over a reused connection. Send
// calls are serialized; a Client never retries on its own.
type Client struct {
	cfg      Config
	tlsCfg   *tls.Config
	reporter session.Reporter
	registry *session.Registry
	log      zerolog.Logger

	mu     sync.Mutex
	conn   *session.Conn
	closed bool
	state  atomic.Int32
}

type Option func(*Client)

// WithRegistry tracks the client's connections in a shared registry.
func WithRegistry(reg *session.Registry) Option {
	return func(c *Client) {
		if reg != nil {
			c.registry = reg
		}
	}
}

func NewClient(cfg Config, opts ...Option) (*Client, error) {
	cfg.Address = strings.TrimSpace(cfg.Address)
	if cfg.Address == "" {
		return nil, ErrAddressRequired
	}
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Session.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Session.ValidateClientTransport(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:      cfg,
		reporter: cfg.Session.Reporter(),
		registry: session.NewRegistry(),
		log:      logging.Component("producer").With().Str("address", cfg.Address).Logger(),
	}
	if cfg.Session.TLS.Enabled {
		tlsCfg, err := cfg.Session.ClientTLSConfig(cfg.Address)
		if err != nil {
			return nil, err
		}
		c.tlsCfg = tlsCfg
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Address() string {
	return c.cfg.Address
}

func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) Registry() *session.Registry {
	return c.registry
}

// RunIdleMonitor reaps this client's idle connection until ctx is done.
func (c *Client) RunIdleMonitor(ctx context.Context) {
	newIdleMonitor(c.registry, c.cfg.Session).Run(ctx)
}

// Send writes payload, waits for the acknowledgement and classifies it. An
// AA returns a Result; every other outcome is a *session.Error.
func (c *Client) Send(ctx context.Context, payload []byte) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Result{}, ErrClientClosed
	}

	start := time.Now()
	res, err := c.exchange(ctx, payload, start)
	outcome := "accept"
	if err != nil {
		outcome = session.KindName(err)
		c.log.Warn().Err(err).Str("outcome", outcome).Msg("producer.Send failed")
	}
	observability.RecordSend(outcome, time.Since(start))
	return res, err
}

func (c *Client) exchange(ctx context.Context, payload []byte, start time.Time) (Result, error) {
	conn, err := c.connection(ctx)
	if err != nil {
		return Result{}, err
	}
	defer conn.Release()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Reset()
	})
	defer stop()

	c.setState(StateSending)
	if err := conn.WriteFrame(payload, c.writeTimeout(ctx)); err != nil {
		c.discard(conn, "write_failed")
		return Result{}, c.reporter.Error(session.ErrWriteFailed, "write", payload, nil, withContext(ctx, err))
	}

	c.setState(StateAwaitingAck)
	f, err := conn.ReadFrame(c.readOptions(ctx))
	if err != nil {
		kind := ackReadKind(ctx, err)
		c.discard(conn, session.KindName(kind))
		var partial []byte
		var rerr *frame.ReadError
		if errors.As(err, &rerr) {
			partial = rerr.Partial
		}
		return Result{}, c.reporter.Error(kind, "await_ack", payload, partial, withContext(ctx, err))
	}

	ack := hl7.Classify(f.Payload)
	res := Result{
		Ack:        ack,
		ConnID:     conn.ID(),
		LocalAddr:  conn.LocalAddr().String(),
		RemoteAddr: conn.RemoteAddr().String(),
		Duration:   time.Since(start),
	}
	c.log.Debug().
		Str("conn_id", conn.ID()).
		Str("code", ack.Code.String()).
		Str("control_id", ack.ControlID).
		Int("bytes", len(f.Payload)).
		Msg("producer.Send acknowledgement")

	switch ack.Code {
	case hl7.Accept:
		c.setState(StateIdle)
		return res, nil
	case hl7.ApplicationError:
		c.setState(StateIdle)
		return res, c.reporter.Error(session.ErrApplicationError, "ack", payload, f.Payload, nil)
	case hl7.ApplicationReject:
		c.setState(StateIdle)
		return res, c.reporter.Error(session.ErrApplicationReject, "ack", payload, f.Payload, nil)
	default:
		c.discard(conn, "invalid_ack")
		return res, c.reporter.Error(session.ErrInvalidAck, "ack", payload, f.Payload, errors.New(ack.Reason))
	}
}

// connection returns the live connection with its guard held, dialing when
// there is none.
func (c *Client) connection(ctx context.Context) (*session.Conn, error) {
	if c.conn != nil && c.conn.Acquire() {
		return c.conn, nil
	}
	if c.conn != nil {
		// reaped while idle
		c.registry.Untrack(c.conn)
		c.conn = nil
	}

	c.setState(StateConnecting)
	raw, err := c.dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return nil, c.reporter.Error(session.ErrSocket, "connect", nil, nil, err)
	}
	session.TuneTCP(raw, c.cfg.Session.KeepAlive, c.cfg.Session.TCPNoDelay)

	conn := session.NewConn(raw)
	conn.Ready()
	c.registry.Track(conn)
	observability.ConnectionOpened(role)
	go func() {
		<-conn.Done()
		observability.ConnectionClosed(role)
	}()
	c.log.Info().
		Str("conn_id", conn.ID()).
		Str("local", conn.LocalAddr().String()).
		Bool("tls", c.tlsCfg != nil).
		Msg("producer.connect established")

	if !conn.Acquire() {
		c.registry.Untrack(conn)
		return nil, c.reporter.Error(session.ErrSocket, "connect", nil, nil, net.ErrClosed)
	}
	c.conn = conn
	c.setState(StateIdle)
	return conn, nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.cfg.Session.ConnectTimeout}
	if !c.cfg.Session.KeepAlive {
		dialer.KeepAlive = -1
	}
	rawConn, err := dialer.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		return nil, err
	}
	if c.tlsCfg == nil {
		return rawConn, nil
	}

	conn := tls.Client(rawConn, c.tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, c.cfg.Session.ConnectTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

// discard drops conn after a failed exchange so it is never reused.
func (c *Client) discard(conn *session.Conn, reason string) {
	if acted, _ := conn.Terminate(session.IdleReset); acted {
		observability.RecordTermination(role, reason)
	}
	c.registry.Untrack(conn)
	if c.conn == conn {
		c.conn = nil
	}
	c.setState(StateDisconnected)
}

// Reset aborts the current connection, if any.
func (c *Client) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drop(session.IdleReset)
}

// Close gracefully closes the connection; later sends fail with
// ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.drop(session.IdleClose)
}

func (c *Client) drop(strategy session.IdleStrategy) error {
	if c.conn == nil {
		return nil
	}
	conn := c.conn
	c.conn = nil
	c.registry.Untrack(conn)
	c.setState(StateDisconnected)
	_, err := conn.Terminate(strategy)
	return err
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Client) writeTimeout(ctx context.Context) time.Duration {
	return boundByContext(ctx, c.cfg.Session.WriteTimeout)
}

func (c *Client) readOptions(ctx context.Context) frame.ReadOptions {
	opts := c.cfg.Session.ReadOptions()
	opts.ReceiveTimeout = boundByContext(ctx, opts.ReceiveTimeout)
	return opts
}

func boundByContext(ctx context.Context, d time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < d {
			if until <= 0 {
				return time.Nanosecond
			}
			return until
		}
	}
	return d
}

// ackReadKind maps a failed acknowledgement read onto the error taxonomy.
func ackReadKind(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return session.ErrAckTimeout
	case ctx.Err() != nil:
		return session.ErrAckReceive
	case errors.Is(err, frame.ErrTimeout):
		return session.ErrAckTimeout
	case errors.Is(err, frame.ErrCorrupt), errors.Is(err, frame.ErrFrameTooLarge):
		return session.ErrInvalidAck
	case errors.Is(err, io.EOF), errors.Is(err, frame.ErrIncomplete), errors.Is(err, frame.ErrTransport):
		return session.ErrAckReceive
	default:
		return session.ErrAckReceive
	}
}

func withContext(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return errors.Join(ctxErr, err)
	}
	return err
}

func newIdleMonitor(reg *session.Registry, cfg session.Config) *session.IdleMonitor {
	return session.NewIdleMonitor(reg, cfg.IdleTimeout, cfg.IdleStrategy,
		session.WithReapHook(func(_ *session.Conn, strategy session.IdleStrategy) {
			observability.RecordTermination(role, "idle_"+string(strategy))
		}),
	)
}
