package consumer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/mllp/internal/logging"
	"github.com/danmuck/mllp/internal/observability"
	"github.com/danmuck/mllp/internal/protocol/frame"
	"github.com/danmuck/mllp/internal/protocol/hl7"
	"github.com/danmuck/mllp/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

const role = "consumer"

var (
	ErrListenAddrRequired = errors.New("consumer: listen address required")
	ErrHandlerRequired    = errors.New("consumer: handler required")
	ErrHandlerPanic       = errors.New("consumer: handler panic")
	ErrNoAcknowledgement  = errors.New("consumer: handler returned no acknowledgement")
)

type Config struct {
	ListenAddr string
	Session    session.Config
}

func DefaultConfig() Config {
	return Config{
		ListenAddr: "127.0.0.1:2575",
		Session:    session.DefaultConfig(),
	}
}

type Option func(*Server)

// WithWorkerPool shares a pool between servers. The default pool is sized
// from MaxConcurrentConsumers.
func WithWorkerPool(pool *WorkerPool) Option {
	return func(s *Server) {
		if pool != nil {
			s.pool = pool
		}
	}
}

// WithErrorHandler receives every *session.Error the server reports.
func WithErrorHandler(fn func(error)) Option {
	return func(s *Server) {
		s.onError = fn
	}
}

// Server accepts MLLP connections and acknowledges every frame it reads.
type Server struct {
	cfg      Config
	handler  Handler
	pool     *WorkerPool
	onError  func(error)
	reporter session.Reporter
	registry *session.Registry
	tlsCfg   *tls.Config
	admit    *semaphore.Weighted
	log      zerolog.Logger

	wg sync.WaitGroup
}

func New(cfg Config, handler Handler, opts ...Option) (*Server, error) {
	if handler == nil {
		return nil, ErrHandlerRequired
	}
	cfg.ListenAddr = strings.TrimSpace(cfg.ListenAddr)
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Session.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Session.ValidateServerTransport(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		handler:  handler,
		pool:     NewWorkerPool(cfg.Session.MaxConcurrentConsumers),
		reporter: cfg.Session.Reporter(),
		registry: session.NewRegistry(),
		log:      logging.Component("consumer"),
	}
	if cfg.Session.TLS.Enabled {
		tlsCfg, err := cfg.Session.ServerTLSConfig()
		if err != nil {
			return nil, err
		}
		s.tlsCfg = tlsCfg
	}
	if cfg.Session.MaxConnections > 0 {
		s.admit = semaphore.NewWeighted(int64(cfg.Session.MaxConnections))
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Server) Registry() *session.Registry {
	return s.registry
}

func (s *Server) Pool() *WorkerPool {
	return s.pool
}

// Listen opens the configured TCP or TLS listener.
func (s *Server) Listen() (net.Listener, error) {
	if s.cfg.ListenAddr == "" {
		return nil, ErrListenAddrRequired
	}
	if s.tlsCfg == nil {
		return net.Listen("tcp", s.cfg.ListenAddr)
	}
	return tls.Listen("tcp", s.cfg.ListenAddr, s.tlsCfg)
}

// Run listens and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	s.log.Info().
		Str("addr", ln.Addr().String()).
		Bool("tls", s.tlsCfg != nil).
		Int("workers", s.pool.Size()).
		Msg("consumer.Run listening")
	return s.Serve(ctx, ln)
}

// Serve accepts on ln until ctx is done or ln fails. On return every
// connection has been closed and every handler has finished.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer s.wg.Wait()
	defer ln.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	monitor := session.NewIdleMonitor(s.registry, s.cfg.Session.IdleTimeout, s.cfg.Session.IdleStrategy,
		session.WithReapHook(func(_ *session.Conn, strategy session.IdleStrategy) {
			observability.RecordTermination(role, "idle_"+string(strategy))
		}),
	)
	go monitor.Run(ctx)
	go func() {
		<-ctx.Done()
		s.registry.TerminateAll(session.IdleClose)
		_ = ln.Close()
	}()

	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if s.admit != nil && !s.admit.TryAcquire(1) {
			s.log.Warn().
				Str("remote", raw.RemoteAddr().String()).
				Int("max_connections", s.cfg.Session.MaxConnections).
				Msg("consumer.Serve connection limit reached")
			_ = session.NewConn(raw).Reset()
			observability.RecordTermination(role, "admission")
			continue
		}

		conn := session.NewConn(raw)
		s.registry.Track(conn)
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) Connections() []session.Activity {
	return s.registry.Activity()
}

// CloseConnections gracefully closes every open connection.
func (s *Server) CloseConnections() int {
	n := s.registry.TerminateAll(session.IdleClose)
	s.recordAdmin("admin_close", n)
	return n
}

// ResetConnections aborts every open connection.
func (s *Server) ResetConnections() int {
	n := s.registry.TerminateAll(session.IdleReset)
	s.recordAdmin("admin_reset", n)
	return n
}

func (s *Server) recordAdmin(reason string, n int) {
	for i := 0; i < n; i++ {
		observability.RecordTermination(role, reason)
	}
	s.log.Info().Int("connections", n).Str("reason", reason).Msg("consumer.admin terminated connections")
}

func (s *Server) handleConn(ctx context.Context, conn *session.Conn) {
	defer s.wg.Done()
	if s.admit != nil {
		defer s.admit.Release(1)
	}
	defer s.registry.Untrack(conn)
	defer conn.CloseGracefully()

	remote := conn.RemoteAddr().String()
	log := s.log.With().Str("conn_id", conn.ID()).Str("remote", remote).Logger()
	observability.ConnectionOpened(role)
	log.Info().Int("open", s.registry.Len()).Msg("consumer.session client connected")
	defer func() {
		observability.ConnectionClosed(role)
		log.Info().Msg("consumer.session client disconnected")
	}()

	session.TuneTCP(conn.NetConn(), s.cfg.Session.KeepAlive, s.cfg.Session.TCPNoDelay)
	if err := s.handshake(ctx, conn); err != nil {
		log.Warn().Err(err).Msg("consumer.handleConn tls handshake failed")
		_ = conn.Reset()
		return
	}
	cert, _ := session.PeerCertificate(conn.NetConn())
	conn.Ready()

	opts := s.cfg.Session.ReadOptions()
	for {
		f, err := conn.ReadFrame(opts)
		if err != nil {
			if !s.readFailed(ctx, conn, err) {
				return
			}
			continue
		}
		if f.Discarded > 0 {
			log.Debug().Int("discarded", f.Discarded).Msg("consumer.handleConn bytes before start of block")
		}
		if !conn.Acquire() {
			return
		}
		keep := s.exchange(ctx, conn, f.Payload, cert, log)
		conn.Release()
		if !keep {
			return
		}
	}
}

func (s *Server) handshake(ctx context.Context, conn *session.Conn) error {
	tlsConn, ok := conn.NetConn().(*tls.Conn)
	if !ok {
		return nil
	}
	hctx, cancel := context.WithTimeout(ctx, s.cfg.Session.ConnectTimeout)
	defer cancel()
	return tlsConn.HandshakeContext(hctx)
}

// readFailed handles a failed ReadFrame and reports whether the read loop
// should keep going.
func (s *Server) readFailed(ctx context.Context, conn *session.Conn, err error) bool {
	var partial []byte
	var rerr *frame.ReadError
	if errors.As(err, &rerr) {
		partial = rerr.Partial
	}

	switch {
	case conn.Closed() || ctx.Err() != nil:
		return false
	case errors.Is(err, io.EOF):
		return false
	case errors.Is(err, frame.ErrTimeout) && !conn.InFrame():
		// nothing pending; keep listening
		return true
	case errors.Is(err, frame.ErrTimeout):
		s.report(s.reporter.Error(session.ErrReceiveTimeout, "read", partial, nil, err))
		s.terminate(conn, "receive_timeout")
		return false
	case errors.Is(err, frame.ErrCorrupt), errors.Is(err, frame.ErrFrameTooLarge):
		s.report(s.reporter.Error(session.ErrFrame, "read", partial, nil, err))
		observability.RecordMessage("frame", 0)
		s.terminate(conn, "frame")
		return false
	default:
		s.report(s.reporter.Error(session.ErrSocket, "read", partial, nil, err))
		return false
	}
}

// exchange validates, dispatches and acknowledges one payload. It reports
// whether the connection stays open.
func (s *Server) exchange(ctx context.Context, conn *session.Conn, payload []byte, cert *session.CertificateInfo, log zerolog.Logger) bool {
	start := time.Now()
	msg := &Message{
		ID:          uuid.NewString(),
		ConnID:      conn.ID(),
		Payload:     payload,
		LocalAddr:   conn.LocalAddr().String(),
		RemoteAddr:  conn.RemoteAddr().String(),
		ReceivedAt:  start,
		Certificate: cert,
	}
	if s.cfg.Session.HL7Headers {
		if h, ok := hl7.ParseHeader(payload); ok {
			msg.Header = &h
		}
	}
	event := log.Debug().Str("message_id", msg.ID).Int("bytes", len(payload))
	if msg.Header != nil {
		event = event.Str("control_id", msg.Header.ControlID).Str("message_type", msg.Header.MessageType)
	}
	event.Msg("consumer.exchange received")

	if s.cfg.Session.ValidatePayload {
		if err := hl7.Validate(payload); err != nil {
			s.report(s.reporter.Error(session.ErrInvalidMessage, "validate", payload, nil, err))
			if !s.cfg.Session.AutoAck {
				observability.RecordMessage("invalid_message", time.Since(start))
				return true
			}
			return s.acknowledge(conn, payload, s.generateAck(payload, hl7.ApplicationError, hl7.Diagnose(payload)), start)
		}
	}

	var res dispatchResult
	err := s.pool.Do(ctx, s.cfg.Session.DispatchTimeout, func() {
		res = s.dispatch(ctx, msg)
	})
	switch {
	case err != nil:
		s.report(s.reporter.Error(session.ErrSocket, "dispatch", payload, nil, err))
		observability.RecordMessage("no_worker", time.Since(start))
		s.terminate(conn, "no_worker")
		return false
	case res.panicked != nil:
		s.report(s.reporter.Error(session.ErrSocket, "dispatch", payload, nil, fmt.Errorf("%w: %v", ErrHandlerPanic, res.panicked)))
		observability.RecordMessage("panic", time.Since(start))
		s.terminate(conn, "panic")
		return false
	}
	reply, handlerErr := res.reply, res.err
	if handlerErr != nil {
		log.Warn().Err(handlerErr).Str("message_id", msg.ID).Msg("consumer.exchange handler failed")
	}

	ack := reply.Ack
	if len(ack) == 0 {
		if !s.cfg.Session.AutoAck {
			cause := ErrNoAcknowledgement
			if handlerErr != nil {
				cause = errors.Join(ErrNoAcknowledgement, handlerErr)
			}
			s.report(s.reporter.Error(session.ErrInvalidAck, "acknowledge", payload, nil, cause))
			observability.RecordMessage("no_ack", time.Since(start))
			return true
		}
		code, text := reply.Code, reply.Text
		if handlerErr != nil {
			if code != hl7.ApplicationReject {
				code = hl7.ApplicationError
			}
			if text == "" {
				text = handlerErr.Error()
			}
		}
		if code == hl7.Invalid {
			code = hl7.Accept
		}
		ack = s.generateAck(payload, code, text)
	}
	return s.acknowledge(conn, payload, ack, start)
}

type dispatchResult struct {
	reply    Reply
	err      error
	panicked any
}

func (s *Server) dispatch(ctx context.Context, msg *Message) (res dispatchResult) {
	defer func() {
		if r := recover(); r != nil {
			res.panicked = r
		}
	}()
	res.reply, res.err = s.handler.HandleMessage(ctx, msg)
	return res
}

// generateAck builds the acknowledgement from the inbound MSH, falling back
// to a bare MSA segment when the payload has no usable header.
func (s *Server) generateAck(payload []byte, code hl7.Code, text string) []byte {
	ack, err := hl7.GenerateAck(payload, code, text)
	if err == nil {
		return ack
	}
	s.log.Debug().Err(err).Msg("consumer.generateAck falling back to MSA")
	ack, err = hl7.BareAck(code, text)
	if err != nil {
		ack, _ = hl7.BareAck(hl7.ApplicationError, "")
	}
	return ack
}

func (s *Server) acknowledge(conn *session.Conn, payload, ack []byte, start time.Time) bool {
	if err := conn.WriteFrame(ack, s.cfg.Session.WriteTimeout); err != nil {
		s.report(s.reporter.Error(session.ErrWriteFailed, "acknowledge", payload, ack, err))
		observability.RecordMessage("write_failed", time.Since(start))
		s.terminate(conn, "write_failed")
		return false
	}
	observability.RecordMessage(hl7.Classify(ack).Code.String(), time.Since(start))
	return true
}

func (s *Server) terminate(conn *session.Conn, reason string) {
	if acted, _ := conn.Terminate(session.IdleReset); acted {
		observability.RecordTermination(role, reason)
	}
}

func (s *Server) report(err *session.Error) {
	s.log.Warn().Err(err).Str("kind", session.KindName(err)).Str("op", err.Op).Msg("consumer.report")
	if s.onError != nil {
		s.onError(err)
	}
}
