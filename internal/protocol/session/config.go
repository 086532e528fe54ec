package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/mllp/internal/protocol/frame"
)

// IdleStrategy selects how an idle connection is reclaimed.
type IdleStrategy string

const (
	// IdleReset aborts the connection (TCP RST).
	IdleReset IdleStrategy = "reset"
	// IdleClose closes the connection gracefully (FIN, TLS close_notify).
	IdleClose IdleStrategy = "close"
)

// ClientAuthMode is the server-side client certificate policy.
type ClientAuthMode string

const (
	ClientAuthNone    ClientAuthMode = "none"
	ClientAuthWant    ClientAuthMode = "want"
	ClientAuthRequire ClientAuthMode = "require"
)

const (
	DefaultLogPhiMaxBytes         = 5120
	DefaultMaxConcurrentConsumers = 5
)

var (
	ErrInvalidTimeout      = errors.New("session: invalid timeout")
	ErrInvalidIdleStrategy = errors.New("session: invalid idle strategy")
	ErrInvalidConcurrency  = errors.New("session: invalid concurrency limit")
)

// TLSConfig holds file-based TLS settings for either role.
type TLSConfig struct {
	Enabled            bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
	ClientAuth         ClientAuthMode
}

// Config is the endpoint configuration. Clients and servers copy it at
// construction; later changes to the caller's value have no effect.
type Config struct {
	ConnectTimeout time.Duration
	// ReceiveTimeout bounds the wait for a complete frame: the ack after a
	// write (client) or the next message (server).
	ReceiveTimeout time.Duration
	// ReadTimeout bounds each read once a frame has started.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// IdleTimeout of zero disables the idle monitor.
	IdleTimeout  time.Duration
	IdleStrategy IdleStrategy

	// DispatchTimeout bounds a server connection's wait for a free worker.
	// It must stay below ReceiveTimeout so a peer is reset before its own
	// ack wait runs out; zero derives ReceiveTimeout/3.
	DispatchTimeout time.Duration

	RequireEndOfData bool
	ValidatePayload  bool
	AutoAck          bool
	HL7Headers       bool

	MaxConcurrentConsumers int
	// MaxConnections of zero means unlimited.
	MaxConnections int
	MaxFrameBytes  int

	KeepAlive  bool
	TCPNoDelay bool

	LogPhi bool
	// LogPhiMaxBytes caps rendered payload bytes; negative means unlimited.
	LogPhiMaxBytes int

	TLS TLSConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:         30 * time.Second,
		ReceiveTimeout:         15 * time.Second,
		ReadTimeout:            5 * time.Second,
		WriteTimeout:           15 * time.Second,
		IdleStrategy:           IdleReset,
		RequireEndOfData:       true,
		ValidatePayload:        false,
		AutoAck:                true,
		HL7Headers:             true,
		MaxConcurrentConsumers: DefaultMaxConcurrentConsumers,
		MaxFrameBytes:          frame.DefaultMaxFrameBytes,
		KeepAlive:              true,
		TCPNoDelay:             true,
		LogPhi:                 false,
		LogPhiMaxBytes:         DefaultLogPhiMaxBytes,
		TLS: TLSConfig{
			ClientAuth: ClientAuthNone,
		},
	}
}

// WithDefaults fills unset durations, limits and enums from DefaultConfig.
// Booleans are taken as given.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = def.ReceiveTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = c.ReceiveTimeout / 3
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.IdleTimeout < 0 {
		c.IdleTimeout = 0
	}
	c.IdleStrategy = IdleStrategy(strings.ToLower(strings.TrimSpace(string(c.IdleStrategy))))
	if c.IdleStrategy == "" {
		c.IdleStrategy = def.IdleStrategy
	}
	if c.MaxConcurrentConsumers <= 0 {
		c.MaxConcurrentConsumers = def.MaxConcurrentConsumers
	}
	if c.MaxConnections < 0 {
		c.MaxConnections = 0
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = def.MaxFrameBytes
	}
	if c.LogPhiMaxBytes == 0 {
		c.LogPhiMaxBytes = def.LogPhiMaxBytes
	}
	c.TLS.ClientAuth = NormalizeClientAuth(c.TLS.ClientAuth)
	return c
}

// Validate checks the non-transport settings.
func (c Config) Validate() error {
	timeouts := []struct {
		name string
		d    time.Duration
	}{
		{"connect", c.ConnectTimeout},
		{"receive", c.ReceiveTimeout},
		{"read", c.ReadTimeout},
		{"write", c.WriteTimeout},
	}
	for _, tt := range timeouts {
		if tt.d <= 0 {
			return fmt.Errorf("%w: %s timeout must be positive, got %s", ErrInvalidTimeout, tt.name, tt.d)
		}
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("%w: idle timeout must not be negative", ErrInvalidTimeout)
	}
	if c.DispatchTimeout < 0 || c.DispatchTimeout >= c.ReceiveTimeout {
		return fmt.Errorf("%w: dispatch timeout %s must be below receive timeout %s", ErrInvalidTimeout, c.DispatchTimeout, c.ReceiveTimeout)
	}
	switch c.IdleStrategy {
	case IdleReset, IdleClose:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidIdleStrategy, c.IdleStrategy)
	}
	if c.MaxConcurrentConsumers <= 0 {
		return fmt.Errorf("%w: max concurrent consumers %d", ErrInvalidConcurrency, c.MaxConcurrentConsumers)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("%w: max connections %d", ErrInvalidConcurrency, c.MaxConnections)
	}
	switch c.TLS.ClientAuth {
	case ClientAuthNone, ClientAuthWant, ClientAuthRequire:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidClientAuth, c.TLS.ClientAuth)
	}
	return nil
}

// ReadOptions derives frame decoding options.
func (c Config) ReadOptions() frame.ReadOptions {
	opts := frame.DefaultReadOptions()
	opts.ReceiveTimeout = c.ReceiveTimeout
	opts.ReadTimeout = c.ReadTimeout
	opts.RequireEndOfData = c.RequireEndOfData
	opts.ValidatePayload = c.ValidatePayload
	opts.MaxFrameBytes = c.MaxFrameBytes
	return opts
}

// Reporter returns the PHI rendering policy for this endpoint.
func (c Config) Reporter() Reporter {
	return Reporter{LogPhi: c.LogPhi, MaxBytes: c.LogPhiMaxBytes}
}
