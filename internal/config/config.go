package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/mllp/internal/protocol/session"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidConfig = errors.New("config: invalid config")
	ErrUnknownKeys   = errors.New("config: unknown keys")
)

// App is the runtime configuration of one mllpctl process.
type App struct {
	Node            string
	ListenAddr      string
	Destination     string
	AdminListenAddr string
	CORSOrigins     []string
	Session         session.Config
}

func Default() App {
	return App{
		Node:       "mllp",
		ListenAddr: "127.0.0.1:2575",
		Session:    session.DefaultConfig(),
	}
}

// fileConfig is the flat key mapping of config.toml / config.yaml.
type fileConfig struct {
	Node            string   `toml:"node" yaml:"node"`
	ListenAddr      string   `toml:"listen_addr" yaml:"listen_addr"`
	Destination     string   `toml:"destination" yaml:"destination"`
	AdminListenAddr string   `toml:"admin_listen_addr" yaml:"admin_listen_addr"`
	CORSOrigins     []string `toml:"cors_origins" yaml:"cors_origins"`

	ConnectTimeout string `toml:"connect_timeout" yaml:"connect_timeout"`
	ReceiveTimeout string `toml:"receive_timeout" yaml:"receive_timeout"`
	ReadTimeout    string `toml:"read_timeout" yaml:"read_timeout"`
	WriteTimeout   string `toml:"write_timeout" yaml:"write_timeout"`
	IdleTimeout    string `toml:"idle_timeout" yaml:"idle_timeout"`
	IdleStrategy   string `toml:"idle_strategy" yaml:"idle_strategy"`

	// DispatchTimeout of "0s" derives receive_timeout/3.
	DispatchTimeout string `toml:"dispatch_timeout" yaml:"dispatch_timeout"`

	RequireEndOfData bool `toml:"require_end_of_data" yaml:"require_end_of_data"`
	ValidatePayload  bool `toml:"validate_payload" yaml:"validate_payload"`
	AutoAck          bool `toml:"auto_ack" yaml:"auto_ack"`
	HL7Headers       bool `toml:"hl7_headers" yaml:"hl7_headers"`

	MaxConcurrentConsumers int `toml:"max_concurrent_consumers" yaml:"max_concurrent_consumers"`
	MaxConnections         int `toml:"max_connections" yaml:"max_connections"`
	MaxFrameBytes          int `toml:"max_frame_bytes" yaml:"max_frame_bytes"`

	KeepAlive      bool `toml:"keep_alive" yaml:"keep_alive"`
	TCPNoDelay     bool `toml:"tcp_no_delay" yaml:"tcp_no_delay"`
	LogPhi         bool `toml:"log_phi" yaml:"log_phi"`
	LogPhiMaxBytes int  `toml:"log_phi_max_bytes" yaml:"log_phi_max_bytes"`

	TLSEnabled            bool   `toml:"tls_enabled" yaml:"tls_enabled"`
	TLSCertFile           string `toml:"tls_cert_file" yaml:"tls_cert_file"`
	TLSKeyFile            string `toml:"tls_key_file" yaml:"tls_key_file"`
	TLSCAFile             string `toml:"tls_ca_file" yaml:"tls_ca_file"`
	TLSServerName         string `toml:"tls_server_name" yaml:"tls_server_name"`
	TLSInsecureSkipVerify bool   `toml:"tls_insecure_skip_verify" yaml:"tls_insecure_skip_verify"`
	TLSClientAuth         string `toml:"tls_client_auth" yaml:"tls_client_auth"`
}

// Load reads a TOML or YAML file (by extension) and overlays the keys it
// defines onto Default. Unknown keys are rejected.
func Load(path string) (App, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return App{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}

	var (
		raw     fileConfig
		defined func(string) bool
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		defined, err = decodeYAML(data, &raw)
	default:
		defined, err = decodeTOML(data, &raw)
	}
	if err != nil {
		return App{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}

	cfg := Default()
	if err := raw.apply(&cfg, defined); err != nil {
		return App{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Session.Validate(); err != nil {
		return App{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func decodeTOML(data []byte, raw *fileConfig) (func(string) bool, error) {
	meta, err := toml.Decode(string(data), raw)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownKeys, strings.Join(keys, ", "))
	}
	return func(key string) bool { return meta.IsDefined(key) }, nil
}

func decodeYAML(data []byte, raw *fileConfig) (func(string) bool, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(raw); err != nil {
		if strings.Contains(err.Error(), "not found in type") {
			return nil, fmt.Errorf("%w: %v", ErrUnknownKeys, err)
		}
		return nil, err
	}
	keys := map[string]any{}
	if err := yaml.Unmarshal(data, &keys); err != nil {
		return nil, err
	}
	return func(key string) bool {
		_, ok := keys[key]
		return ok
	}, nil
}

func (f fileConfig) apply(cfg *App, defined func(string) bool) error {
	if defined("node") {
		cfg.Node = strings.TrimSpace(f.Node)
	}
	if defined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(f.ListenAddr)
	}
	if defined("destination") {
		cfg.Destination = strings.TrimSpace(f.Destination)
	}
	if defined("admin_listen_addr") {
		cfg.AdminListenAddr = strings.TrimSpace(f.AdminListenAddr)
	}
	if defined("cors_origins") {
		cfg.CORSOrigins = f.CORSOrigins
	}

	s := &cfg.Session
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", f.ConnectTimeout, &s.ConnectTimeout},
		{"receive_timeout", f.ReceiveTimeout, &s.ReceiveTimeout},
		{"read_timeout", f.ReadTimeout, &s.ReadTimeout},
		{"write_timeout", f.WriteTimeout, &s.WriteTimeout},
		{"idle_timeout", f.IdleTimeout, &s.IdleTimeout},
		{"dispatch_timeout", f.DispatchTimeout, &s.DispatchTimeout},
	}
	for _, d := range durations {
		if !defined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, d.key, err)
		}
		*d.dst = v
	}
	if defined("idle_strategy") {
		s.IdleStrategy = session.IdleStrategy(strings.TrimSpace(f.IdleStrategy))
	}

	if defined("require_end_of_data") {
		s.RequireEndOfData = f.RequireEndOfData
	}
	if defined("validate_payload") {
		s.ValidatePayload = f.ValidatePayload
	}
	if defined("auto_ack") {
		s.AutoAck = f.AutoAck
	}
	if defined("hl7_headers") {
		s.HL7Headers = f.HL7Headers
	}
	if defined("max_concurrent_consumers") {
		s.MaxConcurrentConsumers = f.MaxConcurrentConsumers
	}
	if defined("max_connections") {
		s.MaxConnections = f.MaxConnections
	}
	if defined("max_frame_bytes") {
		s.MaxFrameBytes = f.MaxFrameBytes
	}
	if defined("keep_alive") {
		s.KeepAlive = f.KeepAlive
	}
	if defined("tcp_no_delay") {
		s.TCPNoDelay = f.TCPNoDelay
	}
	if defined("log_phi") {
		s.LogPhi = f.LogPhi
	}
	if defined("log_phi_max_bytes") {
		s.LogPhiMaxBytes = f.LogPhiMaxBytes
	}

	if defined("tls_enabled") {
		s.TLS.Enabled = f.TLSEnabled
	}
	if defined("tls_cert_file") {
		s.TLS.CertFile = strings.TrimSpace(f.TLSCertFile)
	}
	if defined("tls_key_file") {
		s.TLS.KeyFile = strings.TrimSpace(f.TLSKeyFile)
	}
	if defined("tls_ca_file") {
		s.TLS.CAFile = strings.TrimSpace(f.TLSCAFile)
	}
	if defined("tls_server_name") {
		s.TLS.ServerName = strings.TrimSpace(f.TLSServerName)
	}
	if defined("tls_insecure_skip_verify") {
		s.TLS.InsecureSkipVerify = f.TLSInsecureSkipVerify
	}
	if defined("tls_client_auth") {
		s.TLS.ClientAuth = session.ClientAuthMode(strings.TrimSpace(f.TLSClientAuth))
	}
	return nil
}
