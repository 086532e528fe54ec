package config

import (
	"fmt"
	"strings"

	gotoml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

func fromApp(cfg App) fileConfig {
	s := cfg.Session
	return fileConfig{
		Node:            cfg.Node,
		ListenAddr:      cfg.ListenAddr,
		Destination:     cfg.Destination,
		AdminListenAddr: cfg.AdminListenAddr,
		CORSOrigins:     cfg.CORSOrigins,

		ConnectTimeout: s.ConnectTimeout.String(),
		ReceiveTimeout: s.ReceiveTimeout.String(),
		ReadTimeout:    s.ReadTimeout.String(),
		WriteTimeout:   s.WriteTimeout.String(),
		IdleTimeout:    s.IdleTimeout.String(),
		IdleStrategy:   string(s.IdleStrategy),

		DispatchTimeout: s.DispatchTimeout.String(),

		RequireEndOfData: s.RequireEndOfData,
		ValidatePayload:  s.ValidatePayload,
		AutoAck:          s.AutoAck,
		HL7Headers:       s.HL7Headers,

		MaxConcurrentConsumers: s.MaxConcurrentConsumers,
		MaxConnections:         s.MaxConnections,
		MaxFrameBytes:          s.MaxFrameBytes,

		KeepAlive:      s.KeepAlive,
		TCPNoDelay:     s.TCPNoDelay,
		LogPhi:         s.LogPhi,
		LogPhiMaxBytes: s.LogPhiMaxBytes,

		TLSEnabled:            s.TLS.Enabled,
		TLSCertFile:           s.TLS.CertFile,
		TLSKeyFile:            s.TLS.KeyFile,
		TLSCAFile:             s.TLS.CAFile,
		TLSServerName:         s.TLS.ServerName,
		TLSInsecureSkipVerify: s.TLS.InsecureSkipVerify,
		TLSClientAuth:         string(s.TLS.ClientAuth),
	}
}

// Render encodes the effective configuration in the given format ("toml" or
// "yaml"). The output loads back to the same configuration.
func Render(cfg App, format string) ([]byte, error) {
	raw := fromApp(cfg)
	if raw.CORSOrigins == nil {
		raw.CORSOrigins = []string{}
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "toml":
		return gotoml.Marshal(raw)
	case "yaml", "yml":
		return yaml.Marshal(raw)
	default:
		return nil, fmt.Errorf("unknown config format: %s", format)
	}
}
