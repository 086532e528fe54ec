package session

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidClientAuth       = errors.New("session: invalid client auth mode")
	ErrTLSRequired             = errors.New("session: tls required")
	ErrTLSCertFileRequired     = errors.New("session: tls cert file required")
	ErrTLSKeyFileRequired      = errors.New("session: tls key file required")
	ErrTLSCAFileRequired       = errors.New("session: tls ca file required")
	ErrTLSInsecureSkipNotAllow = errors.New("session: insecure skip verify not allowed")
)

func NormalizeClientAuth(mode ClientAuthMode) ClientAuthMode {
	if strings.TrimSpace(string(mode)) == "" {
		return ClientAuthNone
	}
	return ClientAuthMode(strings.ToLower(strings.TrimSpace(string(mode))))
}

// ValidateClientTransport checks TLS settings for the producer role. A
// client certificate is optional but cert and key come as a pair.
func (c Config) ValidateClientTransport() error {
	if !c.TLS.Enabled {
		return nil
	}
	if strings.TrimSpace(c.TLS.CAFile) == "" && !c.TLS.InsecureSkipVerify {
		return ErrTLSCAFileRequired
	}
	certSet := strings.TrimSpace(c.TLS.CertFile) != ""
	keySet := strings.TrimSpace(c.TLS.KeyFile) != ""
	if certSet && !keySet {
		return ErrTLSKeyFileRequired
	}
	if keySet && !certSet {
		return ErrTLSCertFileRequired
	}
	return nil
}

// ValidateServerTransport checks TLS settings for the consumer role.
func (c Config) ValidateServerTransport() error {
	mode := NormalizeClientAuth(c.TLS.ClientAuth)
	switch mode {
	case ClientAuthNone, ClientAuthWant, ClientAuthRequire:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidClientAuth, c.TLS.ClientAuth)
	}

	if !c.TLS.Enabled {
		if mode != ClientAuthNone {
			return ErrTLSRequired
		}
		return nil
	}
	if c.TLS.InsecureSkipVerify {
		return ErrTLSInsecureSkipNotAllow
	}
	if strings.TrimSpace(c.TLS.CertFile) == "" {
		return ErrTLSCertFileRequired
	}
	if strings.TrimSpace(c.TLS.KeyFile) == "" {
		return ErrTLSKeyFileRequired
	}
	if mode != ClientAuthNone && strings.TrimSpace(c.TLS.CAFile) == "" {
		return ErrTLSCAFileRequired
	}
	return nil
}
