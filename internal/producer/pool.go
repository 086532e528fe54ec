package producer

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/mllp/internal/protocol/session"
)

var ErrPoolClosed = errors.New("producer: pool closed")

// Pool keeps one Client per destination address. All of its connections
// share a registry so a single idle monitor covers them.
type Pool struct {
	cfg      session.Config
	registry *session.Registry

	mu      sync.Mutex
	clients map[string]*Client
	closed  bool
}

func NewPool(cfg session.Config) (*Pool, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}
	return &Pool{
		cfg:      cfg,
		registry: session.NewRegistry(),
		clients:  make(map[string]*Client),
	}, nil
}

// Client returns the client for address, creating it on first use.
func (p *Pool) Client(address string) (*Client, error) {
	address = strings.TrimSpace(address)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	if c, ok := p.clients[address]; ok {
		return c, nil
	}
	c, err := NewClient(Config{Address: address, Session: p.cfg}, WithRegistry(p.registry))
	if err != nil {
		return nil, err
	}
	p.clients[address] = c
	return c, nil
}

func (p *Pool) Send(ctx context.Context, address string, payload []byte) (Result, error) {
	c, err := p.Client(address)
	if err != nil {
		return Result{}, err
	}
	return c.Send(ctx, payload)
}

// Addresses lists the destinations with a client, sorted.
func (p *Pool) Addresses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.clients))
	for addr := range p.clients {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

func (p *Pool) Registry() *session.Registry {
	return p.registry
}

// Run drives the idle monitor for every pooled connection until ctx is done.
func (p *Pool) Run(ctx context.Context) {
	newIdleMonitor(p.registry, p.cfg).Run(ctx)
}

// Close closes every client. The pool rejects new sends afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	clients := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.clients = make(map[string]*Client)
	p.mu.Unlock()

	var errs []error
	for _, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
