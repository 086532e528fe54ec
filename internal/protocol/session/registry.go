package session

import (
	"slices"
	"sync"
	"time"
)

// Registry tracks live connections for the idle monitor and management
// operations. It is the only state shared across connection goroutines.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

func (r *Registry) Track(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID()] = c
}

func (r *Registry) Untrack(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c.ID())
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Snapshot returns the tracked connections oldest first.
func (r *Registry) Snapshot() []*Conn {
	r.mu.Lock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b *Conn) int {
		return a.CreatedAt().Compare(b.CreatedAt())
	})
	return out
}

// Activity is a read-only view of one tracked connection.
type Activity struct {
	ID           string        `json:"id"`
	LocalAddr    string        `json:"local_addr"`
	RemoteAddr   string        `json:"remote_addr"`
	State        string        `json:"state"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActivity time.Time     `json:"last_activity"`
	Idle         time.Duration `json:"idle_ns"`
}

func (r *Registry) Activity() []Activity {
	now := time.Now()
	conns := r.Snapshot()
	out := make([]Activity, 0, len(conns))
	for _, c := range conns {
		last := c.LastActivity()
		out = append(out, Activity{
			ID:           c.ID(),
			LocalAddr:    c.LocalAddr().String(),
			RemoteAddr:   c.RemoteAddr().String(),
			State:        c.State().String(),
			CreatedAt:    c.CreatedAt(),
			LastActivity: last,
			Idle:         now.Sub(last),
		})
	}
	return out
}

// TerminateAll closes every tracked connection with strategy, without
// waiting for in-flight exchanges, and returns how many it closed.
func (r *Registry) TerminateAll(strategy IdleStrategy) int {
	n := 0
	for _, c := range r.Snapshot() {
		if acted, _ := c.Terminate(strategy); acted {
			n++
		}
		r.Untrack(c)
	}
	return n
}
