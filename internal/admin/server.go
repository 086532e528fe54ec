package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/mllp/internal/logging"
	"github.com/danmuck/mllp/internal/observability"
	"github.com/danmuck/mllp/internal/protocol/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const version = "0.1.0"

var ErrListenAddrRequired = errors.New("admin: listen address required")

type Config struct {
	Node        string
	ListenAddr  string
	CORSOrigins []string
}

// ConnectionManager is the management surface of one endpoint role.
type ConnectionManager interface {
	Connections() []session.Activity
	CloseConnections() int
	ResetConnections() int
}

// registryManager manages the connections of a bare registry, such as a
// producer pool's.
type registryManager struct {
	reg  *session.Registry
	role string
}

func RegistryManager(role string, reg *session.Registry) ConnectionManager {
	return registryManager{reg: reg, role: role}
}

func (m registryManager) Connections() []session.Activity {
	return m.reg.Activity()
}

func (m registryManager) CloseConnections() int {
	return m.terminate(session.IdleClose, "admin_close")
}

func (m registryManager) ResetConnections() int {
	return m.terminate(session.IdleReset, "admin_reset")
}

func (m registryManager) terminate(strategy session.IdleStrategy, reason string) int {
	n := m.reg.TerminateAll(strategy)
	for i := 0; i < n; i++ {
		observability.RecordTermination(m.role, reason)
	}
	return n
}

// Server is the admin HTTP surface: health checks, metrics and connection
// management per role.
type Server struct {
	cfg      Config
	router   *gin.Engine
	appeared time.Time
	log      zerolog.Logger

	mu    sync.RWMutex
	roles map[string]ConnectionManager
}

func New(cfg Config) *Server {
	observability.RegisterMetrics()
	cfg.Node = strings.TrimSpace(cfg.Node)
	if cfg.Node == "" {
		cfg.Node = "mllp"
	}
	log := logging.Component("admin")

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log))
	r.Use(observability.RequestMetricsMiddleware(cfg.Node))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:      cfg,
		router:   r,
		appeared: time.Now(),
		log:      log,
		roles:    make(map[string]ConnectionManager),
	}
	s.registerRoutes()
	return s
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}

// Manage exposes m under /connections/<role>.
func (s *Server) Manage(role string, m ConnectionManager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[role] = m
}

func (s *Server) manager(role string) (ConnectionManager, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.roles[role]
	return m, ok
}

func (s *Server) roleNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.roles))
	for role := range s.roles {
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve runs the admin HTTP server on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("admin.Serve listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.ListenAddr)
	if addr == "" {
		return ErrListenAddrRequired
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}
