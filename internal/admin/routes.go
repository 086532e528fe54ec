package admin

import (
	"net/http"
	"time"

	"github.com/danmuck/mllp/internal/protocol/session"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.appeared).String(),
			"component": s.cfg.Node,
			"version":   version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/ready", func(c *gin.Context) {
		roles := s.roleNames()
		status := http.StatusOK
		if len(roles) == 0 {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":     len(roles) > 0,
			"roles":     roles,
			"uptime":    time.Since(s.appeared).String(),
			"component": s.cfg.Node,
			"version":   version,
		})
	})

	s.router.GET("/connections", func(c *gin.Context) {
		out := make(map[string][]session.Activity)
		for _, role := range s.roleNames() {
			if m, ok := s.manager(role); ok {
				out[role] = m.Connections()
			}
		}
		c.JSON(http.StatusOK, gin.H{"connections": out})
	})

	s.router.GET("/connections/:role", func(c *gin.Context) {
		m, ok := s.lookup(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"role":        c.Param("role"),
			"connections": m.Connections(),
		})
	})

	s.router.POST("/connections/:role/close", func(c *gin.Context) {
		m, ok := s.lookup(c)
		if !ok {
			return
		}
		n := m.CloseConnections()
		s.log.Info().Str("role", c.Param("role")).Int("closed", n).Msg("admin.connections close")
		c.JSON(http.StatusOK, gin.H{"status": "ok", "role": c.Param("role"), "terminated": n})
	})

	s.router.POST("/connections/:role/reset", func(c *gin.Context) {
		m, ok := s.lookup(c)
		if !ok {
			return
		}
		n := m.ResetConnections()
		s.log.Info().Str("role", c.Param("role")).Int("reset", n).Msg("admin.connections reset")
		c.JSON(http.StatusOK, gin.H{"status": "ok", "role": c.Param("role"), "terminated": n})
	})
}

func (s *Server) lookup(c *gin.Context) (ConnectionManager, bool) {
	m, ok := s.manager(c.Param("role"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "role not found"})
		return nil, false
	}
	return m, true
}
