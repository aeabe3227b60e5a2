package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const healthTimeout = 3 * time.Second

var errMissingSocketHost = errors.New("socket host dependency required")

// SocketHost upgrades a request into a collaboration session on a document.
type SocketHost interface {
	ServeSocket(w http.ResponseWriter, r *http.Request, name string)
}

// HealthCheck reports whether a backing dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Dependencies struct {
	Host           SocketHost
	HealthChecks   map[string]HealthCheck
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler wires the collaboration endpoint and health probe.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Host == nil {
		return nil, errMissingSocketHost
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))
	router.Use(requestLogger(logger))

	handler := &httpHandler{
		host:   deps.Host,
		checks: deps.HealthChecks,
		logger: logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/collab/:document", handler.handleCollab)

	return router, nil
}

type httpHandler struct {
	host   SocketHost
	checks map[string]HealthCheck
	logger *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	failing := gin.H{}
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			h.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			failing[name] = err.Error()
		}
	}
	if len(failing) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "failing": failing})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleCollab(c *gin.Context) {
	h.host.ServeSocket(c.Writer, c.Request, c.Param("document"))
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Sec-WebSocket-Protocol"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(started)),
		)
	}
}
