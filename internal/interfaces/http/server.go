// Package http is the gateway's frontend: three provider-compatible API
// surfaces over one proxy service.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/modelgate/modelgate/internal/application/proxy"
	"github.com/modelgate/modelgate/internal/infrastructure/config"
	"github.com/modelgate/modelgate/internal/infrastructure/connector"
	"github.com/modelgate/modelgate/internal/infrastructure/metrics"
	"github.com/modelgate/modelgate/internal/interfaces/http/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server owns the HTTP listener and routes.
type Server struct {
	server   *http.Server
	registry *connector.Registry
	logger   *zap.Logger
}

// NewServer builds the router and handlers.
func NewServer(
	cfg *config.Config,
	svc *proxy.Service,
	registry *connector.Registry,
	m *metrics.Metrics,
	promRegistry *prometheus.Registry,
	logger *zap.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(handlers.SessionMiddleware())
	router.Use(handlers.GinLogger(logger))

	timeout := cfg.ProxyTimeout()
	openaiHandler := handlers.NewOpenAIHandler(svc, m, timeout, logger)
	anthropicHandler := handlers.NewAnthropicHandler(svc, m, timeout, logger)
	geminiHandler := handlers.NewGeminiHandler(svc, m, timeout, logger)

	s := &Server{registry: registry, logger: logger}
	setupRoutes(router, cfg, s, openaiHandler, anthropicHandler, geminiHandler, promRegistry, logger)

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: router,
	}
	return s
}

func setupRoutes(
	router *gin.Engine,
	cfg *config.Config,
	s *Server,
	openaiHandler *handlers.OpenAIHandler,
	anthropicHandler *handlers.AnthropicHandler,
	geminiHandler *handlers.GeminiHandler,
	promRegistry *prometheus.Registry,
	logger *zap.Logger,
) {
	router.GET("/health", s.health)
	router.GET("/ready", s.ready)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})))

	auth := handlers.AuthMiddleware(cfg.Auth.Disabled, cfg.Auth.ClientAPIKeys, logger)

	v1 := router.Group("/v1", auth)
	{
		v1.POST("/chat/completions", openaiHandler.ChatCompletions)
		v1.GET("/models", openaiHandler.ListModels)
		v1.POST("/messages", anthropicHandler.Messages)
	}

	v1beta := router.Group("/v1beta", auth)
	{
		v1beta.GET("/models", geminiHandler.ListModels)
		v1beta.POST("/models/*modelAction", geminiHandler.Generate)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().Unix()})
}

// ready reports per-backend credential health; 503 until at least one
// backend is functional.
func (s *Server) ready(c *gin.Context) {
	backends := gin.H{}
	functional := 0
	for _, name := range s.registry.Names() {
		b, ok := s.registry.Get(name)
		if !ok {
			continue
		}
		health := b.Health()
		if health.Functional {
			functional++
		}
		backends[name] = gin.H{
			"functional": health.Functional,
			"errors":     health.Errors,
		}
	}

	status := http.StatusOK
	if functional == 0 {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"ready":    functional > 0,
		"backends": backends,
	})
}

// Start begins serving in the background.
func (s *Server) Start() {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}
