// Package gateway wires the HTTP surface: session lifecycle routes, chat
// queries, message submission, and the ambient health/metrics endpoints.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wagate-dev/wagate/internal/config"
	"github.com/wagate-dev/wagate/internal/observability"
	"github.com/wagate-dev/wagate/internal/session"
	"github.com/wagate-dev/wagate/internal/webhook"
)

const shutdownTimeout = 5 * time.Second

// Service owns the gin engine and the session-core collaborators behind it.
type Service struct {
	cfg        config.GatewayConfig
	engine     *gin.Engine
	manager    *session.Manager
	registry   *session.Registry
	dispatcher *webhook.Dispatcher
	loader     *session.Loader
	startedAt  time.Time
}

func NewService(
	cfg config.GatewayConfig,
	manager *session.Manager,
	dispatcher *webhook.Dispatcher,
	loader *session.Loader,
	logger zerolog.Logger,
) *Service {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(observability.RequestID())
	engine.Use(observability.RequestLogger(logger))
	engine.Use(observability.RequestMetricsMiddleware())
	if len(cfg.CorsOrigins) > 0 {
		corsCfg := cors.DefaultConfig()
		corsCfg.AllowOrigins = cfg.CorsOrigins
		engine.Use(cors.New(corsCfg))
	} else {
		engine.Use(cors.Default())
	}

	s := &Service{
		cfg:        cfg,
		engine:     engine,
		manager:    manager,
		registry:   manager.Registry(),
		dispatcher: dispatcher,
		loader:     loader,
		startedAt:  time.Now(),
	}
	s.registerRoutes()
	return s
}

// Engine exposes the router for tests.
func (s *Service) Engine() *gin.Engine { return s.engine }

// Run restores persisted sessions, serves HTTP until signal shutdown, and
// writes chat-store snapshots on the way out.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.loader.Restore(ctx); err != nil {
		return err
	}

	srv := &http.Server{Addr: s.cfg.ListenAddr(), Handler: s.engine}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()
	log.Info().Str("addr", s.cfg.ListenAddr()).Msg("gateway_listening")

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Warn().Err(err).Msg("gateway_shutdown_failed")
	}
	s.manager.WriteSnapshots()
	log.Info().Msg("gateway_stopped")
	return nil
}
