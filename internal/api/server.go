// Package api exposes the operator surface over HTTP: bundle lifecycle,
// approvals, canary control and the review queue. Transport only -- every
// decision lives in the underlying components.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"canaryloop/internal/bundle"
	"canaryloop/internal/feed"
	"canaryloop/internal/guard"
	"canaryloop/internal/sampler"
	"canaryloop/internal/store"
)

// Server holds the HTTP handlers and their collaborators.
type Server struct {
	manager *bundle.Manager
	guard   *guard.Guard
	sampler *sampler.Sampler
	loader  *feed.Loader
	store   *store.Local
	log     *zap.Logger

	defaultModelType string
	engine           *gin.Engine
}

// NewServer wires the operator API.
func NewServer(m *bundle.Manager, g *guard.Guard, s *sampler.Sampler, l *feed.Loader, st *store.Local, defaultModelType string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}

	srv := &Server{
		manager:          m,
		guard:            g,
		sampler:          s,
		loader:           l,
		store:            st,
		log:              log,
		defaultModelType: defaultModelType,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), srv.requestLogger())

	v1 := engine.Group("/v1")
	{
		v1.GET("/healthz", srv.handleHealth)

		v1.POST("/bundles/create", srv.handleCreateBundle)
		v1.POST("/bundles/:bundle_id/propose", srv.handleProposeBundle)

		v1.GET("/agents/:agent/bundles", srv.handleBundleHistory)
		v1.GET("/agents/:agent/bundles/:bundle_id", srv.handleGetBundle)
		v1.POST("/agents/:agent/rollback", srv.handleRollbackBundle)

		v1.GET("/approvals", srv.handleListApprovals)
		v1.POST("/approvals/:id/approve", srv.handleApprove)
		v1.POST("/approvals/:id/reject", srv.handleReject)
		v1.POST("/approvals/:id/apply", srv.handleApply)

		v1.GET("/canaries/active", srv.handleActiveCanaries)
		v1.POST("/canaries/:agent/promote", srv.handlePromoteCanary)
		v1.POST("/canaries/:agent/rollback", srv.handleRollbackCanary)
		v1.POST("/canaries/:agent/start-rollout", srv.handleStartRollout)
		v1.GET("/canaries/:agent/status", srv.handleCanaryStatus)

		v1.GET("/review-queue", srv.handleReviewQueue)
		v1.POST("/review-queue/label", srv.handleSubmitLabel)

		v1.POST("/predictions", srv.handleRecordPrediction)
		v1.POST("/metrics/:agent", srv.handleRecordMetrics)
		v1.POST("/feed/run", srv.handleRunFeed)
	}

	srv.engine = engine
	return srv
}

// Handler returns the http.Handler for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpSrv := &http.Server{Addr: addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()

	s.log.Info("operator API listening", zap.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		start := time.Now()
		c.Next()

		s.log.Info("http request",
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}
