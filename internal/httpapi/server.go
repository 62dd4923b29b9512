// Package httpapi is the HTTP façade over the audit engine: document
// and audit management, status polling, flag listing, and score history.
package httpapi

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"compliance-auditor/internal/blobstore"
	"compliance-auditor/internal/questions"
	"compliance-auditor/internal/scheduler"
	"compliance-auditor/internal/scoring"
	"compliance-auditor/internal/store"
)

// Enqueuer schedules audit runs off the request path.
type Enqueuer interface {
	Enqueue(ctx context.Context, job scheduler.Job) error
}

// Server owns the HTTP surface.
type Server struct {
	store     store.Store
	blobs     blobstore.Store
	queue     Enqueuer
	scores    *scoring.Tracker
	questions *questions.Generator
	logger    *zap.Logger
	registry  *prometheus.Registry
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
}

// New wires the server and its Prometheus instruments. Each server owns
// its registry so multiple instances can coexist in one process.
func New(st store.Store, blobs blobstore.Store, queue Enqueuer, scores *scoring.Tracker, questionGen *questions.Generator, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests by method, route, and status.",
	}, []string{"method", "route", "status"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency by method and route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
	registry.MustRegister(requests, latency)

	return &Server{
		store:     st,
		blobs:     blobs,
		queue:     queue,
		scores:    scores,
		questions: questionGen,
		logger:    logger,
		registry:  registry,
		requests:  requests,
		latency:   latency,
	}
}

// Router builds the gin engine with all routes and middleware.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestID(s.logger))
	router.Use(CORS())
	router.Use(Metrics(s.requests, s.latency))

	router.GET("/healthz", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	api := router.Group("/api")
	{
		api.POST("/documents", s.createDocument)
		api.POST("/audits", s.createAudit)
		api.GET("/audits", s.listAudits)
		api.GET("/audits/:id", s.getAudit)
		api.GET("/audits/:id/status", s.getAuditStatus)
		api.POST("/audits/:id/resume", s.resumeAudit)
		api.GET("/audits/:id/flags", s.listFlags)
		api.POST("/audits/:id/questions", s.generateQuestions)
	}
	router.GET("/scores/", s.scoreHistory)

	return router
}

func (s *Server) health(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}
