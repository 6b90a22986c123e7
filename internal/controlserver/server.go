package controlserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cxlswmc/pagecoherence/internal/metrics"
	"github.com/cxlswmc/pagecoherence/pkg/engine"
)

const (
	maxReadHeaderTimeout = 10 * time.Second
	maxReadTimeout       = 15 * time.Second
	maxWriteTimeout      = 15 * time.Second
)

// New builds the control surface's *http.Server: the counter/coherence
// toggle/replication routes backed by eng, plus /metrics for Prometheus
// scraping. Grounded on the teacher's NewGinServer
// (packages/client-proxy/internal/edge/http.go) — gin.New() plus
// gin.Recovery(), a request logger middleware, and one route
// registration call — trimmed of the OpenAPI request validator and
// auth middleware the teacher wires, since no generated schema exists
// for this surface.
func New(eng *engine.Engine, log *zap.Logger, port int) *http.Server {
	gin.SetMode(gin.ReleaseMode)

	handler := gin.New()
	handler.Use(gin.Recovery(), requestLogger(log))

	store := NewStore(eng, log)

	handler.GET("/counters", store.V1GetCounters)
	handler.POST("/counters/reset", store.V1ResetCounters)
	handler.POST("/coherence/enable", store.V1EnableCoherence)
	handler.POST("/coherence/disable", store.V1DisableCoherence)
	handler.POST("/replicas/flush", store.V1FlushReplicas)
	handler.POST("/replication/start", store.V1StartReplication)
	handler.POST("/replication/stop", store.V1StopReplication)

	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.New(eng))
	handler.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	return &http.Server{
		Handler:           handler,
		Addr:              fmt.Sprintf("0.0.0.0:%d", port),
		BaseContext:       func(net.Listener) context.Context { return context.Background() },
		ReadHeaderTimeout: maxReadHeaderTimeout,
		ReadTimeout:       maxReadTimeout,
		WriteTimeout:      maxWriteTimeout,
	}
}

// requestLogger logs each request's method, path, status, and latency
// at info level, the same fields the teacher's ginzap middleware
// records (packages/client-proxy/internal/edge/http.go).
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.Info("controlserver: request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
