// Package controlserver exposes the engine's sysfs-style produced
// interface (spec §6) over HTTP: counters, the enable/disable toggle,
// flush_replicas, and replication_start/stop. Grounded on the teacher
// org's client-proxy edge API — a gin.New() handler built around a
// single store struct holding the collaborators each route needs
// (packages/client-proxy/internal/edge/handlers/store.go), with
// sendAPIStoreError's pattern of a uniform JSON error body.
package controlserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cxlswmc/pagecoherence/pkg/engine"
)

// Store is the dependency-injection struct every route method hangs
// off of, mirroring APIStore in the teacher's edge handlers.
type Store struct {
	engine *engine.Engine
	log    *zap.Logger
}

// NewStore builds a Store over eng.
func NewStore(eng *engine.Engine, log *zap.Logger) *Store {
	return &Store{engine: eng, log: log}
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Store) sendError(c *gin.Context, code int, message string) {
	c.Error(errors.New(message))
	c.JSON(code, apiError{Code: code, Message: message})
}

type replicationStartRequest struct {
	SamplingIntervalMS int `json:"sampling_interval_ms" binding:"required"`
	HotPagePercentage  int `json:"hot_page_percentage" binding:"required"`
}

// V1GetCounters implements GET /counters (spec §6's read-only counter
// bank, plus allocated_pages).
func (s *Store) V1GetCounters(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Counters())
}

// V1ResetCounters implements POST /counters/reset (spec §6: "writing 1
// zeros all counters").
func (s *Store) V1ResetCounters(c *gin.Context) {
	s.engine.ResetCounters()
	c.Status(http.StatusNoContent)
}

// V1EnableCoherence implements POST /coherence/enable.
func (s *Store) V1EnableCoherence(c *gin.Context) {
	s.engine.EnablePageCoherence()
	c.Status(http.StatusNoContent)
}

// V1DisableCoherence implements POST /coherence/disable.
func (s *Store) V1DisableCoherence(c *gin.Context) {
	s.engine.DisablePageCoherence()
	c.Status(http.StatusNoContent)
}

// V1FlushReplicas implements POST /replicas/flush (spec §6
// flush_replicas()).
func (s *Store) V1FlushReplicas(c *gin.Context) {
	if err := s.engine.FlushReplicas(); err != nil {
		s.log.Error("controlserver: flushing replicas", zap.Error(err))
		s.sendError(c, http.StatusInternalServerError, "error flushing replicas")

		return
	}

	c.Status(http.StatusNoContent)
}

// V1StartReplication implements POST /replication/start (spec §6
// replication_start(sampling_interval, hot_page_percentage)).
func (s *Store) V1StartReplication(c *gin.Context) {
	var req replicationStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.sendError(c, http.StatusBadRequest, "error when parsing request: "+err.Error())
		return
	}

	s.engine.ReplicationStart(time.Duration(req.SamplingIntervalMS)*time.Millisecond, req.HotPagePercentage)
	c.Status(http.StatusNoContent)
}

// V1StopReplication implements POST /replication/stop (spec §6
// replication_stop()).
func (s *Store) V1StopReplication(c *gin.Context) {
	s.engine.ReplicationStop()
	c.Status(http.StatusNoContent)
}
