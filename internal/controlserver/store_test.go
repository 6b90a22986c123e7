package controlserver

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cxlswmc/pagecoherence/pkg/engine"
	"github.com/cxlswmc/pagecoherence/pkg/pfn"
)

// noopMapper and noopRegion stand in for the host's real page-table
// and DAX-mapped region, matching the fakes pkg/engine's own tests use.
type noopMapper struct{}

func (noopMapper) TestAndClearYoung(pfn.PFN) bool              { return false }
func (noopMapper) Unmap(pfn.PFN)                               {}
func (noopMapper) CleanCacheLines(pfn.PFN)                     {}
func (noopMapper) RedirectToReplica(original, replica pfn.PFN) {}
func (noopMapper) RedirectToOriginal(pfn.PFN)                  {}

type noopRegion struct{}

func (noopRegion) ReadAt([]byte, int64, int) error  { return nil }
func (noopRegion) WriteAt([]byte, int64, int) error { return nil }

type noopResolver struct{}

func (noopResolver) Resolve(int, uint64) (pfn.PFN, bool) { return 0, false }

// buildTestEngine builds an engine with no real transport wired: these
// tests only exercise the control-surface handlers, never a fault that
// would need to send a wire message.
func buildTestEngine(t *testing.T) *engine.Engine {
	t.Helper()

	e, err := engine.New(engine.Config{
		LocalNode:           1,
		Space:               pfn.Space{Base: 0, PageShift: 12},
		StationCapacity:     8,
		ReplicaArenaPath:    filepath.Join(t.TempDir(), "arena"),
		ReplicaSlots:        16,
		SamplingInterval:    time.Millisecond,
		ReplicationInterval: time.Hour,
		HotPercentile:       50,
		Mapper:              noopMapper{},
		Region:              noopRegion{},
		Resolver:            noopResolver{},
		Log:                 zap.NewNop(),
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = e.Close() })

	return e
}

func TestV1GetCountersReturnsSnapshot(t *testing.T) {
	gin.SetMode(gin.TestMode)

	e := buildTestEngine(t)
	store := NewStore(e, zap.NewNop())

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/counters", nil)

	store.V1GetCounters(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "fault_count")
}

func TestV1ResetCountersZeroesFaultCount(t *testing.T) {
	gin.SetMode(gin.TestMode)

	e := buildTestEngine(t)
	store := NewStore(e, zap.NewNop())

	e.EnablePageCoherence()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/counters/reset", nil)

	store.V1ResetCounters(c)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Zero(t, e.Counters().FaultCount)
}

func TestV1EnableDisableCoherenceToggle(t *testing.T) {
	gin.SetMode(gin.TestMode)

	e := buildTestEngine(t)
	store := NewStore(e, zap.NewNop())

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/coherence/disable", nil)
	store.V1DisableCoherence(c)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/coherence/enable", nil)
	store.V1EnableCoherence(c)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestV1FlushReplicasReturnsNoContent(t *testing.T) {
	gin.SetMode(gin.TestMode)

	e := buildTestEngine(t)
	store := NewStore(e, zap.NewNop())

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/replicas/flush", nil)

	store.V1FlushReplicas(c)

	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestV1StartReplicationRejectsMalformedBody(t *testing.T) {
	gin.SetMode(gin.TestMode)

	e := buildTestEngine(t)
	store := NewStore(e, zap.NewNop())

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/replication/start", bytes.NewBufferString("not json"))
	c.Request.Header.Set("Content-Type", "application/json")

	store.V1StartReplication(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestV1StartStopReplicationLifecycle(t *testing.T) {
	gin.SetMode(gin.TestMode)

	e := buildTestEngine(t)
	store := NewStore(e, zap.NewNop())

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/replication/start",
		bytes.NewBufferString(`{"sampling_interval_ms":1,"hot_page_percentage":50}`))
	c.Request.Header.Set("Content-Type", "application/json")

	store.V1StartReplication(c)
	assert.Equal(t, http.StatusNoContent, w.Code)

	time.Sleep(5 * time.Millisecond)

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/replication/stop", nil)

	store.V1StopReplication(c)
	assert.Equal(t, http.StatusNoContent, w.Code)
}
