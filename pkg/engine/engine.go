// Package engine wires the coherence engine's components into the single
// process-wide singleton spec §9 calls for ("CXL base PFN, fault-handle
// table, LRU lists, histogram, wait-station pool, and daemon handles
// should live in a single engine singleton with explicit init/shutdown").
// Grounded on the teacher's pattern of a top-level struct built once by a
// constructor and torn down by a paired Close, run under one
// errgroup.Group (cmd/mock-nbd-overlay/main.go's `errgroup.Group{}` /
// `e.Go` / `e.Wait`).
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cxlswmc/pagecoherence/pkg/asyncworker"
	"github.com/cxlswmc/pagecoherence/pkg/coherence"
	"github.com/cxlswmc/pagecoherence/pkg/cxlmem"
	"github.com/cxlswmc/pagecoherence/pkg/faulttable"
	"github.com/cxlswmc/pagecoherence/pkg/lru"
	"github.com/cxlswmc/pagecoherence/pkg/mapping"
	"github.com/cxlswmc/pagecoherence/pkg/page"
	"github.com/cxlswmc/pagecoherence/pkg/pfn"
	"github.com/cxlswmc/pagecoherence/pkg/remote"
	"github.com/cxlswmc/pagecoherence/pkg/replica"
	"github.com/cxlswmc/pagecoherence/pkg/replication"
	"github.com/cxlswmc/pagecoherence/pkg/transport"
	"github.com/cxlswmc/pagecoherence/pkg/waitstation"
)

// Config is everything the engine needs from the outside world: the
// transport, mapping, CXL region, and sampling collaborators (spec §6's
// "consumed" interfaces), plus the sizing knobs spec §4 leaves to the
// implementer.
type Config struct {
	LocalNode int32
	Space     pfn.Space

	StationCapacity  int
	StationThreshold int // 0 defaults to 80% of capacity (spec §4.1).

	ReplicaArenaPath string
	ReplicaSlots     int

	SamplingInterval    time.Duration
	ReplicationInterval time.Duration
	HotPercentile       int

	Transport transport.Transport
	Mapper    mapping.Mapper
	Region    cxlmem.Region
	Resolver  replication.Resolver

	Log *zap.Logger
}

// flusherAdapter closes pkg/lru.Flusher's single-PFN signature over
// pkg/replica.Store.Flush's (original, offset, order) signature. It is
// built with a nil store and back-filled once the store exists, breaking
// the lru <-> replica construction cycle (the LRU needs a Flusher to hand
// to Shrink; the replica store needs the LRU as its Reclaimer).
//
// The PFN the LRU hands Flush is a replica's own PFN, not its original's
// — create_replica's step 5 inserts the replica into the active list
// (spec §4.7), so that is what ages onto the inactive tail and reaches
// Shrink/FlushAll. Flush resolves replica -> original via the page
// table's OriginalPFN back-pointer before calling the store, mirroring
// the same resolution pkg/replication's sweep does.
type flusherAdapter struct {
	store *replica.Store
	pages *page.Table
	space pfn.Space
}

func (f *flusherAdapter) Flush(replicaPFN pfn.PFN) error {
	rep, ok := f.pages.Peek(replicaPFN)
	if !ok {
		return fmt.Errorf("engine: no page record for replica pfn %d", replicaPFN)
	}

	original := rep.OriginalPFN

	return f.store.Flush(original, f.space.Offset(original), 0)
}

// countingReplicator wraps the replica store so every replica the
// replication daemon actually creates is reflected in the produced
// replica_created_count (spec §6), without pkg/replica itself needing to
// know about sysfs-style counters.
type countingReplicator struct {
	store    *replica.Store
	counters *counters
}

func (c *countingReplicator) Create(original pfn.PFN, offset int64, order int) error {
	if err := c.store.Create(original, offset, order); err != nil {
		return err
	}

	c.counters.replicaCreatedCount.Add(1)

	return nil
}

func (c *countingReplicator) Flush(original pfn.PFN, offset int64, order int) error {
	return c.store.Flush(original, offset, order)
}

func (c *countingReplicator) Get(original pfn.PFN) (pfn.PFN, bool) {
	return c.store.Get(original)
}

// Engine is the process-wide coherence engine singleton.
type Engine struct {
	cfg Config

	space   pfn.Space
	pages   *page.Table
	handles *faulttable.Table
	lru     *lru.List
	replica *replica.Store

	stations   *waitstation.Pool
	acked      *coherence.AckCounter
	transactor *coherence.Transactor

	remote     *remote.Handler
	dispatcher *transport.Dispatcher

	asyncWorker *asyncworker.Worker
	daemon      *replication.Daemon

	mapper mapping.Mapper
	log    *zap.Logger

	enabled enabledFlag

	counters counters

	asyncMu       sync.Mutex
	asyncInFlight map[pfn.PFN]chan struct{}

	nackMu   sync.Mutex
	nackSeen map[pfn.PFN]bool

	replMu     sync.Mutex
	replCancel context.CancelFunc
	replDone   chan struct{}

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New builds the engine and all of its components, wiring them together
// per spec §2's component table. It does not start any background loop;
// call Start for that.
func New(cfg Config) (*Engine, error) {
	if cfg.StationCapacity <= 0 {
		cfg.StationCapacity = 256
	}

	pages := page.NewTable()
	handles := faulttable.NewTable()

	fa := &flusherAdapter{pages: pages, space: cfg.Space}
	lruList := lru.New(cfg.Mapper, fa)

	store, err := replica.NewStore(cfg.ReplicaArenaPath, cfg.ReplicaSlots, pages, cfg.Region, cfg.Mapper, lruList)
	if err != nil {
		return nil, fmt.Errorf("engine: building replica store: %w", err)
	}
	fa.store = store

	stations := waitstation.NewPool(cfg.StationCapacity, cfg.StationThreshold)
	acked := &coherence.AckCounter{}

	e := &Engine{
		cfg:           cfg,
		space:         cfg.Space,
		pages:         pages,
		handles:       handles,
		lru:           lruList,
		replica:       store,
		stations:      stations,
		acked:         acked,
		mapper:        cfg.Mapper,
		log:           cfg.Log,
		asyncInFlight: make(map[pfn.PFN]chan struct{}),
		nackSeen:      make(map[pfn.PFN]bool),
	}
	e.enabled.set(true)

	e.transactor = coherence.NewTransactor(stations, cfg.Transport, cfg.LocalNode, acked, store, e)

	e.remote = &remote.Handler{
		LocalNode:  cfg.LocalNode,
		Handles:    handles,
		Pages:      pages,
		Space:      cfg.Space,
		Replicator: store,
		Mapper:     cfg.Mapper,
		Stations:   stations,
		Acked:      acked,
		Transport:  cfg.Transport,
		Log:        cfg.Log,
	}
	e.dispatcher = transport.NewDispatcher(e.remote)

	e.asyncWorker = asyncworker.New(e, cfg.Log)

	e.daemon = replication.New(cfg.Resolver, cfg.Space, pages, lruList, &countingReplicator{store: store, counters: &e.counters}, cfg.SamplingInterval, cfg.ReplicationInterval, cfg.HotPercentile, cfg.Log)

	return e, nil
}

// Dispatcher is the single process-wide inbound entry point (spec §4.2);
// the caller's transport feeds inbound records through this.
func (e *Engine) Dispatcher() *transport.Dispatcher {
	return e.dispatcher
}

// Start runs the async completion worker, the one loop that is always on
// for the life of the engine. The replication daemon has its own
// independently controlled lifecycle (spec §6 replication_start/stop) and
// is not started here.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)

	e.cancel = cancel
	e.group = g

	g.Go(func() error {
		return e.asyncWorker.Run(ctx)
	})

	return nil
}

// Close stops every background loop, including the replication daemon if
// running, and releases the replica arena (spec §9's paired
// init/shutdown).
func (e *Engine) Close() error {
	e.ReplicationStop()

	if e.cancel != nil {
		e.cancel()
	}

	if e.group != nil {
		_ = e.group.Wait()
	}

	e.stations.Close()

	return e.replica.Close()
}

type enabledFlag struct {
	mu sync.RWMutex
	on bool
}

func (f *enabledFlag) set(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.on = v
}

func (f *enabledFlag) get() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.on
}
