// Package replication implements the replication daemon (C9): it consumes
// hardware address samples, maintains per-page access counters and a
// hotness histogram, and drives the periodic replicate/evict sweep (spec
// §4.10). Grounded on the teacher's source.Prefetcher
// (background-goroutine-from-constructor, errgroup-supervised dual loop)
// and the NBD pool's ticker-driven retry idiom.
package replication

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cxlswmc/pagecoherence/pkg/histogram"
	"github.com/cxlswmc/pagecoherence/pkg/lru"
	"github.com/cxlswmc/pagecoherence/pkg/page"
	"github.com/cxlswmc/pagecoherence/pkg/pfn"
)

// sampleRing bounds the sampling input queue, mirroring the async
// completion worker's fixed-size ring (pkg/asyncworker.RingSize).
const sampleRing = 1024

// Resolver resolves a hardware sample's (pid, virtual address) pair to the
// page it currently maps, reporting false if the address is not resident
// or not mapped (spec §4.10 step 1). This models the "process address
// space lookup" collaborator, out of scope for this engine.
type Resolver interface {
	Resolve(pid int, va uint64) (p pfn.PFN, ok bool)
}

// Replicator is the subset of the replica store the daemon drives (spec
// §4.7 create_replica/flush_replica/get_replica).
type Replicator interface {
	Create(original pfn.PFN, offset int64, order int) error
	Flush(original pfn.PFN, offset int64, order int) error
	Get(original pfn.PFN) (pfn.PFN, bool)
}

// Sample is one hardware-delivered (pid, virtual address) access record.
type Sample struct {
	PID int
	VA  uint64
}

// Daemon is the replication daemon. One Daemon instance owns the
// histogram and monitoring age exclusively (spec §5 "Concurrency and
// locking": "owned exclusively by the replication daemon") — only its own
// sample-processing goroutine ever mutates them.
type Daemon struct {
	resolver Resolver
	space    pfn.Space
	pages    *page.Table
	active   *lru.List
	replicas Replicator
	hist     *histogram.Histogram
	log      *zap.Logger

	samplingInterval    time.Duration
	replicationInterval time.Duration
	hotPercentile       int

	monitoringAge uint16

	samples chan Sample

	candMu     sync.Mutex
	candidates map[pfn.PFN]struct{}
}

// New builds a replication daemon. samplingInterval paces the
// address-space-lookup-blocking sample drain (spec §5's "suspends on a
// sleep between samples"); replicationInterval paces the periodic sweep;
// hotPercentile is hot_page_percentage (spec §4.10).
func New(resolver Resolver, space pfn.Space, pages *page.Table, active *lru.List, replicas Replicator, samplingInterval, replicationInterval time.Duration, hotPercentile int, log *zap.Logger) *Daemon {
	return &Daemon{
		resolver:            resolver,
		space:               space,
		pages:               pages,
		active:              active,
		replicas:            replicas,
		hist:                histogram.New(),
		log:                 log,
		samplingInterval:    samplingInterval,
		replicationInterval: replicationInterval,
		hotPercentile:       hotPercentile,
		samples:             make(chan Sample, sampleRing),
		candidates:          make(map[pfn.PFN]struct{}),
	}
}

// Configure updates the sampling interval and hot-page percentile
// (replication_start's parameters, spec §6). Callers must only call this
// while the daemon's loops are stopped — the sample loop reads
// samplingInterval after every sample and sweep reads hotPercentile on
// every pass, so a change mid-run would otherwise race.
func (d *Daemon) Configure(samplingInterval time.Duration, hotPercentile int) {
	d.samplingInterval = samplingInterval
	d.hotPercentile = hotPercentile
}

// Sample enqueues a hardware-delivered (pid, va) record. Blocks if the
// ring is full; returns ctx.Err() if ctx is canceled first.
func (d *Daemon) Sample(ctx context.Context, s Sample) error {
	select {
	case d.samples <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start runs the daemon's two independent loops — sample processing and
// the periodic sweep — until ctx is canceled, mirroring the teacher's
// errgroup.WithContext dual-goroutine shape (source.Prefetcher.Start).
func (d *Daemon) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.runSampleLoop(ctx)
	})

	g.Go(func() error {
		return d.runSweepLoop(ctx)
	})

	return g.Wait()
}

func (d *Daemon) runSampleLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-d.samples:
			d.processSample(s)

			if d.samplingInterval > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(d.samplingInterval):
				}
			}
		}
	}
}

func (d *Daemon) runSweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.replicationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.sweep()
		}
	}
}

// processSample implements spec §4.10's per-sample steps 1-5.
func (d *Daemon) processSample(s Sample) {
	p, ok := d.resolver.Resolve(s.PID, s.VA)
	if !ok {
		return
	}

	if !d.space.InRange(p) {
		return
	}

	pg := d.pages.Lookup(p)

	const seenFlag = 1 << 0
	isNew := pg.Access.LowFlags&seenFlag == 0
	pg.Access.LowFlags |= seenFlag

	oldIdx := histogram.MSBIndex(pg.Access.Counter)

	shift := d.monitoringAge - pg.Access.LastAged
	pg.Access.Counter >>= shift
	pg.Access.Counter++
	pg.Access.LastAged = d.monitoringAge

	newIdx := histogram.MSBIndex(pg.Access.Counter)

	d.hist.Observe(oldIdx, newIdx, isNew)

	if newIdx >= d.hist.Threshold() {
		d.candMu.Lock()
		d.candidates[p] = struct{}{}
		d.candMu.Unlock()
	}
}

// sweep implements spec §4.10's periodic sweep, steps 1-6. The LRU lists
// hold replica PFNs (create_replica's step 5 inserts the replica, not the
// original), so eviction tests the replica's own access counter and
// flushes by way of its OriginalPFN back-pointer — flush_replica's
// (original, offset, order) signature addresses the CXL-backed original,
// not the DRAM-backed replica.
func (d *Daemon) sweep() {
	threshold := d.hist.Threshold()

	evicted := d.active.Evict(func(p pfn.PFN) bool {
		pg := d.pages.Lookup(p)
		return histogram.MSBIndex(pg.Access.Counter) < threshold
	})

	for _, replica := range evicted {
		rep := d.pages.Lookup(replica)
		original := rep.OriginalPFN

		offset := d.space.Offset(original)
		if err := d.replicas.Flush(original, offset, 0); err != nil {
			d.log.Warn("replication: flush failed", zap.Uint64("pfn", uint64(original)), zap.Error(err))
		}
	}

	d.candMu.Lock()
	candidates := make([]pfn.PFN, 0, len(d.candidates))
	for p := range d.candidates {
		candidates = append(candidates, p)
	}
	d.candidates = make(map[pfn.PFN]struct{})
	d.candMu.Unlock()

	for _, p := range candidates {
		if _, hasReplica := d.replicas.Get(p); hasReplica {
			continue
		}

		offset := d.space.Offset(p)
		if err := d.replicas.Create(p, offset, 0); err != nil {
			d.log.Warn("replication: create failed", zap.Uint64("pfn", uint64(p)), zap.Error(err))
			continue
		}

		if replica, ok := d.replicas.Get(p); ok {
			d.active.InsertActive(replica)
		}
	}

	d.monitoringAge++
	d.hist.Recompute(d.hotPercentile)
	d.hist.CoolDown()
}
