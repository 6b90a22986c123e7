package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// EnablePageCoherence turns the fault interposer back on (spec §6
// enable_page_coherence). PageCoherenceFault becomes a pass-through
// no-op while disabled.
func (e *Engine) EnablePageCoherence() {
	e.enabled.set(true)
}

// DisablePageCoherence turns the fault interposer off (spec §6
// disable_page_coherence).
func (e *Engine) DisablePageCoherence() {
	e.enabled.set(false)
}

// FlushReplicas implements flush_replicas() (spec §6): age the entire
// active list into inactive, then flush every inactive replica.
func (e *Engine) FlushReplicas() error {
	freed := e.lru.FlushAll()

	e.log.Info("engine: flushed all replicas", zap.Int("freed", freed))

	return nil
}

// ReplicationStart implements replication_start(sampling_interval,
// hot_page_percentage) (spec §6): (re)configures the replication daemon
// and launches its sampling and sweep loops under their own
// independently cancelable lifecycle. A second call while already
// running is a no-op; stop first to reconfigure.
func (e *Engine) ReplicationStart(samplingInterval time.Duration, hotPercentage int) {
	e.replMu.Lock()
	defer e.replMu.Unlock()

	if e.replCancel != nil {
		return
	}

	e.daemon.Configure(samplingInterval, hotPercentage)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	e.replCancel = cancel
	e.replDone = done

	go func() {
		defer close(done)

		if err := e.daemon.Start(ctx); err != nil && ctx.Err() == nil {
			e.log.Warn("engine: replication daemon exited", zap.Error(err))
		}
	}()
}

// ReplicationStop implements replication_stop() (spec §6): cancels the
// daemon's loops and blocks until they exit. Safe to call when not
// running.
func (e *Engine) ReplicationStop() {
	e.replMu.Lock()
	cancel := e.replCancel
	done := e.replDone
	e.replCancel = nil
	e.replDone = nil
	e.replMu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done
}
