package engine

import "sync/atomic"

// counters backs the sysfs-style produced interface (spec §6): read-only
// fault/replica counters plus the write-only reset.
type counters struct {
	faultCount          atomic.Int64
	faultReadCount      atomic.Int64
	faultWriteCount     atomic.Int64
	replicaFoundCount   atomic.Int64
	replicaCreatedCount atomic.Int64
}

func (c *counters) recordFault(isWrite bool) {
	c.faultCount.Add(1)
	if isWrite {
		c.faultWriteCount.Add(1)
	} else {
		c.faultReadCount.Add(1)
	}
}

func (c *counters) reset() {
	c.faultCount.Store(0)
	c.faultReadCount.Store(0)
	c.faultWriteCount.Store(0)
	c.replicaFoundCount.Store(0)
	c.replicaCreatedCount.Store(0)
}

// Counters is a point-in-time snapshot of the produced sysfs-style
// counters (spec §6).
type Counters struct {
	FaultCount          int64 `json:"fault_count"`
	FaultReadCount      int64 `json:"fault_read_count"`
	FaultWriteCount     int64 `json:"fault_write_count"`
	ReplicaFoundCount   int64 `json:"replica_found_count"`
	ReplicaCreatedCount int64 `json:"replica_created_count"`
	AllocatedPages      int64 `json:"allocated_pages"`
}

// Counters returns a snapshot of every produced counter, including
// allocated_pages (the replica store's current DRAM page count).
func (e *Engine) Counters() Counters {
	return Counters{
		FaultCount:          e.counters.faultCount.Load(),
		FaultReadCount:      e.counters.faultReadCount.Load(),
		FaultWriteCount:     e.counters.faultWriteCount.Load(),
		ReplicaFoundCount:   e.counters.replicaFoundCount.Load(),
		ReplicaCreatedCount: e.counters.replicaCreatedCount.Load(),
		AllocatedPages:      int64(e.replica.InUse()),
	}
}

// ResetCounters zeros every counter (spec §6: "writing 1 zeros all
// counters").
func (e *Engine) ResetCounters() {
	e.counters.reset()
}
