// Package stats provides the kernel-wide event counters reported by
// introspect's Prometheus collector (served by cmd/pgsim serve).
// Grounded in biscuit/src/stats's Counter_t, reworked to use sync/atomic
// directly instead of unsafe-pointer punning over a compile-time Stats
// flag — this module has no equivalent of biscuit's globally-disabled
// accounting build tag, so the counters are always live.
package stats

import "sync/atomic"

/// Counters tracks the cumulative paging events a Kernel has serviced
/// across every process, independent of any one process's own descriptor
/// table.
type Counters struct {
	faults    atomic.Int64
	loads     atomic.Int64
	allocs    atomic.Int64
	swapIns   atomic.Int64
	swapOuts  atomic.Int64
	discards  atomic.Int64
	evictions atomic.Int64
}

func (c *Counters) IncFaults()    { c.faults.Add(1) }
func (c *Counters) IncLoads()     { c.loads.Add(1) }
func (c *Counters) IncAllocs()    { c.allocs.Add(1) }
func (c *Counters) IncSwapIns()   { c.swapIns.Add(1) }
func (c *Counters) IncSwapOuts()  { c.swapOuts.Add(1) }
func (c *Counters) IncDiscards()  { c.discards.Add(1) }
func (c *Counters) IncEvictions() { c.evictions.Add(1) }

/// Snapshot is a point-in-time read of every counter.
type Snapshot struct {
	Faults, Loads, Allocs, SwapIns, SwapOuts, Discards, Evictions int64
}

/// Load reads all counters atomically with respect to each other only in
/// the sense that each field is itself consistent; cross-field skew under
/// concurrent increments is expected and harmless for a monitoring read.
func (c *Counters) Load() Snapshot {
	return Snapshot{
		Faults:    c.faults.Load(),
		Loads:     c.loads.Load(),
		Allocs:    c.allocs.Load(),
		SwapIns:   c.swapIns.Load(),
		SwapOuts:  c.swapOuts.Load(),
		Discards:  c.discards.Load(),
		Evictions: c.evictions.Load(),
	}
}
