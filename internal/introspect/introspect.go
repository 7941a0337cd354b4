// Package introspect is the read-only introspection surface (C9) of spec
// §4.9 and the "Introspection syscall" of §6, grounded in
// original_source's sysproc.c (sys_memstat) and memstat.h's
// proc_mem_stat/page_stat layout. No mutation is possible through this
// surface: Snapshot copies descriptor state out under the process's own
// lock, never returning a pointer into the live array (Design Notes'
// "pointer-into-array" caution).
package introspect

import (
	"encoding/binary"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/biscuit-vm/vmpage/internal/defs"
	"github.com/biscuit-vm/vmpage/internal/mem"
	"github.com/biscuit-vm/vmpage/internal/procstate"
	"github.com/biscuit-vm/vmpage/internal/stats"
)

/// MaxPagesInfo bounds the number of per-page entries reported per
/// snapshot (memstat.h's MAX_PAGES_INFO).
const MaxPagesInfo = 128

/// PageStat mirrors one page_stat record.
type PageStat struct {
	VA       int
	State    procstate.State
	IsDirty  bool
	Seq      int
	SwapSlot int
}

/// ProcMemStat mirrors struct proc_mem_stat: the aggregate counters plus
/// up to MaxPagesInfo per-page records.
type ProcMemStat struct {
	Pid           defs.Pid_t
	NumPagesTotal int
	NumResident   int
	NumSwapped    int
	NextFifoSeq   int
	Pages         []PageStat
}

/// Snapshot copies the current state of proc's page-descriptor table,
/// locking proc for the duration (§5: "touched only under the process's
/// own lock").
func Snapshot(proc *procstate.Proc) ProcMemStat {
	proc.Lock()
	defer proc.Unlock()

	descs := proc.Descriptors()
	numTotal := (proc.Layout.Sz + mem.PGSIZE - 1) / mem.PGSIZE

	out := ProcMemStat{
		Pid:           proc.Pid,
		NumPagesTotal: numTotal,
		NextFifoSeq:   proc.NextFifoSeq(),
	}
	n := len(descs)
	if n > MaxPagesInfo {
		n = MaxPagesInfo
	}
	out.Pages = make([]PageStat, 0, n)
	for i := 0; i < len(descs); i++ {
		d := descs[i]
		switch d.State {
		case procstate.Resident:
			out.NumResident++
		case procstate.Swapped:
			out.NumSwapped++
		}
		if i < n {
			out.Pages = append(out.Pages, PageStat{
				VA:       d.VA,
				State:    d.State,
				IsDirty:  d.IsDirty,
				Seq:      d.Seq,
				SwapSlot: d.SwapSlot,
			})
		}
	}
	return out
}

/// CopyOut marshals a ProcMemStat into a flat little-endian buffer, the Go
/// analogue of sysproc.c's copyout(p->pagetable, addr, &info, sizeof(info)).
/// No third-party structured-ABI codec is exercised anywhere else in the
/// example pack for a fixed-layout record like this one, so encoding/binary
/// is the right tool (see DESIGN.md).
func CopyOut(stat ProcMemStat) []byte {
	buf := make([]byte, 0, 20+len(stat.Pages)*20)
	var tmp [8]byte

	putI32 := func(v int32) {
		binary.LittleEndian.PutUint32(tmp[:4], uint32(v))
		buf = append(buf, tmp[:4]...)
	}
	putI32(int32(stat.Pid))
	putI32(int32(stat.NumPagesTotal))
	putI32(int32(stat.NumResident))
	putI32(int32(stat.NumSwapped))
	putI32(int32(stat.NextFifoSeq))
	for _, p := range stat.Pages {
		putI32(int32(p.VA))
		putI32(int32(p.State))
		dirty := int32(0)
		if p.IsDirty {
			dirty = 1
		}
		putI32(dirty)
		putI32(int32(p.Seq))
		putI32(int32(p.SwapSlot))
	}
	return buf
}

/// Collector exposes a process's paging state as Prometheus metrics, the
/// domain-stack sibling of the raw CopyOut surface (grounded in
/// talyz-systemd_exporter/systemd/systemd.go's Collector pattern).
type Collector struct {
	proc  *procstate.Proc
	stats *stats.Counters

	resident *prometheus.Desc
	swapped  *prometheus.Desc
	total    *prometheus.Desc
	fifoSeq  *prometheus.Desc

	faults    *prometheus.Desc
	loads     *prometheus.Desc
	allocs    *prometheus.Desc
	swapIns   *prometheus.Desc
	swapOuts  *prometheus.Desc
	discards  *prometheus.Desc
	evictions *prometheus.Desc
}

/// NewCollector returns a Collector reporting proc's paging state, plus the
/// kernel-wide cumulative counters backing it, under the "vmpage" metric
/// namespace.
func NewCollector(proc *procstate.Proc, st *stats.Counters) *Collector {
	labels := []string{"pid"}
	mk := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(fmt.Sprintf("vmpage_%s", name), help, labels, nil)
	}
	mkCounter := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(fmt.Sprintf("vmpage_%s_total", name), help, nil, nil)
	}
	return &Collector{
		proc:      proc,
		stats:     st,
		resident:  mk("resident_pages", "Number of pages currently resident."),
		swapped:   mk("swapped_pages", "Number of pages currently swapped out."),
		total:     mk("pages_total", "Total virtual pages implied by the current program break."),
		fifoSeq:   mk("next_fifo_seq", "Next FIFO sequence number to be assigned."),
		faults:    mkCounter("faults", "Cumulative page faults serviced."),
		loads:     mkCounter("exec_loads", "Cumulative pages loaded from the executable image."),
		allocs:    mkCounter("zero_fill_allocs", "Cumulative zero-filled page allocations."),
		swapIns:   mkCounter("swap_ins", "Cumulative pages read back in from swap."),
		swapOuts:  mkCounter("swap_outs", "Cumulative pages written out to swap."),
		discards:  mkCounter("discards", "Cumulative clean text pages discarded on eviction."),
		evictions: mkCounter("evictions", "Cumulative FIFO eviction cycles run."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.resident
	ch <- c.swapped
	ch <- c.total
	ch <- c.fifoSeq
	ch <- c.faults
	ch <- c.loads
	ch <- c.allocs
	ch <- c.swapIns
	ch <- c.swapOuts
	ch <- c.discards
	ch <- c.evictions
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := Snapshot(c.proc)
	pid := fmt.Sprintf("%d", snap.Pid)
	ch <- prometheus.MustNewConstMetric(c.resident, prometheus.GaugeValue, float64(snap.NumResident), pid)
	ch <- prometheus.MustNewConstMetric(c.swapped, prometheus.GaugeValue, float64(snap.NumSwapped), pid)
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(snap.NumPagesTotal), pid)
	ch <- prometheus.MustNewConstMetric(c.fifoSeq, prometheus.GaugeValue, float64(snap.NextFifoSeq), pid)

	s := c.stats.Load()
	ch <- prometheus.MustNewConstMetric(c.faults, prometheus.CounterValue, float64(s.Faults))
	ch <- prometheus.MustNewConstMetric(c.loads, prometheus.CounterValue, float64(s.Loads))
	ch <- prometheus.MustNewConstMetric(c.allocs, prometheus.CounterValue, float64(s.Allocs))
	ch <- prometheus.MustNewConstMetric(c.swapIns, prometheus.CounterValue, float64(s.SwapIns))
	ch <- prometheus.MustNewConstMetric(c.swapOuts, prometheus.CounterValue, float64(s.SwapOuts))
	ch <- prometheus.MustNewConstMetric(c.discards, prometheus.CounterValue, float64(s.Discards))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(s.Evictions))
}
