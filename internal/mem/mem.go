// Package mem is the physical-frame allocator collaborator (C1). It is a
// simulated stand-in for biscuit/src/mem's Physmem_t: a fixed pool of
// page-sized frames handed out and reclaimed by reference count. The
// teacher's hardware-only concerns — the direct physical map, per-CPU
// free-list sharding, TLB shootdown bookkeeping — have no meaning without
// real memory-mapped hardware and are not reproduced.
package mem

import "sync"

/// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

/// PGSIZE is the size of a single simulated page in bytes.
const PGSIZE int = 1 << PGSHIFT

/// Pa_t identifies a frame. It is an opaque handle, not a real address —
/// the frame's bytes are reached only through Pool.Dmap.
type Pa_t int32

/// NoFrame is the sentinel Pa_t (-1) used to mean "no frame"; the zero
/// value of Pa_t is frame 0.
const NoFrame Pa_t = -1

/// Frame is one page-sized block of simulated physical memory.
type Frame [PGSIZE]byte

type framerec struct {
	refcnt int32
	nexti  int32
	frame  Frame
}

const noFree int32 = -1

/// Pool manages a fixed number of simulated physical frames with reference
/// counting, mirroring biscuit's Refup/Refdown/Refpg_new naming.
type Pool struct {
	mu      sync.Mutex
	recs    []framerec
	freei   int32
	freelen int32
}

/// NewPool creates a pool of n page-sized frames, all initially free.
func NewPool(n int) *Pool {
	if n <= 0 {
		panic("mem: pool size must be positive")
	}
	p := &Pool{recs: make([]framerec, n)}
	for i := range p.recs {
		if i == len(p.recs)-1 {
			p.recs[i].nexti = noFree
		} else {
			p.recs[i].nexti = int32(i + 1)
		}
	}
	p.freei = 0
	p.freelen = int32(n)
	return p
}

/// Cap reports the total number of frames the pool was created with.
func (p *Pool) Cap() int {
	return len(p.recs)
}

/// Free reports the number of frames not currently allocated.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.freelen)
}

/// Alloc reserves one zeroed frame with refcount 1. It returns (NoFrame,
/// false) if the pool is exhausted — the caller (the fault handler) must
/// then invoke eviction and retry.
func (p *Pool) Alloc() (Pa_t, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.freei == noFree {
		return NoFrame, false
	}
	idx := p.freei
	p.freei = p.recs[idx].nexti
	p.freelen--
	p.recs[idx].refcnt = 1
	p.recs[idx].frame = Frame{}
	return Pa_t(idx), true
}

/// Refup increments a frame's reference count.
func (p *Pool) Refup(pa Pa_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recs[pa].refcnt++
}

/// Refdown decrements a frame's reference count, returning it to the free
/// list and reporting true when the count reaches zero.
func (p *Pool) Refdown(pa Pa_t) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := &p.recs[pa]
	r.refcnt--
	if r.refcnt < 0 {
		panic("mem: refcount underflow")
	}
	if r.refcnt == 0 {
		r.nexti = p.freei
		p.freei = int32(pa)
		p.freelen++
		return true
	}
	return false
}

/// Dmap returns the addressable bytes backing a frame, analogous to
/// biscuit's Physmem.Dmap direct-map lookup.
func (p *Pool) Dmap(pa Pa_t) *Frame {
	return &p.recs[pa].frame
}
