// Package procstate is the per-process paging state (C3) of spec §3–§4.3:
// layout ranges, the bounded page-descriptor table, the FIFO counter, and
// the swap-slot bitmap. Grounded in original_source's demand_paging.c
// (demand_paging_init, get_page_info) and biscuit's convention of a single
// struct owning everything a subsystem needs under one lock.
//
// get_page_info is deliberately content-addressed (linear search by va), not
// hash-indexed by (va/PGSIZE) mod MAX_PROC_PAGES: the Design Notes call out
// that the hash variant silently clobbers on collision and violates I1. At
// MAX_PROC_PAGES = 128 a linear scan is cheap enough not to matter.
package procstate

import (
	"sync"

	"github.com/biscuit-vm/vmpage/internal/defs"
	"github.com/biscuit-vm/vmpage/internal/mem"
	"github.com/biscuit-vm/vmpage/internal/swap"
	"github.com/biscuit-vm/vmpage/internal/util"
)

/// MaxProcPages bounds the number of descriptors a process may hold (§3).
const MaxProcPages = 128

/// State enumerates a descriptor's residency.
type State int

const (
	Unmapped State = iota
	Resident
	Swapped
)

func (s State) String() string {
	switch s {
	case Unmapped:
		return "UNMAPPED"
	case Resident:
		return "RESIDENT"
	case Swapped:
		return "SWAPPED"
	default:
		return "???"
	}
}

/// Descriptor is one page-descriptor record (§3).
type Descriptor struct {
	VA       int
	State    State
	Seq      int /// FIFO sequence number; -1 if never resident.
	IsDirty  bool
	SwapSlot int /// slot index in this process's swap file; -1 if none.
	ExecOff  int /// byte offset in the executable this page loads from.
	ExecLen  int /// byte length to read; 0 for pure BSS/heap/stack.
}

/// Range is a half-open, page-aligned virtual-address range [Start, End).
type Range struct {
	Start, End int
}

/// Contains reports whether va falls in [Start, End).
func (r Range) Contains(va int) bool {
	return va >= r.Start && va < r.End
}

/// Layout holds the process's memory-layout ranges (§3). Heap.End always
/// equals Sz, the current program break; Stack is derived from StackTop and
/// StackPages (K in the spec) on each query since StackTop can move.
type Layout struct {
	Text, Data Range
	HeapStart  int
	Sz         int
	StackTop   int
	StackPages int
}

/// Heap returns the current heap range [HeapStart, Sz).
func (l Layout) Heap() Range {
	return Range{Start: l.HeapStart, End: l.Sz}
}

/// Stack returns the current stack range [StackTop-K*PGSIZE, StackTop).
func (l Layout) Stack() Range {
	return Range{Start: l.StackTop - l.StackPages*mem.PGSIZE, End: l.StackTop}
}

/// Proc is a process's complete paging state: layout, descriptor table,
/// FIFO counter, swap-slot bitmap, and the executable/swap handles. The
/// mutex is the process's own lock (§5: "touched only under the process's
/// own lock").
type Proc struct {
	mu sync.Mutex

	Pid    defs.Pid_t
	Layout Layout

	descs     [MaxProcPages]Descriptor
	numDescs  int
	nextFifo  int
	slotbits  *swap.Bitmap
	execInode ExecInode
	swapfile  *swap.File
}

/// ExecInode is the refcounted handle to the executable a process was
/// loaded from, borrowed (not owned) by Proc for the process lifetime —
/// see Design Notes on cyclic-reference handling.
type ExecInode interface {
	ReadAt(p []byte, off int64) (int, error)
}

/// NewProc zeroes a fresh Proc, corresponding to demand_paging_init(p).
func NewProc(pid defs.Pid_t, exec ExecInode) *Proc {
	return NewProcWithSwapSlots(pid, exec, swap.MaxSlots)
}

/// NewProcWithSwapSlots is NewProc with an explicit swap-slot bitmap size,
/// letting callers exercise a constrained MAX_SWAP_SLOTS (e.g. the swap
/// exhaustion seed scenario) without touching the package-wide default.
func NewProcWithSwapSlots(pid defs.Pid_t, exec ExecInode, nslots int) *Proc {
	p := &Proc{
		Pid:       pid,
		slotbits:  swap.NewBitmap(nslots),
		execInode: exec,
	}
	for i := range p.descs {
		p.descs[i].Seq = -1
		p.descs[i].SwapSlot = -1
	}
	return p
}

/// Lock acquires the process's paging-state lock.
func (p *Proc) Lock() { p.mu.Lock() }

/// Unlock releases the process's paging-state lock.
func (p *Proc) Unlock() { p.mu.Unlock() }

/// LookupOrCreate returns the descriptor for va (rounded down to a page
/// boundary), creating one if table capacity remains. It returns (nil,
/// false) if the table is full and va has never been seen before.
func (p *Proc) LookupOrCreate(va int) (*Descriptor, bool) {
	va = util.Rounddown(va, mem.PGSIZE)
	for i := 0; i < p.numDescs; i++ {
		if p.descs[i].VA == va {
			return &p.descs[i], true
		}
	}
	if p.numDescs >= MaxProcPages {
		return nil, false
	}
	i := p.numDescs
	p.numDescs++
	p.descs[i] = Descriptor{VA: va, State: Unmapped, Seq: -1, SwapSlot: -1}
	return &p.descs[i], true
}

/// Lookup returns the descriptor for va without creating one.
func (p *Proc) Lookup(va int) (*Descriptor, bool) {
	va = util.Rounddown(va, mem.PGSIZE)
	for i := 0; i < p.numDescs; i++ {
		if p.descs[i].VA == va {
			return &p.descs[i], true
		}
	}
	return nil, false
}

/// FIFOVictim scans all resident descriptors and returns a pointer to the
/// one with the smallest Seq (C6's victim-selection rule). Ties are
/// impossible by I4. It returns (nil, false) if no descriptor is
/// currently RESIDENT.
func (p *Proc) FIFOVictim() (*Descriptor, bool) {
	var victim *Descriptor
	for i := 0; i < p.numDescs; i++ {
		d := &p.descs[i]
		if d.State != Resident {
			continue
		}
		if victim == nil || d.Seq < victim.Seq {
			victim = d
		}
	}
	return victim, victim != nil
}

/// NumDescriptors reports how many descriptors currently exist.
func (p *Proc) NumDescriptors() int {
	return p.numDescs
}

/// Descriptors returns a snapshot slice of the live descriptors, in
/// creation order, for read-only inspection (introspection, tests).
func (p *Proc) Descriptors() []Descriptor {
	out := make([]Descriptor, p.numDescs)
	copy(out, p.descs[:p.numDescs])
	return out
}

/// NextFifoSeq returns the current FIFO counter without advancing it.
func (p *Proc) NextFifoSeq() int {
	return p.nextFifo
}

/// AssignFifoSeq stamps and advances the FIFO counter (I4).
func (p *Proc) AssignFifoSeq() int {
	seq := p.nextFifo
	p.nextFifo++
	return seq
}

/// Bitmap exposes the process's swap-slot bitmap (C4's backing store).
func (p *Proc) Bitmap() *swap.Bitmap {
	return p.slotbits
}

/// SwapFile returns the process's lazily-opened swap file, or nil if one
/// has never been opened.
func (p *Proc) SwapFile() *swap.File {
	return p.swapfile
}

/// SetSwapFile records the process's swap file once opened.
func (p *Proc) SetSwapFile(f *swap.File) {
	p.swapfile = f
}

/// ExecHandle returns the executable handle pages are loaded from.
func (p *Proc) ExecHandle() ExecInode {
	return p.execInode
}
