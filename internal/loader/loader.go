// Package loader is the executable loader handshake collaborator named in
// spec §6, grounded in original_source's exec.c: it walks the program's
// loadable segments, derives the text/data ranges, stamps each page's
// exec_off/exec_len, and records heap_start/sz/stack_top before any user
// instruction runs. It also implements the heap-growth interface (eager
// and lazy sbrk) from sysproc.c's sys_sbrk.
package loader

import (
	"fmt"

	"github.com/biscuit-vm/vmpage/internal/defs"
	"github.com/biscuit-vm/vmpage/internal/mem"
	"github.com/biscuit-vm/vmpage/internal/paging"
	"github.com/biscuit-vm/vmpage/internal/procstate"
	"github.com/biscuit-vm/vmpage/internal/util"
)

/// Segment is the Go analogue of an ELF program header: one loadable
/// region of the executable image.
type Segment struct {
	VA         int
	MemSz      int
	FileSz     int
	FileOffset int
	Executable bool /// true for text (PF_X), false for data/BSS.
}

/// Load performs the loader handshake (§6, points 1-5) against an already
/// constructed process: derives text/data ranges and per-page exec
/// metadata from segs, records heap_start/sz/stack_top, and — if
/// eagerStack is set — eagerly materializes the first stack page to
/// receive the initial argument vector.
func Load(pr *paging.Process, segs []Segment, stackTop, stackPages int, eagerStack bool) error {
	if len(segs) == 0 {
		return fmt.Errorf("loader: no loadable segments")
	}

	text := procstate.Range{Start: 1 << 62, End: 0}
	data := procstate.Range{Start: 1 << 62, End: 0}
	sz := 0

	for _, seg := range segs {
		if seg.VA%mem.PGSIZE != 0 {
			return fmt.Errorf("loader: segment va 0x%x is not page-aligned", seg.VA)
		}
		if seg.FileSz > seg.MemSz {
			return fmt.Errorf("loader: segment va 0x%x has filesz > memsz", seg.VA)
		}
		end := seg.VA + seg.MemSz
		if seg.Executable {
			text.Start = util.Min(text.Start, seg.VA)
			text.End = max(text.End, end)
		} else {
			data.Start = util.Min(data.Start, seg.VA)
			data.End = max(data.End, end)
		}
		if end > sz {
			sz = end
		}

		for va := seg.VA; va < end; va += mem.PGSIZE {
			d, ok := pr.St.LookupOrCreate(va)
			if !ok {
				return fmt.Errorf("loader: descriptor table exhausted at va 0x%x", va)
			}
			pageOff := va - seg.VA
			if pageOff < seg.FileSz {
				d.ExecOff = seg.FileOffset + pageOff
				d.ExecLen = util.Min(mem.PGSIZE, seg.FileSz-pageOff)
			} else {
				// Pure BSS: explicit zero-fill, never relying on a short
				// read to leave the tail implicitly zero (Design Notes
				// open question (a)).
				d.ExecOff = 0
				d.ExecLen = 0
			}
		}
	}
	if text.Start > text.End {
		text = procstate.Range{}
	}
	if data.Start > data.End {
		data = procstate.Range{}
	}

	sz = util.Roundup(sz, mem.PGSIZE)
	heapStart := util.Roundup(data.End, mem.PGSIZE)
	if heapStart > sz {
		sz = heapStart
	}

	pr.St.Layout = procstate.Layout{
		Text:       text,
		Data:       data,
		HeapStart:  heapStart,
		Sz:         sz,
		StackTop:   stackTop,
		StackPages: stackPages,
	}

	pr.Diag.InitLazymap(text.Start, text.End, data.Start, data.End, heapStart, stackTop)

	if eagerStack {
		firstStackVA := stackTop - mem.PGSIZE
		if err := pr.Fault(firstStackVA, true); err != 0 {
			return fmt.Errorf("loader: eager stack page fault: %s", err)
		}
	}
	return nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

/// GrowMode selects eager vs lazy program-break growth (§6).
type GrowMode int

const (
	/// GrowLazy only increases Sz; frames are supplied on fault.
	GrowLazy GrowMode = iota
	/// GrowEager allocates physical frames and maps them immediately.
	GrowEager
)

/// Grow changes the program break by n bytes (n may be negative to
/// shrink). Shrinkage tears down mappings and descriptors in the vacated
/// range. Returns the old break (matching sys_sbrk's return value) and an
/// error if growth failed.
func Grow(pr *paging.Process, n int, mode GrowMode) (int, defs.Err_t) {
	old := pr.St.Layout.Sz
	if n == 0 {
		return old, 0
	}
	if n < 0 {
		return shrink(pr, old, -n)
	}
	newSz := old + n
	if mode == GrowEager {
		for va := util.Roundup(old, mem.PGSIZE); va < newSz; va += mem.PGSIZE {
			pr.St.Layout.Sz = va + mem.PGSIZE
			if err := pr.Fault(va, true); err != 0 {
				pr.St.Layout.Sz = old
				return old, err
			}
		}
	}
	pr.St.Layout.Sz = newSz
	return old, 0
}

func shrink(pr *paging.Process, old, n int) (int, defs.Err_t) {
	newSz := old - n
	if newSz < pr.St.Layout.HeapStart {
		return old, defs.EINVAL
	}
	for va := util.Roundup(newSz, mem.PGSIZE); va < util.Roundup(old, mem.PGSIZE); va += mem.PGSIZE {
		if d, ok := pr.St.Lookup(va); ok && d.State == procstate.Resident {
			if frame, ok := pr.PT.Invalidate(va); ok {
				pr.Frames().Refdown(frame)
			}
			d.State = procstate.Unmapped
		} else if ok && d.State == procstate.Swapped {
			pr.St.Bitmap().Free(d.SwapSlot)
			d.SwapSlot = -1
			d.State = procstate.Unmapped
		}
	}
	pr.St.Layout.Sz = newSz
	return old, 0
}
