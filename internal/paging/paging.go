// Package paging is the FIFO replacement policy (C6), the page-fault
// handler (C7), and the write-fault / dirty-tracking handler (C8) of spec
// §4.6–§4.8. It is the orchestrator that ties the frame allocator (mem),
// the page-table manipulator (vmtable), per-process paging state
// (procstate), and swap (swap) together, grounded in
// original_source/.../kernel/demand_paging.c's handle_page_fault,
// handle_write_fault, find_fifo_victim, and evict_page.
//
// This module implements Variant A (explicit dirty tracking, §4.7): pages
// are mapped read-only on first materialization and the first store traps
// into WriteFault, which marks the descriptor dirty and upgrades the
// mapping. See SPEC_FULL.md for why Variant A, not B, is the only one of
// the two actually implementable here.
package paging

import (
	"fmt"

	"github.com/biscuit-vm/vmpage/internal/defs"
	"github.com/biscuit-vm/vmpage/internal/diag"
	"github.com/biscuit-vm/vmpage/internal/mem"
	"github.com/biscuit-vm/vmpage/internal/procstate"
	"github.com/biscuit-vm/vmpage/internal/stats"
	"github.com/biscuit-vm/vmpage/internal/swap"
	"github.com/biscuit-vm/vmpage/internal/util"
	"github.com/biscuit-vm/vmpage/internal/vmtable"
)

/// Kernel owns the subsystems shared by every process: the physical-frame
/// pool (C1), the filesystem backing swap files (C5's Filesystem
/// collaborator), and the cumulative event counters surfaced by
/// introspect's Prometheus collector.
type Kernel struct {
	Frames *mem.Pool
	FS     swap.Filesystem
	Stats  stats.Counters
}

/// NewKernel creates a Kernel with the given frame pool and swap-file
/// filesystem.
func NewKernel(frames *mem.Pool, fs swap.Filesystem) *Kernel {
	return &Kernel{Frames: frames, FS: fs}
}

/// Process is one user process's paging context: its state (C3), its page
/// table (C2), and its diagnostic stream.
type Process struct {
	kernel *Kernel
	St     *procstate.Proc
	PT     *vmtable.Table
	Diag   *diag.Logger

	Killed     bool
	KillReason defs.KillReason
	tornDown   bool
}

/// NewProcess creates a process paging context bound to kernel.
func NewProcess(k *Kernel, pid defs.Pid_t, exec procstate.ExecInode, diag *diag.Logger) *Process {
	return &Process{
		kernel: k,
		St:     procstate.NewProc(pid, exec),
		PT:     vmtable.NewTable(),
		Diag:   diag,
	}
}

/// NewProcessWithSwapSlots is NewProcess with an explicit swap-slot bitmap
/// size, for scenarios that need to exercise a constrained MAX_SWAP_SLOTS.
func NewProcessWithSwapSlots(k *Kernel, pid defs.Pid_t, exec procstate.ExecInode, diag *diag.Logger, nslots int) *Process {
	return &Process{
		kernel: k,
		St:     procstate.NewProcWithSwapSlots(pid, exec, nslots),
		PT:     vmtable.NewTable(),
		Diag:   diag,
	}
}

/// Kill terminates the process with reason, logging the KILL event and
/// tearing the process down. Idempotent (L5): killing an already-killed
/// process is a no-op.
func (pr *Process) Kill(reason defs.KillReason, detail string, cause error) defs.Err_t {
	if pr.Killed {
		return defs.EFAULT
	}
	pr.Killed = true
	pr.KillReason = reason
	pr.Diag.Kill(reason, detail, cause)
	pr.Teardown()
	return errForReason(reason)
}

func errForReason(r defs.KillReason) defs.Err_t {
	switch r {
	case defs.KillInvalidAccess:
		return defs.EFAULT
	case defs.KillSwapExhausted:
		return defs.ENOSPC
	case defs.KillSwapIO, defs.KillExecIO:
		return defs.EIO
	case defs.KillDescriptorFull:
		return defs.ENOHEAP
	default:
		return defs.ENOMEM
	}
}

/// Teardown releases every resource the process's paging state holds:
/// every resident frame returned to C1, the swap file destroyed, the
/// executable handle released (by the caller, which owns it — see
/// Design Notes on cyclic references). Safe to call twice (L5): the
/// second call is a no-op.
func (pr *Process) Teardown() {
	if pr.tornDown {
		return
	}
	pr.tornDown = true
	for _, d := range pr.St.Descriptors() {
		if d.State == procstate.Resident {
			if frame, ok := pr.PT.Invalidate(d.VA); ok {
				pr.kernel.Frames.Refdown(frame)
			}
		}
	}
	freed := pr.St.Bitmap().Count()
	if err := pr.St.SwapFile().Destroy(); err != nil {
		pr.Diag.Kill(defs.KillSwapIO, fmt.Sprintf("teardown cleanup: %v", err), err)
	}
	pr.Diag.SwapCleanup(freed)
}

/// Frames exposes the shared frame pool (C1) for collaborators such as
/// loader.Grow's shrink path that need to release frames outside of a fault.
func (pr *Process) Frames() *mem.Pool {
	return pr.kernel.Frames
}

/// Stats exposes the kernel-wide event counters this process's faults feed
/// into, for introspect's Prometheus collector.
func (pr *Process) Stats() *stats.Counters {
	return &pr.kernel.Stats
}

/// Exit tears the process down on normal (non-killed) termination.
func (pr *Process) Exit() {
	pr.Teardown()
}

/// classification is the result of classifying a faulting address.
type classification struct {
	cause  string
	access string
	valid  bool
}

func (pr *Process) classify(d *procstate.Descriptor, va int, isWrite bool) classification {
	l := pr.St.Layout
	access := "read"
	if isWrite {
		access = "write"
	} else if l.Text.Contains(va) {
		access = "exec"
	}

	switch {
	case d.State == procstate.Swapped:
		return classification{cause: "swap", access: access, valid: true}
	case va >= l.Text.Start && va < l.Data.End:
		return classification{cause: "exec", access: access, valid: true}
	case l.Heap().Contains(va):
		return classification{cause: "heap", access: access, valid: true}
	case l.Stack().Contains(va):
		return classification{cause: "stack", access: access, valid: true}
	default:
		return classification{cause: "unknown", access: access, valid: false}
	}
}

/// Fault classifies and services a page fault at vaRaw (§4.7). It returns
/// 0 on success (the faulting instruction should be re-executed) or a
/// negative Err_t if the process was killed.
func (pr *Process) Fault(vaRaw int, isWrite bool) defs.Err_t {
	va := util.Rounddown(vaRaw, mem.PGSIZE)

	d, ok := pr.St.LookupOrCreate(va)
	if !ok {
		return pr.Kill(defs.KillDescriptorFull, fmt.Sprintf("va=0x%x", va), nil)
	}

	c := pr.classify(d, va, isWrite)
	pr.Diag.PageFault(va, c.access, c.cause)
	pr.kernel.Stats.IncFaults()
	if !c.valid {
		return pr.Kill(defs.KillInvalidAccess, fmt.Sprintf("va=0x%x access=%s", va, c.access), nil)
	}

	frame, ok := pr.kernel.Frames.Alloc()
	if !ok {
		pr.Diag.MemFull()
		if err := pr.evictOnce(); err != 0 {
			return err
		}
		frame, ok = pr.kernel.Frames.Alloc()
		if !ok {
			return pr.Kill(defs.KillMemFull, fmt.Sprintf("va=0x%x", va), nil)
		}
	}

	perm := vmtable.U
	switch c.cause {
	case "swap":
		if err := pr.swapIn(d, va, frame); err != 0 {
			pr.kernel.Frames.Refdown(frame)
			return err
		}
	case "exec":
		if err := pr.loadExec(d, va, frame); err != 0 {
			pr.kernel.Frames.Refdown(frame)
			return err
		}
		if pr.St.Layout.Text.Contains(va) {
			perm |= vmtable.X
		}
	default: // heap, stack: frame is already zeroed by Alloc
		pr.Diag.Alloc(va)
		pr.kernel.Stats.IncAllocs()
		d.State = procstate.Resident
		d.IsDirty = false
		d.Seq = pr.St.AssignFifoSeq()
		pr.Diag.Resident(va, d.Seq)
	}

	// Variant A: every mapping starts read-only; the first store traps
	// into WriteFault, which upgrades permissions and marks dirty.
	pr.PT.Install(va, frame, perm)
	return 0
}

func (pr *Process) swapIn(d *procstate.Descriptor, va int, frame mem.Pa_t) defs.Err_t {
	slot := d.SwapSlot
	if err := pr.St.SwapFile().ReadPage(slot, pr.kernel.Frames.Dmap(frame)); err != 0 {
		return pr.Kill(defs.KillSwapIO, fmt.Sprintf("va=0x%x slot=%d", va, slot), nil)
	}
	pr.Diag.SwapIn(va, slot)
	pr.kernel.Stats.IncSwapIns()
	pr.St.Bitmap().Free(slot)
	d.SwapSlot = swap.NoSlot
	d.State = procstate.Resident
	d.IsDirty = false
	d.Seq = pr.St.AssignFifoSeq()
	pr.Diag.Resident(va, d.Seq)
	return 0
}

func (pr *Process) loadExec(d *procstate.Descriptor, va int, frame mem.Pa_t) defs.Err_t {
	if d.ExecLen > 0 {
		buf := pr.kernel.Frames.Dmap(frame)
		// Only the first ExecLen bytes come from the executable; the tail
		// stays zero (explicitly, not by accident of a short read — see
		// SPEC_FULL.md's note on the original's implicit tail-zero bug).
		n, err := pr.St.ExecHandle().ReadAt(buf[:d.ExecLen], int64(d.ExecOff))
		if err != nil || n != d.ExecLen {
			return pr.Kill(defs.KillExecIO, fmt.Sprintf("va=0x%x off=%d len=%d", va, d.ExecOff, d.ExecLen), err)
		}
	}
	pr.Diag.LoadExec(va)
	pr.kernel.Stats.IncLoads()
	d.State = procstate.Resident
	d.IsDirty = false
	d.Seq = pr.St.AssignFifoSeq()
	pr.Diag.Resident(va, d.Seq)
	return 0
}

/// WriteFault is the dirty-tracking handler (C8): a protection fault on a
/// resident, read-only page marks it dirty and upgrades the mapping. If
/// the page is not resident, servicing escalates to the main fault path.
func (pr *Process) WriteFault(vaRaw int) defs.Err_t {
	va := util.Rounddown(vaRaw, mem.PGSIZE)
	d, ok := pr.St.Lookup(va)
	if !ok || d.State != procstate.Resident {
		return pr.Fault(vaRaw, true)
	}
	d.IsDirty = true
	pr.PT.Upgrade(va, vmtable.W)
	return 0
}

/// evictOnce runs one FIFO eviction (C6). It may kill the process (swap
/// exhaustion/I/O failure, or no victim available) in which case the
/// returned Err_t is non-zero and the caller must propagate it without
/// retrying.
func (pr *Process) evictOnce() defs.Err_t {
	victim, ok := pr.St.FIFOVictim()
	if !ok {
		return pr.Kill(defs.KillMemFull, "no resident page to evict", nil)
	}
	pr.Diag.Victim(victim.VA, victim.Seq)

	pte, ok := pr.PT.Lookup(victim.VA)
	if !ok {
		return pr.Kill(defs.KillMemFull, fmt.Sprintf("victim va=0x%x unmapped", victim.VA), nil)
	}
	oldFrame := pte.Frame
	isTextPage := pr.St.Layout.Text.Contains(victim.VA)
	dirty := victim.IsDirty

	if dirty || !isTextPage {
		if err := pr.swapOut(victim, oldFrame); err != 0 {
			return err
		}
	} else {
		pr.Diag.Discard(victim.VA)
		pr.kernel.Stats.IncDiscards()
		victim.State = procstate.Unmapped
	}
	// Design Notes mandate VICTIM -> (SWAPOUT|DISCARD) -> EVICT ordering.
	pr.Diag.Evict(victim.VA, dirty)
	pr.kernel.Stats.IncEvictions()

	pr.PT.Invalidate(victim.VA)
	pr.kernel.Frames.Refdown(oldFrame)
	return 0
}

func (pr *Process) swapOut(victim *procstate.Descriptor, frame mem.Pa_t) defs.Err_t {
	if pr.St.SwapFile() == nil {
		f, err := swap.Open(pr.kernel.FS, pr.St.Pid)
		if err != nil {
			pr.Diag.SwapFull()
			return pr.Kill(defs.KillSwapExhausted, fmt.Sprintf("va=0x%x: %v", victim.VA, err), err)
		}
		pr.St.SetSwapFile(f)
	}
	slot, serr := pr.St.Bitmap().Alloc()
	if serr != 0 {
		pr.Diag.SwapFull()
		return pr.Kill(defs.KillSwapExhausted, fmt.Sprintf("va=0x%x", victim.VA), nil)
	}
	if err := pr.St.SwapFile().WritePage(slot, pr.kernel.Frames.Dmap(frame)); err != 0 {
		// slot remains allocated, per §4.5's error contract.
		return pr.Kill(defs.KillSwapIO, fmt.Sprintf("va=0x%x slot=%d", victim.VA, slot), nil)
	}
	victim.State = procstate.Swapped
	victim.SwapSlot = slot
	pr.Diag.SwapOut(victim.VA, slot)
	pr.kernel.Stats.IncSwapOuts()
	return 0
}
