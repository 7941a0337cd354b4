package paging_test

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biscuit-vm/vmpage/internal/defs"
	"github.com/biscuit-vm/vmpage/internal/diag"
	"github.com/biscuit-vm/vmpage/internal/loader"
	"github.com/biscuit-vm/vmpage/internal/mem"
	"github.com/biscuit-vm/vmpage/internal/paging"
	"github.com/biscuit-vm/vmpage/internal/procstate"
	"github.com/biscuit-vm/vmpage/internal/swap"
)

func newTestProcess(t *testing.T, frames int) (*paging.Process, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	k := paging.NewKernel(mem.NewPool(frames), swap.NewMemFilesystem())
	pr := paging.NewProcess(k, defs.Pid_t(1), bytes.NewReader(bytes.Repeat([]byte{0xAA}, 0x2000)), diag.New(1, &out, nil))
	return pr, &out
}

func standardSegments() []loader.Segment {
	return []loader.Segment{
		{VA: 0x1000, MemSz: 0x2000, FileSz: 0x2000, FileOffset: 0, Executable: true},
		{VA: 0x3000, MemSz: 0x1000, FileSz: 0, FileOffset: 0x2000, Executable: false},
	}
}

func loadStandard(t *testing.T, pr *paging.Process) {
	t.Helper()
	require.NoError(t, loader.Load(pr, standardSegments(), 0x10000, 1, false))
}

func TestFaultInvalidAccessKillsProcess(t *testing.T) {
	pr, out := newTestProcess(t, 4)
	loadStandard(t, pr)

	// One byte past sz (0x4000) falls in no legal region.
	err := pr.Fault(0x4000, false)
	assert.Equal(t, defs.EFAULT, err)
	assert.True(t, pr.Killed)
	assert.Equal(t, defs.KillInvalidAccess, pr.KillReason)
	assert.Contains(t, out.String(), "KILL invalid-access")
}

func TestFaultBoundaryStackTopMinusOne(t *testing.T) {
	pr, _ := newTestProcess(t, 4)
	loadStandard(t, pr)

	err := pr.Fault(0x10000-1, false)
	assert.Zero(t, err)
	assert.False(t, pr.Killed)
}

func TestFaultBoundaryHeapStart(t *testing.T) {
	pr, _ := newTestProcess(t, 4)
	loadStandard(t, pr)
	_, gerr := loader.Grow(pr, mem.PGSIZE, loader.GrowLazy)
	require.Zero(t, gerr)

	err := pr.Fault(pr.St.Layout.HeapStart, false)
	assert.Zero(t, err)
}

func TestFaultBoundaryDataEndMinusOne(t *testing.T) {
	pr, _ := newTestProcess(t, 4)
	loadStandard(t, pr)

	err := pr.Fault(pr.St.Layout.Data.End-1, false)
	assert.Zero(t, err)
}

func TestTextFaultLoadsFromExecutable(t *testing.T) {
	pr, out := newTestProcess(t, 4)
	loadStandard(t, pr)

	err := pr.Fault(0x1000, false)
	require.Zero(t, err)
	assert.Contains(t, out.String(), "PAGEFAULT va=0x1000 access=exec cause=exec")
	assert.Contains(t, out.String(), "LOADEXEC va=0x1000")
	assert.Contains(t, out.String(), "RESIDENT va=0x1000 seq=0")

	pte, ok := pr.PT.Lookup(0x1000)
	require.True(t, ok)
	frame := pr.Frames().Dmap(pte.Frame)
	assert.Equal(t, byte(0xAA), frame[0], "text page must be loaded from the executable image")
}

func TestStoreToFreshTextPageTrapsAsWriteFault(t *testing.T) {
	pr, _ := newTestProcess(t, 4)
	loadStandard(t, pr)
	require.Zero(t, pr.Fault(0x1000, false))

	pte, ok := pr.PT.Lookup(0x1000)
	require.True(t, ok)
	assert.Zero(t, pte.Perm&0x2, "a freshly loaded text page must not be writable (Variant A)")
}

func TestWriteFaultMarksDirtyAndUpgrades(t *testing.T) {
	pr, _ := newTestProcess(t, 4)
	loadStandard(t, pr)
	_, gerr := loader.Grow(pr, mem.PGSIZE, loader.GrowLazy)
	require.Zero(t, gerr)
	va := pr.St.Layout.HeapStart

	require.Zero(t, pr.Fault(va, true))
	d, ok := pr.St.Lookup(va)
	require.True(t, ok)
	assert.False(t, d.IsDirty, "materialization alone must not mark dirty under Variant A")

	require.Zero(t, pr.WriteFault(va))
	assert.True(t, d.IsDirty)
	pte, _ := pr.PT.Lookup(va)
	assert.NotZero(t, pte.Perm&0x2, "WriteFault must upgrade the mapping to writable")
}

func TestHeapZeroFillLeavesTailZero(t *testing.T) {
	pr, _ := newTestProcess(t, 4)
	loadStandard(t, pr)
	_, gerr := loader.Grow(pr, mem.PGSIZE, loader.GrowLazy)
	require.Zero(t, gerr)
	va := pr.St.Layout.HeapStart

	require.Zero(t, pr.Fault(va, true))
	pte, _ := pr.PT.Lookup(va)
	frame := pr.Frames().Dmap(pte.Frame)
	for i := 1; i < mem.PGSIZE; i++ {
		require.Zerof(t, frame[i], "byte %d of a fresh heap page must be zero", i)
	}
}

func TestFIFOEvictionPicksEarliestResident(t *testing.T) {
	pr, out := newTestProcess(t, 3)
	loadStandard(t, pr)
	_, gerr := loader.Grow(pr, 4*mem.PGSIZE, loader.GrowLazy)
	require.Zero(t, gerr)

	heapStart := pr.St.Layout.HeapStart
	a, b, c, d := heapStart, heapStart+mem.PGSIZE, heapStart+2*mem.PGSIZE, heapStart+3*mem.PGSIZE

	require.Zero(t, pr.Fault(a, true))
	require.Zero(t, pr.Fault(b, true))
	require.Zero(t, pr.Fault(c, true))
	// Fourth distinct page: the pool has only 3 frames, so this forces an
	// eviction. A was the earliest RESIDENT and must be the FIFO victim.
	require.Zero(t, pr.Fault(d, true))

	assert.Contains(t, out.String(), fmt.Sprintf("VICTIM va=0x%x", a))
	descA, ok := pr.St.Lookup(a)
	require.True(t, ok)
	assert.Equal(t, procstate.Swapped, descA.State, "A was never dirtied by a WriteFault/write, but it's a non-text heap page so it must swap out, not discard")
}

func TestFIFORefaultGetsNewStrictlyGreaterSeq(t *testing.T) {
	pr, _ := newTestProcess(t, 2)
	loadStandard(t, pr)
	_, gerr := loader.Grow(pr, 3*mem.PGSIZE, loader.GrowLazy)
	require.Zero(t, gerr)

	heapStart := pr.St.Layout.HeapStart
	a, b, c := heapStart, heapStart+mem.PGSIZE, heapStart+2*mem.PGSIZE

	require.Zero(t, pr.Fault(a, true))
	require.Zero(t, pr.Fault(b, true))
	require.Zero(t, pr.Fault(c, true)) // evicts A

	descB, _ := pr.St.Lookup(b)
	descC, _ := pr.St.Lookup(c)
	maxSeq := descB.Seq
	if descC.Seq > maxSeq {
		maxSeq = descC.Seq
	}

	require.Zero(t, pr.Fault(a, false))
	descA, _ := pr.St.Lookup(a)
	assert.Greater(t, descA.Seq, maxSeq)
}

func TestCleanTextDiscardOnEviction(t *testing.T) {
	pr, out := newTestProcess(t, 2)
	loadStandard(t, pr)

	require.Zero(t, pr.Fault(0x1000, false)) // text page, clean
	require.Zero(t, pr.Fault(0x2000, false)) // second text page, fills the pool
	require.Zero(t, pr.Fault(0x3000, false)) // data page: forces eviction of 0x1000

	assert.Contains(t, out.String(), "DISCARD va=0x1000")
	assert.Contains(t, out.String(), "EVICT va=0x1000 state=clean")
	d, ok := pr.St.Lookup(0x1000)
	require.True(t, ok)
	assert.Equal(t, procstate.Unmapped, d.State)
}

func TestSwapRoundTripPreservesBytesAndResetsDirty(t *testing.T) {
	pr, out := newTestProcess(t, 2)
	loadStandard(t, pr)
	_, gerr := loader.Grow(pr, 3*mem.PGSIZE, loader.GrowLazy)
	require.Zero(t, gerr)

	heapStart := pr.St.Layout.HeapStart
	a, b, c := heapStart, heapStart+mem.PGSIZE, heapStart+2*mem.PGSIZE

	require.Zero(t, pr.Fault(a, true))
	pte, _ := pr.PT.Lookup(a)
	pr.Frames().Dmap(pte.Frame)[0] = 'Q'
	require.Zero(t, pr.WriteFault(a))

	require.Zero(t, pr.Fault(b, true)) // fills the 2-frame pool
	require.Zero(t, pr.Fault(c, true)) // evicts A, which is dirty: must swap out

	assert.Contains(t, out.String(), fmt.Sprintf("SWAPOUT va=0x%x", a))

	require.Zero(t, pr.Fault(a, false)) // swap back in
	descA, ok := pr.St.Lookup(a)
	require.True(t, ok)
	assert.False(t, descA.IsDirty, "swap-in must reset is_dirty")

	pteA, _ := pr.PT.Lookup(a)
	assert.Equal(t, byte('Q'), pr.Frames().Dmap(pteA.Frame)[0])
}

func TestSwapExhaustionKillsProcess(t *testing.T) {
	var out bytes.Buffer
	k := paging.NewKernel(mem.NewPool(1), swap.NewMemFilesystem())
	p := paging.NewProcessWithSwapSlots(k, defs.Pid_t(2), bytes.NewReader(bytes.Repeat([]byte{0xAA}, 0x2000)), diag.New(2, &out, nil), 1)
	require.NoError(t, loader.Load(p, standardSegments(), 0x10000, 1, false))
	_, gerr := loader.Grow(p, 2*mem.PGSIZE, loader.GrowLazy)
	require.Zero(t, gerr)

	heapStart := p.St.Layout.HeapStart
	a, b := heapStart, heapStart+mem.PGSIZE

	require.Zero(t, p.Fault(a, true))
	require.Zero(t, p.Fault(b, true)) // evicts+swaps A into the only slot

	err := p.Fault(a, true) // evicts B, but the one slot is held by A
	assert.Equal(t, defs.ENOSPC, err)
	assert.True(t, p.Killed)
	assert.Equal(t, defs.KillSwapExhausted, p.KillReason)
	assert.Contains(t, out.String(), "SWAPFULL")
	assert.Contains(t, out.String(), "KILL swap-exhausted")
	assert.Contains(t, out.String(), "SWAPCLEANUP")
}

func TestTeardownIsIdempotent(t *testing.T) {
	pr, _ := newTestProcess(t, 4)
	loadStandard(t, pr)
	require.Zero(t, pr.Fault(0x1000, false))

	freeBefore := pr.Frames().Free()
	pr.Teardown()
	freeAfter := pr.Frames().Free()
	assert.Equal(t, freeBefore+1, freeAfter, "teardown must release the one resident frame")

	assert.NotPanics(t, func() { pr.Teardown() }, "a second teardown must be a no-op (L5)")
	assert.Equal(t, freeAfter, pr.Frames().Free(), "a repeated teardown must not double-free")
}

func TestKillIsIdempotent(t *testing.T) {
	pr, _ := newTestProcess(t, 4)
	loadStandard(t, pr)

	first := pr.Kill(defs.KillInvalidAccess, "va=0xdead", nil)
	assert.Equal(t, defs.EFAULT, first)

	second := pr.Kill(defs.KillMemFull, "should be ignored", nil)
	assert.Equal(t, defs.EFAULT, second)
	assert.Equal(t, defs.KillInvalidAccess, pr.KillReason, "the second Kill call must not overwrite the reason")
}

