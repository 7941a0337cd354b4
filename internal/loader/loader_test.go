package loader_test

import (
	"bytes"
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

func TestLoadDerivesLayout(t *testing.T) {
	pr, out := newTestProcess(t, 4)
	require.NoError(t, loader.Load(pr, standardSegments(), 0x10000, 1, false))

	l := pr.St.Layout
	assert.Equal(t, 0x1000, l.Text.Start)
	assert.Equal(t, 0x3000, l.Text.End)
	assert.Equal(t, 0x3000, l.Data.Start)
	assert.Equal(t, 0x4000, l.Data.End)
	assert.Equal(t, 0x4000, l.HeapStart)
	assert.Equal(t, 0x4000, l.Sz)
	assert.Equal(t, 0x10000, l.StackTop)
	assert.Contains(t, out.String(), "INIT-LAZYMAP text=[0x1000,0x3000) data=[0x3000,0x4000) heap_start=0x4000 stack_top=0x10000")
}

func TestLoadRejectsUnalignedSegment(t *testing.T) {
	pr, _ := newTestProcess(t, 4)
	segs := []loader.Segment{{VA: 0x1001, MemSz: 0x1000, FileSz: 0x1000, Executable: true}}
	assert.Error(t, loader.Load(pr, segs, 0x10000, 1, false))
}

func TestLoadEagerStackMaterializesFirstPage(t *testing.T) {
	pr, _ := newTestProcess(t, 4)
	require.NoError(t, loader.Load(pr, standardSegments(), 0x10000, 1, true))

	d, ok := pr.St.Lookup(0x10000 - mem.PGSIZE)
	require.True(t, ok)
	assert.Equal(t, 0, d.Seq, "the eager stack page must be the first page to receive a FIFO seq")
}

func TestGrowLazyOnlyMovesBreak(t *testing.T) {
	pr, _ := newTestProcess(t, 4)
	require.NoError(t, loader.Load(pr, standardSegments(), 0x10000, 1, false))

	old, err := loader.Grow(pr, mem.PGSIZE, loader.GrowLazy)
	require.Zero(t, err)
	assert.Equal(t, 0x4000, old)
	assert.Equal(t, 0x5000, pr.St.Layout.Sz)

	_, ok := pr.St.Lookup(0x4000)
	assert.False(t, ok, "lazy growth must not materialize a descriptor")
}

func TestGrowEagerMaterializesPages(t *testing.T) {
	pr, _ := newTestProcess(t, 4)
	require.NoError(t, loader.Load(pr, standardSegments(), 0x10000, 1, false))

	_, err := loader.Grow(pr, mem.PGSIZE, loader.GrowEager)
	require.Zero(t, err)

	d, ok := pr.St.Lookup(0x4000)
	require.True(t, ok)
	assert.Equal(t, 0, d.Seq)
}

func TestShrinkTearsDownMappings(t *testing.T) {
	pr, _ := newTestProcess(t, 4)
	require.NoError(t, loader.Load(pr, standardSegments(), 0x10000, 1, false))
	_, err := loader.Grow(pr, 2*mem.PGSIZE, loader.GrowEager)
	require.Zero(t, err)

	freeBefore := pr.Frames().Free()
	_, err = loader.Grow(pr, -mem.PGSIZE, loader.GrowLazy)
	require.Zero(t, err)
	assert.Equal(t, freeBefore+1, pr.Frames().Free(), "shrinking must release the vacated frame")

	d, ok := pr.St.Lookup(0x5000)
	require.True(t, ok)
	assert.Equal(t, procstate.Unmapped, d.State, "the vacated page must no longer be resident")
}

func TestShrinkBelowHeapStartIsRejected(t *testing.T) {
	pr, _ := newTestProcess(t, 4)
	require.NoError(t, loader.Load(pr, standardSegments(), 0x10000, 1, false))
	_, err := loader.Grow(pr, -0x1000, loader.GrowLazy)
	assert.Equal(t, defs.EINVAL, err)
}
