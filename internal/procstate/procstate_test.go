package procstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biscuit-vm/vmpage/internal/mem"
)

type noopExec struct{}

func (noopExec) ReadAt(p []byte, off int64) (int, error) { return len(p), nil }

func TestLookupOrCreateIsContentAddressed(t *testing.T) {
	p := NewProc(1, noopExec{})

	d1, ok := p.LookupOrCreate(0x1000)
	require.True(t, ok)
	d2, ok := p.LookupOrCreate(0x1000)
	require.True(t, ok)
	assert.Same(t, d1, d2, "repeated lookups of the same va must return the same descriptor")
	assert.Equal(t, 1, p.NumDescriptors())

	_, ok = p.LookupOrCreate(0x2000)
	require.True(t, ok)
	assert.Equal(t, 2, p.NumDescriptors())
}

func TestLookupOrCreateRoundsDownToPage(t *testing.T) {
	p := NewProc(1, noopExec{})
	d, ok := p.LookupOrCreate(0x1abc)
	require.True(t, ok)
	assert.Equal(t, 0x1000, d.VA)
}

func TestLookupOrCreateExhaustion(t *testing.T) {
	p := NewProc(1, noopExec{})
	for i := 0; i < MaxProcPages; i++ {
		_, ok := p.LookupOrCreate(i * mem.PGSIZE)
		require.True(t, ok)
	}
	_, ok := p.LookupOrCreate(MaxProcPages * mem.PGSIZE)
	assert.False(t, ok, "the (MaxProcPages+1)-th distinct va must be refused")
}

func TestFIFOVictimPicksSmallestSeq(t *testing.T) {
	p := NewProc(1, noopExec{})
	a, _ := p.LookupOrCreate(0x1000)
	b, _ := p.LookupOrCreate(0x2000)
	c, _ := p.LookupOrCreate(0x3000)

	a.State, a.Seq = Resident, 5
	b.State, b.Seq = Resident, 2
	c.State, c.Seq = Swapped, 0 // not resident: must be ignored

	victim, ok := p.FIFOVictim()
	require.True(t, ok)
	assert.Equal(t, b.VA, victim.VA)
}

func TestFIFOVictimNoneResident(t *testing.T) {
	p := NewProc(1, noopExec{})
	_, ok := p.LookupOrCreate(0x1000)
	require.True(t, ok)
	_, ok = p.FIFOVictim()
	assert.False(t, ok)
}

func TestAssignFifoSeqIsMonotonic(t *testing.T) {
	p := NewProc(1, noopExec{})
	s0 := p.AssignFifoSeq()
	s1 := p.AssignFifoSeq()
	s2 := p.AssignFifoSeq()
	assert.Equal(t, 0, s0)
	assert.Equal(t, 1, s1)
	assert.Equal(t, 2, s2)
}

func TestLayoutHeapAndStackRanges(t *testing.T) {
	l := Layout{
		HeapStart:  0x4000,
		Sz:         0x6000,
		StackTop:   0x10000,
		StackPages: 2,
	}
	assert.Equal(t, Range{Start: 0x4000, End: 0x6000}, l.Heap())
	assert.Equal(t, Range{Start: 0x10000 - 2*mem.PGSIZE, End: 0x10000}, l.Stack())
}

func TestNewProcWithSwapSlotsBoundsBitmap(t *testing.T) {
	p := NewProcWithSwapSlots(1, noopExec{}, 1)
	s0, err := p.Bitmap().Alloc()
	require.Zero(t, err)
	assert.Equal(t, 0, s0)
	_, err = p.Bitmap().Alloc()
	assert.NotZero(t, err, "a 1-slot bitmap must refuse a second allocation")
}
