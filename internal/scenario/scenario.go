// Package scenario replays the seed scenarios of spec §8 against the real
// paging stack, for cmd/pgsim's "run" subcommand and for this package's
// scenario-level tests. Each scenario builds a small synthetic executable
// image in memory (there is no real ELF loader in this tree — see
// SPEC_FULL.md) and drives it through loader.Load, Process.Fault, and
// Process.WriteFault exactly as a kernel would on behalf of a user
// instruction stream.
package scenario

import (
	"bytes"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/biscuit-vm/vmpage/internal/defs"
	"github.com/biscuit-vm/vmpage/internal/diag"
	"github.com/biscuit-vm/vmpage/internal/introspect"
	"github.com/biscuit-vm/vmpage/internal/loader"
	"github.com/biscuit-vm/vmpage/internal/mem"
	"github.com/biscuit-vm/vmpage/internal/paging"
	"github.com/biscuit-vm/vmpage/internal/swap"
)

/// Result is what a scenario reports back to its caller once it has run,
/// for cmd/pgsim to render as a one-line summary after the diagnostic
/// stream.
type Result struct {
	Name   string
	Stat   introspect.ProcMemStat
	Killed bool
	Reason defs.KillReason
}

/// textImage builds a synthetic executable image: size bytes total, filled
/// with fill for the first textLen bytes (the "text" section a LOADEXEC
/// would read) and zero after. bytes.Reader satisfies procstate.ExecInode's
/// ReadAt exactly, so no custom reader type is needed here.
func textImage(size int, textLen int, fill byte) *bytes.Reader {
	buf := make([]byte, size)
	for i := 0; i < textLen && i < size; i++ {
		buf[i] = fill
	}
	return bytes.NewReader(buf)
}

func newKernel(frames int) *paging.Kernel {
	return paging.NewKernel(mem.NewPool(frames), swap.NewMemFilesystem())
}

func newLogger(pid defs.Pid_t, w io.Writer) *diag.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard) // scenario runner renders KILL via the diagnostic line, not a second logrus line
	return diag.New(pid, w, log)
}

// List names every seed scenario, in spec §8 order, for cmd/pgsim run's
// help text and its --all flag, which iterates all of them in one run.
var List = []string{
	"pure-lazy-map",
	"text-fault",
	"heap-zero-fill",
	"fifo-eviction",
	"swap-roundtrip",
	"swap-exhaustion",
}

/// Run dispatches to the named scenario, writing its diagnostic stream to
/// w and returning a summary Result.
func Run(name string, w io.Writer) (Result, error) {
	switch name {
	case "pure-lazy-map":
		return pureLazyMap(w)
	case "text-fault":
		return textFault(w)
	case "heap-zero-fill":
		return heapZeroFill(w)
	case "fifo-eviction":
		return fifoEviction(w)
	case "swap-roundtrip":
		return swapRoundtrip(w)
	case "swap-exhaustion":
		return swapExhaustion(w)
	default:
		return Result{}, fmt.Errorf("scenario: unknown scenario %q", name)
	}
}

// segments shared by every scenario here: text=[0x1000,0x3000),
// data=[0x3000,0x4000), stack_top=0x10000 (seed scenario 1's literal
// layout).
func standardSegments() []loader.Segment {
	return []loader.Segment{
		{VA: 0x1000, MemSz: 0x2000, FileSz: 0x2000, FileOffset: 0, Executable: true},
		{VA: 0x3000, MemSz: 0x1000, FileSz: 0, FileOffset: 0x2000, Executable: false},
	}
}

/// pureLazyMap is seed scenario 1: load and do nothing. No diagnostic
/// beyond INIT-LAZYMAP; num_resident=0, num_swapped=0, num_pages_total=4.
func pureLazyMap(w io.Writer) (Result, error) {
	k := newKernel(4)
	image := textImage(0x2000, 0x2000, 0xAA)
	pr := paging.NewProcess(k, 1, image, newLogger(1, w))
	if err := loader.Load(pr, standardSegments(), 0x10000, 1, false); err != nil {
		return Result{}, err
	}
	return Result{Name: "pure-lazy-map", Stat: introspect.Snapshot(pr.St)}, nil
}

/// textFault is seed scenario 2: the first instruction executes at
/// va=0x1000, forcing LOADEXEC then RESIDENT seq=0. A second read at the
/// same address does not refault (no Fault call is issued for it: a real
/// re-execution would hit the now-installed mapping directly).
func textFault(w io.Writer) (Result, error) {
	k := newKernel(4)
	image := textImage(0x2000, 0x2000, 0xAA)
	pr := paging.NewProcess(k, 1, image, newLogger(1, w))
	if err := loader.Load(pr, standardSegments(), 0x10000, 1, false); err != nil {
		return Result{}, err
	}
	if err := pr.Fault(0x1000, false); err != 0 {
		return Result{Name: "text-fault", Killed: true, Reason: pr.KillReason}, nil
	}
	return Result{Name: "text-fault", Stat: introspect.Snapshot(pr.St)}, nil
}

/// heapZeroFill is seed scenario 3: grow sz lazily by one page, then store
/// to its first byte. The store itself services the fault (PAGEFAULT
/// access=write cause=heap, ALLOC, RESIDENT): there is no separate earlier
/// read fault to service.
func heapZeroFill(w io.Writer) (Result, error) {
	k := newKernel(4)
	image := textImage(0x2000, 0x2000, 0xAA)
	pr := paging.NewProcess(k, 1, image, newLogger(1, w))
	if err := loader.Load(pr, standardSegments(), 0x10000, 1, false); err != nil {
		return Result{}, err
	}
	newVA := pr.St.Layout.Sz
	if _, err := loader.Grow(pr, mem.PGSIZE, loader.GrowLazy); err != 0 {
		return Result{}, fmt.Errorf("scenario: heap grow failed: %s", err)
	}
	if err := touch(pr, newVA, 0x5A); err != 0 {
		return Result{Name: "heap-zero-fill", Killed: true, Reason: pr.KillReason}, nil
	}
	if got := readByte(pr, newVA+1); got != 0x00 {
		return Result{}, fmt.Errorf("scenario: heap-zero-fill: byte 1 expected zero, got %#x", got)
	}
	return Result{Name: "heap-zero-fill", Stat: introspect.Snapshot(pr.St)}, nil
}

/// fifoEviction is seed scenario 4: cap resident frames at 3, touch four
/// distinct heap pages A, B, C, D in order (each dirtied by a store, so
/// eviction of A must SWAPOUT rather than DISCARD). After D's fault, A has
/// been evicted; re-touching A must show cause=swap and a seq strictly
/// greater than C and D's.
func fifoEviction(w io.Writer) (Result, error) {
	k := newKernel(3)
	image := textImage(0x2000, 0x2000, 0xAA)
	pr := paging.NewProcess(k, 1, image, newLogger(1, w))
	if err := loader.Load(pr, standardSegments(), 0x10000, 1, false); err != nil {
		return Result{}, err
	}
	if _, err := loader.Grow(pr, 4*mem.PGSIZE, loader.GrowLazy); err != 0 {
		return Result{}, fmt.Errorf("scenario: heap grow failed: %s", err)
	}
	heapStart := pr.St.Layout.HeapStart
	pages := []int{heapStart, heapStart + mem.PGSIZE, heapStart + 2*mem.PGSIZE, heapStart + 3*mem.PGSIZE}
	for _, va := range pages {
		if err := touch(pr, va, 0x01); err != 0 {
			return Result{Name: "fifo-eviction", Killed: true, Reason: pr.KillReason}, nil
		}
	}
	// Re-touch A: it was evicted to make room for D, so this is a fresh
	// fault serviced from swap.
	if err := pr.Fault(pages[0], false); err != 0 {
		return Result{Name: "fifo-eviction", Killed: true, Reason: pr.KillReason}, nil
	}
	return Result{Name: "fifo-eviction", Stat: introspect.Snapshot(pr.St)}, nil
}

/// swapRoundtrip is seed scenario 5: dirty heap page A, force two
/// evictions (A's, then an unrelated one) so A is swapped out and back in,
/// and confirm the byte written survives while is_dirty resets to false.
func swapRoundtrip(w io.Writer) (Result, error) {
	k := newKernel(2)
	image := textImage(0x2000, 0x2000, 0xAA)
	pr := paging.NewProcess(k, 1, image, newLogger(1, w))
	if err := loader.Load(pr, standardSegments(), 0x10000, 1, false); err != nil {
		return Result{}, err
	}
	if _, err := loader.Grow(pr, 3*mem.PGSIZE, loader.GrowLazy); err != 0 {
		return Result{}, fmt.Errorf("scenario: heap grow failed: %s", err)
	}
	heapStart := pr.St.Layout.HeapStart
	a, b, c := heapStart, heapStart+mem.PGSIZE, heapStart+2*mem.PGSIZE

	if err := touch(pr, a, 'Q'); err != 0 {
		return Result{Name: "swap-roundtrip", Killed: true, Reason: pr.KillReason}, nil
	}

	// Touching b fills the 2-frame pool; touching c evicts A (FIFO order).
	if err := pr.Fault(b, true); err != 0 {
		return Result{Name: "swap-roundtrip", Killed: true, Reason: pr.KillReason}, nil
	}
	if err := pr.Fault(c, true); err != 0 {
		return Result{Name: "swap-roundtrip", Killed: true, Reason: pr.KillReason}, nil
	}
	// A second, unrelated eviction: fault a fourth page d, which forces b
	// (now the oldest resident page) out.
	d := heapStart + 3*mem.PGSIZE
	if _, err := loader.Grow(pr, mem.PGSIZE, loader.GrowLazy); err != 0 {
		return Result{}, fmt.Errorf("scenario: heap grow failed: %s", err)
	}
	if err := pr.Fault(d, true); err != 0 {
		return Result{Name: "swap-roundtrip", Killed: true, Reason: pr.KillReason}, nil
	}

	// Re-touch A: must come back from swap with the written byte intact
	// and is_dirty reset to false.
	if err := pr.Fault(a, false); err != 0 {
		return Result{Name: "swap-roundtrip", Killed: true, Reason: pr.KillReason}, nil
	}
	descA, _ := pr.St.Lookup(a)
	if descA.IsDirty {
		return Result{}, fmt.Errorf("scenario: swap-roundtrip: A reported dirty immediately after swap-in")
	}
	if got := readByte(pr, a); got != 'Q' {
		return Result{}, fmt.Errorf("scenario: swap-roundtrip: expected 'Q', got %q", got)
	}
	return Result{Name: "swap-roundtrip", Stat: introspect.Snapshot(pr.St)}, nil
}

/// swapExhaustion is seed scenario 6: with MAX_SWAP_SLOTS=1, dirty two
/// pages and force a second swap-out. Expect SWAPFULL, KILL
/// swap-exhausted, and SWAPCLEANUP as part of teardown.
func swapExhaustion(w io.Writer) (Result, error) {
	k := newKernel(1)
	image := textImage(0x2000, 0x2000, 0xAA)
	pr := paging.NewProcessWithSwapSlots(k, 1, image, newLogger(1, w), 1)
	if err := loader.Load(pr, standardSegments(), 0x10000, 1, false); err != nil {
		return Result{}, err
	}
	if _, err := loader.Grow(pr, 2*mem.PGSIZE, loader.GrowLazy); err != 0 {
		return Result{}, fmt.Errorf("scenario: heap grow failed: %s", err)
	}
	heapStart := pr.St.Layout.HeapStart
	a, b := heapStart, heapStart+mem.PGSIZE

	if err := touch(pr, a, 0x01); err != 0 {
		return Result{Name: "swap-exhaustion", Killed: true, Reason: pr.KillReason}, nil
	}
	// With only one frame, faulting b evicts and swaps out A (slot 0,
	// exhausting the single slot).
	if err := touch(pr, b, 0x01); err != 0 {
		return Result{Name: "swap-exhaustion", Killed: true, Reason: pr.KillReason}, nil
	}
	// Re-touching A evicts B; the one swap slot is already held by A's
	// page, so B's swap-out must fail with swap-exhausted.
	pr.Fault(a, true)
	return Result{Name: "swap-exhaustion", Killed: pr.Killed, Reason: pr.KillReason, Stat: introspect.Snapshot(pr.St)}, nil
}

// touch services a store to va end-to-end: the initial fault materializes
// the page read-only (Variant A), so a second call into WriteFault is what
// actually marks it dirty and upgrades the mapping, exactly as a retried
// store instruction would on real hardware.
func touch(pr *paging.Process, va int, b byte) defs.Err_t {
	if err := pr.Fault(va, true); err != 0 {
		return err
	}
	if err := pr.WriteFault(va); err != 0 {
		return err
	}
	writeByte(pr, va, b)
	return 0
}

func writeByte(pr *paging.Process, va int, b byte) {
	pte, ok := pr.PT.Lookup(va)
	if !ok {
		return
	}
	frame := pr.Frames().Dmap(pte.Frame)
	frame[va%mem.PGSIZE] = b
}

func readByte(pr *paging.Process, va int) byte {
	pte, ok := pr.PT.Lookup(va)
	if !ok {
		return 0
	}
	frame := pr.Frames().Dmap(pte.Frame)
	return frame[va%mem.PGSIZE]
}
