// Package diag is the diagnostic event stream required by spec §6. It is
// the single place that formats the exact "TAG key=value ..." grammar the
// test harness depends on, grounded in biscuit/src/mem's habit of reporting
// subsystem state with plain fmt.Printf lines — promoted here to a hard,
// typed contract so call sites can't typo a tag or a field name.
//
// Alongside the literal protocol, KILL events are additionally reported
// through logrus at Warn level: the protocol line is the product the tests
// read, the logrus line is commentary for a human operator.
package diag

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/biscuit-vm/vmpage/internal/defs"
)

/// Logger renders the §6 event grammar to an io.Writer and mirrors
/// terminal events through logrus.
type Logger struct {
	out io.Writer
	pid defs.Pid_t
	log *logrus.Logger
}

/// New creates a Logger for process pid, writing the protocol stream to w
/// (os.Stdout if w is nil) and structured commentary through log (a
/// default logrus.Logger if log is nil).
func New(pid defs.Pid_t, w io.Writer, log *logrus.Logger) *Logger {
	if w == nil {
		w = os.Stdout
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Logger{out: w, pid: pid, log: log}
}

func (l *Logger) line(format string, args ...interface{}) {
	fmt.Fprintf(l.out, format+"\n", args...)
}

/// InitLazymap reports the initial lazy memory layout registered by the
/// loader handshake.
func (l *Logger) InitLazymap(textStart, textEnd, dataStart, dataEnd, heapStart, stackTop int) {
	l.line("INIT-LAZYMAP text=[0x%x,0x%x) data=[0x%x,0x%x) heap_start=0x%x stack_top=0x%x",
		textStart, textEnd, dataStart, dataEnd, heapStart, stackTop)
}

/// PageFault reports a classified fault.
func (l *Logger) PageFault(va int, access, cause string) {
	l.line("PAGEFAULT va=0x%x access=%s cause=%s", va, access, cause)
}

/// LoadExec reports that a page's contents were read from the executable.
func (l *Logger) LoadExec(va int) {
	l.line("LOADEXEC va=0x%x", va)
}

/// Alloc reports a zero-filled allocation (heap or stack).
func (l *Logger) Alloc(va int) {
	l.line("ALLOC va=0x%x", va)
}

/// SwapIn reports a page read back from its swap slot.
func (l *Logger) SwapIn(va int, slot int) {
	l.line("SWAPIN va=0x%x slot=%d", va, slot)
}

/// Resident reports a descriptor's transition into RESIDENT.
func (l *Logger) Resident(va int, seq int) {
	l.line("RESIDENT va=0x%x seq=%d", va, seq)
}

/// Victim reports FIFO's chosen eviction target.
func (l *Logger) Victim(va int, seq int) {
	l.line("VICTIM va=0x%x seq=%d", va, seq)
}

/// Evict reports whether the victim was clean or dirty. Logged after the
/// swap-out-or-discard step has already run against it.
func (l *Logger) Evict(va int, dirty bool) {
	state := "clean"
	if dirty {
		state = "dirty"
	}
	l.line("EVICT va=0x%x state=%s", va, state)
}

/// Discard reports a clean victim reclaimed without I/O.
func (l *Logger) Discard(va int) {
	l.line("DISCARD va=0x%x", va)
}

/// SwapOut reports a dirty victim written to a swap slot.
func (l *Logger) SwapOut(va int, slot int) {
	l.line("SWAPOUT va=0x%x slot=%d", va, slot)
}

/// MemFull reports that frame allocation failed and eviction was invoked.
func (l *Logger) MemFull() {
	l.line("MEMFULL")
}

/// SwapFull reports that the swap-slot bitmap has no free slot.
func (l *Logger) SwapFull() {
	l.line("SWAPFULL")
}

/// SwapCleanup reports how many slots were released when a swap file was
/// torn down.
func (l *Logger) SwapCleanup(freedSlots int) {
	l.line("SWAPCLEANUP freed_slots=%d", freedSlots)
}

/// Kill reports process termination with reason and free-form detail
/// fields, and mirrors the event through logrus at Warn level with cause
/// attached if non-nil.
func (l *Logger) Kill(reason defs.KillReason, detail string, cause error) {
	if detail != "" {
		l.line("KILL %s %s", reason, detail)
	} else {
		l.line("KILL %s", reason)
	}
	entry := l.log.WithFields(logrus.Fields{
		"pid":    l.pid,
		"reason": reason,
		"detail": detail,
	})
	if cause != nil {
		entry = entry.WithError(cause)
	}
	entry.Warn("process terminated")
}
