// Package vmtable is the page-table manipulator collaborator (C2):
// install, inspect, and tear down virtual-to-physical mappings with
// permission bits. It is grounded in biscuit/src/vm/as.go's Page_insert,
// Page_remove, and PTE_* constants, simulated as a per-process map keyed by
// page-aligned virtual address rather than a real multi-level hardware
// table, since there is no MMU underneath this module.
package vmtable

import (
	"sync"

	"github.com/biscuit-vm/vmpage/internal/mem"
)

/// Perm is the permission bit set of a page-table entry.
type Perm uint8

const (
	/// P marks the mapping present (valid).
	P Perm = 1 << iota
	/// W marks the mapping writable.
	W
	/// U marks the mapping user-accessible.
	U
	/// X marks the mapping executable.
	X
)

/// PTE is one page-table entry: the frame it maps to and its permissions.
type PTE struct {
	Frame mem.Pa_t
	Perm  Perm
}

/// Table is a process's page table, simulated as a map from page-aligned
/// virtual address to PTE. All methods assume the caller holds whatever
/// lock serializes access to the owning address space (I1 is a process-local
/// invariant enforced by the fault handler, not by Table itself).
type Table struct {
	mu      sync.Mutex
	entries map[int]PTE
}

/// NewTable creates an empty page table.
func NewTable() *Table {
	return &Table{entries: make(map[int]PTE)}
}

/// Install maps va to frame with the given permissions. It panics if va is
/// already mapped — callers must Invalidate first, matching I1's "exactly
/// one valid page-table entry" invariant.
func (t *Table) Install(va int, frame mem.Pa_t, perm Perm) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[va]; ok {
		panic("vmtable: double map of already-present va")
	}
	t.entries[va] = PTE{Frame: frame, Perm: perm | P}
}

/// Lookup returns the PTE for va and whether it is present.
func (t *Table) Lookup(va int) (PTE, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pte, ok := t.entries[va]
	return pte, ok && pte.Perm&P != 0
}

/// Invalidate removes the mapping for va, if any, returning the frame it
/// pointed to and whether a mapping was actually removed.
func (t *Table) Invalidate(va int) (mem.Pa_t, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pte, ok := t.entries[va]
	if !ok {
		return mem.NoFrame, false
	}
	delete(t.entries, va)
	return pte.Frame, true
}

/// Upgrade adds the permission bits in add to the existing mapping at va —
/// the page-fault dirty-tracking handler (C8) passes W to promote a
/// read-only page to writable after observing its first store.
func (t *Table) Upgrade(va int, add Perm) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	pte, ok := t.entries[va]
	if !ok {
		return false
	}
	pte.Perm |= add
	t.entries[va] = pte
	return true
}
