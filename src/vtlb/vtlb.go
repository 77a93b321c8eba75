// Package vtlb is the virtual TLB of spec component D: a per-VCPU
// N-way set-associative cache of (guest VA -> shadow host page)
// entries, backing a guest's Stage-1 MMU emulation. It drives package
// pgtbl against a shadow pgtbl the hypervisor owns, the same way
// biscuit's vm.Vm_t.Tlbshoot drives a shootdown against mappings it
// installed itself (vm/as.go) — here the "shootdown" is this TLB's own
// round-robin eviction rather than a cross-CPU IPI.
package vtlb

import (
	"archif"
	"errs"
	"pgtbl"
)

// Entry is one virtual-TLB slot.
type Entry struct {
	valid     bool
	page      archif.Page
	nonGlobal bool
}

type line struct {
	ways   []Entry
	victim int
}

// VTLB is the N-line x K-way cache described in spec §4.D.
type VTLB struct {
	engine     *pgtbl.Engine
	shadowRoot int32
	lines      []line
	lineMask   uintptr
	pageShift  uint
}

// New builds a VTLB with numLines lines (must be a power of two) of
// numWays ways each, driving engine against shadowRoot.
func New(engine *pgtbl.Engine, shadowRoot int32, numLines, numWays int) *VTLB {
	lines := make([]line, numLines)
	for i := range lines {
		lines[i].ways = make([]Entry, numWays)
	}
	return &VTLB{
		engine:     engine,
		shadowRoot: shadowRoot,
		lines:      lines,
		lineMask:   uintptr(numLines - 1),
		pageShift:  12,
	}
}

func (v *VTLB) lineOf(va uintptr) int {
	return int((va >> v.pageShift) & v.lineMask)
}

func (v *VTLB) unmapInstalled(e *Entry) {
	if err := v.engine.UnmapPage(v.shadowRoot, e.page.IA, e.page.Size); !err.OK() {
		// The VTLB owns every mapping it installs in the shadow pgtbl;
		// a failure here means that invariant is already broken.
		panic("vtlb: shadow unmap of an entry this cache installed failed: " + err.Error())
	}
}

// Update installs page into the guest-VA line it maps to, evicting
// that line's round-robin victim first. The installed shadow mapping
// is forced non-global so a host TLB flush of non-global entries
// never disturbs it incorrectly.
func (v *VTLB) Update(page archif.Page) errs.Err_t {
	ln := &v.lines[v.lineOf(page.IA)]
	victim := &ln.ways[ln.victim]
	if victim.valid {
		v.unmapInstalled(victim)
		victim.valid = false
	}

	shadow := page
	shadow.Flags.Global = false
	if err := v.engine.MapPage(v.shadowRoot, shadow); !err.OK() {
		return err
	}
	victim.page = shadow
	victim.nonGlobal = true
	victim.valid = true
	ln.victim = (ln.victim + 1) % len(ln.ways)
	return errs.Err_t{}
}

// FlushAll unmaps and invalidates every valid entry.
func (v *VTLB) FlushAll() {
	for li := range v.lines {
		ln := &v.lines[li]
		for wi := range ln.ways {
			e := &ln.ways[wi]
			if e.valid {
				v.unmapInstalled(e)
				e.valid = false
			}
		}
	}
}

// FlushVA invalidates the entry (if any) in va's line whose mapping
// covers va.
func (v *VTLB) FlushVA(va uintptr) {
	ln := &v.lines[v.lineOf(va)]
	for wi := range ln.ways {
		e := &ln.ways[wi]
		if !e.valid {
			continue
		}
		if va >= e.page.IA && va < e.page.IA+e.page.Size {
			v.unmapInstalled(e)
			e.valid = false
		}
	}
}

// Occupancy reports the cache's shape and current fill level, for
// diag's VTLB report.
func (v *VTLB) Occupancy() (lines, ways, used int) {
	if len(v.lines) == 0 {
		return 0, 0, 0
	}
	lines = len(v.lines)
	ways = len(v.lines[0].ways)
	for li := range v.lines {
		for wi := range v.lines[li].ways {
			if v.lines[li].ways[wi].valid {
				used++
			}
		}
	}
	return lines, ways, used
}

// FlushNonGlobal invalidates every entry marked non-global, the
// counterpart of an ASID flip that only needs to drop process-local
// mappings.
func (v *VTLB) FlushNonGlobal() {
	for li := range v.lines {
		ln := &v.lines[li]
		for wi := range ln.ways {
			e := &ln.ways[wi]
			if e.valid && e.nonGlobal {
				v.unmapInstalled(e)
				e.valid = false
			}
		}
	}
}
