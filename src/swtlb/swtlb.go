// Package swtlb is the nested software TLB of spec component E: two
// bounded, move-to-front caches (instruction, data) of (nested-guest
// GPA -> host PA), each entry backed by a real mapping installed in
// the nested guest's Stage-2 pgtbl. Grounded on
// cpu_vcpu_nested.c's itlb/dtlb move-to-front lists
// (nested_tlb_find/_fill/_del in the original's vocabulary).
//
// swtlb depends only on pgtbl for installing/removing the shadow
// mapping it owns; package walker depends on swtlb (to consult the
// cache before walking), so the dependency runs one way and no
// decoupling interface is needed between them.
package swtlb

import (
	"archif"
	"errs"
	"pgtbl"
)

// Entry is one software-TLB slot: the nested guest's own Stage-2 view
// of the page, the shadow host mapping installed on its behalf, and
// the region flags backing that shadow mapping.
type Entry struct {
	GuestPage  archif.Page
	ShadowPage archif.Page
	Flags      archif.RegionFlags
	active     bool
}

// list is one move-to-front cache: order holds currently active
// indices into entries, front = most recently used.
type list struct {
	entries []Entry
	order   []int32
	free    []int32
}

func newList(capacity int) list {
	free := make([]int32, capacity)
	for i := range free {
		free[i] = int32(capacity - 1 - i)
	}
	return list{
		entries: make([]Entry, capacity),
		order:   make([]int32, 0, capacity),
		free:    free,
	}
}

// SWTLB is the itlb/dtlb pair for one VCPU's nested Stage-2.
type SWTLB struct {
	engine     *pgtbl.Engine
	nestedRoot int32
	itlb       list
	dtlb       list
}

// New builds an SWTLB with the given per-list capacity, installing and
// removing shadow Stage-2 mappings against engine/nestedRoot.
func New(engine *pgtbl.Engine, nestedRoot int32, capacity int) *SWTLB {
	return &SWTLB{
		engine:     engine,
		nestedRoot: nestedRoot,
		itlb:       newList(capacity),
		dtlb:       newList(capacity),
	}
}

func (s *SWTLB) listFor(fetch bool) *list {
	if fetch {
		return &s.itlb
	}
	return &s.dtlb
}

func (s *SWTLB) promote(l *list, pos int) {
	idx := l.order[pos]
	copy(l.order[1:pos+1], l.order[:pos])
	l.order[0] = idx
}

// Lookup scans fetch's list (itlb if fetch, else dtlb) for an entry
// covering gpa, promoting it to the front on a hit.
func (s *SWTLB) Lookup(fetch bool, gpa uintptr) (Entry, bool) {
	l := s.listFor(fetch)
	for pos, idx := range l.order {
		e := &l.entries[idx]
		if gpa >= e.GuestPage.IA && gpa < e.GuestPage.IA+e.GuestPage.Size {
			s.promote(l, pos)
			return *e, true
		}
	}
	return Entry{}, false
}

func (s *SWTLB) removeShadow(e *Entry) errs.Err_t {
	return s.engine.UnmapPage(s.nestedRoot, e.ShadowPage.IA, e.ShadowPage.Size)
}

// Insert installs shadowPage (the real Stage-2 mapping, already
// region-flagged by the caller) and caches guestPage alongside it,
// evicting the tail of fetch's list if it's full. The evicted entry's
// shadow mapping is removed before the slot is reused; a failure there
// is the invariant-violation panic spec §4.E calls for.
func (s *SWTLB) Insert(fetch bool, guestPage, shadowPage archif.Page, flags archif.RegionFlags) errs.Err_t {
	l := s.listFor(fetch)

	var idx int32
	if len(l.free) > 0 {
		idx = l.free[len(l.free)-1]
		l.free = l.free[:len(l.free)-1]
	} else {
		tailPos := len(l.order) - 1
		idx = l.order[tailPos]
		victim := &l.entries[idx]
		if err := s.removeShadow(victim); !err.OK() {
			panic("swtlb: failed to remove an evicted entry's shadow mapping: " + err.Error())
		}
		victim.active = false
		l.order = l.order[:tailPos]
	}

	if err := s.engine.MapPage(s.nestedRoot, shadowPage); !err.OK() {
		l.free = append(l.free, idx)
		return err
	}

	l.entries[idx] = Entry{GuestPage: guestPage, ShadowPage: shadowPage, Flags: flags, active: true}
	l.order = append([]int32{idx}, l.order...)
	return errs.Err_t{}
}

// Flush removes every entry (in both lists) whose guest page overlaps
// [gpa, gpa+size). Flush(0, 0) is the spec's sentinel for "flush all."
func (s *SWTLB) Flush(gpa uintptr, size uintptr) errs.Err_t {
	all := gpa == 0 && size == 0
	for _, l := range []*list{&s.itlb, &s.dtlb} {
		kept := l.order[:0]
		for _, idx := range l.order {
			e := &l.entries[idx]
			if all || overlaps(e.GuestPage, gpa, size) {
				if err := s.removeShadow(e); !err.OK() {
					return err
				}
				e.active = false
				l.free = append(l.free, idx)
				continue
			}
			kept = append(kept, idx)
		}
		l.order = kept
	}
	return errs.Err_t{}
}

func overlaps(p archif.Page, start, size uintptr) bool {
	return p.IA < start+size && start < p.IA+p.Size
}
