// Package pgtbl is the generic page-table engine of spec component B:
// map_page, unmap_page, get_page, and find_pte, each walking a pgpool
// frame tree rooted at a caller-supplied root frame. It is grounded on
// generic_mmu.c's mmu_map_page/mmu_unmap_page/mmu_get_page/
// mmu_find_pte, translated from a single global mmuctrl into an Engine
// value closing over the archif.MMU and pgpool.Pool it operates on
// (spec §9, "replace the global with a single owned root object").
package pgtbl

import (
	"archif"
	"errs"
	"pgpool"
)

// Engine ties an architecture implementation to the frame pool it
// walks. Every tree operation takes an explicit root frame index, so
// one Engine serves any number of independent address spaces (the
// hypervisor's own, and one per guest Stage-2 root).
type Engine struct {
	mmu  archif.MMU
	pool *pgpool.Pool
}

func New(mmu archif.MMU, pool *pgpool.Pool) *Engine {
	return &Engine{mmu: mmu, pool: pool}
}

func (e *Engine) flush(stage archif.Stage, ia, size uintptr) {
	if stage == archif.Stage1 {
		e.mmu.Stage1TLBFlush(ia, size)
	} else {
		e.mmu.Stage2TLBFlush(ia, size)
	}
}

// MapPage installs page under root, recursing into (and allocating,
// via the pool) child frames as needed until it reaches the level
// whose block size matches page.Size.
func (e *Engine) MapPage(root int32, page archif.Page) errs.Err_t {
	if page.Size == 0 || !e.mmu.ValidBlockSize(page.Size) {
		return errs.InvalidErr()
	}
	return e.mapAt(root, page)
}

func (e *Engine) mapAt(frameIdx int32, page archif.Page) errs.Err_t {
	f := e.pool.Get(frameIdx)
	stage, level := f.Stage(), f.Level()
	blockSize := e.mmu.LevelBlockSize(stage, level)

	switch {
	case page.Size == blockSize:
		if err := e.pool.InstallLeaf(frameIdx, page.IA, page.OA, page.Flags); !err.OK() {
			return err
		}
		e.flush(stage, page.IA, page.Size)
		return errs.Err_t{}

	case page.Size > blockSize:
		// The caller asked for a block coarser than this level covers;
		// only the engine's top-down recursion can satisfy a coarser
		// request, and it would have matched a level above this one.
		return errs.InvalidErr()

	default:
		snap := e.pool.Lookup(frameIdx, page.IA)
		var childIdx int32
		switch {
		case !snap.Valid:
			idx, err := e.pool.Alloc(stage)
			if !err.OK() {
				return err
			}
			if err := e.pool.Attach(frameIdx, page.IA, idx); !err.OK() {
				e.pool.Free(idx)
				return err
			}
			childIdx = idx
		case snap.IsTable:
			childIdx = snap.Child
		default:
			// A leaf already occupies the slot a finer mapping would
			// need to descend through.
			return errs.AlreadyExistsErr()
		}
		return e.mapAt(childIdx, page)
	}
}

// UnmapPage removes the mapping covering ia at the given size under
// root. If removing it empties the frame that held it (and every
// emptied ancestor above), those frames cascade back to the pool's
// free list, per spec §4.B's unmap post-condition.
func (e *Engine) UnmapPage(root int32, ia uintptr, size uintptr) errs.Err_t {
	if size == 0 || !e.mmu.ValidBlockSize(size) {
		return errs.InvalidErr()
	}
	_, err := e.unmapAt(root, ia, size)
	return err
}

func (e *Engine) unmapAt(frameIdx int32, ia uintptr, size uintptr) (becameEmpty bool, err errs.Err_t) {
	f := e.pool.Get(frameIdx)
	stage, level := f.Stage(), f.Level()
	blockSize := e.mmu.LevelBlockSize(stage, level)

	if size == blockSize {
		empty, err := e.pool.ClearLeaf(frameIdx, ia)
		if !err.OK() {
			return false, err
		}
		e.flush(stage, ia, size)
		return empty, errs.Err_t{}
	}
	if size > blockSize {
		return false, errs.InvalidErr()
	}

	snap := e.pool.Lookup(frameIdx, ia)
	if !snap.Valid || !snap.IsTable {
		return false, errs.NotFoundErr()
	}
	childIdx := snap.Child
	childEmpty, err := e.unmapAt(childIdx, ia, size)
	if !err.OK() {
		return false, err
	}
	if childEmpty {
		if err := e.pool.Detach(frameIdx, ia, childIdx); !err.OK() {
			return false, err
		}
		if err := e.pool.Free(childIdx); !err.OK() {
			return false, err
		}
	}
	return e.pool.FrameEmpty(frameIdx), errs.Err_t{}
}

// GetPage walks root down to the leaf covering ia and fills a Page. It
// reports NotFound if the walk hits a cleared descriptor.
func (e *Engine) GetPage(root int32, ia uintptr) (archif.Page, errs.Err_t) {
	frameIdx := root
	for {
		f := e.pool.Get(frameIdx)
		stage, level := f.Stage(), f.Level()
		snap := e.pool.Lookup(frameIdx, ia)
		if !snap.Valid {
			return archif.Page{}, errs.NotFoundErr()
		}
		if !snap.IsTable {
			size := e.mmu.LevelBlockSize(stage, level)
			mask := e.mmu.LevelMapMask(stage, level)
			offset := ia &^ mask
			return archif.Page{
				IA:    ia & mask,
				OA:    snap.OA + offset,
				Size:  size,
				Flags: snap.Flags,
			}, errs.Err_t{}
		}
		frameIdx = snap.Child
	}
}

// PTELocation names the exact slot a translation for ia occupies.
type PTELocation struct {
	Frame int32
	Stage archif.Stage
	Level int
}

// EntryView is one decoded slot yielded by Entries: its table index,
// the level it belongs to, and its decoded contents.
type EntryView struct {
	Level int
	Index int
	pgpool.EntrySnapshot
}

// Entries walks every valid slot of the tree rooted at root, depth
// first, yielding each as an EntryView (spec §9, "iterators over table
// entries"). GetPage and FindPTE do not use it: they follow one
// address's path with pgpool's Lookup instead of visiting every slot.
func (e *Engine) Entries(root int32) []EntryView {
	var out []EntryView
	e.walkEntries(root, &out)
	return out
}

func (e *Engine) walkEntries(frameIdx int32, out *[]EntryView) {
	f := e.pool.Get(frameIdx)
	stage, level := f.Stage(), f.Level()
	n := e.mmu.EntriesPerTable(stage, level)
	for i := 0; i < n; i++ {
		snap := e.pool.LookupIndex(frameIdx, i)
		if !snap.Valid {
			continue
		}
		*out = append(*out, EntryView{Level: level, Index: i, EntrySnapshot: snap})
		if snap.IsTable {
			e.walkEntries(snap.Child, out)
		}
	}
}

// FindPTE walks root down to the leaf descriptor covering ia and
// returns its location without decoding it, for callers (the virtual
// TLB, the nested software TLB) that need to confirm presence or drive
// their own eviction bookkeeping.
func (e *Engine) FindPTE(root int32, ia uintptr) (PTELocation, errs.Err_t) {
	frameIdx := root
	for {
		f := e.pool.Get(frameIdx)
		stage, level := f.Stage(), f.Level()
		snap := e.pool.Lookup(frameIdx, ia)
		if !snap.Valid {
			return PTELocation{}, errs.NotFoundErr()
		}
		if !snap.IsTable {
			return PTELocation{Frame: frameIdx, Stage: stage, Level: level}, errs.Err_t{}
		}
		frameIdx = snap.Child
	}
}
