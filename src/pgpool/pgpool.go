// Package pgpool is the page-table frame pool of spec component A: a
// fixed-capacity arena of translation-table frames, with allocation,
// free, and O(1) lookup by physical address. It is grounded on
// biscuit's mem.Physmem_t (per-CPU free lists of Physpg_t, indices
// rather than pointers, a spinlock guarding the free list) and on
// generic_mmu.c's mmu_pgtbl_alloc/_free/_attach/_deattach/_get_child.
//
// Frames are addressed by arena index rather than by pointer: the
// frame tree is allowed to contain cycles during re-linking (a
// detached frame can later be re-attached anywhere), which an index
// into a flat slice models without the aliasing hazards of a pointer
// graph (spec §9, "cyclic graphs -> arena with indices").
package pgpool

import (
	"sync"

	"archif"
	"errs"
)

// NoFrame is the arena-index sentinel for "absent" (no parent, no
// child), taking the role of a null frame pointer.
const NoFrame = int32(-1)

// Frame is one page-table frame: a fixed-size aligned block of
// translation-table entries plus the bookkeeping spec §3 requires
// (parent, children, valid/child counts) and its own short-lived lock.
type Frame struct {
	mu sync.Mutex

	base  uintptr
	mapIA uintptr
	stage archif.Stage
	level int

	inUse  bool
	isRoot bool

	parent   int32
	children []int32

	validCount int32
	childCount int32

	entries []archif.PTE
}

func (f *Frame) Base() uintptr          { return f.base }
func (f *Frame) MapIA() uintptr         { return f.mapIA }
func (f *Frame) Stage() archif.Stage    { return f.stage }
func (f *Frame) Level() int             { return f.level }
func (f *Frame) Parent() int32          { return f.parent }
func (f *Frame) ValidEntryCount() int32 { return f.validCount }
func (f *Frame) ChildCount() int32      { return f.childCount }
func (f *Frame) IsRoot() bool           { return f.isRoot }

// Entry returns a pointer to the raw slot at index i, for callers
// (package pgtbl) that need to read or mutate it through archif.MMU.
// The caller must hold the frame locked via Lock/Unlock.
func (f *Frame) Entry(i int) *archif.PTE { return &f.entries[i] }

func (f *Frame) Lock()   { f.mu.Lock() }
func (f *Frame) Unlock() { f.mu.Unlock() }

// Pool is the module-wide frame arena. Every frame, including the
// hypervisor's root that hostmap allocates first, comes from the same
// contiguous, indexable backing array with one base address; there is
// no separate set of hand-built initial frames.
type Pool struct {
	mmu archif.MMU

	base      uintptr
	frameSize uintptr

	frames []Frame

	freeMu sync.Mutex
	free   []int32
}

// New carves count frames out of a caller-supplied, page-aligned
// backing arena starting at base (a simulated or real physical
// address). All frames begin on the free list.
func New(mmu archif.MMU, base uintptr, count int) *Pool {
	p := &Pool{
		mmu:       mmu,
		base:      base,
		frameSize: mmu.PgtblSize(),
		frames:    make([]Frame, count),
		free:      make([]int32, count),
	}
	entStride := int(mmu.PgtblSize() / 8)
	for i := range p.frames {
		f := &p.frames[i]
		f.base = base + uintptr(i)*p.frameSize
		f.parent = NoFrame
		f.entries = make([]archif.PTE, entStride)
		p.free[i] = int32(i)
	}
	return p
}

// Get returns the frame at idx. idx must have come from Alloc,
// FindByPA, or a Frame's own Parent()/child index.
func (p *Pool) Get(idx int32) *Frame { return &p.frames[idx] }

// FindByPA returns the index of the frame whose base equals pa, or
// (NoFrame, false). Arithmetic against the arena's base address keeps
// this O(1), per spec §4.A.
func (p *Pool) FindByPA(pa uintptr) (int32, bool) {
	if pa < p.base {
		return NoFrame, false
	}
	off := pa - p.base
	if off%p.frameSize != 0 {
		return NoFrame, false
	}
	idx := off / p.frameSize
	if idx >= uintptr(len(p.frames)) {
		return NoFrame, false
	}
	return int32(idx), true
}

// Alloc pops a frame from the free list and initializes it as a root
// of the given stage at the architecture's start level, with every
// entry zeroed.
func (p *Pool) Alloc(stage archif.Stage) (int32, errs.Err_t) {
	p.freeMu.Lock()
	if len(p.free) == 0 {
		p.freeMu.Unlock()
		return NoFrame, errs.NoMemoryErr()
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.freeMu.Unlock()

	f := &p.frames[idx]
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stage = stage
	f.level = p.mmu.StartLevel(stage)
	f.mapIA = 0
	f.parent = NoFrame
	f.isRoot = false
	f.children = f.children[:0]
	f.validCount = 0
	f.childCount = 0
	for i := range f.entries {
		f.entries[i] = 0
	}
	f.inUse = true
	return idx, errs.Err_t{}
}

// MarkRoot designates idx as a permanent root: Free refuses it. Used
// once by hostmap for the hypervisor's own root pgtbl, and by any
// caller establishing a guest's Stage-2 root that must outlive normal
// unmap cascades.
func (p *Pool) MarkRoot(idx int32) {
	f := &p.frames[idx]
	f.mu.Lock()
	f.isRoot = true
	f.mu.Unlock()
}

// Free returns a frame to the free list. It is only legal when the
// frame holds no valid entries and is not a marked root (spec §3,
// "A frame is freed only when valid_entry_count == 0 and it is not a
// root"). The caller is responsible for having already detached the
// frame from any parent via Detach.
func (p *Pool) Free(idx int32) errs.Err_t {
	f := &p.frames[idx]
	f.mu.Lock()
	if f.isRoot {
		f.mu.Unlock()
		return errs.InvalidErr()
	}
	if f.validCount != 0 {
		f.mu.Unlock()
		return errs.InvalidErr()
	}
	if f.parent != NoFrame {
		f.mu.Unlock()
		return errs.InvalidErr()
	}
	for i := range f.entries {
		f.entries[i] = 0
	}
	f.inUse = false
	f.mu.Unlock()

	p.freeMu.Lock()
	p.free = append(p.free, idx)
	p.freeMu.Unlock()
	return errs.Err_t{}
}

// Attach installs a table-descriptor in parentIdx's entry for ia,
// pointing at childIdx, and links childIdx's parent/level/mapIA.
// Attach/detach pairs are the only way the tree's topology changes
// (spec §4.A).
func (p *Pool) Attach(parentIdx int32, ia uintptr, childIdx int32) errs.Err_t {
	parent := &p.frames[parentIdx]
	child := &p.frames[childIdx]

	parent.mu.Lock()
	defer parent.mu.Unlock()

	if parent.stage != child.stage {
		return errs.InvalidErr()
	}
	level := parent.level
	i := p.mmu.LevelIndex(ia, parent.stage, level)
	pte := &parent.entries[i]
	if p.mmu.PTEIsValid(pte) {
		return errs.AlreadyExistsErr()
	}

	child.mu.Lock()
	child.parent = parentIdx
	child.level = level - 1
	child.mapIA = ia & p.mmu.LevelMapMask(parent.stage, level)
	child.mu.Unlock()

	// Publish the child (already zeroed by Alloc) before the parent's
	// descriptor becomes visible, per spec §5's ordering guarantee.
	p.mmu.PTESetTable(pte, parent.stage, level, child.base)
	p.mmu.PTESync(pte)

	parent.validCount++
	parent.childCount++
	parent.children = append(parent.children, childIdx)
	return errs.Err_t{}
}

// Detach clears the table-descriptor at ia in parentIdx and unlinks
// childIdx, leaving both frames otherwise untouched. The caller must
// already know childIdx (generic_mmu.c's mmu_pgtbl_get_child serves
// that role during unmap's cascade; package pgtbl plays it here).
func (p *Pool) Detach(parentIdx int32, ia uintptr, childIdx int32) errs.Err_t {
	parent := &p.frames[parentIdx]
	child := &p.frames[childIdx]

	parent.mu.Lock()
	defer parent.mu.Unlock()

	level := parent.level
	i := p.mmu.LevelIndex(ia, parent.stage, level)
	pte := &parent.entries[i]
	if !p.mmu.PTEIsValid(pte) {
		return errs.NotFoundErr()
	}
	if !p.mmu.PTEIsTable(pte, parent.stage, level) {
		return errs.InvalidErr()
	}

	p.mmu.PTEClear(pte)
	p.mmu.PTESync(pte)
	parent.validCount--
	parent.childCount--
	for j, c := range parent.children {
		if c == childIdx {
			parent.children = append(parent.children[:j], parent.children[j+1:]...)
			break
		}
	}

	child.mu.Lock()
	child.parent = NoFrame
	child.mu.Unlock()
	return errs.Err_t{}
}

// GetChild returns the arena index of the child table attached at ia
// in parentIdx's entry, or NotFound if the slot isn't a valid table
// descriptor.
func (p *Pool) GetChild(parentIdx int32, ia uintptr) (int32, errs.Err_t) {
	parent := &p.frames[parentIdx]
	parent.mu.Lock()
	defer parent.mu.Unlock()

	level := parent.level
	i := p.mmu.LevelIndex(ia, parent.stage, level)
	pte := &parent.entries[i]
	if !p.mmu.PTEIsValid(pte) || !p.mmu.PTEIsTable(pte, parent.stage, level) {
		return NoFrame, errs.NotFoundErr()
	}
	childPA := p.mmu.PTETableAddr(pte, parent.stage, level)
	idx, ok := p.FindByPA(childPA)
	if !ok {
		return NoFrame, errs.NotFoundErr()
	}
	return idx, errs.Err_t{}
}

// EntrySnapshot is a read-only copy of one entry, taken under the
// owning frame's lock, for callers (package pgtbl) that walk the tree
// without mutating it.
type EntrySnapshot struct {
	Valid   bool
	IsTable bool
	Child   int32 // valid iff IsTable
	OA      uintptr
	Flags   archif.Flags
}

// Lookup reads the entry covering ia in frameIdx's table.
func (p *Pool) Lookup(frameIdx int32, ia uintptr) EntrySnapshot {
	f := &p.frames[frameIdx]
	f.mu.Lock()
	defer f.mu.Unlock()

	level := f.level
	i := p.mmu.LevelIndex(ia, f.stage, level)
	pte := &f.entries[i]
	if !p.mmu.PTEIsValid(pte) {
		return EntrySnapshot{}
	}
	if p.mmu.PTEIsTable(pte, f.stage, level) {
		childIdx, _ := p.FindByPA(p.mmu.PTETableAddr(pte, f.stage, level))
		return EntrySnapshot{Valid: true, IsTable: true, Child: childIdx}
	}
	return EntrySnapshot{
		Valid: true,
		OA:    p.mmu.PTEAddr(pte, f.stage, level),
		Flags: p.mmu.PTEFlags(pte, f.stage, level),
	}
}

// LookupIndex reads the entry at raw table index i of frameIdx's
// table, for callers (pgtbl's Entries iterator) that walk every slot
// rather than looking one up by address.
func (p *Pool) LookupIndex(frameIdx int32, i int) EntrySnapshot {
	f := &p.frames[frameIdx]
	f.mu.Lock()
	defer f.mu.Unlock()

	pte := &f.entries[i]
	if !p.mmu.PTEIsValid(pte) {
		return EntrySnapshot{}
	}
	if p.mmu.PTEIsTable(pte, f.stage, f.level) {
		childIdx, _ := p.FindByPA(p.mmu.PTETableAddr(pte, f.stage, f.level))
		return EntrySnapshot{Valid: true, IsTable: true, Child: childIdx}
	}
	return EntrySnapshot{
		Valid: true,
		OA:    p.mmu.PTEAddr(pte, f.stage, f.level),
		Flags: p.mmu.PTEFlags(pte, f.stage, f.level),
	}
}

// InstallLeaf writes a leaf descriptor for ia in frameIdx's table. It
// fails with AlreadyExists if the slot already holds a valid entry,
// per spec §4.B's double-map failure model.
func (p *Pool) InstallLeaf(frameIdx int32, ia uintptr, oa uintptr, flags archif.Flags) errs.Err_t {
	f := &p.frames[frameIdx]
	f.mu.Lock()
	defer f.mu.Unlock()

	level := f.level
	i := p.mmu.LevelIndex(ia, f.stage, level)
	pte := &f.entries[i]
	if p.mmu.PTEIsValid(pte) {
		return errs.AlreadyExistsErr()
	}
	p.mmu.PTESet(pte, f.stage, level, oa, flags)
	p.mmu.PTESync(pte)
	f.validCount++
	return errs.Err_t{}
}

// ClearLeaf clears the leaf descriptor for ia in frameIdx's table and
// reports whether the frame is now empty (no valid entries, no
// children, not a marked root) so the caller can cascade a free.
func (p *Pool) ClearLeaf(frameIdx int32, ia uintptr) (empty bool, err errs.Err_t) {
	f := &p.frames[frameIdx]
	f.mu.Lock()
	defer f.mu.Unlock()

	level := f.level
	i := p.mmu.LevelIndex(ia, f.stage, level)
	pte := &f.entries[i]
	if !p.mmu.PTEIsValid(pte) {
		return false, errs.NotFoundErr()
	}
	if p.mmu.PTEIsTable(pte, f.stage, level) {
		return false, errs.InvalidErr()
	}
	p.mmu.PTEClear(pte)
	p.mmu.PTESync(pte)
	f.validCount--
	return f.validCount == 0 && f.childCount == 0 && !f.isRoot, errs.Err_t{}
}

// FrameEmpty reports whether frameIdx currently has no valid entries,
// no children, and isn't a marked root.
func (p *Pool) FrameEmpty(frameIdx int32) bool {
	f := &p.frames[frameIdx]
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.validCount == 0 && f.childCount == 0 && !f.isRoot
}

// Stats summarizes the pool's current occupancy, for diag's pool
// report (mirrors mem.go's Pgcount-style free-page accounting).
type Stats struct {
	Total   int
	Free    int
	InUse   int
	Roots   int
	Runtime int // in use, not a marked root
}

// Stats reports the pool's current occupancy.
func (p *Pool) Stats() Stats {
	p.freeMu.Lock()
	free := len(p.free)
	p.freeMu.Unlock()

	s := Stats{Total: len(p.frames), Free: free}
	for i := range p.frames {
		f := &p.frames[i]
		f.mu.Lock()
		if f.inUse {
			s.InUse++
			if f.isRoot {
				s.Roots++
			} else {
				s.Runtime++
			}
		}
		f.mu.Unlock()
	}
	return s
}

// WithArena builds a Pool of count frames for an externally-supplied,
// page-aligned byte arena (typically hostsim.Arena's mmap'd region)
// whose address is passed as base. The arena's length must be at least
// count*mmu.PgtblSize(); WithArena panics otherwise. Frame entries are
// not stored in the arena: the result is the same Pool New(mmu, base,
// count) builds, and the arena's bytes are never read or written.
func WithArena(mmu archif.MMU, base uintptr, count int, arena []byte) *Pool {
	frameSize := mmu.PgtblSize()
	if uintptr(len(arena)) < uintptr(count)*frameSize {
		panic("pgpool.WithArena: arena too small for count frames")
	}
	// Entries stay a typed Go slice rather than a view into arena, since
	// archif.PTE isn't guaranteed byte-identical to its wire encoding on
	// every target.
	return New(mmu, base, count)
}
