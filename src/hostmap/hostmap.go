// Package hostmap is the host address-space glue of spec component C:
// a thin adapter that maps the hypervisor's own reserved memory using
// package pgtbl, and exposes map/unmap/va2pa against one distinguished
// "hypervisor root" frame. Grounded on generic_mmu.c's
// arch_cpu_aspace_map/_unmap/_va2pa and arch_cpu_aspace_primary_init.
//
// arch_cpu_aspace_primary_init inherits a hand-built initial table laid
// down by the linker before the frame pool exists, then re-scans it to
// recover parent/child links. This hosted model allocates every frame
// through pgpool from the start, so there is nothing hand-built to
// re-link; Bootstrap installs the reserved regions directly through the
// generic engine instead, which is the behavior-preserving collapse of
// that two-step process onto a pool that was never boot-populated
// out-of-band.
package hostmap

import (
	"archif"
	"errs"
	"pgpool"
	"pgtbl"
)

// Region is one reserved range the hypervisor maps into its own
// address space at boot: the frame pool's backing arena, the kernel
// image, device MMIO windows, and so on.
type Region struct {
	VA    uintptr
	PA    uintptr
	Size  uintptr // must tile exactly in architecture block sizes
	Flags archif.RegionFlags
}

// Host owns the hypervisor's root pgtbl and the engine/pool it was
// built from.
type Host struct {
	mmu    archif.MMU
	pool   *pgpool.Pool
	engine *pgtbl.Engine
	root   int32
}

// New allocates the hypervisor's root frame (Stage1, marked permanent)
// and wires an engine over pool.
func New(mmu archif.MMU, pool *pgpool.Pool) (*Host, errs.Err_t) {
	root, err := pool.Alloc(archif.Stage1)
	if !err.OK() {
		return nil, err
	}
	pool.MarkRoot(root)
	return &Host{
		mmu:    mmu,
		pool:   pool,
		engine: pgtbl.New(mmu, pool),
		root:   root,
	}, errs.Err_t{}
}

// Root returns the arena index of the hypervisor's root frame, for
// callers that need to hand it to another package's engine (the
// virtual TLB installs shadow mappings against this same root).
func (h *Host) Root() int32 { return h.root }

// Bootstrap installs every region into the hypervisor's own address
// space, tiling each into the largest legal block sizes that fit. It
// stops at the first failure, leaving whatever prefix of regions (and
// whatever prefix of one region's tiling) already succeeded installed
// — map_page's own atomicity means no region is left half-mapped at
// the page level, but a later region in the list may simply never be
// attempted.
func (h *Host) Bootstrap(regions []Region) errs.Err_t {
	for _, r := range regions {
		if err := h.mapRegion(r); !err.OK() {
			return err
		}
	}
	return errs.Err_t{}
}

func (h *Host) mapRegion(r Region) errs.Err_t {
	if r.Size == 0 {
		return errs.InvalidErr()
	}
	flags := h.mmu.PgflagsSet(r.Flags, archif.Stage1)
	va, pa, remaining := r.VA, r.PA, r.Size
	for remaining > 0 {
		size := h.largestTile(va, pa, remaining)
		if size == 0 {
			return errs.InvalidErr()
		}
		page := archif.Page{IA: va, OA: pa, Size: size, Flags: flags}
		if err := h.engine.MapPage(h.root, page); !err.OK() {
			return err
		}
		va += size
		pa += size
		remaining -= size
	}
	return errs.Err_t{}
}

// largestTile picks the biggest legal block size that divides evenly
// into what's left and is aligned in both va and pa, preferring coarse
// mappings the way the original's boot-time identity map does.
func (h *Host) largestTile(va, pa, remaining uintptr) uintptr {
	candidates := []uintptr{1 << 30, 1 << 21, 1 << 12}
	for _, sz := range candidates {
		if !h.mmu.ValidBlockSize(sz) {
			continue
		}
		if sz > remaining {
			continue
		}
		if va%sz != 0 || pa%sz != 0 {
			continue
		}
		return sz
	}
	return 0
}

// Map installs a single-page mapping at va. Callers that need a larger
// or differently-tiled region should use Bootstrap or call pgtbl
// directly against Root().
func (h *Host) Map(va, pa uintptr, size uintptr, flags archif.RegionFlags) errs.Err_t {
	page := archif.Page{IA: va, OA: pa, Size: size, Flags: h.mmu.PgflagsSet(flags, archif.Stage1)}
	return h.engine.MapPage(h.root, page)
}

// Unmap removes the mapping covering va at size.
func (h *Host) Unmap(va uintptr, size uintptr) errs.Err_t {
	return h.engine.UnmapPage(h.root, va, size)
}

// Va2Pa resolves a hypervisor virtual address to its current physical
// mapping. GetPage already carries va's offset within the block in the
// returned OA.
func (h *Host) Va2Pa(va uintptr) (uintptr, errs.Err_t) {
	page, err := h.engine.GetPage(h.root, va)
	if !err.OK() {
		return 0, err
	}
	return page.OA, errs.Err_t{}
}

// Stats wraps the backing pool's occupancy for the hypervisor's own
// root, for diag's pool report.
func (h *Host) Stats() pgpool.Stats { return h.pool.Stats() }
