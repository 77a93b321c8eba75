// Package walker is the nested walker of spec component F: nostage
// (guest-host-physical -> host-physical), gstage (guest-physical ->
// host-physical), and vsstage (guest-virtual -> host-physical)
// translation, plus fault-to-trap conversion for redirecting a failed
// guest access to the virtual hypervisor. Grounded on
// cpu_vcpu_nested.c's nested_xlate_nostage/_gstage/_vsstage and the
// scause/htval construction in nested_xlate_gstage's guest-page-fault
// path.
//
// The three contexts compose the way the original's call graph does:
// vsstage dereferences its own (guest-virtual) page-table pointers
// through gstage, and gstage dereferences its (guest-physical)
// page-table pointers through nostage. Both internal walks share one
// fixed three-level, RISC-V Sv39-shaped entry format — this module
// only implements that one depth (a stand-in for the original's
// Sv32x4/Sv39x4/Sv48x4/Sv57x4 family); other configured depths report
// NotSupported rather than silently mistranslating (spec §7's
// NotSupported kind, "legal-looking request for a feature not enabled
// in the build").
package walker

import (
	"archif"
	"errs"
	"swtlb"
)

// Access names the kind of memory operation being translated.
type Access int

const (
	AccessRead Access = iota
	AccessWrite
	AccessFetch
)

// RegionKind classifies a guest-physical region for nostage's
// read/write/fetch legality check (spec §4.F item 1).
type RegionKind int

const (
	KindNone RegionKind = iota
	KindMemory
	KindROM
	KindMMIO
)

// Region is one entry of the guest-address-space mapping table nostage
// consults (the original's vmm_guest_physical_map).
type Region struct {
	GPA    uintptr
	Size   uintptr
	HostPA uintptr
	Kind   RegionKind
	Flags  archif.RegionFlags
}

// GuestPhysMap is the non-blocking guest-physical-memory accessor
// nostage dereferences through. Implementations must not block (spec
// §5, "implementations must use non-blocking reads of guest physical
// addresses").
type GuestPhysMap interface {
	Lookup(gpa uintptr) (Region, bool)
	ReadWord(hostPA uintptr) (uint64, errs.Err_t)
}

// AccessContext carries the privilege-mode modifiers vsstage's
// permission check needs beyond the raw PTE bits: SUM (permit
// supervisor access to U-pages), MXR (make executable readable), the
// access's own privilege (SPP — true if the access is from
// supervisor-equivalent VS-mode), and the HLVX "load as execute" hint.
type AccessContext struct {
	SUM  bool
	MXR  bool
	SPP  bool
	HLVX bool
}

const rv64PageShift = 12

const (
	pteV = uint64(1) << 0
	pteR = uint64(1) << 1
	pteW = uint64(1) << 2
	pteX = uint64(1) << 3
	pteU = uint64(1) << 4
	pteA = uint64(1) << 6
	pteD = uint64(1) << 7

	ppnShift = 10
	ppnMask  = (uint64(1) << 44) - 1
)

func ppnToAddr(raw uint64) uintptr {
	return uintptr(((raw >> ppnShift) & ppnMask) << rv64PageShift)
}

// RISC-V scause values this walker produces (the subset spec §4.F and
// §4.x require).
const (
	CauseInstrPageFault      = uint64(12)
	CauseLoadPageFault       = uint64(13)
	CauseStorePageFault      = uint64(15)
	CauseInstrGuestPageFault = uint64(20)
	CauseLoadGuestPageFault  = uint64(21)
	CauseStoreGuestPageFault = uint64(23)
)

func guestPageFaultCause(access Access) uint64 {
	switch access {
	case AccessFetch:
		return CauseInstrGuestPageFault
	case AccessWrite:
		return CauseStoreGuestPageFault
	default:
		return CauseLoadGuestPageFault
	}
}

func pageFaultCause(access Access) uint64 {
	switch access {
	case AccessFetch:
		return CauseInstrPageFault
	case AccessWrite:
		return CauseStorePageFault
	default:
		return CauseLoadPageFault
	}
}

// redirectGuestFault builds the Redirect error gstage returns when a
// nested-guest access must be reported to the outer virtual
// hypervisor: htval carries gpa >> 2, per spec §4.F.
func redirectGuestFault(access Access, gpa uintptr) errs.Err_t {
	return errs.Redir(errs.Trap{
		Scause: guestPageFaultCause(access),
		Stval:  uint64(gpa),
		Htval:  uint64(gpa) >> 2,
	})
}

// redirectNestedFault builds the Redirect error vsstage returns when a
// nested guest's own access must be reported to that guest itself (not
// the outer hypervisor): an ordinary, non-guest page-fault class.
func redirectNestedFault(access Access, va uintptr) errs.Err_t {
	return errs.Redir(errs.Trap{
		Scause: pageFaultCause(access),
		Stval:  uint64(va),
	})
}

// Nostage resolves a guest-host-physical address to a host physical
// address, enforcing that read/fetch requires a memory-or-ROM region
// and store requires a memory region, then returns gpa's host address
// together with the largest block size (1GiB, 2MiB, or 4KiB) that fits
// between gpa and the end of the backing region and at which gpa and
// its host address sit at the same offset within the block (spec §4.F
// item 1).
func Nostage(gpm GuestPhysMap, gpa uintptr, access Access) (hostPA uintptr, flags archif.RegionFlags, size uintptr, err errs.Err_t) {
	r, ok := gpm.Lookup(gpa)
	if !ok {
		return 0, archif.RegionFlags{}, 0, errs.FaultErr()
	}
	switch access {
	case AccessWrite:
		if r.Kind != KindMemory {
			return 0, archif.RegionFlags{}, 0, errs.FaultErr()
		}
	default:
		if r.Kind != KindMemory && r.Kind != KindROM {
			return 0, archif.RegionFlags{}, 0, errs.FaultErr()
		}
	}

	offset := gpa - r.GPA
	hpa := r.HostPA + offset
	remaining := r.Size - offset
	for _, blk := range []uintptr{1 << 30, 1 << 21, 1 << 12} {
		if blk > remaining {
			continue
		}
		if gpa%blk == hpa%blk {
			return hpa, r.Flags, blk, errs.Err_t{}
		}
	}
	return 0, archif.RegionFlags{}, 0, errs.InvalidErr()
}

// Stage2Mode names the nested guest's Stage-2 translation mode.
type Stage2Mode int

const (
	ModeOff Stage2Mode = iota
	ModeSv39x4
)

// GuestTableRoot names the root and addressing mode of an in-guest
// page-table tree, for either gstage (Stage-2) or vsstage (Stage-1).
type GuestTableRoot struct {
	Mode    Stage2Mode
	RootGPA uintptr
	VMID    uint32
}

// derefer resolves an address one translation stage down, used both to
// dereference a page-table pointer and to resolve a leaf's final
// output address.
type derefer func(addr uintptr, access Access) (hostPA uintptr, flags archif.RegionFlags, err errs.Err_t)

func nostageDerefer(gpm GuestPhysMap) derefer {
	return func(addr uintptr, access Access) (uintptr, archif.RegionFlags, errs.Err_t) {
		hpa, flags, _, err := Nostage(gpm, addr, access)
		return hpa, flags, err
	}
}

// walk3 walks a fixed three-level, Sv39-shaped in-guest page table
// rooted at rootAddr (an address in derefer's own input space),
// translating va through it. Table-pointer dereferences and the final
// leaf resolution both go through derefer, which is how gstage chains
// onto nostage and vsstage chains onto gstage (spec §4.F items 2-3).
func walk3(gpm GuestPhysMap, deref derefer, rootAddr uintptr, va uintptr, access Access, ctx AccessContext, checkFinal bool) (hostPA uintptr, flags archif.RegionFlags, permFault bool, err errs.Err_t) {
	addr := rootAddr
	for level := 2; level >= 0; level-- {
		shift := uint(rv64PageShift + level*9)
		idx := uintptr((va >> shift) & 0x1FF)

		tableHostPA, _, derr := deref(addr, AccessRead)
		if !derr.OK() {
			return 0, archif.RegionFlags{}, false, derr
		}
		entryAddr := tableHostPA + idx*8
		raw, rerr := gpm.ReadWord(entryAddr)
		if !rerr.OK() {
			return 0, archif.RegionFlags{}, false, errs.FaultErr()
		}
		if raw&pteV == 0 {
			return 0, archif.RegionFlags{}, false, errs.NotFoundErr()
		}
		if raw&(pteR|pteW|pteX) == 0 {
			addr = ppnToAddr(raw)
			continue
		}

		// Leaf.
		pf, ok := checkPermission(raw, access, ctx, checkFinal)
		if !ok {
			return 0, archif.RegionFlags{}, pf, errs.InvalidErr()
		}
		offset := va & ((uintptr(1) << shift) - 1)
		leafAddr := ppnToAddr(raw) + offset
		hpa, flags, derr := deref(leafAddr, access)
		if !derr.OK() {
			return 0, archif.RegionFlags{}, false, derr
		}
		return hpa, flags, false, errs.Err_t{}
	}
	return 0, archif.RegionFlags{}, false, errs.NotFoundErr()
}

// checkPermission applies the R/W/X/A/D check every leaf needs, and,
// when full (vsstage) is set, the SUM/MXR/U/HLVX matrix spec §4.F
// describes. The first failing check wins: once permission or
// translation fails, no later bit is consulted.
func checkPermission(raw uint64, access Access, ctx AccessContext, full bool) (permFault bool, ok bool) {
	r := raw&pteR != 0
	w := raw&pteW != 0
	x := raw&pteX != 0
	u := raw&pteU != 0
	a := raw&pteA != 0
	d := raw&pteD != 0

	switch access {
	case AccessFetch:
		if !x {
			return false, false
		}
	case AccessWrite:
		if !w {
			return false, false
		}
	default:
		readable := r || (ctx.MXR && x)
		if ctx.HLVX {
			readable = x || (ctx.MXR && x)
		}
		if !readable {
			return false, false
		}
	}

	if full {
		if u && ctx.SPP && !ctx.SUM {
			return true, false
		}
		if !u && !ctx.SPP {
			return false, false
		}
	}

	if !a {
		return false, false
	}
	if access == AccessWrite && !d {
		return false, false
	}
	return false, true
}

// Gstage resolves a guest-physical address to a host physical address
// for a nested guest's Stage-2: a software-TLB hit short-circuits the
// walk; on miss (and Mode != Off) it walks the in-guest Stage-2 table
// and caches the result; Mode == Off is an identity through nostage.
func Gstage(gpm GuestPhysMap, sw *swtlb.SWTLB, root GuestTableRoot, gpa uintptr, access Access) (hostPA uintptr, flags archif.RegionFlags, err errs.Err_t) {
	fetch := access == AccessFetch
	if e, ok := sw.Lookup(fetch, gpa); ok {
		offset := gpa - e.GuestPage.IA
		return e.ShadowPage.OA + offset, e.Flags, errs.Err_t{}
	}

	if root.Mode == ModeOff {
		hpa, flags, _, nerr := Nostage(gpm, gpa, access)
		if !nerr.OK() {
			return 0, archif.RegionFlags{}, redirectGuestFault(access, gpa)
		}
		return hpa, flags, errs.Err_t{}
	}
	if root.Mode != ModeSv39x4 {
		return 0, archif.RegionFlags{}, errs.NotSupportedErr()
	}

	hpa, pflags, _, werr := walk3(gpm, nostageDerefer(gpm), root.RootGPA, gpa, access, AccessContext{}, false)
	if !werr.OK() {
		return 0, archif.RegionFlags{}, redirectGuestFault(access, gpa)
	}

	const pageSize = uintptr(1) << rv64PageShift
	guestBase := gpa &^ (pageSize - 1)
	hostBase := hpa &^ (pageSize - 1)
	guestPage := archif.Page{IA: guestBase, Size: pageSize}
	shadowPage := archif.Page{
		IA:   guestBase,
		OA:   hostBase,
		Size: pageSize,
		Flags: archif.Flags{
			Valid: true, Read: pflags.Read, Write: pflags.Write, Execute: pflags.Execute,
			Cacheable: pflags.Cacheable,
		},
	}
	if ierr := sw.Insert(fetch, guestPage, shadowPage, pflags); !ierr.OK() {
		return 0, archif.RegionFlags{}, ierr
	}
	return hpa, pflags, errs.Err_t{}
}

func gstageDerefer(gpm GuestPhysMap, sw *swtlb.SWTLB, root GuestTableRoot) derefer {
	return func(addr uintptr, access Access) (uintptr, archif.RegionFlags, errs.Err_t) {
		return Gstage(gpm, sw, root, addr, access)
	}
}

// Vsstage resolves a guest-virtual address to a host physical address:
// the in-guest Stage-1 table rooted at s1Root is walked with pointer
// dereferences and the final leaf resolution both routed through
// Gstage. A permission or translation fault is converted to the
// corresponding ordinary (non-guest) page-fault trap for redirection
// to the nested guest itself (spec §4.F item 3).
func Vsstage(gpm GuestPhysMap, sw *swtlb.SWTLB, s2root GuestTableRoot, s1Root uintptr, va uintptr, access Access, ctx AccessContext) (hostPA uintptr, flags archif.RegionFlags, err errs.Err_t) {
	hpa, rflags, _, werr := walk3(gpm, gstageDerefer(gpm, sw, s2root), s1Root, va, access, ctx, true)
	if !werr.OK() {
		if werr.Kind == errs.Redirect {
			// A Stage-2 fault raised while resolving the walk reports the
			// guest virtual address being translated in stval.
			werr.Trap.Stval = uint64(va)
			return 0, archif.RegionFlags{}, werr
		}
		return 0, archif.RegionFlags{}, redirectNestedFault(access, va)
	}
	return hpa, rflags, errs.Err_t{}
}
