// Package nested is the nested CSR / HFENCE / shared-memory emulation
// of spec component G: the virtual-HS control-and-status registers, a
// guest-shared page carrying batched TLB-invalidation descriptors, and
// the virtualization-on/off state machine. Grounded on
// cpu_vcpu_nested.c's cpu_vcpu_nested_smode_csr_rmw,
// __cpu_vcpu_nested_hext_csr_rmw, cpu_vcpu_nested_update_shmem /
// _check_shmem / _sync_csr / _sync_hfence / _prep_sret / _autoswap,
// cpu_vcpu_nested_set_virt, and cpu_vcpu_nested_take_vsirq.
package nested

// CSR names one hypervisor-extension register the nested guest or the
// virtual hypervisor can read or write. The enumeration order is also
// the CSR image's word index in SharedMemory.
type CSR int

const (
	Hstatus CSR = iota
	Hedeleg
	Hideleg
	Hvip
	Hie
	Hip
	Hgeip
	Hgeie
	Hcounteren
	Htimedelta
	Htval
	Htinst
	Hgatp
	Henvcfg
	Hvictl
	Vsstatus
	Vsie
	Vstvec
	Vsscratch
	Vsepc
	Vscause
	Vstval
	Vsatp
	Vstimecmp
	numCSRs
)

// NestedSyncCSRs is the preselected subset the shared-memory mechanism
// keeps coherent with the guest (spec §4.G, "Shared-memory sync"). It
// happens to be every CSR this module models, so it is simply all of
// them in enumeration order.
var NestedSyncCSRs = func() []CSR {
	cs := make([]CSR, numCSRs)
	for i := range cs {
		cs[i] = CSR(i)
	}
	return cs
}()

// hstatusSPV is the bit of Hstatus that, when set, causes the next
// SRET executed by the virtual-HS guest to pop the nested world back
// into the virtual-VS guest (spec §4.G, hext_csr_rmw's hstatus case).
const hstatusSPV = uint64(1) << 7

// hgatpModeShift/Mask and hgatpVMIDShift/Mask locate the fields of
// Hgatp whose change must nuke the nested software TLB (spec §4.G).
const (
	hgatpModeShift = 60
	hgatpModeMask  = uint64(0xF) << hgatpModeShift
	hgatpVMIDShift = 44
	hgatpVMIDMask  = uint64(0x3FFF) << hgatpVMIDShift
)

// Bundle is the nested VCPU's CSR state of spec §3 ("Nested VCPU
// state"): the set of CSRs visible to the nested guest is exactly what
// this structure holds.
type Bundle struct {
	values [numCSRs]uint64
	// shadow holds the other side's value for every CSR SetVirt swaps
	// on an OFF<->ON transition: the active set is whichever mode is
	// currently running, the shadow set is whatever the other mode had
	// in place the last time it ran.
	shadow     [numCSRs]uint64
	virtOn     bool
	sstatusFS  uint64
	shadowFS   uint64
	enterCount uint64
	exitCount  uint64
}

func (b Bundle) Get(c CSR) uint64     { return b.values[c] }
func (b *Bundle) Set(c CSR, v uint64) { b.values[c] = v }
func (b Bundle) VirtOn() bool         { return b.virtOn }
func (b Bundle) EnterCount() uint64   { return b.enterCount }
func (b Bundle) ExitCount() uint64    { return b.exitCount }

// legalMask returns the bits of csr a guest write may actually change.
// Only hideleg and hvictl are narrowed here; every other CSR, hstatus
// included, is fully writable. Hgatp's mode field is handled by
// foldHgatpMode instead.
func legalMask(csr CSR) uint64 {
	switch csr {
	case Hideleg:
		// VSEIP/VSTIP/VSSIP (bits 10/6/2, the same numbering hvip uses)
		// plus the delegable SGEIP bit (12).
		return 0x1000 | 0x444
	case Hvictl:
		return 0xFFFF_FFFF
	default:
		return ^uint64(0)
	}
}

// foldHgatpMode clamps an unsupported Hgatp.MODE write down to "off"
// (mode 0), the way the original folds any mode the build doesn't
// support (spec §4.G, hext_csr_rmw).
func foldHgatpMode(v uint64) uint64 {
	mode := (v & hgatpModeMask) >> hgatpModeShift
	// Only Sv39x4 (mode 8) and off (mode 0) are implemented; anything
	// else folds to off, matching walker.ModeSv39x4/ModeOff.
	if mode != 0 && mode != 8 {
		v &^= hgatpModeMask
	}
	return v
}
