package nested

import (
	"sync"

	"archif"
	"errs"
	"swtlb"
)

// AccessClass names which privilege level executed a hypervisor-CSR
// instruction, for hext_csr_rmw's access check (spec §4.G).
type AccessClass int

const (
	AccessHost AccessClass = iota // virtual-HS: the normal, legal caller
	AccessVU                      // virtual-U: illegal
	AccessVS                      // virtual-VS: virtual-instruction fault
)

// virtualInstructionCause is the RISC-V scause value for a virtual
// instruction trap (forwarded when a VTI-gated S-mode CSR access or a
// virtual-VS hypervisor-CSR access must be reflected to the virtual
// hypervisor).
const virtualInstructionCause = uint64(22)

// TimerSink receives the side effects of writes to the nested guest's
// virtual timer-compare registers and htimedelta, so nested stays
// independent of whatever concrete timer subsystem a caller wires in.
type TimerSink interface {
	SetVSTimecmp(v uint64)
	SetTimeDelta(v uint64)
}

// HostSwitch lets HextCSRRmw (SRET trapping on an hstatus.SPV change)
// and the SRET autoswap path touch the one piece of real hardware state
// this package must coordinate with: the host's own hstatus register
// and its SRET-trapping configuration.
type HostSwitch interface {
	SwapHstatus(v uint64) (old uint64)
	SetTrapSRET(trap bool)
}

// VCPU is one nested guest's CSR bundle, shared-memory page, and
// software TLB, bundled the way cpu_vcpu_nested.c bundles them per
// hart. Every mutating entry point here runs in the VCPU's own thread
// or in trap context on its own hart — spec §5 assigns no cross-CPU
// writers — so a single mutex guards the bundle instead of the
// page-table engine's per-frame locks.
type VCPU struct {
	mu sync.Mutex

	b      Bundle
	mmu    archif.MMU
	sw     *swtlb.SWTLB
	timer  TimerSink
	host   HostSwitch
	shared *SharedMemory
}

func New(mmu archif.MMU, sw *swtlb.SWTLB, timer TimerSink, host HostSwitch) *VCPU {
	v := &VCPU{mmu: mmu, sw: sw, timer: timer, host: host}
	v.Reset()
	return v
}

// Bundle exposes the current CSR state for read-only inspection (diag
// dumps, tests).
func (v *VCPU) Bundle() Bundle {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.b
}

// SetSharedMemory installs (or, with nil, drops) the guest-shared page
// a hypercall handed the hypervisor (spec §3, "Shared-memory pointer
// is set by a guest hypercall").
func (v *VCPU) SetSharedMemory(s *SharedMemory) {
	v.mu.Lock()
	v.shared = s
	v.mu.Unlock()
}

// Reset returns the VCPU to its architectural reset defaults: OFF,
// every CSR zeroed, shared-memory pointer dropped, nested software TLB
// flushed (spec §5, "VCPU reset is a cancel point").
func (v *VCPU) Reset() {
	v.mu.Lock()
	v.b = Bundle{}
	v.shared = nil
	v.mu.Unlock()
	if v.sw != nil {
		v.sw.Flush(0, 0)
	}
}

// SmodeCSRRmw handles an S-mode CSR access (sip, sie, stimecmp) taken
// by code running inside the nested guest. If hvictl.VTI is set the
// entire S-mode interrupt model is virtualized and the access is
// forwarded as a virtual-instruction trap instead of emulated here.
func (v *VCPU) SmodeCSRRmw(csr CSR, newVal, writeMask uint64) (old uint64, err errs.Err_t) {
	v.mu.Lock()
	defer v.mu.Unlock()

	const hvictlVTI = uint64(1) << 30
	if v.b.values[Hvictl]&hvictlVTI != 0 {
		return 0, errs.Redir(errs.Trap{Scause: virtualInstructionCause})
	}

	old = v.b.values[csr]
	if writeMask != 0 {
		v.b.values[csr] = (old &^ writeMask) | (newVal & writeMask)
		if csr == Vstimecmp && v.timer != nil {
			v.timer.SetVSTimecmp(v.b.values[Vstimecmp])
		}
	}
	return old, errs.Err_t{}
}

// HextCSRRmw handles a hypervisor-CSR instruction executed by the host
// (virtual-HS) hypervisor: access-class validation, legal write-mask
// application, mode folding, nested-TLB invalidation on an hgatp
// identity change, timer restart on htimedelta, SRET-trap toggling on
// hstatus.SPV, and shared-memory write-back (spec §4.G).
func (v *VCPU) HextCSRRmw(csr CSR, newVal, writeMask uint64, class AccessClass) (old uint64, err errs.Err_t) {
	switch class {
	case AccessVU:
		return 0, errs.InvalidErr()
	case AccessVS:
		return 0, errs.Redir(errs.Trap{Scause: virtualInstructionCause})
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	old = v.b.values[csr]
	if writeMask == 0 {
		return old, errs.Err_t{}
	}

	masked := writeMask & legalMask(csr)
	newv := (old &^ masked) | (newVal & masked)

	switch csr {
	case Hgatp:
		newv = foldHgatpMode(newv)
		identityChanged := (old & (hgatpModeMask | hgatpVMIDMask)) != (newv & (hgatpModeMask | hgatpVMIDMask))
		v.b.values[csr] = newv
		if identityChanged && v.sw != nil {
			v.sw.Flush(0, 0)
		}
	case Htimedelta:
		v.b.values[csr] = newv
		if v.timer != nil {
			v.timer.SetTimeDelta(newv)
		}
	case Hstatus:
		spvChanged := (old & hstatusSPV) != (newv & hstatusSPV)
		v.b.values[csr] = newv
		if spvChanged && v.host != nil {
			v.host.SetTrapSRET(newv&hstatusSPV != 0)
		}
	default:
		v.b.values[csr] = newv
	}

	if v.shared != nil && isSyncCSR(csr) {
		v.shared.SetCSRImage(csr, v.b.values[csr])
		v.shared.SetDirty(csr, false)
	}
	return old, errs.Err_t{}
}

func isSyncCSR(csr CSR) bool { return csr >= 0 && csr < numCSRs }

// PrepSRET runs the SRET-entry shared-memory protocol of spec §4.G:
// copy every dirty CSR in from the shared page, drain the HFENCE
// queue, restore the GPRs the guest staged in the shared SRET area,
// then run the autoswap. GPRs is filled in place with the restored
// values; its length must be at least numSRETWords.
func (v *VCPU) PrepSRET(gprs []uint64) errs.Err_t {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.shared == nil {
		return errs.Err_t{}
	}

	for _, csr := range NestedSyncCSRs {
		if v.shared.Dirty(csr) {
			v.b.values[csr] = v.shared.CSRImage(csr)
			v.shared.SetDirty(csr, false)
		}
	}

	if err := v.drainHFence(); !err.OK() {
		return err
	}

	for i := 0; i < len(gprs) && i < numSRETWords; i++ {
		gprs[i] = v.shared.SRETWord(i)
	}

	if v.shared.AutoswapFlags()&AutoswapHstatus != 0 && v.host != nil {
		old := v.host.SwapHstatus(v.shared.AutoswapHstatus())
		v.shared.SetAutoswapHstatus(old)
	}
	return errs.Err_t{}
}

// currentVMID reads the VMID field the nested software TLB is currently
// caching translations under, i.e. the running guest's own hgatp.VMID.
func (v *VCPU) currentVMID() uint32 {
	return uint32((v.b.Get(Hgatp) & hgatpVMIDMask) >> hgatpVMIDShift)
}

// HFenceGVMA performs an immediate (non-queued) guest-physical TLB
// invalidation, for a virtual hypervisor executing hfence.gvma directly
// rather than posting it through the shared-memory queue. The nested
// software TLB only ever caches translations for the currently loaded
// hgatp.VMID, so a VMID-qualified invalidation for any other VMID must
// reach the real MMU (which tags its own entries by VMID) without
// touching the software TLB.
func (v *VCPU) HFenceGVMA(gpa uintptr, haveGPA bool, vmid uint32, haveVMID bool) errs.Err_t {
	var gpap *uintptr
	if haveGPA {
		gpap = &gpa
	}
	var vmidp *uint32
	if haveVMID {
		vmidp = &vmid
	}
	v.mmu.HFenceGVMA(gpap, vmidp)
	if haveVMID && vmid != v.currentVMID() {
		return errs.Err_t{}
	}
	if haveGPA {
		return v.sw.Flush(gpa, 1)
	}
	return v.sw.Flush(0, 0)
}

// HFenceVVMA performs an immediate (non-queued) guest-virtual TLB
// invalidation, mirroring cpu_vcpu_nested_hfence_vvma.
func (v *VCPU) HFenceVVMA(va uintptr, haveVA bool, asid uint32, haveASID bool) errs.Err_t {
	var vap *uintptr
	if haveVA {
		vap = &va
	}
	var asidp *uint32
	if haveASID {
		asidp = &asid
	}
	v.mmu.HFenceVVMA(asidp, vap)
	return errs.Err_t{}
}

// drainHFence issues the real hfence.gvma/hfence.vvma primitives (and,
// for Stage-2 invalidations, flushes the nested software TLB) for
// every pending entry, then clears its pending bit.
func (v *VCPU) drainHFence() errs.Err_t {
	for i := 0; i < numHFenceEntries; i++ {
		e := v.shared.HFenceEntry(i)
		if !e.Pending {
			continue
		}
		switch e.Type {
		case HFenceGVMA:
			gpa := uintptr(e.PageNumber << 12)
			v.mmu.HFenceGVMA(&gpa, nil)
			if err := v.sw.Flush(gpa, uintptr(e.PageCount)<<12); !err.OK() {
				return err
			}
		case HFenceGVMAVMID:
			gpa := uintptr(e.PageNumber << 12)
			vmid := uint32(e.VMID)
			v.mmu.HFenceGVMA(&gpa, &vmid)
			// The nested software TLB only caches the running guest's own
			// translations; a VMID-qualified invalidation for any other
			// VMID must reach the real MMU but leave it untouched.
			if vmid == v.currentVMID() {
				if err := v.sw.Flush(gpa, uintptr(e.PageCount)<<12); !err.OK() {
					return err
				}
			}
		case HFenceGVMAAll:
			v.mmu.HFenceGVMA(nil, nil)
			if err := v.sw.Flush(0, 0); !err.OK() {
				return err
			}
		case HFenceGVMAVMIDAll:
			vmid := uint32(e.VMID)
			v.mmu.HFenceGVMA(nil, &vmid)
			if vmid == v.currentVMID() {
				if err := v.sw.Flush(0, 0); !err.OK() {
					return err
				}
			}
		case HFenceVVMA, HFenceVVMAASID:
			va := uintptr(e.PageNumber << 12)
			asid := uint32(e.ASID)
			v.mmu.HFenceVVMA(&asid, &va)
		case HFenceVVMAAll, HFenceVVMAASIDAll:
			asid := uint32(e.ASID)
			v.mmu.HFenceVVMA(&asid, nil)
		}
		v.shared.ClearHFencePending(i)
	}
	return errs.Err_t{}
}

// swapFields are the CSRs SetVirt exchanges on every OFF<->ON
// transition (spec §4.x). Hstatus is not swapped (SetVirt only updates
// its GVA bit on a trap-induced exit), and the sstatus.FS field is
// swapped out of band below.
var swapFields = []CSR{Hcounteren, Hedeleg, Hideleg, Htimedelta, Hgatp, Vsepc, Vscause, Vstval, Vsatp}

// SetVirt transitions the virtualization-on/off state machine. induced
// reports whether the transition was caused by a trap taken from
// virtual-VS/VU (ON->OFF only); gva is the trap's address class,
// recorded into hstatus.GVA when induced is true.
func (v *VCPU) SetVirt(on bool, induced bool, gva bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if on == v.b.virtOn {
		return
	}

	for _, csr := range swapFields {
		v.b.values[csr], v.b.shadow[csr] = v.b.shadow[csr], v.b.values[csr]
	}
	v.b.sstatusFS, v.b.shadowFS = v.b.shadowFS, v.b.sstatusFS

	v.b.virtOn = on
	if on {
		v.b.enterCount++
	} else {
		v.b.exitCount++
		if induced {
			const hstatusGVA = uint64(1) << 6
			if gva {
				v.b.values[Hstatus] |= hstatusGVA
			} else {
				v.b.values[Hstatus] &^= hstatusGVA
			}
		}
		if v.shared != nil {
			for _, csr := range NestedSyncCSRs {
				v.shared.SetCSRImage(csr, v.b.values[csr])
				v.shared.SetDirty(csr, false)
			}
		}
	}
}

// hvipVSTIP is the bit TakeVSIRQ's timer folding sets: the virtual-VS
// timer-interrupt-pending bit of Hvip.
const hvipVSTIP = uint64(1) << 6

// vsInterruptBits is the VSEIP/VSTIP/VSSIP mask within Hvip, in
// descending priority order (external, timer, software).
var vsInterruptBits = []uint64{1 << 10, 1 << 6, 1 << 2}

// TakeVSIRQ computes whether a virtual-VS interrupt is pending and
// should be redirected right now (spec §4.x). timerPending folds the
// virtual timer's own pending state into Hvip.VSTIP; targetDisabled is
// true when the resuming mode is virtual-VS with interrupts disabled,
// which suppresses delivery even if a gated bit is set.
func (v *VCPU) TakeVSIRQ(timerPending bool, targetDisabled bool) (errs.Err_t, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	pending := v.b.values[Hvip]
	if timerPending {
		pending |= hvipVSTIP
	}
	gated := (v.b.values[Vsie] << 1) & v.b.values[Hideleg]
	effective := pending & gated
	if effective == 0 || targetDisabled {
		return errs.Err_t{}, false
	}
	for _, bit := range vsInterruptBits {
		if effective&bit != 0 {
			const interruptBit = uint64(1) << 63
			irqNum := trailingZero64(bit)
			return errs.Redir(errs.Trap{Scause: interruptBit | uint64(irqNum)}), true
		}
	}
	return errs.Err_t{}, false
}

func trailingZero64(v uint64) int {
	n := 0
	for v&1 == 0 {
		v >>= 1
		n++
	}
	return n
}
