package nested

import (
	"testing"

	"archif"
	"errs"
	"pgpool"
	"pgtbl"
	"swtlb"
)

type fakeTimer struct {
	vstimecmp uint64
	delta     uint64
}

func (f *fakeTimer) SetVSTimecmp(v uint64) { f.vstimecmp = v }
func (f *fakeTimer) SetTimeDelta(v uint64) { f.delta = v }

type fakeHost struct {
	hstatus  uint64
	trapSRET bool
}

func (f *fakeHost) SwapHstatus(v uint64) uint64 {
	old := f.hstatus
	f.hstatus = v
	return old
}
func (f *fakeHost) SetTrapSRET(trap bool) { f.trapSRET = trap }

func newTestVCPU(t *testing.T) (*VCPU, *fakeTimer, *fakeHost) {
	t.Helper()
	mmu := archif.RV64{}
	pool := pgpool.New(mmu, 0xe000_0000, 32)
	root, err := pool.Alloc(archif.Stage2)
	if !err.OK() {
		t.Fatalf("Alloc root: %v", err)
	}
	pool.MarkRoot(root)
	engine := pgtbl.New(mmu, pool)
	sw := swtlb.New(engine, root, 4)
	timer := &fakeTimer{}
	host := &fakeHost{}
	return New(mmu, sw, timer, host), timer, host
}

func TestSmodeCSRRmwForwardsUnderVTI(t *testing.T) {
	v, _, _ := newTestVCPU(t)
	v.HextCSRRmw(Hvictl, 1<<30, ^uint64(0), AccessHost)

	_, err := v.SmodeCSRRmw(Hie, 0x1, ^uint64(0))
	if err.Kind != errs.Redirect {
		t.Fatalf("kind = %v, want Redirect", err.Kind)
	}
	if err.Trap.Scause != virtualInstructionCause {
		t.Fatalf("scause = %d, want %d", err.Trap.Scause, virtualInstructionCause)
	}
}

func TestSmodeCSRRmwWritesStimecmp(t *testing.T) {
	v, timer, _ := newTestVCPU(t)
	if _, err := v.SmodeCSRRmw(Vstimecmp, 0xdead, ^uint64(0)); !err.OK() {
		t.Fatalf("SmodeCSRRmw: %v", err)
	}
	if timer.vstimecmp != 0xdead {
		t.Fatalf("vstimecmp = %#x, want 0xdead", timer.vstimecmp)
	}
}

func TestHextCSRRmwAccessClasses(t *testing.T) {
	v, _, _ := newTestVCPU(t)
	if _, err := v.HextCSRRmw(Hstatus, 1, ^uint64(0), AccessVU); err.Kind != errs.Invalid {
		t.Fatalf("AccessVU kind = %v, want Invalid", err.Kind)
	}
	if _, err := v.HextCSRRmw(Hstatus, 1, ^uint64(0), AccessVS); err.Kind != errs.Redirect {
		t.Fatalf("AccessVS kind = %v, want Redirect", err.Kind)
	}
	if _, err := v.HextCSRRmw(Hstatus, 1, ^uint64(0), AccessHost); !err.OK() {
		t.Fatalf("AccessHost: %v", err)
	}
}

func TestHextCSRRmwHstatusTogglesTrapSRET(t *testing.T) {
	v, _, host := newTestVCPU(t)
	if _, err := v.HextCSRRmw(Hstatus, hstatusSPV, hstatusSPV, AccessHost); !err.OK() {
		t.Fatalf("HextCSRRmw: %v", err)
	}
	if !host.trapSRET {
		t.Fatal("setting hstatus.SPV did not toggle SRET trapping on")
	}
}

func TestHextCSRRmwHgatpIdentityChangeFlushesSWTLB(t *testing.T) {
	v, _, _ := newTestVCPU(t)
	// Seed a software-TLB entry through the VCPU's own sw field, then
	// write a new VMID into hgatp: the write must not error, must leave
	// the CSR holding the new value, and must flush the cached entry.
	guest := archif.Page{IA: 0x7000, Size: 4096, Flags: archif.Flags{Read: true}}
	shadow := archif.Page{IA: 0x7000, OA: 0x7000, Size: 4096, Flags: archif.Flags{Read: true}}
	if err := v.sw.Insert(false, guest, shadow, archif.RegionFlags{Read: true}); !err.OK() {
		t.Fatalf("Insert: %v", err)
	}
	newHgatp := uint64(7) << hgatpVMIDShift
	old, err := v.HextCSRRmw(Hgatp, newHgatp, hgatpVMIDMask, AccessHost)
	if !err.OK() {
		t.Fatalf("HextCSRRmw: %v", err)
	}
	if old != 0 {
		t.Fatalf("old = %#x, want 0", old)
	}
	if got := v.Bundle().Get(Hgatp); got&hgatpVMIDMask != newHgatp {
		t.Fatalf("hgatp = %#x, want VMID field %#x", got, newHgatp)
	}
	if _, hit := v.sw.Lookup(false, 0x7000); hit {
		t.Fatal("changing hgatp.VMID left a software-TLB entry cached")
	}
}

func TestPrepSRETCopiesDirtyCSRsAndRunsAutoswap(t *testing.T) {
	v, _, host := newTestVCPU(t)
	shared := NewSharedMemory()
	shared.SetCSRImage(Hvip, 0x55)
	shared.SetDirty(Hvip, true)
	shared.SetAutoswapHstatus(0x1234)
	binaryPutAutoswapFlags(shared, AutoswapHstatus)
	v.SetSharedMemory(shared)

	gprs := make([]uint64, 32)
	if err := v.PrepSRET(gprs); !err.OK() {
		t.Fatalf("PrepSRET: %v", err)
	}
	if v.Bundle().Get(Hvip) != 0x55 {
		t.Fatalf("Hvip = %#x, want 0x55", v.Bundle().Get(Hvip))
	}
	if shared.Dirty(Hvip) {
		t.Fatal("PrepSRET left Hvip marked dirty")
	}
	if host.hstatus != 0x1234 {
		t.Fatalf("host.hstatus = %#x, want 0x1234 (autoswap)", host.hstatus)
	}
}

// binaryPutAutoswapFlags is a small test-only helper since SharedMemory
// doesn't expose a flags setter beyond the hstatus slot (the autoswap
// flags word is otherwise caller-managed guest-visible state).
func binaryPutAutoswapFlags(s *SharedMemory, flags uint64) {
	off := autoswapOffset
	for i := 0; i < 8; i++ {
		s.buf[off+i] = byte(flags >> (8 * i))
	}
}

func TestSetVirtTransitionsAndSwapsFields(t *testing.T) {
	v, _, _ := newTestVCPU(t)
	v.HextCSRRmw(Hcounteren, 0xAA, ^uint64(0), AccessHost)

	v.SetVirt(true, false, false)
	if !v.Bundle().VirtOn() {
		t.Fatal("SetVirt(true) did not turn virtualization on")
	}
	if v.Bundle().EnterCount() != 1 {
		t.Fatalf("EnterCount = %d, want 1", v.Bundle().EnterCount())
	}
	// hcounteren's active value is now the pre-transition shadow's
	// initial zero; the previous 0xAA moved into the shadow bank.
	if v.Bundle().Get(Hcounteren) != 0 {
		t.Fatalf("Hcounteren after swap = %#x, want 0", v.Bundle().Get(Hcounteren))
	}

	v.SetVirt(false, true, true)
	if v.Bundle().VirtOn() {
		t.Fatal("SetVirt(false) did not turn virtualization off")
	}
	if v.Bundle().ExitCount() != 1 {
		t.Fatalf("ExitCount = %d, want 1", v.Bundle().ExitCount())
	}
	if v.Bundle().Get(Hcounteren) != 0xAA {
		t.Fatalf("Hcounteren after swap back = %#x, want 0xAA", v.Bundle().Get(Hcounteren))
	}
}

func TestTakeVSIRQGatedByHidelegAndVsie(t *testing.T) {
	v, _, _ := newTestVCPU(t)
	v.HextCSRRmw(Hideleg, 1<<10, ^uint64(0), AccessHost) // delegate VSEIP
	v.SmodeCSRRmw(Vsie, 1<<9, ^uint64(0))                // VSEIE set (bit 9, shifts to bit 10)
	v.HextCSRRmw(Hvip, 1<<10, ^uint64(0), AccessHost)    // VSEIP pending

	trap, ok := v.TakeVSIRQ(false, false)
	if !ok {
		t.Fatal("TakeVSIRQ did not fire with VSEIP pending and delegated")
	}
	if trap.Kind != errs.Redirect {
		t.Fatalf("kind = %v, want Redirect", trap.Kind)
	}

	if _, ok := v.TakeVSIRQ(false, true); ok {
		t.Fatal("TakeVSIRQ fired despite target mode having interrupts disabled")
	}
}

func TestHFenceGVMAGatesOnCurrentVMID(t *testing.T) {
	v, _, _ := newTestVCPU(t)
	v.HextCSRRmw(Hgatp, uint64(5)<<hgatpVMIDShift, hgatpVMIDMask, AccessHost)

	guest := archif.Page{IA: 0x9000, Size: 4096, Flags: archif.Flags{Read: true}}
	shadow := archif.Page{IA: 0x9000, OA: 0x9000, Size: 4096, Flags: archif.Flags{Read: true}}
	if err := v.sw.Insert(false, guest, shadow, archif.RegionFlags{Read: true}); !err.OK() {
		t.Fatalf("Insert: %v", err)
	}

	if err := v.HFenceGVMA(0x9000, true, 7, true); !err.OK() {
		t.Fatalf("HFenceGVMA (mismatched VMID): %v", err)
	}
	if _, hit := v.sw.Lookup(false, 0x9000); !hit {
		t.Fatal("HFenceGVMA for a mismatched VMID evicted an entry cached under the current VMID")
	}

	if err := v.HFenceGVMA(0x9000, true, 5, true); !err.OK() {
		t.Fatalf("HFenceGVMA (matching VMID): %v", err)
	}
	if _, hit := v.sw.Lookup(false, 0x9000); hit {
		t.Fatal("HFenceGVMA for the current VMID should have evicted the entry")
	}
}

func TestDrainHFenceGatesQueuedGVMAVMIDEntry(t *testing.T) {
	v, _, _ := newTestVCPU(t)
	v.HextCSRRmw(Hgatp, uint64(5)<<hgatpVMIDShift, hgatpVMIDMask, AccessHost)

	guest := archif.Page{IA: 0x6000, Size: 4096, Flags: archif.Flags{Read: true}}
	shadow := archif.Page{IA: 0x6000, OA: 0x6000, Size: 4096, Flags: archif.Flags{Read: true}}
	if err := v.sw.Insert(false, guest, shadow, archif.RegionFlags{Read: true}); !err.OK() {
		t.Fatalf("Insert: %v", err)
	}

	shared := NewSharedMemory()
	shared.PostHFence(0, HFenceEntry{
		Type:       HFenceGVMAVMID,
		VMID:       7,
		PageNumber: 0x6000 >> 12,
		PageCount:  1,
	})
	v.SetSharedMemory(shared)
	if err := v.PrepSRET(make([]uint64, 32)); !err.OK() {
		t.Fatalf("PrepSRET: %v", err)
	}
	if _, hit := v.sw.Lookup(false, 0x6000); !hit {
		t.Fatal("a queued HFENCE.GVMA_VMID for a mismatched VMID evicted the current VMID's entry")
	}

	shared.PostHFence(0, HFenceEntry{
		Type:       HFenceGVMAVMID,
		VMID:       5,
		PageNumber: 0x6000 >> 12,
		PageCount:  1,
	})
	if err := v.PrepSRET(make([]uint64, 32)); !err.OK() {
		t.Fatalf("PrepSRET: %v", err)
	}
	if _, hit := v.sw.Lookup(false, 0x6000); hit {
		t.Fatal("a queued HFENCE.GVMA_VMID for the current VMID should have evicted the entry")
	}
}

func TestResetClearsStateAndFlushesSWTLB(t *testing.T) {
	v, _, _ := newTestVCPU(t)
	v.HextCSRRmw(Hvip, 0xFF, ^uint64(0), AccessHost)
	v.SetSharedMemory(NewSharedMemory())
	guest := archif.Page{IA: 0x8000, Size: 4096, Flags: archif.Flags{Read: true}}
	shadow := archif.Page{IA: 0x8000, OA: 0x8000, Size: 4096, Flags: archif.Flags{Read: true}}
	if err := v.sw.Insert(false, guest, shadow, archif.RegionFlags{Read: true}); !err.OK() {
		t.Fatalf("Insert: %v", err)
	}
	v.Reset()
	if v.Bundle().Get(Hvip) != 0 {
		t.Fatalf("Hvip after Reset = %#x, want 0", v.Bundle().Get(Hvip))
	}
	if _, hit := v.sw.Lookup(false, 0x8000); hit {
		t.Fatal("Reset left a software-TLB entry cached")
	}
}
