package walker

import (
	"testing"

	"archif"
	"errs"
	"pgpool"
	"pgtbl"
	"swtlb"
)

// fakeGPM is a simple byte-addressable guest-physical space backed by
// an in-process map of pages, standing in for a real host-memory mmap
// (package hostsim) in these unit tests.
type fakeGPM struct {
	regions []Region
	words   map[uintptr]uint64
}

func (g *fakeGPM) Lookup(gpa uintptr) (Region, bool) {
	for _, r := range g.regions {
		if gpa >= r.GPA && gpa < r.GPA+r.Size {
			return r, true
		}
	}
	return Region{}, false
}

func (g *fakeGPM) ReadWord(hostPA uintptr) (uint64, errs.Err_t) {
	return g.words[hostPA], errs.Err_t{}
}

func newSWTLB(t *testing.T) *swtlb.SWTLB {
	t.Helper()
	mmu := archif.RV64{}
	pool := pgpool.New(mmu, 0xd000_0000, 32)
	root, err := pool.Alloc(archif.Stage2)
	if !err.OK() {
		t.Fatalf("Alloc root: %v", err)
	}
	pool.MarkRoot(root)
	engine := pgtbl.New(mmu, pool)
	return swtlb.New(engine, root, 4)
}

func TestNostageIdentityMemoryRegion(t *testing.T) {
	gpm := &fakeGPM{regions: []Region{
		{GPA: 0x1000_0000, Size: 1 << 21, HostPA: 0x2000_0000, Kind: KindMemory},
	}}
	hpa, _, size, err := Nostage(gpm, 0x1000_0000, AccessRead)
	if !err.OK() {
		t.Fatalf("Nostage: %v", err)
	}
	if hpa != 0x2000_0000 {
		t.Fatalf("hpa = %#x, want %#x", hpa, 0x2000_0000)
	}
	if size != 1<<21 {
		t.Fatalf("size = %#x, want 2MiB", size)
	}
}

func TestNostageWriteToROMFaults(t *testing.T) {
	gpm := &fakeGPM{regions: []Region{
		{GPA: 0x1000_0000, Size: 4096, HostPA: 0x3000_0000, Kind: KindROM},
	}}
	if _, _, _, err := Nostage(gpm, 0x1000_0000, AccessWrite); err.Kind != errs.Fault {
		t.Fatalf("Nostage write-to-ROM kind = %v, want Fault", err.Kind)
	}
}

func TestNostageOutsideAnyRegionFaults(t *testing.T) {
	gpm := &fakeGPM{}
	if _, _, _, err := Nostage(gpm, 0xffff_0000, AccessRead); err.Kind != errs.Fault {
		t.Fatalf("Nostage unmapped kind = %v, want Fault", err.Kind)
	}
}

func TestGstageModeOffIsIdentity(t *testing.T) {
	gpm := &fakeGPM{regions: []Region{
		{GPA: 0x4000_0000, Size: 1 << 21, HostPA: 0x4000_0000, Kind: KindMemory},
	}}
	sw := newSWTLB(t)
	hpa, _, err := Gstage(gpm, sw, GuestTableRoot{Mode: ModeOff}, 0x4000_0123, AccessRead)
	if !err.OK() {
		t.Fatalf("Gstage: %v", err)
	}
	if hpa != 0x4000_0123 {
		t.Fatalf("hpa = %#x, want %#x", hpa, 0x4000_0123)
	}
}

func TestGstageUnmappedRedirectsGuestPageFault(t *testing.T) {
	gpm := &fakeGPM{}
	sw := newSWTLB(t)
	_, _, err := Gstage(gpm, sw, GuestTableRoot{Mode: ModeOff}, 0x9000_0000, AccessWrite)
	if err.Kind != errs.Redirect {
		t.Fatalf("Gstage kind = %v, want Redirect", err.Kind)
	}
	if err.Trap.Scause != CauseStoreGuestPageFault {
		t.Fatalf("scause = %d, want %d", err.Trap.Scause, CauseStoreGuestPageFault)
	}
	if err.Trap.Htval != uint64(0x9000_0000)>>2 {
		t.Fatalf("htval = %#x, want %#x", err.Trap.Htval, uint64(0x9000_0000)>>2)
	}
	if err.Trap.Stval != uint64(0x9000_0000) {
		t.Fatalf("stval = %#x, want %#x", err.Trap.Stval, uint64(0x9000_0000))
	}
}

// buildThreeLevelGstageTable wires a minimal Sv39x4-shaped three-level
// table (in the fake guest-physical space) mapping guest-physical page 0
// to hpa with a single leaf at the lowest level, with every intermediate
// level index zero so a single table entry per level suffices.
func buildThreeLevelGstageTable(gpm *fakeGPM, rootGPA, hpa uintptr) {
	const (
		pteV = uint64(1) << 0
		pteR = uint64(1) << 1
		pteW = uint64(1) << 2
		pteA = uint64(1) << 6
		pteD = uint64(1) << 7
	)
	l1GPA := rootGPA + 0x1000
	l0GPA := rootGPA + 0x2000
	gpm.words[rootGPA] = pteV | (uint64(l1GPA>>12) << 10)
	gpm.words[l1GPA] = pteV | (uint64(l0GPA>>12) << 10)
	gpm.words[l0GPA] = pteV | pteR | pteW | pteA | pteD | (uint64(hpa>>12) << 10)
}

func TestGstageWalksThreeLevelTableAndCaches(t *testing.T) {
	const rootGPA = uintptr(0x5000_0000)
	const leafHPA = uintptr(0x6000_0000)
	gpm := &fakeGPM{
		words: map[uintptr]uint64{},
		regions: []Region{
			{GPA: 0, Size: 0x8000_0000, HostPA: 0, Kind: KindMemory},
		},
	}
	buildThreeLevelGstageTable(gpm, rootGPA, leafHPA)

	sw := newSWTLB(t)
	hpa, _, err := Gstage(gpm, sw, GuestTableRoot{Mode: ModeSv39x4, RootGPA: rootGPA}, 0x10, AccessRead)
	if !err.OK() {
		t.Fatalf("Gstage: %v", err)
	}
	if hpa != leafHPA+0x10 {
		t.Fatalf("hpa = %#x, want %#x", hpa, leafHPA+0x10)
	}

	if _, ok := sw.Lookup(false, 0x10); !ok {
		t.Fatal("Gstage did not cache the walked translation in the software TLB")
	}
}
