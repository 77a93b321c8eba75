// nvmmctl drives the nested memory-management core through the
// end-to-end scenarios a real nested-virtualization boot would
// exercise: an identity map, a 2MiB upgrade over four 4KiB pages, a
// Stage-2 permission fault, a virtual-TLB eviction, a nested
// software-TLB eviction, an HFENCE.GVMA VMID mismatch, and an SRET
// autoswap.
package main

import (
	"flag"
	"fmt"
	"os"

	"archif"
	"diag"
	"errs"
	"hostmap"
	"hostsim"
	"nested"
	"pgpool"
	"pgtbl"
	"swtlb"
	"vtlb"
	"walker"
)

func main() {
	scenario := flag.String("scenario", "all", "scenario to run: identity, upgrade, fault, vtlb-evict, swtlb-evict, hfence-vmid, autoswap, all")
	flag.Parse()

	scenarios := map[string]func() error{
		"identity":    scenarioIdentity,
		"upgrade":     scenarioUpgrade,
		"fault":       scenarioFault,
		"vtlb-evict":  scenarioVTLBEvict,
		"swtlb-evict": scenarioSWTLBEvict,
		"hfence-vmid": scenarioHFenceVMID,
		"autoswap":    scenarioAutoswap,
	}

	run := func(name string) {
		fn, ok := scenarios[name]
		if !ok {
			fmt.Fprintf(os.Stderr, "nvmmctl: unknown scenario %q\n", name)
			os.Exit(1)
		}
		fmt.Printf("== %s ==\n", name)
		if err := fn(); err != nil {
			fmt.Fprintf(os.Stderr, "nvmmctl: %s: %v\n", name, err)
			os.Exit(1)
		}
	}

	if *scenario == "all" {
		for _, name := range []string{"identity", "upgrade", "fault", "vtlb-evict", "swtlb-evict", "hfence-vmid", "autoswap"} {
			run(name)
		}
		return
	}
	run(*scenario)
}

// newHost builds a Stage1 hypervisor address space backed by a
// hostsim.Arena instead of a static Go array, per pgpool's WithArena
// addition.
func newHost(frameCount int) (*hostmap.Host, *pgpool.Pool, *hostsim.Arena, errs.Err_t) {
	mmu := archif.RV64{}
	arena, err := hostsim.NewArena(frameCount * int(mmu.PgtblSize()))
	if !err.OK() {
		return nil, nil, nil, err
	}
	pool := pgpool.WithArena(mmu, arena.Base(), frameCount, arena.Bytes())
	host, err := hostmap.New(mmu, pool)
	if !err.OK() {
		arena.Close()
		return nil, nil, nil, err
	}
	return host, pool, arena, errs.Err_t{}
}

func scenarioIdentity() error {
	host, _, arena, err := newHost(16)
	if !err.OK() {
		return err
	}
	defer arena.Close()

	regions := []hostmap.Region{
		{VA: 0x1000, PA: 0x1000, Size: 4096, Flags: archif.RegionFlags{Read: true, Write: true}},
	}
	if err := host.Bootstrap(regions); !err.OK() {
		return err
	}
	pa, err := host.Va2Pa(0x1000)
	if !err.OK() {
		return err
	}
	fmt.Println(diag.HostReport(host))
	fmt.Printf("va 0x1000 -> pa %#x\n", pa)
	return nil
}

func scenarioUpgrade() error {
	host, _, arena, err := newHost(16)
	if !err.OK() {
		return err
	}
	defer arena.Close()

	const base = uintptr(0x20_0000)
	for i := 0; i < 4; i++ {
		va := base + uintptr(i)*4096
		if err := host.Map(va, va, 4096, archif.RegionFlags{Read: true, Write: true}); !err.OK() {
			return err
		}
	}
	for i := 0; i < 4; i++ {
		va := base + uintptr(i)*4096
		if err := host.Unmap(va, 4096); !err.OK() {
			return err
		}
	}
	if err := host.Map(base, base, 1<<21, archif.RegionFlags{Read: true, Write: true}); !err.OK() {
		return err
	}
	pa, err := host.Va2Pa(base + 0x1234)
	if !err.OK() {
		return err
	}
	fmt.Printf("2MiB region installed, va+0x1234 -> pa %#x\n", pa)
	return nil
}

func scenarioFault() error {
	mmu := archif.RV64{}
	pool := pgpool.New(mmu, 0xa000_0000, 16)
	root, err := pool.Alloc(archif.Stage2)
	if !err.OK() {
		return err
	}
	pool.MarkRoot(root)
	engine := pgtbl.New(mmu, pool)

	romPage := archif.Page{IA: 0x3000, OA: 0x3000, Size: 4096, Flags: archif.Flags{Read: true, Write: false}}
	if err := engine.MapPage(root, romPage); !err.OK() {
		return err
	}

	gpm := fakeGPM{regions: []walker.Region{
		{GPA: 0x3000, Size: 4096, HostPA: 0x3000, Kind: walker.KindROM, Flags: archif.RegionFlags{Read: true}},
	}}
	_, _, _, faultErr := walker.Nostage(gpm, 0x3000, walker.AccessWrite)
	if faultErr.Kind != errs.Fault {
		return fmt.Errorf("expected Fault writing to ROM, got %v", faultErr)
	}
	fmt.Println("write to ROM region correctly faulted")
	return nil
}

type fakeGPM struct{ regions []walker.Region }

func (g fakeGPM) Lookup(gpa uintptr) (walker.Region, bool) {
	for _, r := range g.regions {
		if gpa >= r.GPA && gpa < r.GPA+r.Size {
			return r, true
		}
	}
	return walker.Region{}, false
}

func (g fakeGPM) ReadWord(hostPA uintptr) (uint64, errs.Err_t) {
	return 0, errs.NotSupportedErr()
}

func scenarioVTLBEvict() error {
	mmu := archif.RV64{}
	pool := pgpool.New(mmu, 0x9500_0000, 16)
	root, err := pool.Alloc(archif.Stage1)
	if !err.OK() {
		return err
	}
	pool.MarkRoot(root)
	engine := pgtbl.New(mmu, pool)
	tlb := vtlb.New(engine, root, 1, 1)

	first := archif.Page{IA: 0x1000, OA: 0x1000, Size: 4096, Flags: archif.Flags{Read: true, Global: true}}
	second := archif.Page{IA: 0x2000, OA: 0x2000, Size: 4096, Flags: archif.Flags{Read: true}}
	if err := tlb.Update(first); !err.OK() {
		return err
	}
	if err := tlb.Update(second); !err.OK() {
		return err
	}
	if _, err := engine.GetPage(root, 0x1000); err.Kind != errs.NotFound {
		return fmt.Errorf("expected the single-way line to have evicted the first mapping")
	}
	fmt.Println(diag.VTLBReport(tlb))
	return nil
}

func scenarioSWTLBEvict() error {
	mmu := archif.RV64{}
	pool := pgpool.New(mmu, 0x9000_0000, 16)
	root, err := pool.Alloc(archif.Stage2)
	if !err.OK() {
		return err
	}
	pool.MarkRoot(root)
	engine := pgtbl.New(mmu, pool)
	sw := swtlb.New(engine, root, 2)

	for i := 0; i < 3; i++ {
		gpa := archif.Page{IA: uintptr(i) * 4096, Size: 4096, Flags: archif.Flags{Read: true}}
		shadow := archif.Page{IA: uintptr(i) * 4096, OA: uintptr(i) * 4096, Size: 4096, Flags: archif.Flags{Read: true}}
		if err := sw.Insert(false, gpa, shadow, archif.RegionFlags{Read: true}); !err.OK() {
			return err
		}
	}
	if _, hit := sw.Lookup(false, 0); hit {
		return fmt.Errorf("expected slot 0 evicted out of a 2-way cache after 3 inserts")
	}
	fmt.Println("swtlb evicted the oldest entry safely (no dangling shadow mapping)")
	return nil
}

func scenarioHFenceVMID() error {
	const vmidShift = 44
	const vmidMask = uint64(0x3FFF) << vmidShift

	mmu := archif.RV64{}
	pool := pgpool.New(mmu, 0x8000_0000, 16)
	root, err := pool.Alloc(archif.Stage2)
	if !err.OK() {
		return err
	}
	pool.MarkRoot(root)
	engine := pgtbl.New(mmu, pool)
	sw := swtlb.New(engine, root, 4)
	v := nested.New(mmu, sw, nullTimer{}, &nullHost{})

	v.HextCSRRmw(nested.Hgatp, uint64(5)<<vmidShift, vmidMask, nested.AccessHost)

	gpa := archif.Page{IA: 0x5000, Size: 4096, Flags: archif.Flags{Read: true}}
	shadow := archif.Page{IA: 0x5000, OA: 0x5000, Size: 4096, Flags: archif.Flags{Read: true}}
	if err := sw.Insert(false, gpa, shadow, archif.RegionFlags{Read: true}); !err.OK() {
		return err
	}

	if err := v.HFenceGVMA(0x5000, true, 7, true); !err.OK() {
		return err
	}
	if _, hit := sw.Lookup(false, 0x5000); !hit {
		return fmt.Errorf("hfence.gvma for VMID 7 evicted an entry cached under VMID 5")
	}
	fmt.Println("hfence.gvma with a mismatched VMID left VMID 5's cached entry untouched")

	if err := v.HFenceGVMA(0x5000, true, 5, true); !err.OK() {
		return err
	}
	if _, hit := sw.Lookup(false, 0x5000); hit {
		return fmt.Errorf("hfence.gvma for the current VMID should have evicted the entry")
	}
	fmt.Println("hfence.gvma for the current VMID correctly evicted the cached entry")
	return nil
}

type nullTimer struct{}

func (nullTimer) SetVSTimecmp(uint64) {}
func (nullTimer) SetTimeDelta(uint64) {}

type nullHost struct{ hstatus uint64 }

func (h *nullHost) SwapHstatus(v uint64) uint64 { old := h.hstatus; h.hstatus = v; return old }
func (h *nullHost) SetTrapSRET(bool)            {}

func scenarioAutoswap() error {
	mmu := archif.RV64{}
	pool := pgpool.New(mmu, 0x7000_0000, 16)
	root, err := pool.Alloc(archif.Stage2)
	if !err.OK() {
		return err
	}
	pool.MarkRoot(root)
	engine := pgtbl.New(mmu, pool)
	sw := swtlb.New(engine, root, 2)
	host := &nullHost{}
	v := nested.New(mmu, sw, nullTimer{}, host)

	shared := nested.NewSharedMemory()
	shared.SetAutoswapHstatus(0xCAFE)
	// The autoswap record is the page's last 16 bytes: a little-endian
	// flags word, then the hstatus slot. Enable the hstatus swap.
	shared.Bytes()[nested.Size()-16] = byte(nested.AutoswapHstatus)
	v.SetSharedMemory(shared)

	gprs := make([]uint64, 32)
	if err := v.PrepSRET(gprs); !err.OK() {
		return err
	}
	fmt.Println(diag.Dump(v.Bundle()))
	fmt.Printf("host hstatus after autoswap: %#x\n", host.hstatus)
	return nil
}
