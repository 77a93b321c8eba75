package vtlb

import (
	"testing"

	"archif"
	"pgpool"
	"pgtbl"
)

func newTestVTLB(t *testing.T, numLines, numWays int) (*VTLB, *pgtbl.Engine, int32) {
	t.Helper()
	mmu := archif.RV64{}
	pool := pgpool.New(mmu, 0xb000_0000, 64)
	root, err := pool.Alloc(archif.Stage1)
	if !err.OK() {
		t.Fatalf("Alloc root: %v", err)
	}
	pool.MarkRoot(root)
	engine := pgtbl.New(mmu, pool)
	return New(engine, root, numLines, numWays), engine, root
}

func page(ia, oa uintptr) archif.Page {
	return archif.Page{IA: ia, OA: oa, Size: 4096, Flags: archif.Flags{Valid: true, Read: true, Write: true}}
}

func TestUpdateInstallsShadowMapping(t *testing.T) {
	v, engine, root := newTestVTLB(t, 4, 2)
	p := page(0x1000, 0x9000)
	if err := v.Update(p); !err.OK() {
		t.Fatalf("Update: %v", err)
	}
	got, err := engine.GetPage(root, p.IA)
	if !err.OK() {
		t.Fatalf("GetPage: %v", err)
	}
	if got.OA != p.OA {
		t.Fatalf("shadow OA = %#x, want %#x", got.OA, p.OA)
	}
	if got.Flags.Global {
		t.Fatal("shadow mapping installed as global, want forced non-global")
	}
}

func TestUpdateEvictsRoundRobinVictim(t *testing.T) {
	// One line, one way: every Update to the same line must evict the
	// previous entry before installing the next.
	v, engine, root := newTestVTLB(t, 1, 1)
	first := page(0x1000, 0x9000)
	second := page(0x2000, 0xa000)

	if err := v.Update(first); !err.OK() {
		t.Fatalf("Update first: %v", err)
	}
	if err := v.Update(second); !err.OK() {
		t.Fatalf("Update second: %v", err)
	}
	if _, err := engine.GetPage(root, first.IA); err.OK() {
		t.Fatal("evicted entry's shadow mapping is still installed")
	}
	if _, err := engine.GetPage(root, second.IA); !err.OK() {
		t.Fatalf("surviving entry's shadow mapping missing: %v", err)
	}
}

func TestFlushVAOnlyTouchesOwnLine(t *testing.T) {
	v, engine, root := newTestVTLB(t, 4, 2)
	inLine := page(0x1000, 0x9000)
	otherLine := page(0x2000, 0xa000)
	if err := v.Update(inLine); !err.OK() {
		t.Fatalf("Update: %v", err)
	}
	if err := v.Update(otherLine); !err.OK() {
		t.Fatalf("Update: %v", err)
	}
	v.FlushVA(inLine.IA)
	if _, err := engine.GetPage(root, inLine.IA); err.OK() {
		t.Fatal("FlushVA left the shadow mapping installed")
	}
	if _, err := engine.GetPage(root, otherLine.IA); !err.OK() {
		t.Fatalf("FlushVA removed an entry from another line: %v", err)
	}
}

func TestFlushAllClearsEverything(t *testing.T) {
	v, engine, root := newTestVTLB(t, 2, 2)
	pages := []archif.Page{page(0x1000, 0x9000), page(0x2000, 0xa000), page(0x3000, 0xb000)}
	for _, p := range pages {
		if err := v.Update(p); !err.OK() {
			t.Fatalf("Update: %v", err)
		}
	}
	v.FlushAll()
	for _, p := range pages {
		if _, err := engine.GetPage(root, p.IA); err.OK() {
			t.Fatalf("FlushAll left %#x mapped", p.IA)
		}
	}
}

func TestFlushNonGlobalLeavesNothingValidSinceUpdateAlwaysForcesNonGlobal(t *testing.T) {
	v, engine, root := newTestVTLB(t, 4, 2)
	p := page(0x1000, 0x9000)
	p.Flags.Global = true
	if err := v.Update(p); !err.OK() {
		t.Fatalf("Update: %v", err)
	}
	v.FlushNonGlobal()
	if _, err := engine.GetPage(root, p.IA); err.OK() {
		t.Fatal("FlushNonGlobal did not evict an entry Update always marks non-global")
	}
}
