package diag

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/pprof/profile"

	"archif"
	"hostmap"
	"nested"
	"pgpool"
	"pgtbl"
	"swtlb"
	"vtlb"
)

func TestDumpRendersCSRNames(t *testing.T) {
	mmu := archif.RV64{}
	pool := pgpool.New(mmu, 0xf000_0000, 4)
	root, _ := pool.Alloc(archif.Stage2)
	pool.MarkRoot(root)
	engine := pgtbl.New(mmu, pool)
	sw := swtlb.New(engine, root, 2)
	v := nested.New(mmu, sw, noopTimer{}, noopHost{})
	v.HextCSRRmw(nested.Hvip, 0x7, ^uint64(0), nested.AccessHost)

	out := Dump(v.Bundle())
	if !strings.Contains(out, "hvip") {
		t.Fatalf("Dump output missing hvip: %q", out)
	}
	if !strings.Contains(out, "virt=false") {
		t.Fatalf("Dump output missing virt state: %q", out)
	}
}

type noopTimer struct{}

func (noopTimer) SetVSTimecmp(uint64) {}
func (noopTimer) SetTimeDelta(uint64) {}

type noopHost struct{}

func (noopHost) SwapHstatus(uint64) uint64 { return 0 }
func (noopHost) SetTrapSRET(bool)          {}

func TestPoolReportAndHostReport(t *testing.T) {
	mmu := archif.RV64{}
	pool := pgpool.New(mmu, 0xd000_0000, 8)
	host, err := hostmap.New(mmu, pool)
	if !err.OK() {
		t.Fatalf("hostmap.New: %v", err)
	}

	out := HostReport(host)
	if !strings.Contains(out, "host:") {
		t.Fatalf("HostReport missing label: %q", out)
	}
	if !strings.Contains(out, "total=8") {
		t.Fatalf("HostReport missing total: %q", out)
	}
}

func TestVTLBReport(t *testing.T) {
	mmu := archif.RV64{}
	pool := pgpool.New(mmu, 0xc000_0000, 4)
	root, _ := pool.Alloc(archif.Stage1)
	pool.MarkRoot(root)
	engine := pgtbl.New(mmu, pool)
	tlb := vtlb.New(engine, root, 2, 2)

	out := VTLBReport(tlb)
	if !strings.Contains(out, "lines=2") || !strings.Contains(out, "ways=2") {
		t.Fatalf("VTLBReport = %q, want lines=2 ways=2", out)
	}
}

func TestSummarizeDecodesProfile(t *testing.T) {
	p := &profile.Profile{
		SampleType:    []*profile.ValueType{{Type: "cpu", Unit: "nanoseconds"}},
		DurationNanos: 1000,
	}
	var buf bytes.Buffer
	if err := p.Write(&buf); err != nil {
		t.Fatalf("profile.Write: %v", err)
	}

	out, err := Summarize(&buf)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if !strings.Contains(out, "cpu") {
		t.Fatalf("Summarize output missing sample type: %q", out)
	}
}
