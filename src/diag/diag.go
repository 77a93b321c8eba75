// Package diag is the inspection/profiling surface of the nested
// memory-management core: CSR dumps and pool/TLB occupancy reports
// (cpu_vcpu_nested_dump_regs and mem.Pgcount-style accounting,
// rendered with golang.org/x/text/message), a CPU/heap profiling
// toggle over the page-table engine (github.com/google/pprof, mirroring
// the teacher's own dependency on it), and an interactive register/TLB
// REPL (golang.org/x/term, grounded on smoynes-elsie's tty.Console).
package diag

import (
	"fmt"
	"io"
	"os"
	"runtime/pprof"
	"strings"

	"github.com/google/pprof/profile"
	"golang.org/x/term"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"hostmap"
	"nested"
	"pgpool"
	"vtlb"
)

var printer = message.NewPrinter(language.English)

// Dump renders one VCPU's CSR bundle as a fixed-width hex table,
// mirroring cpu_vcpu_nested_dump_regs.
func Dump(b nested.Bundle) string {
	var sb strings.Builder
	printer.Fprintf(&sb, "virt=%v enters=%d exits=%d\n", b.VirtOn(), b.EnterCount(), b.ExitCount())
	for _, csr := range nested.NestedSyncCSRs {
		printer.Fprintf(&sb, "  %-10s %#018x\n", csrName(csr), b.Get(csr))
	}
	return sb.String()
}

// csrName maps a CSR enumerant to its register mnemonic for Dump's
// output. nested.CSR doesn't carry a Stringer of its own since the
// mnemonic is purely a diagnostics-layer concern.
func csrName(c nested.CSR) string {
	names := [...]string{
		"hstatus", "hedeleg", "hideleg", "hvip", "hie", "hip", "hgeip",
		"hgeie", "hcounteren", "htimedelta", "htval", "htinst", "hgatp",
		"henvcfg", "hvictl", "vsstatus", "vsie", "vstvec", "vsscratch",
		"vsepc", "vscause", "vstval", "vsatp", "vstimecmp",
	}
	if int(c) < 0 || int(c) >= len(names) {
		return "csr?"
	}
	return names[c]
}

// PoolReport renders a frame pool's occupancy as an aligned table.
func PoolReport(label string, s pgpool.Stats) string {
	var sb strings.Builder
	printer.Fprintf(&sb, "%s: total=%d free=%d inuse=%d roots=%d runtime=%d\n",
		label, s.Total, s.Free, s.InUse, s.Roots, s.Runtime)
	return sb.String()
}

// HostReport renders the hypervisor's own root frame pool occupancy.
func HostReport(h *hostmap.Host) string {
	return PoolReport("host", h.Stats())
}

// VTLBReport renders a virtual TLB's current line/way occupancy.
func VTLBReport(v *vtlb.VTLB) string {
	lines, ways, used := v.Occupancy()
	return printer.Sprintf("vtlb: lines=%d ways=%d used=%d\n", lines, ways, used)
}

// Profiler toggles CPU/heap profiling of the page-table engine under
// load, mirroring the teacher's own use of google/pprof for the real
// kernel build. Start/Stop wrap runtime/pprof; Summarize decodes the
// captured profile with google/pprof/profile to report sample counts
// without shelling out to the pprof tool.
type Profiler struct {
	cpuFile *os.File
}

// StartCPU begins CPU profiling into path, truncating any existing
// file.
func (p *Profiler) StartCPU(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return err
	}
	p.cpuFile = f
	return nil
}

// StopCPU ends CPU profiling and closes the underlying file.
func (p *Profiler) StopCPU() error {
	pprof.StopCPUProfile()
	if p.cpuFile == nil {
		return nil
	}
	err := p.cpuFile.Close()
	p.cpuFile = nil
	return err
}

// WriteHeap snapshots the current heap profile to path.
func WriteHeap(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return pprof.WriteHeapProfile(f)
}

// Summarize decodes a pprof-format profile (as written by StartCPU or
// WriteHeap) and reports its sample count and total value per sample
// type, for a quick health check without the full pprof tool.
func Summarize(r io.Reader) (string, error) {
	prof, err := profile.Parse(r)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	printer.Fprintf(&sb, "samples=%d duration=%dns\n", len(prof.Sample), prof.DurationNanos)
	for _, st := range prof.SampleType {
		printer.Fprintf(&sb, "  sample type: %s (%s)\n", st.Type, st.Unit)
	}
	return sb.String(), nil
}

// Console is an interactive inspection REPL over a VCPU's CSR state
// and the hypervisor's pool/TLB occupancy, grounded on smoynes-elsie's
// tty.Console use of golang.org/x/term.
type Console struct {
	term *term.Terminal
	fd   int
}

// NewConsole wraps in/out as an interactive terminal, putting fd (the
// file descriptor backing in) into raw mode. Restore must be called
// before the process exits.
func NewConsole(fd int, in io.Reader, out io.Writer) (*Console, func() error, error) {
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, func() error { return nil }, err
	}
	w, _, err := term.GetSize(fd)
	if err != nil {
		w = 80
	}
	t := term.NewTerminal(readWriter{in, out}, "nvmmctl> ")
	t.SetSize(w, 24)
	c := &Console{term: t, fd: fd}
	restore := func() error { return term.Restore(fd, oldState) }
	return c, restore, nil
}

type readWriter struct {
	io.Reader
	io.Writer
}

// ReadLine blocks for one line of REPL input.
func (c *Console) ReadLine() (string, error) { return c.term.ReadLine() }

// Printf writes a formatted line to the console.
func (c *Console) Printf(format string, args ...any) {
	fmt.Fprintf(c.term, format, args...)
}
