// Package hostsim stands in for the "reserved physical region"
// arch_cpu_aspace_primary_init carves out of boot memory: a single
// mmap(MAP_ANON) region that the page-table frame pool and guest/host
// "physical" memory both treat as host physical RAM, so the rest of
// this module runs as an ordinary host process instead of needing the
// bare-metal boot path this spec puts out of scope. Grounded on
// golang.org/x/sys/unix's unix.Mmap/unix.Munmap usage in the pack's
// hypervisor examples (tinyrange-cc's hv/kvm and hv/hvf backends,
// immunotec18-go-hypervisor's integration test).
package hostsim

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"errs"
)

// Arena is one mmap'd, page-aligned region of simulated host physical
// memory.
type Arena struct {
	mem []byte
}

// NewArena mmaps an anonymous, zeroed region of size bytes (rounded up
// by the kernel to a whole number of pages).
func NewArena(size int) (*Arena, errs.Err_t) {
	if size <= 0 {
		return nil, errs.InvalidErr()
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errs.IoErr()
	}
	return &Arena{mem: mem}, errs.Err_t{}
}

// Bytes exposes the arena's backing storage, for pgpool.WithArena and
// for installing guest-shared pages (package nested's SharedMemory).
func (a *Arena) Bytes() []byte { return a.mem }

// Base returns the arena's starting address in this host process,
// used as the simulated physical base that pgpool.New/WithArena index
// frames against.
func (a *Arena) Base() uintptr {
	if len(a.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&a.mem[0]))
}

// Size returns the arena's length in bytes.
func (a *Arena) Size() int { return len(a.mem) }

// Close unmaps the region. Callers must not touch Bytes()/Base() after
// calling Close.
func (a *Arena) Close() errs.Err_t {
	if a.mem == nil {
		return errs.Err_t{}
	}
	if err := unix.Munmap(a.mem); err != nil {
		return errs.IoErr()
	}
	a.mem = nil
	return errs.Err_t{}
}
