// Package errs is the unified error enumeration shared by every public
// boundary of the nested memory-management core. It follows biscuit's
// defs.Err_t convention (a value where the zero value means success) but
// widens it from a bare error code into a small sum type so a
// "Redirect" carrying a populated Trap can flow back to a caller without
// being mistaken for an ordinary failure.
package errs

import "fmt"

// Kind names one of the error classes from spec §7. The zero Kind, OK,
// is not an error: callers test err.OK() the way biscuit tests
// `err != 0`.
type Kind int

const (
	OK Kind = iota
	Invalid
	Fault
	NoMemory
	NotSupported
	Io
	AlreadyExists
	NotFound
	Redirect
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "ok"
	case Invalid:
		return "invalid"
	case Fault:
		return "fault"
	case NoMemory:
		return "nomemory"
	case NotSupported:
		return "notsupported"
	case Io:
		return "io"
	case AlreadyExists:
		return "alreadyexists"
	case NotFound:
		return "notfound"
	case Redirect:
		return "redirect"
	default:
		return "unknown"
	}
}

// Trap is the fault descriptor the nested walker hands back to its
// caller when a guest access must be redirected to the virtual
// hypervisor instead of failed outright (spec §4.F, §7).
type Trap struct {
	Epc    uint64 // original program counter at the faulting instruction
	Scause uint64 // computed cause (load/store/fetch [guest-]page-fault, ...)
	Stval  uint64 // faulting guest virtual address (the gpa itself when no virtual address is involved)
	Htval  uint64 // faulting guest-physical address >> 2
	Htinst uint64 // transformed instruction, passed through unchanged from hardware traps
}

// Err_t is returned by every public operation in this module in place of
// a bare `error`. The zero value (Kind == OK) means success.
type Err_t struct {
	Kind Kind
	Trap *Trap
}

// OK reports whether e represents success.
func (e Err_t) OK() bool { return e.Kind == OK }

// Error implements the error interface so Err_t can also be used
// wherever idiomatic Go code expects one (table-driven tests, fmt
// verbs, wrapping). A zero-value Err_t renders as "ok" rather than
// panicking or returning an empty string, since callers occasionally
// format an Err_t before checking OK().
func (e Err_t) Error() string {
	if e.Kind == Redirect && e.Trap != nil {
		return fmt.Sprintf("redirect: scause=%#x stval=%#x htval=%#x", e.Trap.Scause, e.Trap.Stval, e.Trap.Htval)
	}
	return e.Kind.String()
}

// New builds a non-redirect Err_t of the given kind.
func New(k Kind) Err_t {
	if k == Redirect {
		panic("errs.New: use Redir for Redirect")
	}
	return Err_t{Kind: k}
}

// Redir builds a Redirect Err_t carrying trap.
func Redir(trap Trap) Err_t {
	t := trap
	return Err_t{Kind: Redirect, Trap: &t}
}

// Convenience constructors mirroring the §7 table.
func InvalidErr() Err_t      { return New(Invalid) }
func FaultErr() Err_t        { return New(Fault) }
func NoMemoryErr() Err_t     { return New(NoMemory) }
func NotSupportedErr() Err_t { return New(NotSupported) }
func IoErr() Err_t           { return New(Io) }
func AlreadyExistsErr() Err_t { return New(AlreadyExists) }
func NotFoundErr() Err_t     { return New(NotFound) }
