// Package arena implements a bump allocator over a single mmap'd slab.
//
// Its one user is the code cache (internal/tcache), whose arena pages are
// flipped to PROT_EXEC once a translation block's bytes are final. qir's
// Block/Inst/Region graphs are ordinary GC-managed Go values and do not
// use an arena.
package arena

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Arena is a fixed-size, never-resized bump allocator backed by an
// anonymous mmap region. It panics on exhaustion: callers size arenas
// for a worst-case translation unit or code cache and treat overflow as
// a fatal host resource error, matching the teacher's own "any backend
// allocation failure is fatal" posture in backend_x64.go.
type Arena struct {
	mem  []byte
	used int
	exec bool
}

// New reserves size bytes of read/write anonymous memory.
func New(size int) *Arena {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		panic(fmt.Sprintf("arena: mmap %d bytes: %v", size, err))
	}
	return &Arena{mem: mem}
}

// Allocate returns a pointer to a size-byte, align-aligned block cut from the arena.
// align must be a power of two.
func (a *Arena) Allocate(size, align int) unsafe.Pointer {
	if a.exec {
		panic("arena: allocate after MakeExecutable")
	}
	base := uintptr(unsafe.Pointer(&a.mem[0]))
	cur := base + uintptr(a.used)
	pad := int((align - int(cur)%align) % align)
	if a.used+pad+size > len(a.mem) {
		panic(fmt.Sprintf("arena: exhausted (%d/%d requested %d)", a.used, len(a.mem), size))
	}
	a.used += pad
	p := unsafe.Pointer(&a.mem[a.used])
	a.used += size
	return p
}

// Bytes returns the live prefix of the backing slab, for the code cache
// to fill with emitted machine code before MakeExecutable.
func (a *Arena) Bytes() []byte { return a.mem[:a.used] }

// Used reports the number of bytes allocated so far.
func (a *Arena) Used() int { return a.used }

// Cap reports the arena's total capacity.
func (a *Arena) Cap() int { return len(a.mem) }

// Base returns the arena's base address.
func (a *Arena) Base() uintptr { return uintptr(unsafe.Pointer(&a.mem[0])) }

// MakeExecutable flips the whole slab to R-X. Only the code cache arena
// calls this; QIR/regalloc arenas never do since their contents are never
// executed directly.
func (a *Arena) MakeExecutable() error {
	if err := unix.Mprotect(a.mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("arena: mprotect exec: %w", err)
	}
	a.exec = true
	return nil
}

// Reset rewinds the bump pointer without releasing the mapping, for
// arenas reused across translation units (e.g. a per-page AOT scratch
// arena).
func (a *Arena) Reset() { a.used = 0 }

// Destroy unmaps the backing slab. Callers must not use the arena
// afterward.
func (a *Arena) Destroy() error {
	return unix.Munmap(a.mem)
}
