// Package mmu implements the guest MMU: a single large flat host
// reservation such that host = base + guest, with page-granularity
// map/protect operations. There is no page table and no fault handling;
// an access outside the reservation is undefined behavior exactly as in
// the C++ original (execute.h documents no memory-fault TrapCode), so
// this package never installs a SIGSEGV handler.
package mmu

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PageSize is the guest page granularity used both by map() and by the
// AOT profiler's per-page instruction bitmap.
const PageSize = 4096

// PageShift is log2(PageSize), exposed for callers that need to split a
// guest address into page index / page offset without a divide.
const PageShift = 12

// MMU owns the flat guest address space reservation.
type MMU struct {
	base uintptr
	size uintptr
}

// Init reserves size bytes of guest address space as a single anonymous,
// inaccessible mapping; guest segments are subsequently mapped into it
// with MapFixed.
func Init(size uintptr) (*MMU, error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmu: reserve %d bytes: %w", size, err)
	}
	return &MMU{base: uintptr(unsafe.Pointer(&mem[0])), size: size}, nil
}

// Destroy releases the whole reservation.
func (m *MMU) Destroy() error {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, m.base, m.size, 0)
	if errno != 0 {
		return fmt.Errorf("mmu: munmap: %w", errno)
	}
	return nil
}

// Base returns the host address corresponding to guest address 0; this
// is pinned into the MEMBASE physical register at TB entry and stored
// in cpu.State.MemBase.
func (m *MMU) Base() uintptr { return m.base }

// G2H translates a guest address to a host pointer.
func (m *MMU) G2H(guest uint32) uintptr { return m.base + uintptr(guest) }

// H2G translates a host pointer known to lie within the reservation
// back to a guest address.
func (m *MMU) H2G(host uintptr) uint32 { return uint32(host - m.base) }

// bytesAt views a host address range as a Go slice without copying.
func bytesAt(host uintptr, n uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(host)), n)
}

// MapFixed maps a guest-address-space segment at a fixed guest address,
// e.g. while loading ELF PT_LOAD segments (internal/elfload). The
// segment is mapped read-write, populated from data, then re-protected
// to prot.
func (m *MMU) MapFixed(guestAddr uint32, data []byte, prot int) error {
	n := uintptr(len(data))
	if n == 0 {
		return nil
	}
	host := m.G2H(guestAddr)
	_, _, errno := unix.Syscall6(unix.SYS_MMAP, host, n,
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(unix.MAP_FIXED|unix.MAP_PRIVATE|unix.MAP_ANON), ^uintptr(0), 0)
	if errno != 0 {
		return fmt.Errorf("mmu: map_fixed at guest %#x: %w", guestAddr, errno)
	}
	copy(bytesAt(host, n), data)
	if prot != unix.PROT_READ|unix.PROT_WRITE {
		if err := m.Protect(guestAddr, n, prot); err != nil {
			return err
		}
	}
	return nil
}

// Protect adjusts permissions on an already-mapped guest region, e.g.
// after relocation fixups on a PT_LOAD segment with a read-only final
// permission.
func (m *MMU) Protect(guestAddr uint32, length uintptr, prot int) error {
	host := m.G2H(guestAddr)
	_, _, errno := unix.Syscall(unix.SYS_MPROTECT, host, length, uintptr(prot))
	if errno != 0 {
		return fmt.Errorf("mmu: mprotect at guest %#x: %w", guestAddr, errno)
	}
	return nil
}
