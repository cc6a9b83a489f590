package aot

import (
	"debug/elf"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/pooh64/rv32dbt/internal/logging"
	"github.com/pooh64/rv32dbt/internal/tcache"
)

var loadLog = logging.Named("aot")

// Loaded describes an AOT object mapped into this process: every
// compiled block's host code address, ready to install straight into a
// tcache.Cache's guest-IP map without retranslating.
type Loaded struct {
	Blocks map[uint32]uintptr // guest IP -> host code address
}

// Load maps soPath's PT_LOAD segments into this process (a small
// hand-rolled loader in the same spirit as internal/elfload, since a
// JIT-generated .so is not something cgo's dlopen needs to be involved
// in), reads its .aottab section, repatches every ModeAOT relocation
// site with this process's current trampoline addresses, and returns
// the guest-IP -> host-address map. Callers typically feed the result
// straight into InstallAll.
func Load(soPath string) (*Loaded, error) {
	f, err := elf.Open(soPath)
	if err != nil {
		return nil, fmt.Errorf("aot: open %s: %w", soPath, err)
	}
	defer f.Close()

	lo, hi := ^uint64(0), uint64(0)
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if p.Vaddr < lo {
			lo = p.Vaddr
		}
		if p.Vaddr+p.Memsz > hi {
			hi = p.Vaddr + p.Memsz
		}
	}
	if hi <= lo {
		return nil, fmt.Errorf("aot: %s has no PT_LOAD segments", soPath)
	}
	span := int(hi - lo)

	reserve, err := unix.Mmap(-1, 0, span, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("aot: reserve %d bytes: %w", span, err)
	}
	base := uintptr(unsafe.Pointer(&reserve[0]))

	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		host := base + uintptr(p.Vaddr-lo)
		data := make([]byte, p.Filesz)
		if _, err := p.ReadAt(data, 0); err != nil {
			return nil, fmt.Errorf("aot: read segment: %w", err)
		}
		if _, _, errno := unix.Syscall6(unix.SYS_MMAP, host, uintptr(p.Memsz),
			uintptr(unix.PROT_READ|unix.PROT_WRITE),
			uintptr(unix.MAP_FIXED|unix.MAP_PRIVATE|unix.MAP_ANON), ^uintptr(0), 0); errno != 0 {
			return nil, fmt.Errorf("aot: map_fixed segment: %w", errno)
		}
		copy(unsafe.Slice((*byte)(unsafe.Pointer(host)), p.Memsz), data)
	}

	symTabSym, err := findAOTTabSymbol(f)
	if err != nil {
		return nil, err
	}
	aotSec := f.Section(".aot")
	if aotSec == nil {
		return nil, fmt.Errorf("aot: %s has no .aot section", soPath)
	}
	aotHost := base + uintptr(aotSec.Addr-lo)

	tabSec := f.Sections[symTabSym.Section]
	raw, err := tabSec.Data()
	if err != nil {
		return nil, fmt.Errorf("aot: read .aottab: %w", err)
	}
	syms, relocs := decodeAOTTab(raw)

	exitAddr := tcache.ExitTrampolineAddr()
	hcallAddr := tcache.HostcallTrampolineAddr()
	linkBranchAddr := tcache.LinkBranchStubAddr()
	brindAddr := tcache.BrindHelperAddr()
	for _, r := range relocs {
		var addr uint64
		switch r.Kind {
		case relocExitTrampoline:
			addr = uint64(exitAddr)
		case relocHostcallTrampoline:
			addr = uint64(hcallAddr)
		case relocLinkBranchStub:
			addr = uint64(linkBranchAddr)
		case relocBrindHelper:
			addr = uint64(brindAddr)
		default:
			return nil, fmt.Errorf("aot: unknown reloc kind %d", r.Kind)
		}
		*(*uint64)(unsafe.Pointer(aotHost + uintptr(r.Offset))) = addr
	}

	if err := unix.Mprotect(unsafe.Slice((*byte)(unsafe.Pointer(aotHost)), aotSec.Size),
		unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return nil, fmt.Errorf("aot: mprotect .aot executable: %w", err)
	}

	blocks := make(map[uint32]uintptr, len(syms))
	for _, s := range syms {
		blocks[s.GuestIP] = base + uintptr(uint64(s.Offset)-lo) // Offset holds the linked vaddr after FixupAOTTab
	}
	loadLog.Printf("loaded %s: %d block(s), %d reloc(s)", soPath, len(blocks), len(relocs))
	return &Loaded{Blocks: blocks}, nil
}

// relocExitTrampoline/relocHostcallTrampoline/relocLinkBranchStub/
// relocBrindHelper mirror internal/codegen.RelocExitTrampoline and
// friends; kept as untyped local aliases rather than importing
// internal/codegen just for four constants used only as a switch key
// here.
const (
	relocExitTrampoline     = 0
	relocHostcallTrampoline = 1
	relocLinkBranchStub     = 2
	relocBrindHelper        = 3
)

// RelocKind is a local alias so the switch above reads naturally; it
// intentionally does not import internal/codegen.RelocKind.
type RelocKind = uint8

func findAOTTabSymbol(f *elf.File) (elf.Symbol, error) {
	syms, err := f.Symbols()
	if err != nil {
		return elf.Symbol{}, fmt.Errorf("aot: read symbols: %w", err)
	}
	for _, s := range syms {
		if s.Name == "_aot_tab" {
			return s, nil
		}
	}
	return elf.Symbol{}, fmt.Errorf("aot: no _aot_tab symbol")
}

// InstallAll registers every block a Loaded object provides directly
// into cache's guest-IP map, short-circuiting translation entirely for
// any guest IP ukernel.Execute subsequently looks up.
func InstallAll(cache *tcache.Cache, loaded *Loaded) {
	for ip, host := range loaded.Blocks {
		cache.InstallPrecompiled(ip, host)
	}
}
