// Package aot implements the profile-guided ahead-of-time compiler: it
// reads an internal/profile.Profile's hot pages, translates and
// register-allocates every executed instruction offset the same way the
// JIT does (internal/rv32, internal/regalloc, internal/codegen in
// ModeAOT), and links the result into a relocatable x86-64 ELF shared
// object a later run can load without retranslating. This is the Go
// recast of original_source/dbt/aot/aot.cpp's AOTCompileElf /
// FixupAOTTabSection, with elfio's incremental section builder replaced
// by this repo's own ELF64 object writer (elfobj.go, itself adapted
// from std/compiler/elf_x64.go) and the post-link symbol-resolution pass
// rewritten against stdlib debug/elf instead of hand-rolled section
// parsing.
package aot

import (
	"fmt"
	"os"
	"os/exec"
	"unsafe"

	"github.com/pooh64/rv32dbt/internal/codegen"
	"github.com/pooh64/rv32dbt/internal/cpu"
	"github.com/pooh64/rv32dbt/internal/logging"
	"github.com/pooh64/rv32dbt/internal/profile"
	"github.com/pooh64/rv32dbt/internal/qir"
	"github.com/pooh64/rv32dbt/internal/regalloc"
	"github.com/pooh64/rv32dbt/internal/rv32"
)

var log = logging.Named("aot")

// symPrefix names every compiled block's ELF symbol "_x<hex guest ip>",
// the spelling internal/aot/fixup.go and CompileElf's linker step both
// expect.
const symPrefix = "_x"

func symbolName(ip uint32) string { return fmt.Sprintf("%s%x", symPrefix, ip) }

// AOTSymbol is one entry of the .aottab lookup table baked into the
// compiled object: a guest IP and the byte offset of its code within
// the .aot section (not yet a final address — FixupAOTTab patches that
// in after linking resolves every _x<ip> symbol to a load address).
type AOTSymbol struct {
	GuestIP uint32
	Offset  uint32
}

// CompileOptions configures one AOT compilation run.
type CompileOptions struct {
	Fetch   rv32.FetchFunc
	MinHits int    // profile.Profile.HotPages threshold
	ObjPath string // where to write the intermediate .o
	SoPath  string // where `ld` should write the linked .so
	Linker  string // defaults to "ld" if empty

	// UpperBound bounds a translation range at the nearest already
	// translated guest IP above it, typically tcache.Cache.LookupUpperBound
	// from the JIT training run this compilation follows. Left nil, a
	// hot page's ranges are only clamped at the page boundary and at the
	// next page-local instruction offset profiling marked executed.
	UpperBound func(ip uint32) (uint32, bool)
}

// CompileElf drives the whole pipeline: translate every hot page's
// executed instructions, emit x86-64 code for each, write a relocatable
// object, invoke the system linker, then fix up the .aottab section with
// final addresses. Returns early with no error (and a log line) if prof
// has no hot pages, mirroring AOTCompileElf's "no profile data" bailout.
func CompileElf(prof *profile.Profile, opts CompileOptions) error {
	hot := prof.HotPages(opts.MinHits)
	if len(hot) == 0 {
		log.Printf("no hot pages, nothing to compile")
		return nil
	}
	log.Printf("compiling %d hot page(s)", len(hot))

	w := newObjectWriter()
	var symbols []AOTSymbol

	var relocs []AOTReloc
	for _, pageBase := range hot {
		bitmap := prof.ExecutedBitmap(pageBase)
		regions := rv32.TranslatePage(pageBase, bitmap, opts.Fetch, opts.UpperBound)
		for _, region := range regions {
			code, blockRelocs, err := compileRegion(region)
			if err != nil {
				return fmt.Errorf("aot: compile region at %#x: %w", region.Blocks[0].EntryIP, err)
			}
			ip := region.Blocks[0].EntryIP
			offset := uint32(len(w.code))
			w.addCode(code)
			w.addSymbol(symbolName(ip), 1, uint64(offset), uint64(len(code)))
			symbols = append(symbols, AOTSymbol{GuestIP: ip, Offset: offset})
			for _, r := range blockRelocs {
				relocs = append(relocs, AOTReloc{Offset: offset + uint32(r.Offset), Kind: uint8(r.Kind)})
			}
		}
	}

	w.aottab = encodeAOTTab(symbols, relocs)
	w.addSymbol("_aot_tab", 2, 0, uint64(len(w.aottab)))

	obj := w.build()
	if err := os.WriteFile(opts.ObjPath, obj, 0o644); err != nil {
		return fmt.Errorf("aot: write object: %w", err)
	}

	linker := opts.Linker
	if linker == "" {
		linker = "ld"
	}
	cmd := exec.Command(linker, "-z", "relro", "--hash-style=gnu", "-m", "elf_x86_64",
		"-shared", "-o", opts.SoPath, opts.ObjPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("aot: link %s: %w: %s", linker, err, out)
	}

	if err := FixupAOTTab(opts.SoPath); err != nil {
		return fmt.Errorf("aot: fixup: %w", err)
	}
	log.Printf("wrote %s (%d symbols)", opts.SoPath, len(symbols))
	return nil
}

// compileRegion runs one region through register allocation and the
// ModeAOT emitter. AOT code addresses STATE/MEMBASE the same way JIT
// code does (both are passed in R13/R12 by the entry trampoline,
// regardless of whether the TB came from tcache.Install or
// internal/aot's loader). em.StubTabOffset is wired in for a future
// StubTab-relative hcall lowering (see DESIGN.md); today emitHcall
// still addresses the hostcall trampoline directly and relies on
// em.Relocs to repatch that address at load time instead.
func compileRegion(region *qir.Region) (code []byte, relocs []codegen.Reloc, err error) {
	ra := regalloc.New()
	ra.AllocVRegFixed(-1000, qir.W64, regalloc.PRegR13)
	ra.AllocVRegFixed(-1001, qir.W64, regalloc.PRegR12)
	for i, slot := range region.State {
		ra.AllocVRegGlob(int32(i), slot.Width, int32(i))
	}

	em := codegen.NewEmitter(region, ra, codegen.ModeAOT, codegen.PRegR13, codegen.PRegR12)
	em.StubTabOffset = stubTabOffset
	em.JumpCacheOffset = jumpCacheOffset
	// em.ExitTrampoline/LinkBranchStub/BrindHelper are left at their zero
	// value: these trampoline addresses are process-specific (ASLR'd Go
	// runtime code) and recordReloc captures the immediate's byte offset
	// regardless of the placeholder baked here, so the loader (loader.go)
	// repatches the real addresses in at load time instead.
	code, err = em.EmitRegion()
	return code, em.Relocs, err
}

// stubTabOffset/jumpCacheOffset are cpu.State.StubTab/JumpCache's byte
// offsets, computed the same way internal/rv32.StateInfo computes every
// other state-slot offset.
var stubTabOffset = func() int32 {
	var zero cpu.State
	base := uintptr(unsafe.Pointer(&zero))
	return int32(uintptr(unsafe.Pointer(&zero.StubTab)) - base)
}()

var jumpCacheOffset = func() int32 {
	var zero cpu.State
	base := uintptr(unsafe.Pointer(&zero))
	return int32(uintptr(unsafe.Pointer(&zero.JumpCache)) - base)
}()
