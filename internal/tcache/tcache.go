// Package tcache implements the JIT code cache and dispatch machinery:
// a guest-IP-keyed translation block map, a fixed-size direct-mapped
// indirect-branch jump cache, branch-slot linking, and the host/guest
// entry trampoline. This is the Go recast of
// original_source/dbt/qjit/qjit.cpp's QuickJIT/tcache/trampoline
// machinery, adapted from asmjit-generated code to this repo's own
// internal/codegen byte emitter plus a hand-written Go-asm entry point
// (dispatch_amd64.s) for the one call Go source cannot express:
// jumping into a raw, GC-invisible byte arena and returning from it.
package tcache

import (
	"fmt"
	"unsafe"

	"github.com/pooh64/rv32dbt/internal/arena"
	"github.com/pooh64/rv32dbt/internal/codegen"
	"github.com/pooh64/rv32dbt/internal/cpu"
	"github.com/pooh64/rv32dbt/internal/logging"
	"github.com/pooh64/rv32dbt/internal/qir"
	"github.com/pooh64/rv32dbt/internal/regalloc"
	"github.com/pooh64/rv32dbt/internal/rv32"
)

var log = logging.Named("tcache")

// TB describes one installed translation block.
type TB struct {
	GuestIP uint32
	Code    uintptr // host address of the block's first instruction
	Size    int
}

// CodeArenaSize is the JIT code cache's total capacity; exhaustion is a
// fatal host resource error, matching the original's fixed-size
// translation cache with no compaction.
const CodeArenaSize = 256 << 20

// jumpCacheOffset is cpu.State.JumpCache's byte offset, computed the
// same way internal/aot's stubTabOffset computes StubTab's; wired into
// every Emitter so the inline gbrind probe can address the table at a
// STATE-relative displacement.
var jumpCacheOffset = func() int32 {
	var zero cpu.State
	base := uintptr(unsafe.Pointer(&zero))
	return int32(uintptr(unsafe.Pointer(&zero.JumpCache)) - base)
}()

// Cache owns the code arena, the guest-IP -> TB map, and the fixed-size
// jump cache mirrored into cpu.State.JumpCache for inline probing by
// generated code.
type Cache struct {
	arena *arena.Arena
	tbs   map[uint32]*TB

	// exitTrampolineAddr is the address of tbExitTrampoline
	// (dispatch_amd64.s): the link-branch stub and the brind helper both
	// fall back to it when the target guest IP has no installed TB yet.
	exitTrampolineAddr uintptr

	// linkBranchStubAddr/brindHelperAddr are the default call target of
	// every freshly emitted Unlinked branch slot, and the helper a
	// gbrind jump-cache miss calls, respectively (dispatch_amd64.s).
	linkBranchStubAddr uintptr
	brindHelperAddr    uintptr

	state *cpu.State
}

// Init reserves the code cache arena and wires up the exit trampoline
// and host-call stub table, the Go recast of tcache::Init() plus
// QuickJIT's constructor.
func Init(state *cpu.State) (*Cache, error) {
	a := arena.New(CodeArenaSize)
	c := &Cache{
		arena:              a,
		tbs:                map[uint32]*TB{},
		exitTrampolineAddr: tbExitTrampolineAddr(),
		linkBranchStubAddr: linkBranchTrampolineAddr(),
		brindHelperAddr:    brindTrampolineAddr(),
		state:              state,
	}
	codegen.HcallTrampolineAddr = hostcallTrampolineAddr()
	activeCache = c
	for i := range state.StubTab {
		state.StubTab[i] = stubAddr(qir.StubID(i))
	}
	return c, nil
}

// Destroy releases the code cache arena. Debug builds call this before
// exit to exercise the teardown path; production exits the process
// without bothering, matching the original's comment that tcache
// destruction is "debug-only".
func (c *Cache) Destroy() error { return c.arena.Destroy() }

// Lookup returns the installed TB for guestIP, or nil if none exists
// yet (the caller must translate and Install one).
func (c *Cache) Lookup(guestIP uint32) *TB { return c.tbs[guestIP] }

// LookupUpperBound returns the guest IP of the nearest already-installed
// TB whose entry is > ip, or 0 if none, used by the AOT compiler to
// bound a translation unit at an already-covered instruction (the Go
// recast of tcache::LookupUpperBound in aot.cpp).
func (c *Cache) LookupUpperBound(ip uint32) (uint32, bool) {
	best := uint32(0)
	found := false
	for g := range c.tbs {
		if g > ip && (!found || g < best) {
			best, found = g, true
		}
	}
	return best, found
}

// Install compiles region (already translated by internal/rv32) through
// register allocation and the x86-64 emitter, copies the resulting
// bytes into the code arena, flips the arena executable, and records the
// TB in the guest-IP map and jump cache.
func (c *Cache) Install(region *qir.Region) (*TB, error) {
	entry := region.Blocks[0]
	if !entry.HasEntry {
		return nil, fmt.Errorf("tcache: region's first block has no entry IP")
	}

	ra := regalloc.New()
	statePReg := ra.AllocVRegFixed(-1000, qir.W64, regalloc.PRegR13)
	memPReg := ra.AllocVRegFixed(-1001, qir.W64, regalloc.PRegR12)
	_ = statePReg
	_ = memPReg
	for i, slot := range region.State {
		ra.AllocVRegGlob(int32(i), slot.Width, int32(i))
	}

	em := codegen.NewEmitter(region, ra, codegen.ModeJIT, codegen.PRegR13, codegen.PRegR12)
	em.ExitTrampoline = c.exitTrampolineAddr
	em.LinkBranchStub = c.linkBranchStubAddr
	em.BrindHelper = c.brindHelperAddr
	em.JumpCacheOffset = jumpCacheOffset
	em.ResolveStub = stubAddr

	code, err := em.EmitRegion()
	if err != nil {
		return nil, fmt.Errorf("tcache: emit for guest ip %#x: %w", entry.EntryIP, err)
	}

	dst := c.arena.Allocate(len(code), 16)
	copy(unsafe.Slice((*byte)(dst), len(code)), code)
	if err := c.arena.MakeExecutable(); err != nil {
		return nil, err
	}

	tb := &TB{GuestIP: entry.EntryIP, Code: uintptr(dst), Size: len(code)}
	c.tbs[entry.EntryIP] = tb
	c.updateJumpCache(tb)
	log.Printf("installed tb ip=%#x size=%d", entry.EntryIP, len(code))
	return tb, nil
}

// InstallPrecompiled registers an already-compiled-elsewhere block (the
// internal/aot loader's case: code mapped from a linked .so rather than
// emitted by this process's own Install) directly into the guest-IP map
// and jump cache, without running the emitter at all.
func (c *Cache) InstallPrecompiled(guestIP uint32, code uintptr) *TB {
	tb := &TB{GuestIP: guestIP, Code: code}
	c.tbs[guestIP] = tb
	c.updateJumpCache(tb)
	return tb
}

// ExitTrampolineAddr exposes this process's tbExitTrampoline address,
// needed by internal/aot's loader to repatch a loaded object's
// ModeAOT-relocatable call sites.
func ExitTrampolineAddr() uintptr { return tbExitTrampolineAddr() }

// HostcallTrampolineAddr exposes this process's hostcallTrampoline
// address for the same reason.
func HostcallTrampolineAddr() uintptr { return hostcallTrampolineAddr() }

// LinkBranchStubAddr exposes this process's linkBranchTrampoline
// address, needed by internal/aot's loader to repatch a loaded
// object's ModeAOT-relocatable gbr call sites.
func LinkBranchStubAddr() uintptr { return linkBranchTrampolineAddr() }

// BrindHelperAddr exposes this process's brindTrampoline address for
// the same reason, for gbrind miss call sites.
func BrindHelperAddr() uintptr { return brindTrampolineAddr() }

func (c *Cache) updateJumpCache(tb *TB) {
	idx := (tb.GuestIP / 4) % cpu.JumpCacheSize
	c.state.JumpCache[idx] = cpu.JumpCacheEntry{GuestIP: tb.GuestIP, HostCode: tb.Code}
}

// OnBrind is called by the brind helper (Brind, reached through
// brindTrampoline) when the inline jump-cache probe misses: it performs the
// full map lookup, updates the cache on a hit, and reports whether the
// target must still be translated from scratch.
func (c *Cache) OnBrind(guestIP uint32) (hostCode uintptr, ok bool) {
	tb, ok := c.tbs[guestIP]
	if !ok {
		return 0, false
	}
	c.updateJumpCache(tb)
	return tb.Code, true
}

// TranslateAndInstall translates the TB starting at entryIP using fetch
// and installs it, the common JIT-mode path taken whenever Lookup
// misses.
func (c *Cache) TranslateAndInstall(entryIP uint32, fetch rv32.FetchFunc) (*TB, error) {
	region := rv32.Translate(entryIP, 0, fetch)
	return c.Install(region)
}

// Enter transfers control to tb's code via the Go-asm entry trampoline,
// pinning state and state.MemBase into R13/R12 for the duration. It
// returns once generated code reaches a region-exit that could not be
// resolved inline (an Unlinked branch slot's call, or a brind miss),
// at which point the caller (internal/ukernel) inspects state.TrapCode
// and state.IP to decide what runs next.
func (c *Cache) Enter(state *cpu.State, tb *TB) {
	TraceEntry(state, tb)
	enterTB(uintptr(unsafe.Pointer(state)), state.MemBase, tb.Code)
}
