// Package regalloc implements the linear-scan-style, block-local
// register allocator the code generator drives one instruction at a
// time: it tracks where each virtual register currently lives (a
// physical register, a spill slot, or nowhere) and lazily assigns stack
// frame slots, the Go recast of original_source/dbt/regalloc.h and
// regalloc.cpp's RegAlloc class.
package regalloc

import (
	"fmt"

	"github.com/pooh64/rv32dbt/internal/qir"
)

// NumPRegs is the number of allocatable x86-64 GPRs this target uses
// (all 16 general registers; RSP/RBP are reserved by the frame and never
// enter the pool — see Fixed below).
const NumPRegs = 16

// x86-64 physical register indices, in the encoding's natural numbering
// (0=RAX .. 15=R15); STATE and MEMBASE are pinned to fixed pregs outside
// this numbering's general pool by AllocVRegFixed.
const (
	PRegAX = iota
	PRegCX
	PRegDX
	PRegBX
	PRegSP
	PRegBP
	PRegSI
	PRegDI
	PRegR8
	PRegR9
	PRegR10
	PRegR11
	PRegR12 // MEMBASE
	PRegR13 // STATE
	PRegR14
	PRegR15
)

// Mask is a 16-bit set of physical registers.
type Mask uint16

func (m Mask) Test(p int) bool  { return m&(1<<uint(p)) != 0 }
func (m *Mask) Set(p int)       { *m |= 1 << uint(p) }
func (m *Mask) Clear(p int)     { *m &^= 1 << uint(p) }
func (m Mask) Any() bool        { return m != 0 }
func (m Mask) Lowest() int {
	for i := 0; i < NumPRegs; i++ {
		if m.Test(i) {
			return i
		}
	}
	return -1
}

// PRegsCallClobber is the System V AMD64 caller-saved set, spilled
// before any helper call by CallOp.
var PRegsCallClobber = func() Mask {
	var m Mask
	for _, p := range []int{PRegAX, PRegDI, PRegSI, PRegDX, PRegCX, PRegR8, PRegR9, PRegR10, PRegR11} {
		m.Set(p)
	}
	return m
}()

// Scope classifies how long a virtual register's value must remain
// valid: BB-scope values die at the end of the block that defines them
// (an allocator invariant BBEnd asserts), TB-scope and Global-scope
// values survive across blocks within one translation block, and Fixed
// registers (STATE, MEMBASE, the frame base) are pinned for the whole
// TB and never spilled.
type Scope uint8

const (
	ScopeBB Scope = iota
	ScopeTB
	ScopeGlobal
	ScopeFixed
)

// Loc is where a virtual register's current value lives.
type Loc uint8

const (
	LocDead Loc = iota
	LocMem
	LocReg
)

// VReg tracks one virtual register's allocation state.
type VReg struct {
	ID    int32
	Width qir.Width
	Scope Scope

	loc         Loc
	preg        int
	spillOffs   int32 // -1 until AllocFrameSlot assigns one
	spillSynced bool  // memory copy is up to date with the register copy
	globalSlot  int32 // state-table slot, valid when Scope == ScopeGlobal
}

func (v *VReg) GetPReg() int   { return v.preg }
func (v *VReg) GetSpill() int32 { return v.spillOffs }
func (v *VReg) Loc() Loc       { return v.loc }

// FrameSize is the fixed scratch frame every translation block reserves
// in its own prologue (internal/codegen.Emitter.EmitRegion), matching the
// original's static_assert(RegAlloc::frame_size == 248) in qjit.cpp (the
// header's own frame_size{32*sizeof(u64)} initializer is stale; 248 is
// the value the prologue and this allocator both honor).
// internal/tcache's tbExitTrampoline discards exactly this many bytes of
// stack.
const FrameSize = 248

// RegAlloc is the per-translation-block allocator instance; one is
// created fresh for each TB compiled (JIT or AOT).
type RegAlloc struct {
	p2v      [NumPRegs]int32 // physical reg -> vreg id, -1 if free
	vregs    map[int32]*VReg
	fixed    Mask // physical regs pinned by AllocVRegFixed, never in the general pool
	frameUse int32
	numGlobals int
}

// New creates an allocator with no vregs allocated yet.
func New() *RegAlloc {
	ra := &RegAlloc{vregs: map[int32]*VReg{}}
	for i := range ra.p2v {
		ra.p2v[i] = -1
	}
	return ra
}

// AllocVReg allocates a new BB-scoped virtual register, initially
// unbound to any location (Prologue or the defining instruction's
// codegen assigns its first Loc).
func (ra *RegAlloc) AllocVReg(id int32, w qir.Width) *VReg {
	v := &VReg{ID: id, Width: w, Scope: ScopeBB, loc: LocDead, spillOffs: -1}
	ra.vregs[id] = v
	return v
}

// AllocVRegGlob allocates a Global-scoped vreg bound to state-table slot
// idx and counts it in NumGlobals. No check is made that each slot gets
// only one global vreg.
func (ra *RegAlloc) AllocVRegGlob(id int32, w qir.Width, slot int32) *VReg {
	v := &VReg{ID: id, Width: w, Scope: ScopeGlobal, loc: LocMem, spillOffs: -1, globalSlot: slot}
	ra.vregs[id] = v
	ra.numGlobals++
	return v
}

// AllocVRegFixed pins vid permanently to physical register preg (used
// for STATE/MEMBASE/frame-base); the register is removed from the
// general allocation pool entirely.
func (ra *RegAlloc) AllocVRegFixed(id int32, w qir.Width, preg int) *VReg {
	v := &VReg{ID: id, Width: w, Scope: ScopeFixed, loc: LocReg, preg: preg, spillOffs: -1}
	ra.vregs[id] = v
	ra.p2v[preg] = id
	ra.fixed.Set(preg)
	return v
}

// Get returns the allocation record for vid, panicking if unknown (a
// codegen invariant violation, not a guest-facing error).
func (ra *RegAlloc) Get(id int32) *VReg {
	v, ok := ra.vregs[id]
	if !ok {
		panic(fmt.Sprintf("regalloc: unknown vreg %d", id))
	}
	return v
}

// AllocFrameSlot lazily bumps the scratch-frame offset for v, panicking
// if the fixed frame is exhausted (a translation-unit-sizing bug, fatal
// per the host resource failure policy).
func (ra *RegAlloc) AllocFrameSlot(v *VReg) int32 {
	if v.spillOffs >= 0 {
		return v.spillOffs
	}
	size := int32(8)
	if ra.frameUse+size > FrameSize {
		panic(fmt.Sprintf("regalloc: frame overflow (%d/%d)", ra.frameUse+size, FrameSize))
	}
	off := ra.frameUse
	ra.frameUse += size
	v.spillOffs = off
	return off
}

// generalMask returns the pregs available for allocation: everything
// except SP/BP (frame pointers, never general-purpose here) and
// anything pinned fixed.
func (ra *RegAlloc) generalMask() Mask {
	var m Mask
	for i := 0; i < NumPRegs; i++ {
		m.Set(i)
	}
	m.Clear(PRegSP)
	m.Clear(PRegBP)
	return m &^ ra.fixed
}

// AllocPReg finds a physical register for v: first a genuinely free one,
// else spills and evicts the occupant of the lowest-numbered non-fixed
// candidate register; no usage recency is tracked. avoid
// excludes registers that must not be chosen (e.g. other live sources of
// the same instruction).
func (ra *RegAlloc) AllocPReg(v *VReg, avoid Mask) int {
	candidates := ra.generalMask() &^ avoid
	for i := 0; i < NumPRegs; i++ {
		if !candidates.Test(i) {
			continue
		}
		if ra.p2v[i] < 0 {
			ra.bind(v, i)
			return i
		}
	}
	for i := 0; i < NumPRegs; i++ {
		if !candidates.Test(i) {
			continue
		}
		occupant := ra.vregs[ra.p2v[i]]
		if occupant.Scope == ScopeFixed {
			continue
		}
		ra.Spill(occupant)
		ra.bind(v, i)
		return i
	}
	panic("regalloc: no physical register available")
}

func (ra *RegAlloc) bind(v *VReg, preg int) {
	v.loc = LocReg
	v.preg = preg
	v.spillSynced = false
	ra.p2v[preg] = v.ID
}

// SyncSpill writes v's register value back to its frame slot without
// releasing the register, used at side-effect boundaries (hcall, TB
// exit) where the value must be observable in memory but may still be
// read from the register afterward.
func (ra *RegAlloc) SyncSpill(v *VReg) {
	if v.loc != LocReg || v.spillSynced {
		return
	}
	ra.AllocFrameSlot(v)
	v.spillSynced = true
}

// Spill writes v back (if needed) and releases its physical register,
// after which v.Loc() reports LocMem.
func (ra *RegAlloc) Spill(v *VReg) {
	if v.loc != LocReg {
		return
	}
	ra.SyncSpill(v)
	ra.p2v[v.preg] = -1
	v.loc = LocMem
}

// Release frees v's location; if kill is set v becomes LocDead (its
// value is no longer needed, as at a BB-scoped vreg's last use) rather
// than LocMem.
func (ra *RegAlloc) Release(v *VReg, kill bool) {
	if v.loc == LocReg {
		ra.p2v[v.preg] = -1
	}
	if kill {
		v.loc = LocDead
	} else {
		v.loc = LocMem
	}
}

// Fill ensures v is in a physical register, loading from its spill slot
// if necessary, and returns that register.
func (ra *RegAlloc) Fill(v *VReg, avoid Mask) int {
	if v.loc == LocReg {
		return v.preg
	}
	preg := ra.AllocPReg(v, avoid)
	v.spillSynced = v.loc == LocMem // caller emits the actual load instruction; this only updates bookkeeping
	return preg
}

// Prologue sets every vreg's initial Loc per its scope: Global vregs
// start in memory (the state table, loaded lazily on first use), Fixed
// vregs are already bound, everything else starts dead.
func (ra *RegAlloc) Prologue() {
	for _, v := range ra.vregs {
		switch v.Scope {
		case ScopeGlobal:
			v.loc = LocMem
		case ScopeFixed:
			// already LocReg from AllocVRegFixed
		default:
			v.loc = LocDead
		}
	}
}

// BBEnd asserts every BB-scoped vreg is dead (codegen must have released
// them by the end of the block that defined them) and spills every
// TB/Global-scoped vreg still in a register, so the next block sees a
// consistent memory image.
func (ra *RegAlloc) BBEnd() {
	for _, v := range ra.vregs {
		switch v.Scope {
		case ScopeBB:
			if v.loc != LocDead {
				panic(fmt.Sprintf("regalloc: BB-scope vreg %d still live at block end", v.ID))
			}
		case ScopeTB, ScopeGlobal:
			if v.loc == LocReg {
				ra.Spill(v)
			}
		}
	}
}

// CallOp prepares for a helper call: spills every caller-clobbered
// physical register and every non-fixed Global vreg, matching the
// original's CallOp (a call may observe or clobber any global state
// through the STATE pointer, so globals cannot be left register-resident
// across it).
func (ra *RegAlloc) CallOp() {
	for i := 0; i < NumPRegs; i++ {
		if !PRegsCallClobber.Test(i) {
			continue
		}
		if vid := ra.p2v[i]; vid >= 0 {
			ra.Spill(ra.vregs[vid])
		}
	}
	for _, v := range ra.vregs {
		if v.Scope == ScopeGlobal && v.loc == LocReg {
			ra.Spill(v)
		}
	}
}

// AllocOp allocates destination registers for an instruction given its
// (already-filled) source registers, avoiding aliasing a destination
// onto a source that is still needed afterward; srcAvoid is the mask of
// source pregs in use.
func (ra *RegAlloc) AllocOp(dst *VReg, srcAvoid Mask) int {
	return ra.AllocPReg(dst, srcAvoid)
}

// NumGlobals reports how many distinct Global-scoped vregs have been
// registered, the allocator's consistency check against the state-slot
// table size.
func (ra *RegAlloc) NumGlobals() int { return ra.numGlobals }
