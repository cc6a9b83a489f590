package codegen

import (
	"fmt"

	"github.com/pooh64/rv32dbt/internal/qir"
	"github.com/pooh64/rv32dbt/internal/regalloc"
)

// Mode distinguishes JIT compilation from AOT compilation. In both modes
// the hcall, link-branch and gbrind call targets are absolute addresses
// baked into movabs immediates; ModeAOT additionally records each such
// immediate in Relocs so internal/aot's loader can repatch it with the
// loading process's addresses. Generated code does not read
// cpu.State.StubTab in either mode.
type Mode uint8

const (
	ModeJIT Mode = iota
	ModeAOT
)

// HostCallResolver maps a qir.StubID to a host entry point. emitHcall
// does not consult it: every hcall, in either Mode, calls
// HcallTrampolineAddr and passes the stub id as an argument.
type HostCallResolver func(qir.StubID) uintptr

// Emitter drives one Region's translation into machine code.
type Emitter struct {
	Buf    Buf
	RA     *regalloc.RegAlloc
	Region *qir.Region
	Mode   Mode

	StatePReg   Reg
	MemBasePReg Reg

	ExitTrampoline uintptr // returns straight to the host with no relink attempt (internal/tcache.tbExitTrampoline)
	LinkBranchStub uintptr // default target of a freshly emitted Unlinked slot (internal/tcache.LinkBranch)
	BrindHelper    uintptr // called on a gbrind jump-cache miss (internal/tcache.Brind)
	ResolveStub    HostCallResolver
	StubTabOffset  int32 // byte offset of cpu.State.StubTab; not read by emitHcall in either mode
	JumpCacheOffset int32 // byte offset of cpu.State.JumpCache, used by the inline gbrind probe

	blockStart  map[int32]int
	patches     []patch
	trapExitOff int

	// Relocs holds the byte offsets (and which trampoline) of
	// absolute-address immediates baked by EmitRegion while
	// Mode == ModeAOT: the hostcall trampoline, link-branch stub and
	// brind helper addresses are process-specific (ASLR'd Go runtime code), so a .so
	// built for ahead-of-time reuse across process restarts must patch
	// these at load time instead of trusting the addresses baked in at
	// compile time. Left empty in ModeJIT, where the code never outlives
	// the process that built it.
	Relocs []Reloc

	// GuestSlotOffset maps a global state slot index (internal/rv32.IPSlot
	// and guest GPR ids) to its byte offset in cpu.State; built once from
	// qir.Region.State.
	slotOffset map[int32]uint32
}

type patch struct {
	at       int
	target   int32 // block ID
	trapExit bool  // patch target is the shared trap-exit ret stub, not a block
}

// RelocKind identifies which process-specific trampoline address a
// Reloc site needs repatched with at load time.
type RelocKind uint8

const (
	RelocExitTrampoline RelocKind = iota
	RelocHostcallTrampoline
	RelocLinkBranchStub
	RelocBrindHelper
)

// Reloc is one ModeAOT relocation site: byte offset (within this
// region's emitted code) of an 8-byte immediate that held a
// compile-time-process-specific trampoline address.
type Reloc struct {
	Offset int32
	Kind   RelocKind
}

// NewEmitter creates an emitter for region, with STATE/MEMBASE already
// pinned into physical registers statePReg/memBasePReg by the caller's
// regalloc setup (mirroring Codegen::SetupCtx in qjit.cpp).
func NewEmitter(region *qir.Region, ra *regalloc.RegAlloc, mode Mode, statePReg, memBasePReg Reg) *Emitter {
	e := &Emitter{
		Region: region, RA: ra, Mode: mode,
		StatePReg: statePReg, MemBasePReg: memBasePReg,
		blockStart: map[int32]int{},
		slotOffset: map[int32]uint32{},
	}
	for i, s := range region.State {
		e.slotOffset[int32(i)] = s.Offset
	}
	return e
}

// EmitRegion compiles every block of the region into e.Buf in creation
// order, resolving intra-TB branches afterward; returns the final code
// bytes. This is the Go recast of EmitTCode's flatten/resolve/relocate
// pass structure in qemit.cpp, minus the final "copy into the arena"
// step, which the caller (internal/tcache) performs once the code is
// final.
func (e *Emitter) EmitRegion() ([]byte, error) {
	e.RA.Prologue()
	// Every TB manages its own scratch frame rather than relying on the
	// entry trampoline to pre-reserve one: the frame is carved here and
	// unwound again at every path back to the host (the trap-exit stub
	// below, and internal/tcache's tbExitTrampoline, which the link-branch
	// stub and the gbrind miss path jump to), which keeps enterTB itself a
	// two-instruction CALL/RET with no stack arithmetic of its own.
	e.Buf.SubRSPImm32(regalloc.FrameSize)
	for _, b := range e.Region.Blocks {
		e.blockStart[b.ID] = e.Buf.Len()
		for _, inst := range b.Insts() {
			if err := e.emitInst(inst); err != nil {
				return nil, fmt.Errorf("codegen: block %d inst %d: %w", b.ID, inst.ID, err)
			}
		}
		e.RA.BBEnd()
	}
	e.trapExitOff = e.Buf.Len()
	e.Buf.AddRSPImm32(regalloc.FrameSize)
	e.Buf.Ret()
	for _, p := range e.patches {
		if p.trapExit {
			e.Buf.PatchRel32(p.at, e.trapExitOff)
			continue
		}
		target, ok := e.blockStart[p.target]
		if !ok {
			return nil, fmt.Errorf("codegen: branch to unknown block %d", p.target)
		}
		e.Buf.PatchRel32(p.at, target)
	}
	return e.Buf.Code, nil
}

func width32(op qir.VOperand) int {
	switch op.Width {
	case qir.W8:
		return 8
	case qir.W16:
		return 16
	case qir.W64:
		return 64
	default:
		return 32
	}
}

// materialize ensures a source operand (const, global slot, or vreg) is
// in a physical register, emitting whatever load is needed and
// returning that register; avoid excludes registers already committed
// to other operands of the same instruction.
func (e *Emitter) materialize(op qir.VOperand, avoid regalloc.Mask) Reg {
	switch op.Kind {
	case qir.OpConst:
		tmp := e.scratchVReg(op.Width)
		preg := e.RA.AllocPReg(tmp, avoid)
		e.Buf.MovRI32(Reg(preg), uint32(op.Const))
		return Reg(preg)
	case qir.OpSlot:
		tmp := e.scratchVReg(op.Width)
		preg := e.RA.AllocPReg(tmp, avoid)
		e.Buf.LoadMem(Reg(preg), e.StatePReg, int32(e.slotOffset[op.Slot]), width32(op), false)
		return Reg(preg)
	case qir.OpGPR:
		v := e.RA.Get(op.Reg)
		preg := e.RA.Fill(v, avoid)
		if v.Loc() == regalloc.LocMem {
			e.Buf.LoadMem(Reg(preg), Reg(PRegSPFrame), v.GetSpill(), width32(op), false)
		}
		return Reg(preg)
	default:
		panic("codegen: materialize: bad operand kind")
	}
}

// PRegSPFrame is the physical register holding the scratch-frame base;
// in this target the frame is addressed straight off RSP. EmitRegion's
// prologue reserves FrameSize bytes; the hcall and gbrind-miss
// sequences move RSP by a further 40 or 24 bytes around their calls and
// restore it before any frame slot is addressed again, matching the
// original's frame_base pinned to the stack pointer rather than a
// separate frame pointer register.
const PRegSPFrame Reg = PRegSP

var scratchCounter int32 = -1

// scratchVReg allocates a throwaway BB-scoped vreg for a materialized
// constant/slot/spilled value; these never outlive the instruction that
// requested them.
func (e *Emitter) scratchVReg(w qir.Width) *regalloc.VReg {
	scratchCounter--
	return e.RA.AllocVReg(scratchCounter, w)
}

func (e *Emitter) emitInst(inst *qir.Inst) error {
	switch inst.Op {
	case qir.OpMov:
		return e.emitMov(inst)
	case qir.OpUnop:
		return e.emitUnop(inst)
	case qir.OpAdd, qir.OpSub, qir.OpAnd, qir.OpOr, qir.OpXor:
		return e.emitAluBinop(inst)
	case qir.OpShl, qir.OpShr, qir.OpSar:
		return e.emitShift(inst)
	case qir.OpSetcc:
		return e.emitSetcc(inst)
	case qir.OpBr:
		return e.emitBr(inst)
	case qir.OpBrcc:
		return e.emitBrcc(inst)
	case qir.OpGBr:
		return e.emitGBr(inst)
	case qir.OpGBrind:
		return e.emitGBrind(inst)
	case qir.OpVMLoad:
		return e.emitVMLoad(inst)
	case qir.OpVMStore:
		return e.emitVMStore(inst)
	case qir.OpHcall:
		return e.emitHcall(inst)
	default:
		return fmt.Errorf("unhandled opcode %d", inst.Op)
	}
}

func (e *Emitter) destReg(out qir.VOperand, avoid regalloc.Mask) Reg {
	switch out.Kind {
	case qir.OpGPR:
		v := e.RA.Get(out.Reg)
		return Reg(e.RA.AllocOp(v, avoid))
	case qir.OpSlot, qir.OpBad:
		tmp := e.scratchVReg(out.Width)
		return Reg(e.RA.AllocPReg(tmp, avoid))
	default:
		panic("codegen: bad destination kind")
	}
}

func (e *Emitter) storeIfSlot(out qir.VOperand, dst Reg) {
	if out.Kind == qir.OpSlot {
		e.Buf.StoreMem(e.StatePReg, dst, int32(e.slotOffset[out.Slot]), width32(out))
	}
}

func (e *Emitter) emitMov(inst *qir.Inst) error {
	src := e.materialize(inst.In0, 0)
	dst := e.destReg(inst.Out, 1<<uint(src))
	e.Buf.MovRR(dst, src)
	e.storeIfSlot(inst.Out, dst)
	return nil
}

func (e *Emitter) emitUnop(inst *qir.Inst) error {
	src := e.materialize(inst.In0, 0)
	dst := e.destReg(inst.Out, 1<<uint(src))
	e.Buf.MovRR(dst, src)
	if inst.Unop == qir.UnopNeg {
		e.Buf.NegR(dst)
	} else {
		e.Buf.NotR(dst)
	}
	e.storeIfSlot(inst.Out, dst)
	return nil
}

var aluOp = map[qir.Opcode]BinopKind{
	qir.OpAdd: AluAdd, qir.OpSub: AluSub, qir.OpAnd: AluAnd, qir.OpOr: AluOr, qir.OpXor: AluXor,
}

// emitAluBinop lowers add/sub/and/or/xor as "mov dst,lhs (if not
// already there); op dst, rhs". dst is allocated with both source
// registers excluded, so it never aliases rhs.
func (e *Emitter) emitAluBinop(inst *qir.Inst) error {
	lhs := e.materialize(inst.In0, 0)
	rhs := e.materialize(inst.In1, 1<<uint(lhs))
	dst := e.destReg(inst.Out, 1<<uint(lhs)|1<<uint(rhs))
	if dst != lhs {
		e.Buf.MovRR(dst, lhs)
	}
	e.Buf.BinopRR(aluOp[inst.Op], dst, rhs)
	e.storeIfSlot(inst.Out, dst)
	return nil
}

var shiftOp = map[qir.Opcode]ShiftKind{qir.OpShl: ShiftShl, qir.OpShr: ShiftShr, qir.OpSar: ShiftSar}

func (e *Emitter) emitShift(inst *qir.Inst) error {
	lhs := e.materialize(inst.In0, 0)
	if inst.In1.IsConst() {
		dst := e.destReg(inst.Out, 1<<uint(lhs))
		if dst != lhs {
			e.Buf.MovRR(dst, lhs)
		}
		e.Buf.ShiftRI(shiftOp[inst.Op], dst, byte(inst.In1.Const&31))
		e.storeIfSlot(inst.Out, dst)
		return nil
	}
	// shift count must be in CL; pin rhs to RCX.
	rcxVReg := e.scratchVReg(qir.W32)
	_ = e.RA.AllocPReg(rcxVReg, 0) // best-effort; the register picked is unused, rhs is copied into CL below
	rhs := e.materialize(inst.In1, 1<<uint(lhs))
	if rhs != PRegCX {
		e.Buf.MovRR(PRegCX, rhs)
	}
	dst := e.destReg(inst.Out, 1<<uint(lhs)|1<<uint(PRegCX))
	if dst != lhs {
		e.Buf.MovRR(dst, lhs)
	}
	e.Buf.ShiftRCL(shiftOp[inst.Op], dst)
	e.storeIfSlot(inst.Out, dst)
	return nil
}

var condCC = map[qir.CondCode]CondCode{
	qir.CondEQ: CCE, qir.CondNE: CCNE, qir.CondLT: CCL, qir.CondGE: CCGE, qir.CondLTU: CCB, qir.CondGEU: CCAE,
}

func (e *Emitter) emitSetcc(inst *qir.Inst) error {
	lhs := e.materialize(inst.In0, 0)
	rhs := e.materialize(inst.In1, 1<<uint(lhs))
	dst := e.destReg(inst.Out, 1<<uint(lhs)|1<<uint(rhs))
	e.Buf.CmpRR(lhs, rhs)
	e.Buf.SetccOnly(condCC[inst.Cond], dst)
	e.storeIfSlot(inst.Out, dst)
	return nil
}

func (e *Emitter) emitBr(inst *qir.Inst) error {
	at := e.Buf.JmpRel32()
	e.patches = append(e.patches, patch{at: at, target: inst.Succ[0].ID})
	return nil
}

func (e *Emitter) emitBrcc(inst *qir.Inst) error {
	lhs := e.materialize(inst.In0, 0)
	rhs := e.materialize(inst.In1, 1<<uint(lhs))
	e.Buf.CmpRR(lhs, rhs)
	at := e.Buf.JccRel32(condCC[inst.Cond])
	e.patches = append(e.patches, patch{at: at, target: inst.Succ[0].ID})
	at2 := e.Buf.JmpRel32()
	e.patches = append(e.patches, patch{at: at2, target: inst.Succ[1].ID})
	return nil
}

// emitGBr embeds a fixed-size branch slot targeting inst.GuestIP,
// region-exiting the TB. A freshly emitted slot always calls
// e.LinkBranchStub (internal/tcache.LinkBranch), never the exit
// trampoline directly: the stub looks inst.GuestIP up in the TB map and
// rewrites the slot in place on a hit, only falling back to the exit
// trampoline on a miss (the target isn't translated yet).
func (e *Emitter) emitGBr(inst *qir.Inst) error {
	off := EmitUnlinked(&e.Buf, inst.GuestIP, e.LinkBranchStub)
	e.recordReloc(off, RelocLinkBranchStub)
	return nil
}

// recordReloc appends (off, kind) to e.Relocs when compiling for AOT
// reuse; a no-op in ModeJIT.
func (e *Emitter) recordReloc(off int, kind RelocKind) {
	if e.Mode == ModeAOT {
		e.Relocs = append(e.Relocs, Reloc{Offset: int32(off), Kind: kind})
	}
}

// emitGBrind lowers an indirect branch to the full inline jump-cache
// probe: mask the target guest IP, index the fixed power-of-two table,
// compare the candidate entry's stored IP, jump to its host code on a
// hit, or fall through to a call to the brind helper on miss. The
// helper re-resolves the guest IP the slow way, updates both state.IP
// and the jump cache, and always hands back a valid code address (the
// resolved TB's, or the exit trampoline's if the target still needs
// translating) for the tail jump below to use unconditionally. The Go
// recast of Emit_gbrind in qemit.cpp and Codegen::BranchTBInd in
// qjit.cpp.
func (e *Emitter) emitGBrind(inst *qir.Inst) error {
	e.RA.CallOp()
	target := e.materialize(inst.In0, 0)

	idx := e.scratchVReg(qir.W32)
	idxReg := Reg(e.RA.AllocPReg(idx, 1<<uint(target)))
	e.Buf.MovRR(idxReg, target)
	e.Buf.ShiftRI(ShiftShr, idxReg, jumpCacheIndexShift) // guest IPs are 4-byte aligned
	e.Buf.BinopRI(AluAnd, idxReg, jumpCacheMask)
	e.Buf.ShiftRI(ShiftShl, idxReg, jumpCacheEntryShift) // byte offset within JumpCache[]

	addrTmp := e.scratchVReg(qir.W64)
	addrReg := Reg(e.RA.AllocPReg(addrTmp, 1<<uint(target)|1<<uint(idxReg)))
	e.Buf.MovRR(addrReg, e.StatePReg)
	e.Buf.emit(rex(true, idxReg, 0, addrReg), 0x01, modrm(3, byte(idxReg), byte(addrReg))) // 64-bit add: addrReg = &state.JumpCache[idx]

	cmpTmp := e.scratchVReg(qir.W32)
	cmpReg := Reg(e.RA.AllocPReg(cmpTmp, 1<<uint(target)|1<<uint(addrReg)))
	e.Buf.LoadMem(cmpReg, addrReg, e.JumpCacheOffset, 32, false)
	e.Buf.CmpRR(cmpReg, target)
	hitAt := e.Buf.JccRel32(CCE)

	// Miss path: hand the computed target to the brind helper through
	// the same hand-built call frame convention emitHcall uses, then
	// tail-jump to whatever it returns.
	e.Buf.SubRSPImm32(24)
	e.Buf.StoreMem(PRegSP, e.StatePReg, 0, 64)
	e.Buf.StoreMem(PRegSP, target, 8, 64)
	off := e.Buf.MovRI64(PRegScratch, uint64(e.BrindHelper))
	e.recordReloc(off, RelocBrindHelper)
	e.Buf.CallRM(PRegScratch)
	missTarget := Reg(PRegAX)
	e.Buf.LoadMem(missTarget, PRegSP, 16, 64, false)
	e.Buf.AddRSPImm32(24)
	e.Buf.JmpRM(missTarget)

	hitOff := e.Buf.Len()
	e.Buf.PatchRel32(hitAt, hitOff)
	hostReg := Reg(PRegAX)
	e.Buf.LoadMem(hostReg, addrReg, e.JumpCacheOffset+jumpCacheHostCodeOff, 64, false)
	e.Buf.JmpRM(hostReg)
	return nil
}

// jumpCacheMask/jumpCacheIndexShift/jumpCacheEntryShift/jumpCacheHostCodeOff
// mirror cpu.JumpCacheSize and cpu.JumpCacheEntry's layout (kept as
// literals here to avoid an import cycle between internal/codegen and
// internal/cpu): a guest IP is shifted right 2 bits (word-aligned),
// masked to a JumpCacheSize-1 index, then shifted left 4 bits to land
// on its 16-byte JumpCacheEntry{GuestIP uint32; _ [4]byte; HostCode
// uintptr}; HostCode sits at byte offset 8 within that entry.
const (
	jumpCacheMask        = 1023
	jumpCacheIndexShift  = 2
	jumpCacheEntryShift  = 4
	jumpCacheHostCodeOff = 8
)

func (e *Emitter) memWidthBits(w qir.Width) int {
	switch w {
	case qir.W8:
		return 8
	case qir.W16:
		return 16
	default:
		return 32
	}
}

// hostAddr computes MEMBASE+addr into a scratch register holding the
// full host pointer a load/store addresses at displacement 0.
func (e *Emitter) hostAddr(addr Reg, avoid regalloc.Mask) Reg {
	tmp := e.scratchVReg(qir.W64)
	host := Reg(e.RA.AllocPReg(tmp, avoid|1<<uint(addr)))
	e.Buf.MovRR(host, e.MemBasePReg)
	e.Buf.emit(rex(true, addr, 0, host), 0x01, modrm(3, byte(addr), byte(host))) // 64-bit add
	return host
}

func (e *Emitter) emitVMLoad(inst *qir.Inst) error {
	addr := e.materialize(inst.In0, 0)
	host := e.hostAddr(addr, 0)
	dst := e.destReg(inst.Out, 1<<uint(addr)|1<<uint(host))
	e.Buf.LoadMem(dst, host, 0, e.memWidthBits(inst.MemWidth), inst.Signed)
	e.storeIfSlot(inst.Out, dst)
	return nil
}

func (e *Emitter) emitVMStore(inst *qir.Inst) error {
	addr := e.materialize(inst.In0, 0)
	host := e.hostAddr(addr, 0)
	val := e.materialize(inst.In1, 1<<uint(addr)|1<<uint(host))
	e.Buf.StoreMem(host, val, 0, e.memWidthBits(inst.MemWidth))
	return nil
}

// emitHcall lowers an in-block host call: spills caller-clobbered state
// (CallOp), builds the hand-constructed ABI0 call frame
// (sub rsp,40; state ptr/stub id/arg at [rsp+0/8/16]; call;
// result at [rsp+24]; add rsp,40) that internal/tcache's
// hostcallTrampoline forwards to dispatchHostcall, then tests the
// packed trap flag in the result's sign bit.
func (e *Emitter) emitHcall(inst *qir.Inst) error {
	e.RA.CallOp()
	arg := e.materialize(inst.In0, 0)
	e.Buf.SubRSPImm32(40)
	e.Buf.StoreMem(PRegSP, e.StatePReg, 0, 64)
	e.Buf.MovRI32(PRegScratch, uint32(inst.StubID))
	e.Buf.StoreMem(PRegSP, PRegScratch, 8, 64)
	e.Buf.StoreMem(PRegSP, arg, 16, 64)
	off := e.Buf.MovRI64(PRegScratch, e.hcallTargetAddr())
	e.recordReloc(off, RelocHostcallTrampoline)
	e.Buf.CallRM(PRegScratch)
	resultReg := Reg(PRegAX)
	e.Buf.LoadMem(resultReg, PRegSP, 24, 64, false)
	e.Buf.AddRSPImm32(40)
	e.Buf.emit(rex(true, resultReg, 0, resultReg), 0x85, modrm(3, byte(resultReg), byte(resultReg))) // 64-bit test: the trap flag is bit 63
	trapAt := e.Buf.JccRel32(CCS)
	e.patches = append(e.patches, patch{at: trapAt, trapExit: true})
	if inst.Out.Kind != qir.OpBad {
		dst := e.destReg(inst.Out, 0)
		e.Buf.MovRR(dst, resultReg)
		e.storeIfSlot(inst.Out, dst)
	}
	return nil
}

// HcallTrampolineAddr is the address of the forwarding shim
// (hostcallTrampoline in internal/tcache/dispatch_amd64.s); wired in
// by internal/tcache before EmitRegion runs.
var HcallTrampolineAddr uintptr

func (e *Emitter) hcallTargetAddr() uint64 { return uint64(HcallTrampolineAddr) }
