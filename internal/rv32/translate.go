package rv32

import (
	"unsafe"

	"github.com/pooh64/rv32dbt/internal/cpu"
	"github.com/pooh64/rv32dbt/internal/qir"
)

// Global state slot indices: x0..x31 at slots 0..31, guest IP at slot
// IPSlot. The Go recast of the original's GlobalRegId enum
// (GPR_START=0, GPR_END=31, IP=GPR_END); we keep a real (unused) slot
// for x0 rather than omitting it, simplifying slot arithmetic to a
// direct register-id index.
const IPSlot = cpu.NumGPR

// StateInfo builds the global state-slot table translated code and
// regalloc spill/fill code address cpu.State through. Computed once and
// shared by every Region, matching the original's
// RV32Translator::GetStateInfo().
func StateInfo() []qir.StateSlot {
	var zero cpu.State
	base := uintptr(unsafe.Pointer(&zero))
	slots := make([]qir.StateSlot, cpu.NumGPR+1)
	for i := 0; i < cpu.NumGPR; i++ {
		slots[i] = qir.StateSlot{
			Name:   gprName(i),
			Offset: uint32(uintptr(unsafe.Pointer(&zero.GPR[i])) - base),
			Width:  qir.W32,
		}
	}
	slots[IPSlot] = qir.StateSlot{Name: "ip", Offset: uint32(uintptr(unsafe.Pointer(&zero.IP)) - base), Width: qir.W32}
	return slots
}

func gprName(i int) string {
	names := [32]string{
		"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
		"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
		"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
		"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
	}
	return names[i]
}

// TBMaxInsns bounds how many instructions one translation block may
// cover before being forced to end with a fallthrough gbr, matching the
// original's TB_MAX_INSNS guard in TranslateIPRange.
const TBMaxInsns = 512

// FetchFunc reads one little-endian 32-bit instruction word at a guest
// address; supplied by the caller (internal/mmu-backed in production,
// a plain byte slice in tests).
type FetchFunc func(ip uint32) uint32

// Translate builds one Region covering a single translation block
// starting at entryIP, stopping at boundaryIP (exclusive) if nonzero,
// the Go recast of RV32Translator::Translate for the single-entry case
// the JIT path always uses (AOT additionally drives per-bit translation
// over a page's profile, via TranslatePage).
func Translate(entryIP uint32, boundaryIP uint32, fetch FetchFunc) *qir.Region {
	region := qir.NewRegion(StateInfo())
	entry := region.CreateBlock()
	entry.EntryIP = entryIP
	entry.HasEntry = true
	b := qir.NewBuilder(region, entry)
	translateIPRange(b, entryIP, boundaryIP, fetch)
	return region
}

// TranslatePage builds one Region per set bit in a page's executed
// instruction bitmap, used by internal/aot; bitmap[i] true means the
// instruction at pageBase+i*4 was observed to execute. Each region is
// clamped to whichever comes first: the page's own end, the next set
// bit in bitmap, or upperBound's answer for that entry IP (typically
// tcache.Cache.LookupUpperBound, bounding a fresh AOT translation range
// at a guest IP the JIT training run already translated) — matching the
// original AOT compiler runtime's UpdateIPBoundary, which never lets one
// compiled range run past a point some other range already covers.
// upperBound may be nil, in which case only the first two bounds apply.
func TranslatePage(pageBase uint32, bitmap []bool, fetch FetchFunc, upperBound func(ip uint32) (uint32, bool)) []*qir.Region {
	var regions []*qir.Region
	pageEnd := pageBase + uint32(len(bitmap))*4
	for i, hit := range bitmap {
		if !hit {
			continue
		}
		ip := pageBase + uint32(i)*4
		boundary := pageEnd
		for j := i + 1; j < len(bitmap); j++ {
			if bitmap[j] {
				boundary = pageBase + uint32(j)*4
				break
			}
		}
		if upperBound != nil {
			if ub, ok := upperBound(ip); ok && ub < boundary {
				boundary = ub
			}
		}
		regions = append(regions, Translate(ip, boundary, fetch))
	}
	return regions
}

// globalStoreVal writes val into register rd's global slot, eliding the
// store entirely when rd is x0 (a write to the hardwired zero register
// is simply discarded, never reaching the state table).
func globalStoreVal(b *qir.Builder, rd uint32, val qir.VOperand) {
	if rd == 0 {
		return
	}
	b.GlobalStore(int32(rd), val)
}

func gprop(b *qir.Builder, id uint32, w qir.Width) qir.VOperand {
	if id == 0 {
		return qir.ConstZero(w)
	}
	v := b.NewVReg(w)
	b.GlobalLoad(v, int32(id))
	return v
}

// preSideeff spills the current instruction's address into the IP state
// slot before an instruction with observable side effects (branch,
// hcall, trap), so a trap raised mid-helper can report an accurate
// guest IP; the Go recast of RV32Translator::PreSideeff.
func preSideeff(b *qir.Builder, ip uint32) {
	b.GlobalStore(IPSlot, qir.ConstOp(uint64(ip), qir.W32))
}

func translateIPRange(b *qir.Builder, ip, boundaryIP uint32, fetch FetchFunc) {
	region := b.Region
	n := 0
	for {
		if boundaryIP != 0 && ip >= boundaryIP {
			makeGBrFallthrough(b, ip)
			return
		}
		if n >= TBMaxInsns {
			makeGBrFallthrough(b, ip)
			return
		}
		word := fetch(ip)
		insn := Decode(word)
		next := ip + insn.Width
		end := translateInsn(b, region, ip, next, insn)
		n++
		if end {
			return
		}
		ip = next
	}
}

func makeGBrFallthrough(b *qir.Builder, ip uint32) {
	preSideeff(b, ip)
	b.GBr(ip)
}

// translateInsn lowers one decoded instruction; returns true if the
// instruction ended the translation block (branch, trap, AMO-as-hcall
// variants never end the block).
func translateInsn(b *qir.Builder, region *qir.Region, ip, next uint32, insn Insn) bool {
	switch insn.Op {
	case OpIllegal:
		preSideeff(b, ip)
		b.Hcall(qir.Bad, qir.StubEBreak, qir.ConstOp(uint64(insn.Raw), qir.W32), ip)
		return true

	case OpLUI:
		globalStoreVal(b, insn.Rd, qir.ConstOp(uint64(uint32(insn.Imm)), qir.W32))
		return false
	case OpAUIPC:
		globalStoreVal(b, insn.Rd, qir.ConstOp(uint64(ip+uint32(insn.Imm)), qir.W32))
		return false

	case OpJAL:
		globalStoreVal(b, insn.Rd, qir.ConstOp(uint64(next), qir.W32))
		preSideeff(b, ip)
		b.GBr(uint32(int32(ip) + insn.Imm))
		return true

	case OpJALR:
		rs1 := gprop(b, insn.Rs1, qir.W32)
		tgt := b.NewVReg(qir.W32)
		b.Binop(qir.OpAdd, tgt, rs1, qir.ConstOp(uint64(uint32(insn.Imm)), qir.W32))
		masked := b.NewVReg(qir.W32)
		b.Binop(qir.OpAnd, masked, tgt, qir.ConstOp(^uint64(1), qir.W32))
		globalStoreVal(b, insn.Rd, qir.ConstOp(uint64(next), qir.W32))
		preSideeff(b, ip)
		b.GBrind(masked)
		return true

	case OpBEQ, OpBNE, OpBLT, OpBGE, OpBLTU, OpBGEU:
		translateBranch(b, ip, insn)
		return true

	case OpLB, OpLH, OpLW, OpLBU, OpLHU:
		translateLoad(b, ip, insn)
		return false
	case OpSB, OpSH, OpSW:
		translateStore(b, ip, insn)
		return false

	case OpADDI, OpSLTI, OpSLTIU, OpXORI, OpORI, OpANDI, OpSLLI, OpSRLI, OpSRAI:
		translateAluImm(b, insn)
		return false
	case OpADD, OpSUB, OpSLL, OpSLT, OpSLTU, OpXOR, OpSRL, OpSRA, OpOR, OpAND:
		translateAluReg(b, insn)
		return false

	case OpFENCE:
		preSideeff(b, ip)
		b.Hcall(qir.Bad, qir.StubFence, qir.Bad, insn.Raw)
		return false
	case OpFENCEI:
		preSideeff(b, ip)
		b.Hcall(qir.Bad, qir.StubFenceI, qir.Bad, insn.Raw)
		return false

	case OpECALL:
		preSideeff(b, ip)
		b.Hcall(qir.Bad, qir.StubECall, qir.Bad, ip)
		return true
	case OpEBREAK:
		preSideeff(b, ip)
		b.Hcall(qir.Bad, qir.StubEBreak, qir.Bad, ip)
		return true

	case OpLRW, OpSCW, OpAMOSWAPW, OpAMOADDW, OpAMOXORW, OpAMOANDW, OpAMOORW,
		OpAMOMINW, OpAMOMAXW, OpAMOMINUW, OpAMOMAXUW:
		translateAMO(b, ip, insn)
		return false

	default:
		preSideeff(b, ip)
		b.Hcall(qir.Bad, qir.StubEBreak, qir.ConstOp(uint64(insn.Raw), qir.W32), ip)
		return true
	}
}


func translateBranch(b *qir.Builder, ip uint32, insn Insn) {
	cond := branchCond(insn.Op)
	lhs := gprop(b, insn.Rs1, qir.W32)
	rhs := gprop(b, insn.Rs2, qir.W32)
	takenIP := uint32(int32(ip) + insn.Imm)
	fallIP := ip + insn.Width

	src := b.Block()
	takenBlk := makeTargetBlock(b, takenIP)
	fallBlk := makeTargetBlock(b, fallIP)
	b.SetBlock(src)
	b.Brcc(cond, lhs, rhs, takenBlk, fallBlk)
}

// makeTargetBlock creates a side block that immediately exits the TB to
// a guest IP via gbr, the Go recast of the original's make_target
// lambda (no existing-entry-block reuse since internal/tcache resolves
// block-level reuse at the TB granularity, not sub-block).
func makeTargetBlock(b *qir.Builder, ip uint32) *qir.Block {
	blk := b.CreateBlock()
	b.SetBlock(blk)
	makeGBrFallthrough(b, ip)
	return blk
}

func branchCond(op Op) qir.CondCode {
	switch op {
	case OpBEQ:
		return qir.CondEQ
	case OpBNE:
		return qir.CondNE
	case OpBLT:
		return qir.CondLT
	case OpBGE:
		return qir.CondGE
	case OpBLTU:
		return qir.CondLTU
	default:
		return qir.CondGEU
	}
}

func translateLoad(b *qir.Builder, ip uint32, insn Insn) {
	base := gprop(b, insn.Rs1, qir.W32)
	addr := b.NewVReg(qir.W32)
	b.Binop(qir.OpAdd, addr, base, qir.ConstOp(uint64(uint32(insn.Imm)), qir.W32))

	var w qir.Width
	signed := false
	switch insn.Op {
	case OpLB:
		w, signed = qir.W8, true
	case OpLH:
		w, signed = qir.W16, true
	case OpLW:
		w = qir.W32
	case OpLBU:
		w = qir.W8
	case OpLHU:
		w = qir.W16
	}
	val := b.NewVReg(qir.W32)
	b.VMLoad(val, addr, w, signed)
	// Register-0 destination still evaluates the address (for its
	// memory side effect on a real bus) but discards the loaded value,
	// matching the original's TranslateLoad register-0 behavior.
	globalStoreVal(b, insn.Rd, val)
}

func translateStore(b *qir.Builder, ip uint32, insn Insn) {
	base := gprop(b, insn.Rs1, qir.W32)
	addr := b.NewVReg(qir.W32)
	b.Binop(qir.OpAdd, addr, base, qir.ConstOp(uint64(uint32(insn.Imm)), qir.W32))
	val := gprop(b, insn.Rs2, qir.W32)
	w := qir.W32
	switch insn.Op {
	case OpSB:
		w = qir.W8
	case OpSH:
		w = qir.W16
	}
	b.VMStore(addr, val, w)
}

func translateAluImm(b *qir.Builder, insn Insn) {
	rs1 := gprop(b, insn.Rs1, qir.W32)
	imm := qir.ConstOp(uint64(uint32(insn.Imm)), qir.W32)
	dst := b.NewVReg(qir.W32)
	switch insn.Op {
	case OpADDI:
		b.Binop(qir.OpAdd, dst, rs1, imm)
	case OpXORI:
		b.Binop(qir.OpXor, dst, rs1, imm)
	case OpORI:
		b.Binop(qir.OpOr, dst, rs1, imm)
	case OpANDI:
		b.Binop(qir.OpAnd, dst, rs1, imm)
	case OpSLLI:
		b.Binop(qir.OpShl, dst, rs1, imm)
	case OpSRLI:
		b.Binop(qir.OpShr, dst, rs1, imm)
	case OpSRAI:
		b.Binop(qir.OpSar, dst, rs1, imm)
	case OpSLTI:
		b.Setcc(qir.CondLT, dst, rs1, imm)
	case OpSLTIU:
		b.Setcc(qir.CondLTU, dst, rs1, imm)
	}
	globalStoreVal(b, insn.Rd, dst)
}

func translateAluReg(b *qir.Builder, insn Insn) {
	rs1 := gprop(b, insn.Rs1, qir.W32)
	rs2 := gprop(b, insn.Rs2, qir.W32)
	dst := b.NewVReg(qir.W32)
	switch insn.Op {
	case OpADD:
		b.Binop(qir.OpAdd, dst, rs1, rs2)
	case OpSUB:
		b.Binop(qir.OpSub, dst, rs1, rs2)
	case OpXOR:
		b.Binop(qir.OpXor, dst, rs1, rs2)
	case OpOR:
		b.Binop(qir.OpOr, dst, rs1, rs2)
	case OpAND:
		b.Binop(qir.OpAnd, dst, rs1, rs2)
	case OpSLL:
		b.Binop(qir.OpShl, dst, rs1, rs2)
	case OpSRL:
		b.Binop(qir.OpShr, dst, rs1, rs2)
	case OpSRA:
		b.Binop(qir.OpSar, dst, rs1, rs2)
	case OpSLT:
		b.Setcc(qir.CondLT, dst, rs1, rs2)
	case OpSLTU:
		b.Setcc(qir.CondLTU, dst, rs1, rs2)
	}
	globalStoreVal(b, insn.Rd, dst)
}

// translateAMO lowers the whole lr.w/sc.w/amo*.w family to a single
// hcall: these need atomic read-modify-write semantics no QIR binop
// sequence can express host-atomically, so they are modeled as an
// in-block (non-TB-ending) host helper exactly like fence/fence.i, the
// Go recast of TRANSLATOR_Helper(lrw)/TRANSLATOR_Helper(amo*) in the
// original.
func translateAMO(b *qir.Builder, ip uint32, insn Insn) {
	stub := amoStub(insn.Op)
	addr := gprop(b, insn.Rs1, qir.W32)
	preSideeff(b, ip)

	var arg qir.VOperand
	if insn.Op == OpLRW {
		arg = addr
	} else {
		// Every AMO but lr.w also needs the store value rs2; the
		// hcall ABI carries only one argument word, so addr and val
		// are packed into one 64-bit word (addr in the low 32 bits,
		// val in the high 32) and unpacked host-side by
		// internal/tcache.runStub.
		val := gprop(b, insn.Rs2, qir.W32)
		valW64 := b.NewVReg(qir.W64)
		b.Mov(valW64, val)
		shifted := b.NewVReg(qir.W64)
		b.Binop(qir.OpShl, shifted, valW64, qir.ConstOp(32, qir.W64))
		addrW64 := b.NewVReg(qir.W64)
		b.Mov(addrW64, addr)
		packed := b.NewVReg(qir.W64)
		b.Binop(qir.OpOr, packed, shifted, addrW64)
		arg = packed
	}

	result := b.NewVReg(qir.W32)
	b.Hcall(result, stub, arg, insn.Raw)
	globalStoreVal(b, insn.Rd, result)
}

func amoStub(op Op) qir.StubID {
	switch op {
	case OpLRW:
		return qir.StubLRW
	case OpSCW:
		return qir.StubSCW
	case OpAMOSWAPW:
		return qir.StubAMOSwapW
	case OpAMOADDW:
		return qir.StubAMOAddW
	case OpAMOXORW:
		return qir.StubAMOXorW
	case OpAMOANDW:
		return qir.StubAMOAndW
	case OpAMOORW:
		return qir.StubAMOOrW
	case OpAMOMINW:
		return qir.StubAMOMinW
	case OpAMOMAXW:
		return qir.StubAMOMaxW
	case OpAMOMINUW:
		return qir.StubAMOMinUW
	default:
		return qir.StubAMOMaxUW
	}
}
