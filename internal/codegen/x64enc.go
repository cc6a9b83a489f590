// Package codegen lowers a qir.Region, after register allocation, into
// x86-64 machine code installed in the code cache. The byte-level
// encoder in this file is the Go recast of the teacher's own hand-rolled
// instruction emission in backend_x64.go, retargeted from compiling Go
// IR to compiling QIR.
package codegen

// Reg is a physical x86-64 GPR index in the 0..15 encoding order
// (0=RAX..7=RDI, 8=R8..15=R15), matching regalloc.PReg* constants.
type Reg int

// Reg-typed aliases of the x86-64 GPR numbering, mirroring
// regalloc.PRegAX.. so codegen's byte encoder doesn't need to import
// regalloc just to name a register.
const (
	PRegAX Reg = iota
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
	PRegR12
	PRegR13
	PRegR14
	PRegR15
)

// Buf is an x86-64 instruction byte sink with relocation bookkeeping for
// not-yet-resolved branch targets.
type Buf struct {
	Code []byte
}

func (b *Buf) emit(bs ...byte) { b.Code = append(b.Code, bs...) }

func (b *Buf) Len() int { return len(b.Code) }

func rex(w bool, r, x, rm Reg) byte {
	rexByte := byte(0x40)
	if w {
		rexByte |= 0x08
	}
	if r&8 != 0 {
		rexByte |= 0x04
	}
	if x&8 != 0 {
		rexByte |= 0x02
	}
	if rm&8 != 0 {
		rexByte |= 0x01
	}
	return rexByte
}

func modrm(mod, reg, rm byte) byte {
	return mod<<6 | (reg&7)<<3 | (rm & 7)
}

// MovRR emits mov dst, src (64-bit GPR to GPR).
func (b *Buf) MovRR(dst, src Reg) {
	b.emit(rex(true, src, 0, dst), 0x89, modrm(3, byte(src), byte(dst)))
}

// MovRI64 emits a 10-byte movabs dst, imm64, the only way to materialize
// an arbitrary 64-bit constant (used for absolute code-cache addresses
// in JIT-mode gbr/gbrind lowering). Returns the byte offset of the
// 8-byte immediate field, so a caller compiling for AOT reuse across
// process restarts can record it as a relocation site (internal/aot).
func (b *Buf) MovRI64(dst Reg, imm uint64) (immOff int) {
	b.emit(rex(true, 0, 0, dst), 0xb8+byte(dst&7))
	immOff = len(b.Code)
	for i := 0; i < 8; i++ {
		b.emit(byte(imm >> (8 * uint(i))))
	}
	return immOff
}

// MovRI32 emits mov dst(32-bit), imm32, zero-extending into the 64-bit
// register per x86-64's implicit upper-zeroing rule.
func (b *Buf) MovRI32(dst Reg, imm uint32) {
	if dst&8 != 0 {
		b.emit(rex(false, 0, 0, dst))
	}
	b.emit(0xb8 + byte(dst&7))
	b.emit(byte(imm), byte(imm>>8), byte(imm>>16), byte(imm>>24))
}

// LoadMem emits mov dst, [base+disp32] at the given width (8/16/32/64).
func (b *Buf) LoadMem(dst, base Reg, disp int32, width int, signExtend bool) {
	w := width == 64
	switch width {
	case 8:
		if signExtend {
			b.emit(rex(w, dst, 0, base), 0x0f, 0xbe)
		} else {
			b.emit(rex(w, dst, 0, base), 0x0f, 0xb6)
		}
	case 16:
		if signExtend {
			b.emit(rex(w, dst, 0, base), 0x0f, 0xbf)
		} else {
			b.emit(rex(w, dst, 0, base), 0x0f, 0xb7)
		}
	case 32:
		if signExtend {
			b.emit(rex(true, dst, 0, base), 0x63)
		} else {
			b.emit(rex(w, dst, 0, base), 0x8b)
		}
	default:
		b.emit(rex(true, dst, 0, base), 0x8b)
	}
	b.emitModRMDisp(byte(dst), base, disp)
}

// StoreMem emits mov [base+disp32], src truncated to width bits.
func (b *Buf) StoreMem(base, src Reg, disp int32, width int) {
	switch width {
	case 8:
		b.emit(rex(false, src, 0, base), 0x88)
	case 16:
		b.emit(0x66, rex(false, src, 0, base), 0x89)
	case 32:
		b.emit(rex(false, src, 0, base), 0x89)
	default:
		b.emit(rex(true, src, 0, base), 0x89)
	}
	b.emitModRMDisp(byte(src), base, disp)
}

func (b *Buf) emitModRMDisp(reg byte, base Reg, disp int32) {
	rm := byte(base & 7)
	switch {
	case disp == 0 && rm != 5:
		if rm == 4 {
			b.emit(modrm(0, reg, rm), 0x24)
		} else {
			b.emit(modrm(0, reg, rm))
		}
	case disp >= -128 && disp <= 127:
		if rm == 4 {
			b.emit(modrm(1, reg, rm), 0x24, byte(disp))
		} else {
			b.emit(modrm(1, reg, rm), byte(disp))
		}
	default:
		if rm == 4 {
			b.emit(modrm(2, reg, rm), 0x24)
		} else {
			b.emit(modrm(2, reg, rm))
		}
		b.emit(byte(disp), byte(disp>>8), byte(disp>>16), byte(disp>>24))
	}
}

// BinopKind selects a binop's ALU opcode extension for the
// add/or/and/sub/xor/cmp group (the classic x86 /digit encoding).
type BinopKind byte

const (
	AluAdd BinopKind = 0
	AluOr  BinopKind = 1
	AluAnd BinopKind = 4
	AluSub BinopKind = 5
	AluXor BinopKind = 6
	AluCmp BinopKind = 7
)

// BinopRR emits op dst, src (dst op= src), both 32-bit.
func (b *Buf) BinopRR(op BinopKind, dst, src Reg) {
	opc := map[BinopKind]byte{AluAdd: 0x01, AluOr: 0x09, AluAnd: 0x21, AluSub: 0x29, AluXor: 0x31, AluCmp: 0x39}[op]
	b.emit(rex(false, src, 0, dst), opc, modrm(3, byte(src), byte(dst)))
}

// BinopRI emits op dst, imm32 (32-bit).
func (b *Buf) BinopRI(op BinopKind, dst Reg, imm uint32) {
	b.emit(rex(false, 0, 0, dst), 0x81, modrm(3, byte(op), byte(dst)))
	b.emit(byte(imm), byte(imm>>8), byte(imm>>16), byte(imm>>24))
}

// ShiftKind selects a shift's /digit extension (shl/shr/sar).
type ShiftKind byte

const (
	ShiftShl ShiftKind = 4
	ShiftShr ShiftKind = 5
	ShiftSar ShiftKind = 7
)

// ShiftRCL emits op dst, cl (shift amount in CL, 32-bit operand).
func (b *Buf) ShiftRCL(op ShiftKind, dst Reg) {
	b.emit(rex(false, 0, 0, dst), 0xd3, modrm(3, byte(op), byte(dst)))
}

// ShiftRI emits op dst, imm8 (32-bit operand).
func (b *Buf) ShiftRI(op ShiftKind, dst Reg, imm8 byte) {
	b.emit(rex(false, 0, 0, dst), 0xc1, modrm(3, byte(op), byte(dst)), imm8)
}

// Neg/Not (unary group 3, /3 and /2).
func (b *Buf) NegR(dst Reg) { b.emit(rex(false, 0, 0, dst), 0xf7, modrm(3, 3, byte(dst))) }
func (b *Buf) NotR(dst Reg) { b.emit(rex(false, 0, 0, dst), 0xf7, modrm(3, 2, byte(dst))) }

// CondCode is the x86 condition-code nibble used by Jcc/Setcc.
type CondCode byte

const (
	CCE  CondCode = 0x4
	CCNE CondCode = 0x5
	CCL  CondCode = 0xc
	CCGE CondCode = 0xd
	CCB  CondCode = 0x2
	CCAE CondCode = 0x3
	CCS  CondCode = 0x8 // sign set (js), used to test the hcall trap-flag bit
)

// SetccR emits setcc dst_low8, zero-extending the rest of dst first so
// the full register holds 0/1.
func (b *Buf) SetccR(cc CondCode, dst Reg) {
	b.emit(rex(false, 0, 0, dst), 0x31, modrm(3, byte(dst), byte(dst))) // xor dst,dst first (clobbers flags, so caller must cmp after this xor, not before)
	b.emit(rex(false, 0, 0, dst), 0x0f, 0x90|byte(cc), modrm(3, 0, byte(dst)))
}

// CmpRR emits cmp lhs,rhs (32-bit); callers follow it with SetccOnly or
// a Jcc, which read the flags it sets.
func (b *Buf) CmpRR(lhs, rhs Reg) { b.BinopRR(AluCmp, lhs, rhs) }

func (b *Buf) SetccOnly(cc CondCode, dst Reg) {
	b.emit(rex(false, 0, 0, dst), 0x0f, 0x90|byte(cc), modrm(3, 0, byte(dst)))
	b.emit(rex(false, 0, 0, dst), 0x0f, 0xb6, modrm(3, byte(dst), byte(dst))) // movzx dst,dst_low8
}

// JmpRel32 emits a near jmp with a placeholder rel32, returning the
// byte offset of the 4-byte displacement field for later patching.
func (b *Buf) JmpRel32() (patchAt int) {
	b.emit(0xe9, 0, 0, 0, 0)
	return len(b.Code) - 4
}

// JccRel32 emits a near conditional jump with a placeholder rel32.
func (b *Buf) JccRel32(cc CondCode) (patchAt int) {
	b.emit(0x0f, 0x80|byte(cc), 0, 0, 0, 0)
	return len(b.Code) - 4
}

// PatchRel32 fixes up a previously emitted placeholder at byte offset at
// so the jump lands at targetOff (both offsets within the same buffer).
func (b *Buf) PatchRel32(at int, targetOff int) {
	rel := int32(targetOff - (at + 4))
	b.Code[at] = byte(rel)
	b.Code[at+1] = byte(rel >> 8)
	b.Code[at+2] = byte(rel >> 16)
	b.Code[at+3] = byte(rel >> 24)
}

// CallRM emits call reg (absolute indirect through a register).
func (b *Buf) CallRM(reg Reg) {
	if reg&8 != 0 {
		b.emit(rex(false, 0, 0, reg))
	}
	b.emit(0xff, modrm(3, 2, byte(reg)))
}

// JmpRM emits jmp reg (absolute indirect through a register).
func (b *Buf) JmpRM(reg Reg) {
	if reg&8 != 0 {
		b.emit(rex(false, 0, 0, reg))
	}
	b.emit(0xff, modrm(3, 4, byte(reg)))
}

// TestRR emits test lhs, rhs (32-bit).
func (b *Buf) TestRR(lhs, rhs Reg) {
	b.emit(rex(false, rhs, 0, lhs), 0x85, modrm(3, byte(rhs), byte(lhs)))
}

// Ret emits a bare ret.
func (b *Buf) Ret() { b.emit(0xc3) }

// PushR/PopR emit push/pop reg (64-bit).
func (b *Buf) PushR(r Reg) {
	if r&8 != 0 {
		b.emit(rex(false, 0, 0, r))
	}
	b.emit(0x50 + byte(r&7))
}
func (b *Buf) PopR(r Reg) {
	if r&8 != 0 {
		b.emit(rex(false, 0, 0, r))
	}
	b.emit(0x58 + byte(r&7))
}

// SubRSPImm32/AddRSPImm32 adjust the stack pointer by an immediate,
// used by the scratch-frame prologue/epilogue and the hcall call-frame
// convention.
func (b *Buf) SubRSPImm32(imm uint32) {
	b.emit(rex(true, 0, 0, 0), 0x81, modrm(3, 5, 4))
	b.emit(byte(imm), byte(imm>>8), byte(imm>>16), byte(imm>>24))
}
func (b *Buf) AddRSPImm32(imm uint32) {
	b.emit(rex(true, 0, 0, 0), 0x81, modrm(3, 0, 4))
	b.emit(byte(imm), byte(imm>>8), byte(imm>>16), byte(imm>>24))
}
