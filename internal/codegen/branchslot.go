package codegen

import (
	"encoding/binary"
	"unsafe"
)

// SlotSize is the fixed byte footprint of every branch slot: 12
// patchable bytes followed by a 4-byte little-endian guest IP trailer,
// per spec. Every gbr site reserves exactly this many bytes regardless
// of link state so relinking never needs to move surrounding code.
const SlotSize = 16

// SlotState is a branch slot's current link state.
type SlotState uint8

const (
	// Unlinked: movabs rax, trampoline_addr (10 bytes) + call rax (2
	// bytes) = 12 bytes used, calling the shared exit/link-request
	// trampoline; the target TB is not known yet.
	Unlinked SlotState = iota
	// Linked32: jmp rel32 (5 bytes) directly to the target TB's code,
	// used when the target is within a 32-bit-reachable offset.
	Linked32
	// Linked64: movabs rax, target_addr (10 bytes) + jmp rax (2 bytes)
	// = 12 bytes used, for an out-of-range target.
	Linked64
)

// EmitUnlinked writes an Unlinked slot at buf's current end, targeting
// guest IP gip and calling through to callTarget (emitGBr passes the
// link-branch stub, internal/tcache.LinkBranch); the call's return
// address is the slot's guest-IP trailer at start+12.
// Returns the byte offset of the call-target address immediate, for
// ModeAOT callers that must later relocate it (internal/aot).
func EmitUnlinked(buf *Buf, gip uint32, callTarget uintptr) (immOff int) {
	start := len(buf.Code)
	immOff = buf.MovRI64(slotReg, uint64(callTarget))
	buf.CallRM(slotReg)
	padToSlot(buf, start)
	binary.LittleEndian.PutUint32(buf.Code[start+12:start+16], gip)
	return immOff
}

// slotReg is the register the slot codec uses for its own indirect
// jump/call target. RAX needs no REX.B prefix, so movabs+call and
// movabs+jmp both fill exactly the 12-byte patch region. A slot always
// ends its TB, so nothing is live in it there and clobbering it is safe.
const slotReg = Reg(PRegAX)

// PRegScratch is the register emitHcall and emitGBrind load their
// absolute call targets into.
const PRegScratch Reg = 10 // R10

func padToSlot(buf *Buf, start int) {
	for len(buf.Code)-start < 12 {
		buf.Code = append(buf.Code, 0x90) // nop padding up to the fixed 12-byte patch region
	}
	for len(buf.Code) < start+16 {
		buf.Code = append(buf.Code, 0)
	}
}

// RelinkInPlace rewrites an already-emitted slot's first 12 bytes to
// Linked32 or Linked64, called by the link stub once the target TB
// exists (internal/tcache.LinkBranch). code is the full code-cache
// backing slice, slotOff is the byte offset of this slot's first byte
// within it.
func RelinkInPlace(code []byte, slotOff int, slotAddr, targetAddr uintptr) {
	rel := int64(targetAddr) - int64(slotAddr+5)
	region := code[slotOff : slotOff+12]
	for i := range region {
		region[i] = 0x90
	}
	if rel >= -(1<<31) && rel < (1<<31) {
		region[0] = 0xe9
		binary.LittleEndian.PutUint32(region[1:5], uint32(int32(rel)))
		return
	}
	region[0] = 0x48 // REX.W
	region[1] = 0xb8 + byte(slotReg&7)
	binary.LittleEndian.PutUint64(region[2:10], uint64(targetAddr))
	region[10] = 0xff
	region[11] = 0xe0 | byte(slotReg&7) // jmp rax
}

// RelinkAt is RelinkInPlace for the link-branch stub
// (internal/tcache.LinkBranch), which only ever has a live host address
// recovered from a slot's own call-return address to work with, not a
// TB's backing byte slice and offset.
func RelinkAt(slotAddr, targetAddr uintptr) {
	code := unsafe.Slice((*byte)(unsafe.Pointer(slotAddr)), 12)
	RelinkInPlace(code, 0, slotAddr, targetAddr)
}

// SlotGuestIP reads the 4-byte trailer back out of an emitted slot.
func SlotGuestIP(code []byte, slotOff int) uint32 {
	return binary.LittleEndian.Uint32(code[slotOff+12 : slotOff+16])
}
