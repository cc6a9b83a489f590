package tcache

import (
	"sync/atomic"
	"unsafe"

	"github.com/pooh64/rv32dbt/internal/cpu"
	"github.com/pooh64/rv32dbt/internal/qir"
)

// runStub executes one in-block host helper, the Go recast of the
// original's TRANSLATOR_Helper(fence/fence.i/lrw/scw/amo*) handlers:
// fence and fence.i are no-ops on this single-threaded-per-guest-thread
// host model (Go's memory model already orders the plain loads/stores
// QIR emits; there is no weaker host reordering to fence against), the
// lr.w/sc.w/amo*.w family perform a real atomic read-modify-write on
// host memory since QIR's binop sequences cannot express one
// host-atomically. ecall/ebreak set the trap code and report trapped.
func runStub(state *cpu.State, stub qir.StubID, arg uint64) (result uint32, trapped bool) {
	switch stub {
	case qir.StubFence, qir.StubFenceI:
		return 0, false

	case qir.StubLRW:
		return atomic.LoadUint32(hostWord(state, uint32(arg))), false
	case qir.StubSCW:
		addr, val := unpackArg(arg)
		atomic.StoreUint32(hostWord(state, addr), val)
		return 0, false

	case qir.StubAMOSwapW:
		addr, val := unpackArg(arg)
		return atomic.SwapUint32(hostWord(state, addr), val), false
	case qir.StubAMOAddW:
		addr, val := unpackArg(arg)
		return atomic.AddUint32(hostWord(state, addr), val) - val, false
	case qir.StubAMOXorW, qir.StubAMOAndW, qir.StubAMOOrW,
		qir.StubAMOMinW, qir.StubAMOMaxW, qir.StubAMOMinUW, qir.StubAMOMaxUW:
		addr, val := unpackArg(arg)
		return amoCAS(hostWord(state, addr), val, stub), false

	case qir.StubECall:
		state.TrapCode = cpu.TrapECall
		return 0, true
	case qir.StubEBreak:
		state.TrapCode = cpu.TrapEBreak
		return 0, true

	default:
		state.TrapCode = cpu.TrapIllegalInsn
		return 0, true
	}
}

func hostWord(state *cpu.State, guestAddr uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(state.MemBase + uintptr(guestAddr)))
}

// unpackArg splits the 64-bit hcall argument word sc.w/amo*.w pack
// (addr in the low 32 bits, store value in the high 32), matching
// internal/rv32.translateAMO's packing.
func unpackArg(arg uint64) (addr, val uint32) { return uint32(arg), uint32(arg >> 32) }

// amoCAS performs the non-trivial AMO ops (xor/and/or/min/max, signed
// and unsigned) via a compare-and-swap retry loop, since the host has no
// single instruction for them.
func amoCAS(word *uint32, operand uint32, stub qir.StubID) uint32 {
	for {
		old := atomic.LoadUint32(word)
		var next uint32
		switch stub {
		case qir.StubAMOXorW:
			next = old ^ operand
		case qir.StubAMOAndW:
			next = old & operand
		case qir.StubAMOOrW:
			next = old | operand
		case qir.StubAMOMinW:
			if int32(operand) < int32(old) {
				next = operand
			} else {
				next = old
			}
		case qir.StubAMOMaxW:
			if int32(operand) > int32(old) {
				next = operand
			} else {
				next = old
			}
		case qir.StubAMOMinUW:
			if operand < old {
				next = operand
			} else {
				next = old
			}
		default: // StubAMOMaxUW
			if operand > old {
				next = operand
			} else {
				next = old
			}
		}
		if atomic.CompareAndSwapUint32(word, old, next) {
			return old
		}
	}
}

// stubAddr returns the address a JIT-mode hcall site should call
// directly for stub; in this Go port every stub ultimately funnels
// through dispatchHostcall (there is no per-stub native code to address
// separately the way the original's asmjit stub table held one entry
// per helper), so this is the same trampoline address for every id,
// with the id itself carried as the hcall's stub-id argument word.
func stubAddr(stub qir.StubID) uintptr { return hostcallTrampolineAddr() }
