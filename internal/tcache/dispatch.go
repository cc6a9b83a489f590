package tcache

import (
	"unsafe"

	"github.com/pooh64/rv32dbt/internal/codegen"
	"github.com/pooh64/rv32dbt/internal/cpu"
	"github.com/pooh64/rv32dbt/internal/qir"
)

// activeCache is the one live Cache instance this process drives; both
// LinkBranch and Brind are called from raw generated code through a
// hand-built stack convention with nothing describing a closure, so
// they reach their owning Cache through this process-wide singleton
// rather than taking it as an argument.
var activeCache *Cache

// enterTB is implemented in dispatch_amd64.s; it pins state/membase
// into R13/R12 and transfers control to a tcache-resident translation
// block.
func enterTB(state, membase, code uintptr)

// hostcallTrampoline is implemented in dispatch_amd64.s; it forwards an
// in-block hcall's hand-built stack frame to dispatchHostcall.
func hostcallTrampoline()

func hostcallTrampolineAddr() uintptr {
	return uintptr(unsafe.Pointer(funcPC(hostcallTrampoline)))
}

// tbExitTrampoline is implemented in dispatch_amd64.s; linkBranchTrampoline
// (on a link miss) and emitGBrind's miss path jump to it. It discards the
// TB's 248-byte scratch frame, handing control back to enterTB's
// post-CALL continuation.
func tbExitTrampoline()

func tbExitTrampolineAddr() uintptr {
	return uintptr(unsafe.Pointer(funcPC(tbExitTrampoline)))
}

// linkBranchTrampoline is implemented in dispatch_amd64.s; it is the
// default call target of every freshly emitted Unlinked branch slot.
func linkBranchTrampoline()

func linkBranchTrampolineAddr() uintptr {
	return uintptr(unsafe.Pointer(funcPC(linkBranchTrampoline)))
}

// brindTrampoline is implemented in dispatch_amd64.s; it forwards a
// gbrind miss's hand-built call frame to Brind.
func brindTrampoline()

func brindTrampolineAddr() uintptr {
	return uintptr(unsafe.Pointer(funcPC(brindTrampoline)))
}

// funcPC is the conventional (and, since Go 1.17's register ABI, only
// reliable) way to obtain a Go-asm-declared function's entry address
// from Go code without taking &fn, which is not comparable the same way
// across Go versions; here it simply returns the function value's code
// pointer.
func funcPC(f func()) uintptr {
	return **(**uintptr)(unsafe.Pointer(&f))
}

// dispatchHostcall is the actual implementation every in-block hcall
// eventually reaches. It never runs on a stack frame the Go runtime
// can't describe — hostcallTrampoline has already copied the call
// arguments into an ordinary Go call by the time this runs — so it is
// free to do anything a normal Go function can, including calling
// through interfaces and allocating.
//
//go:noinline
func dispatchHostcall(statePtr uintptr, stub uint64, arg uint64) uint64 {
	state := (*cpu.State)(unsafe.Pointer(statePtr))
	result, trapped := runStub(state, qir.StubID(stub), arg)
	if trapped {
		return uint64(result) | trapFlagBit
	}
	return uint64(result)
}

// trapFlagBit is packed into a hostcall result's high bit to signal
// "a trap was raised, unwind the TB now"; emit.go's hcall lowering
// tests this bit immediately after the call (the error-return analogue
// of siglongjmp the spec explicitly sanctions as an alternative).
const trapFlagBit = uint64(1) << 63

// LinkBranch is linkBranchTrampoline's Go-side implementation: it reads
// the guest IP back out of the slot whose call-return address it was
// handed, looks the TB map up, and if found rewrites the slot in place
// (codegen.RelinkAt) so every future pass through it is a plain jmp. It
// always returns a valid code address — the resolved TB's, or the exit
// trampoline's on a miss — so the caller's tail jump never needs a
// conditional of its own. On a miss it also records gip as the guest's
// new IP: that slot's TB never stored the branch target anywhere (only
// its own address, for mid-block trap recovery), so this is the one
// place state.IP picks it up before control returns to Go.
//
//go:noinline
func LinkBranch(trailerAddr uintptr) uintptr {
	slotAddr := trailerAddr - uintptr(codegen.SlotSize-4)
	gip := *(*uint32)(unsafe.Pointer(trailerAddr))
	if activeCache != nil {
		if tb := activeCache.Lookup(gip); tb != nil {
			codegen.RelinkAt(slotAddr, tb.Code)
			return tb.Code
		}
		activeCache.state.IP = gip
	}
	return tbExitTrampolineAddr()
}

// Brind is brindTrampoline's Go-side implementation, reached whenever
// emitGBrind's inline jump-cache probe misses: it records the computed
// target as the guest's new IP (the one place that actually happens,
// now that the jalr translator no longer has to guess it), resolves the
// target the slow way, and updates the jump cache on a hit. Like
// LinkBranch it always hands back a valid code address.
//
//go:noinline
func Brind(statePtr uintptr, gip uint64) uintptr {
	state := (*cpu.State)(unsafe.Pointer(statePtr))
	state.IP = uint32(gip)
	if activeCache != nil {
		if host, ok := activeCache.OnBrind(uint32(gip)); ok {
			return host
		}
	}
	return tbExitTrampolineAddr()
}
