// Package ukernel drives the JIT dispatch loop and provides the thin
// guest-syscall shim spec.md calls out as an external collaborator
// without specifying. Its shape — loop, translate-or-lookup, enter,
// dispatch on trap, repeat unless the trap is terminal — is the Go
// recast of original_source/dbt/ukernel.cpp's Execute/SyscallDemo.
package ukernel

import (
	"fmt"

	"github.com/pooh64/rv32dbt/internal/cpu"
	"github.com/pooh64/rv32dbt/internal/logging"
	"github.com/pooh64/rv32dbt/internal/mmu"
	"github.com/pooh64/rv32dbt/internal/rv32"
	"github.com/pooh64/rv32dbt/internal/tcache"
)

var log = logging.Named("ukernel")

// Kernel bundles the pieces the dispatch loop needs to resolve a guest
// IP into runnable code and to service ECALL traps.
type Kernel struct {
	Cache *tcache.Cache
	MMU   *mmu.MMU
	Fetch rv32.FetchFunc

	// Syscall services an ECALL trap; state.GPR[17] (a7) holds the
	// syscall number. Execute resets state.TrapCode to TrapNone before
	// calling it; leaving it TrapNone resumes the guest, setting a
	// terminal code ends Execute.
	Syscall func(state *cpu.State)
}

// InitThread seeds the stack pointer the way ukernel::InitThread does,
// the minimal guest-thread setup this repo performs (full argv/envp/auxv
// vector construction from original_source/dbt/ukernel.cpp's
// InitAVectors is out of scope: the demo syscall table never inspects
// them).
func InitThread(state *cpu.State, stackTop uint32) {
	const spReg = 2
	state.SetGPR(spReg, stackTop)
}

// Execute runs the guest starting from state.IP until a terminal trap:
// EBREAK, an illegal instruction, or a syscall that sets TrapTerminated.
// Every iteration either finds an already-installed TB for state.IP or
// translates and installs one, then transfers control via Cache.Enter;
// when control returns, the switch below is the Go recast of
// ukernel::Execute's trap switch.
func (k *Kernel) Execute(state *cpu.State) error {
	for {
		tb := k.Cache.Lookup(state.IP)
		if tb == nil {
			var err error
			tb, err = k.Cache.TranslateAndInstall(state.IP, k.Fetch)
			if err != nil {
				return fmt.Errorf("ukernel: translate at %#x: %w", state.IP, err)
			}
		}
		k.Cache.Enter(state, tb)

		switch state.TrapCode {
		case cpu.TrapNone:
			// An unlinked branch-slot exit (link-branch stub or brind
			// helper) resolved state.IP but found no reason to trap;
			// loop back around and look it up.
		case cpu.TrapEBreak:
			log.Printf("ebreak terminate at %#x", state.IP)
			return nil
		case cpu.TrapECall:
			state.IP += 4
			state.TrapCode = cpu.TrapNone
			if k.Syscall != nil {
				k.Syscall(state)
			} else {
				SyscallDemo(state)
			}
			if state.TrapCode != cpu.TrapNone {
				log.Printf("exiting: %s", state.TrapCode)
				return nil
			}
		case cpu.TrapIllegalInsn:
			log.Printf("illegal instruction at %#x", state.IP)
			return fmt.Errorf("ukernel: illegal instruction at %#x", state.IP)
		case cpu.TrapUnalignedIP:
			return fmt.Errorf("ukernel: unaligned ip %#x", state.IP)
		case cpu.TrapTerminated:
			return nil
		default:
			return fmt.Errorf("ukernel: unhandled trap %s at %#x", state.TrapCode, state.IP)
		}
	}
}

// SyscallDemo is a tiny, dependency-free syscall table (read/print a
// decimal number, or exit) matching ukernel::SyscallDemo, enough to
// drive cmd/rv32run against a hand-written freestanding guest test
// program without committing to a full Linux guest ABI.
func SyscallDemo(state *cpu.State) {
	switch state.GetGPR(10) {
	case 1:
		log.Printf("syscall readnum unsupported in demo mode")
		state.SetGPR(10, 0)
	case 2:
		fmt.Println(int32(state.GetGPR(11)))
	case 93, 94: // exit, exit_group
		state.TrapCode = cpu.TrapTerminated
	default:
		log.Printf("unknown demo syscall %d", state.GetGPR(10))
		state.TrapCode = cpu.TrapTerminated
	}
}
