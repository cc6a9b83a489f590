// Command rv32run is the JIT-mode execute driver: load a statically
// linked RV32I ELF, optionally pull in a precompiled .so's translation
// blocks (--aot), and run it to completion through internal/ukernel.
// Flag parsing is gopkg.in/urfave/cli.v1, matching the CLI front door
// the teacher repo's own node command uses.
package main

import (
	"fmt"
	"os"
	"strconv"
	"unsafe"

	cli "gopkg.in/urfave/cli.v1"

	"github.com/pooh64/rv32dbt/internal/aot"
	"github.com/pooh64/rv32dbt/internal/cpu"
	"github.com/pooh64/rv32dbt/internal/elfload"
	"github.com/pooh64/rv32dbt/internal/logging"
	"github.com/pooh64/rv32dbt/internal/mmu"
	"github.com/pooh64/rv32dbt/internal/tcache"
	"github.com/pooh64/rv32dbt/internal/ukernel"
)

// guestAddressSpace is the flat host reservation backing the whole
// 32-bit guest address range; internal/mmu maps PT_LOAD segments and
// the guest stack into it at host = base + guest.
const guestAddressSpace = 1 << 32

// guestStackSize is the fixed stack reservation below the top of the
// guest address space, matching ukernel::InitThread's fixed-size stack
// in the original.
const guestStackSize = 8 << 20

func main() {
	app := cli.NewApp()
	app.Name = "rv32run"
	app.Usage = "run a statically linked RV32I guest ELF under the JIT"
	app.ArgsUsage = "<guest-elf> [-- guest-args...]"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "logs", Usage: "colon-separated log streams to enable, or * for all"},
		cli.StringFlag{Name: "membase", Usage: "host address to request for guest address 0 (debug aid, best-effort)"},
		cli.StringFlag{Name: "aot", Usage: "path to a precompiled .so to install before running"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "rv32run: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.String("logs") != "" {
		logging.Enable(c.String("logs"))
	}
	if c.NArg() < 1 {
		return fmt.Errorf("usage: rv32run [options] <guest-elf> [-- guest-args...]")
	}
	guestPath := c.Args().Get(0)

	if c.String("membase") != "" {
		if _, err := strconv.ParseUint(c.String("membase"), 0, 64); err != nil {
			return fmt.Errorf("invalid --membase: %w", err)
		}
		// The guest reservation's base address is chosen by the kernel
		// (mmu.Init never passes MAP_FIXED for its own reservation); a
		// requested --membase is only ever a best-effort hint surfaced
		// for debugging layout, matching the original's commented-out
		// preferred-mmap-hint path in mmu_x64.cpp.
	}

	m, err := mmu.Init(guestAddressSpace)
	if err != nil {
		return fmt.Errorf("reserve guest address space: %w", err)
	}
	defer m.Destroy()

	img, err := elfload.Load(m, guestPath)
	if err != nil {
		return err
	}

	state := &cpu.State{MemBase: m.Base(), IP: img.Entry}
	cache, err := tcache.Init(state)
	if err != nil {
		return fmt.Errorf("init code cache: %w", err)
	}
	defer cache.Destroy()

	if soPath := c.String("aot"); soPath != "" {
		loaded, err := aot.Load(soPath)
		if err != nil {
			return fmt.Errorf("load aot object %s: %w", soPath, err)
		}
		aot.InstallAll(cache, loaded)
	}

	stackTop := img.HiBound + guestStackSize
	ukernel.InitThread(state, stackTop)

	k := &ukernel.Kernel{
		Cache:   cache,
		MMU:     m,
		Fetch:   func(ip uint32) uint32 { return fetchWord(m, ip) },
		Syscall: ukernel.SyscallLinuxMinimal(m),
	}
	if err := k.Execute(state); err != nil {
		return err
	}
	return nil
}

func fetchWord(m *mmu.MMU, ip uint32) uint32 {
	host := m.G2H(ip)
	return *(*uint32)(unsafe.Pointer(host))
}
