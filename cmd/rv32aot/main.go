// Command rv32aot is the offline AOT compiler driver: it runs a guest
// binary once under the JIT to collect per-page instruction coverage
// (internal/profile), then hands the hottest pages to internal/aot to
// translate, link, and fix up into a relocatable .so a later rv32run
// --aot invocation can load without retranslating.
//
// spec.md leaves the on-disk profile byte format a non-goal, so this
// driver does not persist a profile between processes; --profile
// instead gives the minimum per-page instruction-coverage threshold
// (internal/profile.Profile.HotPages) a page must clear during this
// same training run to be worth compiling ahead of time.
package main

import (
	"fmt"
	"os"
	"unsafe"

	cli "gopkg.in/urfave/cli.v1"

	"github.com/pooh64/rv32dbt/internal/aot"
	"github.com/pooh64/rv32dbt/internal/cpu"
	"github.com/pooh64/rv32dbt/internal/elfload"
	"github.com/pooh64/rv32dbt/internal/logging"
	"github.com/pooh64/rv32dbt/internal/mmu"
	"github.com/pooh64/rv32dbt/internal/profile"
	"github.com/pooh64/rv32dbt/internal/tcache"
	"github.com/pooh64/rv32dbt/internal/ukernel"
)

const guestAddressSpace = 1 << 32
const guestStackSize = 8 << 20

func main() {
	app := cli.NewApp()
	app.Name = "rv32aot"
	app.Usage = "train and compile a precompiled .so for a RV32I guest ELF"
	app.ArgsUsage = "<guest-elf>"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "logs", Usage: "colon-separated log streams to enable, or * for all"},
		cli.IntFlag{Name: "profile", Value: 1, Usage: "minimum per-page instruction coverage to compile a page ahead of time"},
		cli.StringFlag{Name: "out", Value: "out.so", Usage: "path to write the linked AOT object"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "rv32aot: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.String("logs") != "" {
		logging.Enable(c.String("logs"))
	}
	if c.NArg() < 1 {
		return fmt.Errorf("usage: rv32aot [options] <guest-elf>")
	}
	guestPath := c.Args().Get(0)
	minHits := c.Int("profile")
	soPath := c.String("out")

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

	prof := profile.New()
	fetch := func(ip uint32) uint32 {
		prof.MarkExecuted(ip)
		return fetchWord(m, ip)
	}

	stackTop := img.HiBound + guestStackSize
	ukernel.InitThread(state, stackTop)

	k := &ukernel.Kernel{
		Cache:   cache,
		MMU:     m,
		Fetch:   fetch,
		Syscall: ukernel.SyscallLinuxMinimal(m),
	}
	if err := k.Execute(state); err != nil {
		return fmt.Errorf("training run: %w", err)
	}

	opts := aot.CompileOptions{
		Fetch:      fetch,
		MinHits:    minHits,
		ObjPath:    soPath + ".o",
		SoPath:     soPath,
		UpperBound: cache.LookupUpperBound,
	}
	if err := aot.CompileElf(prof, opts); err != nil {
		return fmt.Errorf("compile %s: %w", soPath, err)
	}
	fmt.Fprintf(os.Stderr, "rv32aot: wrote %s\n", soPath)
	return nil
}

func fetchWord(m *mmu.MMU, ip uint32) uint32 {
	host := m.G2H(ip)
	return *(*uint32)(unsafe.Pointer(host))
}

