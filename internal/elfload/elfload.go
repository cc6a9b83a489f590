// Package elfload loads a statically linked RV32I guest ELF executable
// into the guest address space (internal/mmu), the Go recast of the
// original's elf_loader.cpp (itself a small, load-only reader much like
// debug/elf's own Open/ProgramHeaders path). It deliberately implements
// only what a DBT needs: PT_LOAD segments and the entry point; dynamic
// linking, PT_INTERP and PT_NOTE are out of scope (guests are expected
// to be statically linked, matching spec.md's ELF loading Non-goals).
package elfload

import (
	"debug/elf"
	"fmt"

	"github.com/pooh64/rv32dbt/internal/logging"
	"github.com/pooh64/rv32dbt/internal/mmu"
)

var log = logging.Named("elfload")

// Image describes a loaded guest binary.
type Image struct {
	Entry   uint32
	LoBound uint32 // lowest mapped guest address, for bounds checks
	HiBound uint32 // highest mapped guest address (exclusive)
}

// Load reads path, maps every PT_LOAD segment into m at its file-specified
// guest virtual address, and returns the entry point. The ELF must be
// ET_EXEC (no PIE/ET_DYN support: DBT guests run at their fixed load
// address), 32-bit, little-endian, EM_RISCV.
func Load(m *mmu.MMU, path string) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("elfload: open %s: %w", path, err)
	}
	defer f.Close()

	if err := validate(f); err != nil {
		return nil, err
	}

	img := &Image{Entry: uint32(f.Entry), LoBound: ^uint32(0)}
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			return nil, fmt.Errorf("elfload: read segment at %#x: %w", prog.Vaddr, err)
		}
		if prog.Memsz > prog.Filesz {
			data = append(data, make([]byte, prog.Memsz-prog.Filesz)...)
		}
		prot := progProt(prog.Flags)
		if err := m.MapFixed(uint32(prog.Vaddr), data, prot); err != nil {
			return nil, fmt.Errorf("elfload: map segment at %#x: %w", prog.Vaddr, err)
		}
		lo, hi := uint32(prog.Vaddr), uint32(prog.Vaddr+prog.Memsz)
		if lo < img.LoBound {
			img.LoBound = lo
		}
		if hi > img.HiBound {
			img.HiBound = hi
		}
		log.Printf("mapped segment vaddr=%#x memsz=%#x flags=%s", prog.Vaddr, prog.Memsz, prog.Flags)
	}
	if img.LoBound == ^uint32(0) {
		return nil, fmt.Errorf("elfload: %s has no PT_LOAD segments", path)
	}
	log.Printf("loaded %s entry=%#x", path, img.Entry)
	return img, nil
}

func validate(f *elf.File) error {
	if f.Class != elf.ELFCLASS32 {
		return fmt.Errorf("elfload: not a 32-bit ELF")
	}
	if f.Data != elf.ELFDATA2LSB {
		return fmt.Errorf("elfload: not little-endian")
	}
	if f.Type != elf.ET_EXEC {
		return fmt.Errorf("elfload: not ET_EXEC (PIE guests unsupported)")
	}
	if f.Machine != elf.EM_RISCV {
		return fmt.Errorf("elfload: not EM_RISCV")
	}
	return nil
}

func progProt(flags elf.ProgFlag) int {
	const (
		protRead  = 0x1
		protWrite = 0x2
		protExec  = 0x4
	)
	prot := 0
	if flags&elf.PF_R != 0 {
		prot |= protRead
	}
	if flags&elf.PF_W != 0 {
		prot |= protWrite
	}
	if flags&elf.PF_X != 0 {
		prot |= protExec
	}
	return prot
}
