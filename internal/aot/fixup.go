package aot

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
)

// FixupAOTTab reopens the just-linked .so, resolves every "_x<hex ip>"
// symbol the linker placed, and overwrites the .aottab section's
// per-entry offsets (currently byte offsets within .aot, pre-link) with
// final linked addresses — the Go recast of FixupAOTTabSection, with
// elfio's hand-rolled symbol table walk replaced by stdlib debug/elf,
// the one deliberate standard-library dependency in this repo (no
// example repo or other_examples/ file carries a third-party ELF
// *reader*; debug/elf is the idiomatic stdlib choice and is recorded as
// such in DESIGN.md).
func FixupAOTTab(soPath string) error {
	f, err := elf.Open(soPath)
	if err != nil {
		return fmt.Errorf("fixup: open %s: %w", soPath, err)
	}
	defer f.Close()

	syms, err := f.Symbols()
	if err != nil {
		return fmt.Errorf("fixup: read symbols: %w", err)
	}
	byName := make(map[string]elf.Symbol, len(syms))
	for _, s := range syms {
		byName[s.Name] = s
	}

	tabSym, ok := byName["_aot_tab"]
	if !ok {
		return fmt.Errorf("fixup: no _aot_tab symbol in %s", soPath)
	}
	aottabSec := f.Sections[tabSym.Section]
	raw, err := aottabSec.Data()
	if err != nil {
		return fmt.Errorf("fixup: read .aottab: %w", err)
	}

	aottabFileOff := int64(aottabSec.Offset) + int64(tabSym.Value-aottabSec.Addr)
	entries, _ := decodeAOTTab(raw)

	out := make([]byte, len(raw))
	copy(out, raw)
	for i, e := range entries {
		name := symbolName(e.GuestIP)
		sym, ok := byName[name]
		if !ok {
			return fmt.Errorf("fixup: missing symbol %s", name)
		}
		off := 4 + i*8
		binary.LittleEndian.PutUint32(out[off+4:], uint32(sym.Value))
	}

	fh, err := os.OpenFile(soPath, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("fixup: reopen for write: %w", err)
	}
	defer fh.Close()
	if _, err := fh.WriteAt(out, aottabFileOff); err != nil {
		return fmt.Errorf("fixup: write .aottab: %w", err)
	}
	return nil
}
