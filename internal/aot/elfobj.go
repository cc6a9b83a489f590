package aot

import "encoding/binary"

// Minimal ELF64 ET_REL object builder, carrying a relocatable .aot
// (code) section, a companion .aottab lookup table, and a conventional
// .symtab/.strtab/.shstrtab, ready for an external linker to turn into a
// shared object. Adapted from std/compiler/elf_x64.go's buildELF64 (an
// ET_EXEC, PT_LOAD-based builder): this variant drops the program
// header and virtual-address fixups entirely since an ET_REL object
// carries no load segments — every address here is link-time, not
// run-time.
type objectWriter struct {
	code   []byte // .aot section contents
	aottab []byte // .aottab section contents
	syms   []elfSym
}

type elfSym struct {
	name    string
	section int // 1 = .aot, 2 = .aottab
	value   uint64
	size    uint64
}

func newObjectWriter() *objectWriter { return &objectWriter{} }

func (w *objectWriter) addCode(code []byte) { w.code = append(w.code, code...) }

func (w *objectWriter) addSymbol(name string, section int, value, size uint64) {
	w.syms = append(w.syms, elfSym{name, section, value, size})
}

func putU16(b []byte, v uint16) { binary.LittleEndian.PutUint16(b, v) }
func putU32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func putU64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }

// build emits a complete ET_REL ELF64 object:
// [ELF header][.aot][.aottab][.symtab][.strtab][.shstrtab][section headers]
func (w *objectWriter) build() []byte {
	const ehdrSize = 64
	const shdrSize = 64
	const symSize = 24

	aotOff := ehdrSize
	aottabOff := align(aotOff+len(w.code), 16)
	symtabOff := align(aottabOff+len(w.aottab), 16)

	var strtab []byte
	strtab = append(strtab, 0)
	nameOff := make([]int, len(w.syms))
	for i, s := range w.syms {
		nameOff[i] = len(strtab)
		strtab = append(strtab, []byte(s.name)...)
		strtab = append(strtab, 0)
	}

	symtabSize := (1 + len(w.syms)) * symSize
	symtab := make([]byte, symtabSize)
	for i, s := range w.syms {
		off := (i + 1) * symSize
		putU32(symtab[off:], uint32(nameOff[i]))
		symtab[off+4] = 0x11 // STT_OBJECT | STB_GLOBAL<<4; overwritten below for funcs
		if s.section == 1 {
			symtab[off+4] = 0x12 // STT_FUNC | STB_GLOBAL<<4
		}
		putU16(symtab[off+6:], uint16(s.section))
		putU64(symtab[off+8:], s.value)
		putU64(symtab[off+16:], s.size)
	}

	strtabOff := symtabOff + symtabSize
	shstrtab := []byte("\x00.aot\x00.aottab\x00.symtab\x00.strtab\x00.shstrtab\x00")
	shNameAot, shNameAottab := 1, 6
	shNameSymtab, shNameStrtab, shNameShstrtab := 14, 22, 30

	shstrtabOff := strtabOff + len(strtab)
	shdrOff := align(shstrtabOff+len(shstrtab), 8)

	const shdrCount = 6 // null, .aot, .aottab, .symtab, .strtab, .shstrtab
	total := shdrOff + shdrCount*shdrSize

	buf := make([]byte, total)
	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EV_CURRENT
	putU16(buf[16:], 1)                 // e_type: ET_REL
	putU16(buf[18:], 62)                // e_machine: EM_X86_64
	putU32(buf[20:], 1)                 // e_version
	putU64(buf[40:], uint64(shdrOff))   // e_shoff
	putU16(buf[52:], ehdrSize)          // e_ehsize
	putU16(buf[58:], shdrSize)          // e_shentsize
	putU16(buf[60:], shdrCount)         // e_shnum
	putU16(buf[62:], 5)                 // e_shstrndx

	copy(buf[aotOff:], w.code)
	copy(buf[aottabOff:], w.aottab)
	copy(buf[symtabOff:], symtab)
	copy(buf[strtabOff:], strtab)
	copy(buf[shstrtabOff:], shstrtab)

	sh := func(idx int) []byte { return buf[shdrOff+idx*shdrSize:] }

	// .aot: PROGBITS, ALLOC|EXECINSTR|WRITE (relocatable, code_arena is
	// modified in place during fixup in the original; kept writable here
	// too so the fixup pass could patch inline constants if ever needed)
	s := sh(1)
	putU32(s[0:], uint32(shNameAot))
	putU32(s[4:], 1)
	putU64(s[8:], 0x7)
	putU64(s[24:], uint64(aotOff))
	putU64(s[32:], uint64(len(w.code)))
	putU64(s[48:], 16)

	// .aottab: PROGBITS, ALLOC|WRITE
	s = sh(2)
	putU32(s[0:], uint32(shNameAottab))
	putU32(s[4:], 1)
	putU64(s[8:], 0x3)
	putU64(s[24:], uint64(aottabOff))
	putU64(s[32:], uint64(len(w.aottab)))
	putU64(s[48:], 8)

	// .symtab
	s = sh(3)
	putU32(s[0:], uint32(shNameSymtab))
	putU32(s[4:], 2) // SHT_SYMTAB
	putU64(s[24:], uint64(symtabOff))
	putU64(s[32:], uint64(symtabSize))
	putU32(s[40:], 4) // sh_link -> .strtab
	putU32(s[44:], 1)
	putU64(s[48:], 8)
	putU64(s[56:], symSize)

	// .strtab
	s = sh(4)
	putU32(s[0:], uint32(shNameStrtab))
	putU32(s[4:], 3) // SHT_STRTAB
	putU64(s[24:], uint64(strtabOff))
	putU64(s[32:], uint64(len(strtab)))
	putU64(s[48:], 1)

	// .shstrtab
	s = sh(5)
	putU32(s[0:], uint32(shNameShstrtab))
	putU32(s[4:], 3)
	putU64(s[24:], uint64(shstrtabOff))
	putU64(s[32:], uint64(len(shstrtab)))
	putU64(s[48:], 1)

	return buf
}

func align(off, a int) int { return (off + a - 1) &^ (a - 1) }
