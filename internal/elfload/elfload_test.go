package elfload

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pooh64/rv32dbt/internal/mmu"
)

// buildMinimalRV32ELF hand-assembles the smallest ET_EXEC/EM_RISCV/32-bit
// little-endian ELF debug/elf will parse: one PT_LOAD segment carrying code.
func buildMinimalRV32ELF(t *testing.T, code []byte, vaddr uint32) []byte {
	t.Helper()
	const ehdrSize = 52
	const phdrSize = 32

	var buf bytes.Buffer
	ident := [16]byte{0x7f, 'E', 'L', 'F', 1 /* ELFCLASS32 */, 1 /* ELFDATA2LSB */, 1, 0}
	buf.Write(ident[:])
	binary.Write(&buf, binary.LittleEndian, uint16(elf.ET_EXEC))
	binary.Write(&buf, binary.LittleEndian, uint16(elf.EM_RISCV))
	binary.Write(&buf, binary.LittleEndian, uint32(1)) // e_version
	binary.Write(&buf, binary.LittleEndian, uint32(vaddr))
	binary.Write(&buf, binary.LittleEndian, uint32(ehdrSize)) // e_phoff
	binary.Write(&buf, binary.LittleEndian, uint32(0))        // e_shoff
	binary.Write(&buf, binary.LittleEndian, uint32(0))        // e_flags
	binary.Write(&buf, binary.LittleEndian, uint16(ehdrSize))
	binary.Write(&buf, binary.LittleEndian, uint16(phdrSize))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // e_phnum
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // e_shentsize
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // e_shnum
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // e_shstrndx
	require.Equal(t, ehdrSize, buf.Len())

	segOff := uint32(ehdrSize + phdrSize)
	binary.Write(&buf, binary.LittleEndian, uint32(elf.PT_LOAD))
	binary.Write(&buf, binary.LittleEndian, segOff)
	binary.Write(&buf, binary.LittleEndian, vaddr)
	binary.Write(&buf, binary.LittleEndian, vaddr) // p_paddr
	binary.Write(&buf, binary.LittleEndian, uint32(len(code)))
	binary.Write(&buf, binary.LittleEndian, uint32(len(code)))
	binary.Write(&buf, binary.LittleEndian, uint32(elf.PF_R|elf.PF_X))
	binary.Write(&buf, binary.LittleEndian, uint32(0x1000))

	buf.Write(code)
	return buf.Bytes()
}

func TestLoadMapsPTLoadSegmentAtVaddr(t *testing.T) {
	code := []byte{0x13, 0x00, 0x00, 0x00} // addi x0, x0, 0
	raw := buildMinimalRV32ELF(t, code, 0x10000)

	path := filepath.Join(t.TempDir(), "guest.elf")
	require.NoError(t, os.WriteFile(path, raw, 0o755))

	m, err := mmu.Init(1 << 24)
	require.NoError(t, err)
	defer m.Destroy()

	img, err := Load(m, path)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x10000), img.Entry)
	assert.Equal(t, uint32(0x10000), img.LoBound)
	assert.Equal(t, uint32(0x10000+len(code)), img.HiBound)

	host := m.G2H(0x10000)
	got := unsafe.Slice((*byte)(unsafe.Pointer(host)), len(code))
	assert.Equal(t, code, got)
}

func TestLoadRejectsNonRiscvMachine(t *testing.T) {
	raw := buildMinimalRV32ELF(t, []byte{0, 0, 0, 0}, 0x10000)
	raw[18] = byte(elf.EM_X86_64) // e_machine low byte

	path := filepath.Join(t.TempDir(), "guest.elf")
	require.NoError(t, os.WriteFile(path, raw, 0o755))

	m, err := mmu.Init(1 << 24)
	require.NoError(t, err)
	defer m.Destroy()

	_, err = Load(m, path)
	assert.Error(t, err)
}

func TestValidateRejectsWrongClassAndEndianAndType(t *testing.T) {
	base := &elf.File{}
	base.Class = elf.ELFCLASS64
	assert.Error(t, validate(base))

	base = &elf.File{}
	base.Class = elf.ELFCLASS32
	base.Data = elf.ELFDATA2MSB
	assert.Error(t, validate(base))

	base = &elf.File{}
	base.Class = elf.ELFCLASS32
	base.Data = elf.ELFDATA2LSB
	base.Type = elf.ET_DYN
	assert.Error(t, validate(base))

	base = &elf.File{}
	base.Class = elf.ELFCLASS32
	base.Data = elf.ELFDATA2LSB
	base.Type = elf.ET_EXEC
	base.Machine = elf.EM_X86_64
	assert.Error(t, validate(base))

	base = &elf.File{}
	base.Class = elf.ELFCLASS32
	base.Data = elf.ELFDATA2LSB
	base.Type = elf.ET_EXEC
	base.Machine = elf.EM_RISCV
	assert.NoError(t, validate(base))
}

func TestProgProtMapsELFFlagsToHostProt(t *testing.T) {
	assert.Equal(t, 0x5, progProt(elf.PF_R|elf.PF_X))
	assert.Equal(t, 0x6, progProt(elf.PF_R|elf.PF_W))
	assert.Equal(t, 0, progProt(0))
}
