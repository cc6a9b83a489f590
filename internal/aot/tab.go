package aot

import "encoding/binary"

// AOTReloc is one .aot-relative relocation site: an absolute-address
// immediate internal/codegen baked in under ModeAOT for a trampoline
// that only exists at a process-specific (ASLR'd) address, tagged with
// which trampoline it needs repatched with at load time.
type AOTReloc struct {
	Offset uint32
	Kind   uint8
}

// encodeAOTTab serializes the .aottab section payload: a little-endian
// symbol count, (guest IP, offset) pairs, then a relocation count and
// the list of (.aot-relative offset, trampoline kind) pairs
// internal/codegen recorded while compiling under ModeAOT.
// AOTTabHeader/AOTSymbol's plain-old-data layout in the original's
// aot.h carried only the symbol table, since the original never reused
// a compiled .so across a process restart with a different ASLR layout
// for its own trampoline helpers; the reloc list is this repo's
// addition to make that reuse safe, and is entirely loader.go's
// concern — FixupAOTTab never touches it.
func encodeAOTTab(syms []AOTSymbol, relocs []AOTReloc) []byte {
	buf := make([]byte, 4+8*len(syms)+4+5*len(relocs))
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(syms)))
	off := 4
	for _, s := range syms {
		binary.LittleEndian.PutUint32(buf[off:], s.GuestIP)
		binary.LittleEndian.PutUint32(buf[off+4:], s.Offset)
		off += 8
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(relocs)))
	off += 4
	for _, r := range relocs {
		binary.LittleEndian.PutUint32(buf[off:], r.Offset)
		buf[off+4] = r.Kind
		off += 5
	}
	return buf
}

// decodeAOTTab is encodeAOTTab's inverse, used both by FixupAOTTab (to
// read back the pre-fixup symbol offsets) and by the runtime loader (to
// read the post-fixup addresses and the reloc list).
func decodeAOTTab(buf []byte) (syms []AOTSymbol, relocs []AOTReloc) {
	if len(buf) < 4 {
		return nil, nil
	}
	n := binary.LittleEndian.Uint32(buf)
	off := 4
	for i := uint32(0); i < n && off+8 <= len(buf); i++ {
		syms = append(syms, AOTSymbol{
			GuestIP: binary.LittleEndian.Uint32(buf[off:]),
			Offset:  binary.LittleEndian.Uint32(buf[off+4:]),
		})
		off += 8
	}
	if off+4 > len(buf) {
		return syms, nil
	}
	nr := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	for i := uint32(0); i < nr && off+5 <= len(buf); i++ {
		relocs = append(relocs, AOTReloc{
			Offset: binary.LittleEndian.Uint32(buf[off:]),
			Kind:   buf[off+4],
		})
		off += 5
	}
	return syms, relocs
}
