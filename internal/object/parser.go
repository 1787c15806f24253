package object

import (
	"fmt"

	"github.com/xyproto/xld/internal/bio"
	"github.com/xyproto/xld/internal/elfconst"
	"github.com/xyproto/xld/internal/linkerr"
)

// sectionHeader is the raw decode of one Elf64_Shdr, kept only during
// parsing.
type sectionHeader struct {
	nameOff uint32
	typ     uint32
	flags   uint64
	addr    uint64
	offset  uint64
	size    uint64
	link    uint32
	info    uint32
	align   uint64
	entsize uint64
}

// Parse decodes raw into an Object. path is used only for diagnostics.
//
// Parse accepts ET_REL (the normal linker input), and also ET_EXEC/ET_DYN
// so that xld can reread its own output for the round-trip property
// spec.md §8 requires; it never accepts anything but 64-bit little-endian
// x86-64.
func Parse(path string, raw []byte) (*Object, error) {
	if len(raw) < elfconst.EhdrSize {
		return nil, &linkerr.ParseError{Object: path, Reason: "file shorter than an ELF64 header"}
	}
	if raw[0] != elfconst.MagicELF0 || raw[1] != elfconst.MagicELF1 ||
		raw[2] != elfconst.MagicELF2 || raw[3] != elfconst.MagicELF3 {
		return nil, &linkerr.ParseError{Object: path, Reason: "missing ELF identification bytes"}
	}
	if raw[4] != elfconst.Class64 {
		return nil, &linkerr.ParseError{Object: path, Reason: "not a 64-bit ELF object"}
	}
	if raw[5] != elfconst.DataLittleEnd {
		return nil, &linkerr.ParseError{Object: path, Reason: "not a little-endian ELF object"}
	}

	r := bio.NewReader(raw)
	r.Seek(16)
	eType, err := r.U16()
	if err != nil {
		return nil, &linkerr.ParseError{Object: path, Reason: "truncated ELF header"}
	}
	switch eType {
	case elfconst.ETRel, elfconst.ETExec, elfconst.ETDyn:
	default:
		return nil, &linkerr.ParseError{Object: path, Reason: fmt.Sprintf("unsupported e_type %d", eType)}
	}
	eMachine, err := r.U16()
	if err != nil {
		return nil, &linkerr.ParseError{Object: path, Reason: "truncated ELF header"}
	}
	if eMachine != elfconst.EMX8664 {
		return nil, &linkerr.ParseError{Object: path, Reason: fmt.Sprintf("unsupported e_machine %d (only x86-64 is supported)", eMachine)}
	}

	r.Seek(40) // e_shoff
	shoff, err := r.U64()
	if err != nil {
		return nil, &linkerr.ParseError{Object: path, Reason: "truncated ELF header (e_shoff)"}
	}
	r.Seek(58) // e_shentsize
	shentsize, err := r.U16()
	if err != nil {
		return nil, &linkerr.ParseError{Object: path, Reason: "truncated ELF header (e_shentsize)"}
	}
	shnum, err := r.U16()
	if err != nil {
		return nil, &linkerr.ParseError{Object: path, Reason: "truncated ELF header (e_shnum)"}
	}
	shstrndx, err := r.U16()
	if err != nil {
		return nil, &linkerr.ParseError{Object: path, Reason: "truncated ELF header (e_shstrndx)"}
	}

	if shnum == 0 {
		return &Object{Path: path}, nil
	}
	if shentsize != elfconst.ShdrSize {
		return nil, &linkerr.ParseError{Object: path, Reason: fmt.Sprintf("unexpected section header entry size %d", shentsize)}
	}

	headers := make([]sectionHeader, shnum)
	for i := range headers {
		off := int(shoff) + i*int(shentsize)
		if off+elfconst.ShdrSize > len(raw) {
			return nil, &linkerr.ParseError{Object: path, Reason: "truncated section header table"}
		}
		hr := bio.NewReader(raw)
		hr.Seek(off)
		h := sectionHeader{}
		h.nameOff, _ = hr.U32()
		h.typ, _ = hr.U32()
		h.flags, _ = hr.U64()
		h.addr, _ = hr.U64()
		h.offset, _ = hr.U64()
		h.size, _ = hr.U64()
		h.link, _ = hr.U32()
		h.info, _ = hr.U32()
		h.align, _ = hr.U64()
		h.entsize, _ = hr.U64()
		headers[i] = h
	}

	if int(shstrndx) >= len(headers) {
		return nil, &linkerr.ParseError{Object: path, Reason: "section-header string table index out of range"}
	}
	shstrtab, err := sectionBytes(raw, headers[shstrndx])
	if err != nil {
		return nil, &linkerr.ParseError{Object: path, Reason: "truncated section-header string table"}
	}

	obj := &Object{Path: path, Sections: make([]Section, shnum)}
	for i, h := range headers {
		name, nerr := bio.CString(shstrtab, int(h.nameOff))
		if nerr != nil {
			name = ""
		}
		var data []byte
		if h.typ != elfconst.SHTNobits {
			data, err = sectionBytes(raw, h)
			if err != nil {
				return nil, &linkerr.ParseError{Object: path, Reason: fmt.Sprintf("section %q: truncated contents", name)}
			}
		}
		obj.Sections[i] = Section{
			Name:    name,
			Type:    h.typ,
			Flags:   h.flags,
			Addr:    h.addr,
			Offset:  h.offset,
			Size:    h.size,
			Link:    h.link,
			Info:    h.info,
			Align:   h.align,
			EntSize: h.entsize,
			Data:    data,
		}
	}

	// Symbol tables: SHT_SYMTAB. A well-formed ET_REL has exactly one, but
	// nothing here forbids more; all entries flow into one flat Symbols
	// slice, indexed by SymbolIndex in the order first encountered.
	for i, h := range headers {
		if h.typ != elfconst.SHTSymtab {
			continue
		}
		if int(h.link) >= len(headers) {
			return nil, &linkerr.ParseError{Object: path, Reason: "symbol table has invalid linked string table index"}
		}
		strtabBytes, serr := sectionBytes(raw, headers[h.link])
		if serr != nil {
			return nil, &linkerr.ParseError{Object: path, Reason: "truncated symbol string table"}
		}
		symBytes, derr := sectionBytes(raw, h)
		if derr != nil {
			return nil, &linkerr.ParseError{Object: path, Reason: fmt.Sprintf("section %q: truncated contents", obj.Sections[i].Name)}
		}
		if h.entsize != 0 && h.entsize != elfconst.SymSize {
			return nil, &linkerr.ParseError{Object: path, Reason: fmt.Sprintf("unexpected symbol entry size %d", h.entsize)}
		}
		if len(symBytes)%elfconst.SymSize != 0 {
			return nil, &linkerr.ParseError{Object: path, Reason: "symbol table size is not a multiple of entry size"}
		}
		count := len(symBytes) / elfconst.SymSize
		for s := 0; s < count; s++ {
			sr := bio.NewReader(symBytes)
			sr.Seek(s * elfconst.SymSize)
			nameOff, _ := sr.U32()
			info, _ := sr.U8()
			_, _ = sr.U8() // st_other, unused
			shndx, _ := sr.U16()
			value, _ := sr.U64()
			size, _ := sr.U64()

			name, nerr := bio.CString(strtabBytes, int(nameOff))
			if nerr != nil {
				name = ""
			}
			sym := Symbol{
				Name:  name,
				Value: value,
				Size:  size,
				Bind:  elfconst.SymBind(info),
				Type:  elfconst.SymType(info),
				Shndx: shndx,
			}
			if shndx != elfconst.SHNUndef && shndx != elfconst.SHNAbs && shndx != elfconst.SHNCommon {
				sym.Section = SectionIndex(shndx)
			}
			obj.Symbols = append(obj.Symbols, sym)
		}
	}

	// Relocations: every SHT_RELA section, decoded with the ELF64
	// convention sym = info>>32, type = info&0xffffffff (spec.md §4.1).
	for _, h := range headers {
		if h.typ != elfconst.SHTRela {
			continue
		}
		relaBytes, rerr := sectionBytes(raw, h)
		if rerr != nil {
			return nil, &linkerr.ParseError{Object: path, Reason: "truncated relocation section"}
		}
		if h.entsize != 0 && h.entsize != elfconst.RelaSize {
			return nil, &linkerr.ParseError{Object: path, Reason: fmt.Sprintf("unexpected relocation entry size %d", h.entsize)}
		}
		if len(relaBytes)%elfconst.RelaSize != 0 {
			return nil, &linkerr.ParseError{Object: path, Reason: "relocation section size is not a multiple of entry size"}
		}
		// info (sh_info) names the section the relocations apply to.
		target := SectionIndex(h.info)
		count := len(relaBytes) / elfconst.RelaSize
		for i := 0; i < count; i++ {
			rr := bio.NewReader(relaBytes)
			rr.Seek(i * elfconst.RelaSize)
			offset, _ := rr.U64()
			info, _ := rr.U64()
			addendU, _ := rr.U64()

			sym := SymbolIndex(info >> 32)
			typ := uint32(info & 0xffffffff)
			obj.Relocs = append(obj.Relocs, Relocation{
				Section: target,
				Offset:  offset,
				Type:    typ,
				Symbol:  sym,
				Addend:  int64(addendU),
			})
		}
	}

	return obj, nil
}

func sectionBytes(raw []byte, h sectionHeader) ([]byte, error) {
	if h.size == 0 {
		return nil, nil
	}
	start := h.offset
	end := start + h.size
	if end > uint64(len(raw)) || start > end {
		return nil, fmt.Errorf("section range [%d,%d) exceeds file length %d", start, end, len(raw))
	}
	return raw[start:end], nil
}
