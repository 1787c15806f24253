// Package object holds the in-memory representation an input ELF64 x86-64
// relocatable object is parsed into, and Parse, which builds one from raw
// bytes (spec.md §4.1, "ElfParser").
//
// Sections, symbols and relocations are immutable once parsed and are
// referenced by stable integer indices rather than pointers, so a global
// symbol table can cheaply record "(object, symbol index)" tuples without
// the cyclic-pointer graph the Design Notes warn against.
package object

import "github.com/xyproto/xld/internal/elfconst"

// SectionIndex identifies a Section within its owning Object.
type SectionIndex int

// SymbolIndex identifies a Symbol within its owning Object.
type SymbolIndex int

// Section is a named byte range read from the input object.
type Section struct {
	Name      string
	Type      uint32 // SHT_*
	Flags     uint64 // SHF_*
	Addr      uint64 // sh_addr as given by the producer; usually 0 for ET_REL
	Offset    uint64 // input-file-relative offset
	Size      uint64 // sh_size; for NOBITS this is memory size, not file size
	Link      uint32
	Info      uint32
	Align     uint64
	EntSize   uint64
	Data      []byte // file bytes for this section (empty for NOBITS)
	VAddr     uint64 // not set by Parse or internal/layout, which records addresses in Layout.SectionAddr
}

// IsAlloc reports whether this section occupies memory at runtime.
func (s *Section) IsAlloc() bool { return s.Flags&elfconst.SHFAlloc != 0 }

// IsWritable reports whether this section is writable at runtime.
func (s *Section) IsWritable() bool { return s.Flags&elfconst.SHFWrite != 0 }

// IsExec reports whether this section holds executable instructions.
func (s *Section) IsExec() bool { return s.Flags&elfconst.SHFExecinstr != 0 }

// IsNobits reports whether this section contributes to memory size but not
// file size (spec.md §3, Section invariant).
func (s *Section) IsNobits() bool { return s.Type == elfconst.SHTNobits }

// Symbol is a decoded ELF64 symbol table entry plus its owning object for
// diagnostics.
type Symbol struct {
	Name    string
	Value   uint64
	Size    uint64
	Bind    uint8 // STB_*
	Type    uint8 // STT_*
	Shndx   uint16
	Section SectionIndex // valid iff Shndx is an ordinary section index
}

const (
	// ShndxUndef marks an undefined symbol (SHN_UNDEF).
	ShndxUndef = elfconst.SHNUndef
	// ShndxAbs marks an absolute-value symbol (SHN_ABS), not relative to
	// any section.
	ShndxAbs = elfconst.SHNAbs
	// ShndxCommon marks a tentative (common) symbol (SHN_COMMON).
	ShndxCommon = elfconst.SHNCommon
)

// IsUndef reports whether the symbol is undefined in its source object.
func (s *Symbol) IsUndef() bool { return s.Shndx == elfconst.SHNUndef && s.Type != elfconst.STTFile }

// IsCommon reports whether the symbol is a tentative common definition.
func (s *Symbol) IsCommon() bool { return s.Shndx == elfconst.SHNCommon }

// IsLocal reports whether the symbol is local to its source object and so
// never participates in cross-object merge.
func (s *Symbol) IsLocal() bool { return s.Bind == elfconst.STBLocal }

// IsWeak reports whether the symbol is a weak definition/reference.
func (s *Symbol) IsWeak() bool { return s.Bind == elfconst.STBWeak }

// Relocation is a decoded Elf64_Rela entry (spec.md §3, RelocationEntry).
type Relocation struct {
	Section SectionIndex // section the relocation applies to
	Offset  uint64       // offset within that section
	Type    uint32       // R_X86_64_*
	Symbol  SymbolIndex  // index into the owning object's Symbols
	Addend  int64
}

// Object is the immutable per-input-file record Parse produces.
type Object struct {
	Path     string
	Sections []Section
	Symbols  []Symbol
	Relocs   []Relocation // all entries from every SHT_RELA section of this object, flattened

	// The raw string tables are not retained; symbol and section Name
	// fields above are already fully resolved strings.
}

// Section returns the section at idx, or nil if idx is out of range.
func (o *Object) Section(idx SectionIndex) *Section {
	if int(idx) < 0 || int(idx) >= len(o.Sections) {
		return nil
	}
	return &o.Sections[idx]
}

// Symbol returns the symbol at idx, or nil if idx is out of range.
func (o *Object) Symbol(idx SymbolIndex) *Symbol {
	if int(idx) < 0 || int(idx) >= len(o.Symbols) {
		return nil
	}
	return &o.Symbols[idx]
}
