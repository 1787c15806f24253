// Package dynlink implements DynamicBuilder (spec.md §4.7): the dynamic
// symbol table, string table, ELF hash table, relocation tables, and
// .dynamic section that make an output file loadable by ld.so.
//
// Grounded on the teacher's elf_sections.go DynamicSections (addString's
// dedup map directly grounds internal/strtab; buildSymbolTable and
// buildDynamicSection ground the encode shapes here). The teacher's own
// buildHashTable synthesizes a degenerate single-bucket table (nbucket=1,
// a linear chain) — sufficient to boot its own toy loader but not the
// real SysV ELF hash spec.md §4.7 requires of HashTable, so SysVHash below
// implements the textbook ELF shift/add/xor hash instead, with buckets
// sized by hashBucketCount. See DESIGN.md.
package dynlink

import (
	"sort"

	"github.com/xyproto/xld/internal/bio"
	"github.com/xyproto/xld/internal/elfconst"
	"github.com/xyproto/xld/internal/gotplt"
	"github.com/xyproto/xld/internal/strtab"
	"github.com/xyproto/xld/internal/symbols"
)

// SysVHash implements the classic ELF hash function (SysV ABI §"Hash
// Table", also ELF64_Word elf_hash in every libc).
func SysVHash(name string) uint32 {
	var h, g uint32
	for i := 0; i < len(name); i++ {
		h = (h << 4) + uint32(name[i])
		if g = h & 0xf0000000; g != 0 {
			h ^= g >> 24
		}
		h &^= g
	}
	return h
}

// DynSym is one entry destined for .dynsym.
type DynSym struct {
	Name  string
	Info  uint8
	Value uint64
	Size  uint64
	Shndx uint16
}

// Needed is one DT_NEEDED shared library.
type Needed struct {
	SOName string
}

// Plan collects the dynamic symbol list and needed libraries; Sizes can
// be computed from it alone, before any address exists, and Build uses
// the same Plan once addresses are known.
type Plan struct {
	Syms    []DynSym // index 0 is always the null symbol
	Needed  []Needed
	byName  map[string]int
}

// NewPlan seeds the null entry every .dynsym/.hash needs at index 0.
func NewPlan() *Plan {
	return &Plan{Syms: []DynSym{{}}, byName: map[string]int{"": 0}}
}

// AddDynamic registers a dynamic-external symbol (one resolved against a
// shared library) and returns its dynsym index, reusing an existing entry
// if already added.
func (p *Plan) AddDynamic(name string) int {
	if idx, ok := p.byName[name]; ok {
		return idx
	}
	idx := len(p.Syms)
	p.Syms = append(p.Syms, DynSym{Name: name, Info: elfconst.SymInfo(elfconst.STBGlobal, elfconst.STTFunc), Shndx: elfconst.SHNUndef})
	p.byName[name] = idx
	return idx
}

// Index returns the dynsym index previously assigned to name.
func (p *Plan) Index(name string) (int, bool) {
	idx, ok := p.byName[name]
	return idx, ok
}

// AddNeeded registers soName as a DT_NEEDED entry, deduplicating.
func (p *Plan) AddNeeded(soName string) {
	for _, n := range p.Needed {
		if n.SOName == soName {
			return
		}
	}
	p.Needed = append(p.Needed, Needed{SOName: soName})
}

// FromSymbolTable builds a Plan from every KindDynamic entry in tab (in
// first-sighting order) and the set of resolved library sonames,
// matching spec.md §4.7's "every dynamic-external symbol gets a .dynsym
// entry."
func FromSymbolTable(tab *symbols.Table) *Plan {
	p := NewPlan()
	for _, e := range tab.Entries() {
		if e.Kind != symbols.KindDynamic {
			continue
		}
		p.AddDynamic(e.Name)
		p.AddNeeded(e.DynLib)
	}
	return p
}

// alwaysFixedDynTags is the count of DT_* entries xld emits unconditionally
// besides one DT_NEEDED per library and the closing DT_NULL: DT_HASH,
// DT_STRTAB, DT_STRSZ, DT_SYMTAB, DT_SYMENT.
const alwaysFixedDynTags = 5

// relaDynTags is DT_RELA/DT_RELASZ/DT_RELAENT, emitted only when .rela.dyn
// is non-empty (BuildDynamic's relaDynSize>0 gate).
const relaDynTags = 3

// relaPltTags is DT_PLTGOT/DT_PLTRELSZ/DT_PLTREL/DT_JMPREL, emitted only
// when .rela.plt is non-empty (BuildDynamic's relaPltSize>0 gate).
const relaPltTags = 4

// SizeDynamic returns .dynamic's byte size given the number of DT_NEEDED
// entries and whether .rela.dyn/.rela.plt will be non-empty, computable
// before any address exists. Must track BuildDynamic's own tag-emission
// gates exactly, or the reserved region and the bytes written diverge and
// the gap reads as spurious all-zero DT_NULL entries inside PT_DYNAMIC.
func SizeDynamic(numNeeded int, hasRelaDyn, hasRelaPlt bool) int {
	n := alwaysFixedDynTags + numNeeded + 1 // +1 for DT_NULL
	if hasRelaDyn {
		n += relaDynTags
	}
	if hasRelaPlt {
		n += relaPltTags
	}
	return n * int(elfconst.DynSize)
}

// BuildStrings lays out .dynstr from the Plan's symbol names and needed
// sonames, deduplicated via internal/strtab the same way object string
// tables are built.
func (p *Plan) BuildStrings() *strtab.Table {
	t := strtab.New()
	for i := range p.Syms {
		if p.Syms[i].Name != "" {
			t.Add(p.Syms[i].Name)
		}
	}
	for _, n := range p.Needed {
		t.Add(n.SOName)
	}
	return t
}

// BuildDynsym encodes .dynsym: a flat Elf64_Sym array in Plan.Syms order
// (index 0 the null symbol), names resolved against str.
func (p *Plan) BuildDynsym(str *strtab.Table) []byte {
	w := bio.NewWriter()
	for _, s := range p.Syms {
		nameOff, _ := str.Lookup(s.Name)
		w.U32(nameOff)
		w.U8(s.Info)
		w.U8(0)
		w.U16(s.Shndx)
		w.U64(s.Value)
		w.U64(s.Size)
	}
	return w.Bytes()
}

// hashBucketCount picks a bucket count close to n (the SysV convention
// prefers the next prime at or above n, rounded to a small set of
// reasonable sizes; for the modest symbol counts a hand-written linker
// deals with, any count >= 1 that keeps chains short is correct, so we
// use n rounded up to the next odd number with a floor of 1).
func hashBucketCount(n int) int {
	if n <= 1 {
		return 1
	}
	if n%2 == 0 {
		return n + 1
	}
	return n
}

// BuildHash encodes the classic SysV .hash table: nbucket, nchain,
// bucket[nbucket], chain[nchain]. chain[i] is the next dynsym index in
// the same bucket's chain as dynsym index i, 0 terminating (matching
// dynsym index 0's mandatory null entry).
func (p *Plan) BuildHash() []byte {
	nchain := len(p.Syms)
	nbucket := hashBucketCount(nchain - 1)
	buckets := make([]uint32, nbucket)
	chain := make([]uint32, nchain)
	for i := 1; i < nchain; i++ {
		h := SysVHash(p.Syms[i].Name) % uint32(nbucket)
		chain[i] = buckets[h]
		buckets[h] = uint32(i)
	}
	w := bio.NewWriter()
	w.U32(uint32(nbucket))
	w.U32(uint32(nchain))
	for _, b := range buckets {
		w.U32(b)
	}
	for _, c := range chain {
		w.U32(c)
	}
	return w.Bytes()
}

// RelaEntry is one Elf64_Rela record destined for .rela.dyn or .rela.plt.
type RelaEntry struct {
	Offset uint64
	Type   uint32
	Sym    uint32 // dynsym index, 0 for RELATIVE
	Addend int64
}

func encodeRela(entries []RelaEntry) []byte {
	w := bio.NewWriter()
	for _, e := range entries {
		w.U64(e.Offset)
		w.U64((uint64(e.Sym) << 32) | uint64(e.Type))
		w.I64(e.Addend)
	}
	return w.Bytes()
}

// BuildRelaDyn encodes .rela.dyn from GLOB_DAT/RELATIVE GOT-slot fixups,
// in ascending GOT-slot order for deterministic output (spec.md §5).
func BuildRelaDyn(plan *Plan, gp *gotplt.Plan, gotAddr uint64) []byte {
	var entries []RelaEntry
	slots := append([]gotplt.GotSlot(nil), gp.GotSlots...)
	sort.SliceStable(slots, func(i, j int) bool { return slots[i].Index < slots[j].Index })
	for _, s := range slots {
		if s.ForPLT {
			continue // these get a JUMP_SLOT entry in .rela.plt instead
		}
		off := gotAddr + uint64((s.Index+gotplt.ReservedGotSlots)*8)
		switch {
		case s.NeedsGlobDat:
			idx, _ := plan.Index(s.Symbol)
			entries = append(entries, RelaEntry{Offset: off, Type: elfconst.RX8664GlobDat, Sym: uint32(idx)})
		case s.NeedsRelative:
			entries = append(entries, RelaEntry{Offset: off, Type: elfconst.RX8664Relative})
		}
	}
	return encodeRela(entries)
}

// BuildRelaPlt encodes .rela.plt: one JUMP_SLOT entry per PLT stub, in
// stub order (the order ld.so expects so the pushed index in each stub
// indexes straight into this table).
func BuildRelaPlt(plan *Plan, gp *gotplt.Plan, gotAddr uint64) []byte {
	stubs := append([]gotplt.PltStub(nil), gp.PltStubs...)
	sort.SliceStable(stubs, func(i, j int) bool { return stubs[i].Index < stubs[j].Index })
	var entries []RelaEntry
	for _, stub := range stubs {
		gotIdx, _ := gp.GotIndex(stub.Symbol)
		off := gotAddr + uint64(gotIdx*8)
		symIdx, _ := plan.Index(stub.Symbol)
		entries = append(entries, RelaEntry{Offset: off, Type: elfconst.RX8664JumpSlot, Sym: uint32(symIdx)})
	}
	return encodeRela(entries)
}

// DynTag is one (tag, value) pair for .dynamic.
type DynTag struct {
	Tag uint64
	Val uint64
}

// BuildDynamic encodes .dynamic given every other dynamic section's
// final virtual address and size, matching the tag set and order the
// teacher's buildDynamicSection uses (NEEDED entries first, then the
// fixed table tags, DT_NULL last).
func BuildDynamic(plan *Plan, str *strtab.Table, hashAddr, strAddr, symAddr, relaDynAddr uint64, relaDynSize int, pltGotAddr, relaPltAddr uint64, relaPltSize int) []byte {
	var tags []DynTag
	for _, n := range plan.Needed {
		off, _ := str.Lookup(n.SOName)
		tags = append(tags, DynTag{elfconst.DTNeeded, uint64(off)})
	}
	tags = append(tags,
		DynTag{elfconst.DTHash, hashAddr},
		DynTag{elfconst.DTStrtab, strAddr},
		DynTag{elfconst.DTStrSz, uint64(str.Len())},
		DynTag{elfconst.DTSymtab, symAddr},
		DynTag{elfconst.DTSymEnt, uint64(elfconst.SymSize)},
	)
	if relaDynSize > 0 {
		tags = append(tags,
			DynTag{elfconst.DTRela, relaDynAddr},
			DynTag{elfconst.DTRelaSz, uint64(relaDynSize)},
			DynTag{elfconst.DTRelaEnt, uint64(elfconst.RelaSize)},
		)
	}
	if relaPltSize > 0 {
		tags = append(tags,
			DynTag{elfconst.DTPltGot, pltGotAddr},
			DynTag{elfconst.DTPltRelSz, uint64(relaPltSize)},
			DynTag{elfconst.DTPltRel, uint64(elfconst.DTRela)},
			DynTag{elfconst.DTJmpRel, relaPltAddr},
		)
	}
	tags = append(tags, DynTag{elfconst.DTNull, 0})

	w := bio.NewWriter()
	for _, t := range tags {
		w.U64(t.Tag)
		w.U64(t.Val)
	}
	return w.Bytes()
}
