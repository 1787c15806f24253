// Package layout implements MemoryLayout (spec.md §4.4): assigning
// virtual addresses to input sections grouped into the three canonical
// load segments by permission, plus the virtual-address ranges reserved
// for the dynamic-linking sections GotPltBuilder and DynamicBuilder fill
// in afterward.
//
// The page-alignment arithmetic here — `(x + pageSize - 1) &^ (pageSize -
// 1)` — is lifted directly from the teacher's ELFWriter.CalculateLayout
// and WriteCompleteDynamicELF/WriteCompleteStaticELF, generalized from a
// single hard-coded program's sections to however many ALLOC sections the
// merged input objects contribute.
package layout

import (
	"fmt"

	"github.com/xyproto/xld/internal/elfconst"
	"github.com/xyproto/xld/internal/linkerr"
	"github.com/xyproto/xld/internal/object"
)

// SectionKey identifies one input section across all merged objects.
type SectionKey struct {
	ObjectID int
	Index    object.SectionIndex
}

// Region is a named, contiguous, page-unaligned sub-range within a
// segment: either a synthesized dynamic-linking table (.dynsym, .got, the
// PLT, ...) or the "start" entry trampoline.
type Region struct {
	Name     string
	Offset   uint64 // file offset
	VAddr    uint64
	FileSize uint64
}

// SegKind names which of the three canonical load segments a Segment is.
type SegKind int

const (
	SegText SegKind = iota
	SegRodata
	SegData
)

func (k SegKind) String() string {
	switch k {
	case SegText:
		return "text"
	case SegRodata:
		return "rodata"
	case SegData:
		return "data"
	default:
		return "unknown"
	}
}

// Segment is one PT_LOAD (spec.md §3, LoadSegment).
type Segment struct {
	Kind     SegKind
	Flags    uint32 // PF_*
	Offset   uint64
	VAddr    uint64
	FileSize uint64
	MemSize  uint64
}

// DynSizes carries the byte sizes of the dynamic-linking tables, computed
// ahead of time by internal/gotplt and internal/dynlink from symbol and
// relocation counts alone (never from addresses, which don't exist yet).
// A zero value in every field means "no dynamic linking": Build omits
// PT_INTERP/PT_DYNAMIC and the interp/dynsym/.../got/plt regions entirely.
type DynSizes struct {
	InterpLen int
	DynsymLen int
	DynstrLen int
	HashLen   int
	RelaDynLen int
	RelaPltLen int
	GotLen    int
	PltLen    int
	// DynamicLen is filled in by the caller from dynlink.SizeDynamic,
	// which itself only needs counts (DT_NEEDED entries etc.), not
	// addresses.
	DynamicLen int
	// StartStubLen is nonzero when the entry point must be a synthesized
	// "_start calls main" trampoline (spec.md §4.4's fallback).
	StartStubLen int
}

// Config configures one Build invocation.
type Config struct {
	BaseAddr uint64
	PageSize uint64
	Dynamic  bool
}

// Layout is MemoryLayout's output: the "layout map used by the relocator
// and writer" spec.md §4.4 describes.
type Layout struct {
	BaseAddr uint64
	PageSize uint64

	Segments []Segment // in file order

	// SectionAddr/SectionOffset give the assigned location of every input
	// ALLOC section, keyed by (object id, section index).
	SectionAddr   map[SectionKey]uint64
	SectionOffset map[SectionKey]uint64

	// BSSBase is the virtual address at which synthesized common symbols
	// are packed (symbols.Table.AllocateCommons assigns offsets relative
	// to this base).
	BSSBase uint64

	// Regions holds the dynamic-linking tables and the entry trampoline,
	// keyed by name ("interp", "dynsym", "dynstr", "hash", "rela.dyn",
	// "rela.plt", "plt", "got", "dynamic", "start"). Empty when the
	// corresponding DynSizes field was zero.
	Regions map[string]Region
}

// setRegion records a Region with the given name/offset/addr in m if size >
// 0; otherwise it leaves name absent from m.
func setRegion(m map[string]Region, name string, offset, addr uint64, size int) {
	if size <= 0 {
		return
	}
	m[name] = Region{Name: name, Offset: offset, VAddr: addr, FileSize: uint64(size)}
}

func alignUp(x, align uint64) uint64 {
	if align == 0 {
		return x
	}
	return (x + align - 1) &^ (align - 1)
}

// Build assigns addresses. objs must already be merged (their ALLOC
// sections are taken in (object order, then section order) as spec.md
// §4.4 and §5 require). bssSize is the packed size of common symbols from
// symbols.Table.AllocateCommons.
func Build(cfg Config, objs []*object.Object, bssSize uint64, dyn DynSizes) (*Layout, error) {
	if cfg.PageSize == 0 {
		cfg.PageSize = elfconst.PageSize
	}
	base := cfg.BaseAddr
	if base == 0 {
		base = elfconst.DefaultBaseAddr
	}

	l := &Layout{
		BaseAddr:      base,
		PageSize:      cfg.PageSize,
		SectionAddr:   make(map[SectionKey]uint64),
		SectionOffset: make(map[SectionKey]uint64),
		Regions:       make(map[string]Region),
	}

	numProgHeaders := 1 // PT_LOAD x3 counted separately; this only affects header-size reservation below
	if cfg.Dynamic {
		numProgHeaders = 4 // PHDR, INTERP, DYNAMIC, plus the 3 LOADs counted separately
	}
	headersSize := uint64(elfconst.EhdrSize) + uint64(numProgHeaders+2)*uint64(elfconst.PhdrSize) // +2 covers the extra 2 of the 3 PT_LOADs beyond the implicit first
	offset := alignUp(headersSize, cfg.PageSize)
	addr := base + offset

	regions := l.Regions

	// --- RODATA segment: interp, dynsym, dynstr, hash, rela.dyn,
	// rela.plt, then input read-only ALLOC sections. ---
	rodataSegStart := offset
	rodataAddrStart := addr

	place := func(name string, size int) {
		setRegion(regions, name, offset, addr, size)
		if size > 0 {
			offset += uint64((size + 7) &^ 7)
			addr += uint64((size + 7) &^ 7)
		}
	}
	if cfg.Dynamic {
		place("interp", dyn.InterpLen)
		place("dynsym", dyn.DynsymLen)
		place("dynstr", dyn.DynstrLen)
		place("hash", dyn.HashLen)
		place("rela.dyn", dyn.RelaDynLen)
		place("rela.plt", dyn.RelaPltLen)
	}

	var rodataFileEnd uint64
	for oi, obj := range objs {
		for si := range obj.Sections {
			sec := &obj.Sections[si]
			if !sec.IsAlloc() || sec.IsWritable() || sec.IsExec() {
				continue
			}
			if sec.Align > 1 {
				aOff := alignUp(offset, sec.Align)
				addr += aOff - offset
				offset = aOff
			}
			key := SectionKey{oi, object.SectionIndex(si)}
			l.SectionAddr[key] = addr
			l.SectionOffset[key] = offset
			offset += sec.Size
			addr += sec.Size
		}
	}
	rodataFileEnd = offset
	rodataMemEnd := addr

	// Page-align before the executable segment.
	offset = alignUp(offset, cfg.PageSize)
	addr = alignUp(addr, cfg.PageSize)

	// --- TEXT segment: PLT, entry trampoline ("start"), then input
	// executable ALLOC sections. ---
	textSegStart := offset
	textAddrStart := addr

	place("plt", dyn.PltLen)
	place("start", dyn.StartStubLen)

	for oi, obj := range objs {
		for si := range obj.Sections {
			sec := &obj.Sections[si]
			if !sec.IsAlloc() || !sec.IsExec() {
				continue
			}
			if sec.Align > 1 {
				aOff := alignUp(offset, sec.Align)
				addr += aOff - offset
				offset = aOff
			}
			key := SectionKey{oi, object.SectionIndex(si)}
			l.SectionAddr[key] = addr
			l.SectionOffset[key] = offset
			offset += sec.Size
			addr += sec.Size
		}
	}
	textFileEnd := offset
	textMemEnd := addr

	offset = alignUp(offset, cfg.PageSize)
	addr = alignUp(addr, cfg.PageSize)

	// --- DATA/BSS segment: .dynamic, .got, then input writable ALLOC
	// sections (PROGBITS first in input order, NOBITS tail), then the
	// synthesized common-symbol .bss. ---
	dataSegStart := offset
	dataAddrStart := addr

	place("dynamic", dyn.DynamicLen)
	place("got", dyn.GotLen)

	for oi, obj := range objs {
		for si := range obj.Sections {
			sec := &obj.Sections[si]
			if !sec.IsAlloc() || !sec.IsWritable() || sec.IsExec() || sec.IsNobits() {
				continue
			}
			if sec.Align > 1 {
				aOff := alignUp(offset, sec.Align)
				addr += aOff - offset
				offset = aOff
			}
			key := SectionKey{oi, object.SectionIndex(si)}
			l.SectionAddr[key] = addr
			l.SectionOffset[key] = offset
			offset += sec.Size
			addr += sec.Size
		}
	}
	dataFileEnd := offset // NOBITS sections and commons start here; they add no file bytes

	memAddr := addr
	for oi, obj := range objs {
		for si := range obj.Sections {
			sec := &obj.Sections[si]
			if !sec.IsAlloc() || !sec.IsWritable() || sec.IsExec() || !sec.IsNobits() {
				continue
			}
			if sec.Align > 1 {
				memAddr = alignUp(memAddr, sec.Align)
			}
			key := SectionKey{oi, object.SectionIndex(si)}
			l.SectionAddr[key] = memAddr
			l.SectionOffset[key] = dataFileEnd // NOBITS has no file presence; offset is nominal
			memAddr += sec.Size
		}
	}

	l.BSSBase = alignUp(memAddr, 8)
	dataMemEnd := l.BSSBase + bssSize

	l.Segments = []Segment{
		{Kind: SegRodata, Flags: elfconst.PFR, Offset: rodataSegStart, VAddr: rodataAddrStart, FileSize: rodataFileEnd - rodataSegStart, MemSize: rodataMemEnd - rodataAddrStart},
		{Kind: SegText, Flags: elfconst.PFR | elfconst.PFX, Offset: textSegStart, VAddr: textAddrStart, FileSize: textFileEnd - textSegStart, MemSize: textMemEnd - textAddrStart},
		{Kind: SegData, Flags: elfconst.PFR | elfconst.PFW, Offset: dataSegStart, VAddr: dataAddrStart, FileSize: dataFileEnd - dataSegStart, MemSize: dataMemEnd - dataAddrStart},
	}

	if err := l.validate(); err != nil {
		return nil, err
	}
	return l, nil
}

// validate checks the invariants spec.md §8 requires of a completed
// layout before any byte is written.
func (l *Layout) validate() error {
	for i, a := range l.Segments {
		if a.FileSize > a.MemSize {
			return &linkerr.LayoutError{Reason: fmt.Sprintf("segment %s: file_size %d exceeds mem_size %d", a.Kind, a.FileSize, a.MemSize)}
		}
		if a.VAddr%l.PageSize != a.Offset%l.PageSize {
			return &linkerr.LayoutError{Reason: fmt.Sprintf("segment %s: vaddr 0x%x and file offset 0x%x disagree mod page size 0x%x", a.Kind, a.VAddr, a.Offset, l.PageSize)}
		}
		for j, b := range l.Segments {
			if i >= j {
				continue
			}
			if rangesOverlap(a.VAddr, a.VAddr+a.MemSize, b.VAddr, b.VAddr+b.MemSize) {
				return &linkerr.LayoutError{Reason: fmt.Sprintf("segments %s and %s overlap in memory", a.Kind, b.Kind)}
			}
		}
	}
	return nil
}

func rangesOverlap(aStart, aEnd, bStart, bEnd uint64) bool {
	if aStart == aEnd || bStart == bEnd {
		return false
	}
	return aStart < bEnd && bStart < aEnd
}
