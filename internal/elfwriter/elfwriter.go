// Package elfwriter implements ElfWriter (spec.md §4.8): serializing the
// final ELF header, program headers, section contents, and section
// header table, then durably persisting the result.
//
// Grounded on the teacher's elf.go WriteELFHeader (header field layout and
// the BufferWrapper-style little-endian writer, generalized here to
// internal/bio.Writer) and elf_complete.go's WriteCompleteDynamicELF
// (program header construction order: PHDR, INTERP, LOAD..., DYNAMIC).
// Unlike the teacher, which always writes e_shnum = 0 and never emits a
// section header table, xld always emits one: spec.md §4.8 requires it,
// and the round-trip re-parse property in spec.md §8 depends on it.
package elfwriter

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/xyproto/xld/internal/bio"
	"github.com/xyproto/xld/internal/elfconst"
	"github.com/xyproto/xld/internal/layout"
	"github.com/xyproto/xld/internal/linkerr"
	"github.com/xyproto/xld/internal/strtab"
	"golang.org/x/sys/unix"
)

// OutSection is one section destined for the output file's section
// header table (and, unless Type is SHT_NOBITS, for actual file bytes).
type OutSection struct {
	Name      string
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	AddrAlign uint64
	EntSize   uint64
	Data      []byte // ignored for SHT_NOBITS
}

// ProgramHeader is one Phdr the caller has already computed (from
// layout.Layout's segments plus PT_INTERP/PT_DYNAMIC/PT_PHDR as needed).
type ProgramHeader struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	VAddr  uint64
	FileSz uint64
	MemSz  uint64
	Align  uint64
}

// Params describes one complete output file.
type Params struct {
	Entry        uint64
	IsDynamic    bool // ET_DYN vs ET_EXEC
	ProgHeaders  []ProgramHeader
	Sections     []OutSection // in ascending file-offset order
}

// Build assembles the full output image in memory without touching the
// filesystem — the shape tests exercise.
func Build(p Params) ([]byte, error) {
	w := bio.NewWriter()

	etype := uint16(elfconst.ETExec)
	if p.IsDynamic {
		etype = elfconst.ETDyn
	}

	phoff := uint64(elfconst.EhdrSize)
	numPH := len(p.ProgHeaders)

	writeHeader(w, etype, p.Entry, phoff, uint16(numPH))

	for _, ph := range p.ProgHeaders {
		w.U32(ph.Type)
		w.U32(ph.Flags)
		w.U64(ph.Offset)
		w.U64(ph.VAddr)
		w.U64(ph.VAddr) // p_paddr: unused, mirrors p_vaddr like every common linker
		w.U64(ph.FileSz)
		w.U64(ph.MemSz)
		w.U64(ph.Align)
	}

	for _, sec := range p.Sections {
		if w.Len() > int(sec.Offset) {
			return nil, &linkerr.LayoutError{Reason: fmt.Sprintf("section %q offset 0x%x overlaps preceding content ending at 0x%x", sec.Name, sec.Offset, w.Len())}
		}
		w.Pad(int(sec.Offset) - w.Len())
		if sec.Type != elfconst.SHTNobits {
			w.Write(sec.Data)
		}
	}

	// Section name string table, built last so every section (including
	// itself) has a name. The null first section also needs index 0.
	str := strtab.New()
	nameOffsets := make([]uint32, len(p.Sections))
	for i, sec := range p.Sections {
		nameOffsets[i] = str.Add(sec.Name)
	}
	shstrtabNameOff := str.Add(".shstrtab")

	w.AlignTo(8)
	shstrtabOffset := uint64(w.Len())
	w.Write(str.Bytes())
	shstrtabSize := uint64(str.Len())

	w.AlignTo(8)
	shoff := uint64(w.Len())

	writeShdr(w, 0, elfconst.SHTNull, 0, 0, 0, 0, 0, 0, 0, 0)
	for i, sec := range p.Sections {
		writeShdr(w, nameOffsets[i], sec.Type, sec.Flags, sec.Addr, sec.Offset, sec.Size, sec.Link, sec.Info, sec.AddrAlign, sec.EntSize)
	}
	writeShdr(w, shstrtabNameOff, elfconst.SHTStrtab, 0, 0, shstrtabOffset, shstrtabSize, 0, 0, 1, 0)

	shnum := uint16(2 + len(p.Sections))
	shstrndx := shnum - 1

	if err := w.PutU64At(40, shoff); err != nil {
		return nil, err
	}
	buf := w.Bytes()
	putU16At(buf, 60, shnum)
	putU16At(buf, 62, shstrndx)

	return buf, nil
}

func writeHeader(w *bio.Writer, etype uint16, entry, phoff uint64, phnum uint16) {
	w.U8(elfconst.MagicELF0)
	w.U8(elfconst.MagicELF1)
	w.U8(elfconst.MagicELF2)
	w.U8(elfconst.MagicELF3)
	w.U8(elfconst.Class64)
	w.U8(elfconst.DataLittleEnd)
	w.U8(elfconst.VersionCurrent)
	w.U8(elfconst.OSABISysV)
	w.Write(make([]byte, 8)) // e_ident padding
	w.U16(etype)
	w.U16(elfconst.EMX8664)
	w.U32(uint32(elfconst.VersionCurrent))
	w.U64(entry)
	w.U64(phoff)
	w.U64(0) // e_shoff: patched once section content size is known
	w.U32(0) // e_flags
	w.U16(elfconst.EhdrSize)
	w.U16(elfconst.PhdrSize)
	w.U16(phnum)
	w.U16(elfconst.ShdrSize)
	w.U16(0) // e_shnum: patched
	w.U16(0) // e_shstrndx: patched
}

func writeShdr(w *bio.Writer, name uint32, typ uint32, flags, addr, offset, size uint64, link, info uint32, align, entsize uint64) {
	w.U32(name)
	w.U32(typ)
	w.U64(flags)
	w.U64(addr)
	w.U64(offset)
	w.U64(size)
	w.U32(link)
	w.U32(info)
	w.U64(align)
	w.U64(entsize)
}

func putU16At(buf []byte, offset int, v uint16) {
	buf[offset] = byte(v)
	buf[offset+1] = byte(v >> 8)
}

// LoadProgramHeaders converts layout.Layout's canonical segments (plus
// PT_PHDR/PT_INTERP/PT_DYNAMIC when dynamic) into writer-ready headers, in
// the file order every Segment already carries.
func LoadProgramHeaders(l *layout.Layout, dynamic bool) []ProgramHeader {
	var out []ProgramHeader
	if dynamic {
		numPH := 3 + len(l.Segments) // PHDR + INTERP + DYNAMIC + 3 LOAD, sized generically
		out = append(out, ProgramHeader{
			Type: elfconst.PTPhdr, Flags: elfconst.PFR,
			Offset: elfconst.EhdrSize, VAddr: l.BaseAddr + elfconst.EhdrSize,
			FileSz: uint64(numPH) * uint64(elfconst.PhdrSize), MemSz: uint64(numPH) * uint64(elfconst.PhdrSize),
			Align: 8,
		})
		if r, ok := l.Regions["interp"]; ok {
			out = append(out, ProgramHeader{Type: elfconst.PTInterp, Flags: elfconst.PFR, Offset: r.Offset, VAddr: r.VAddr, FileSz: r.FileSize, MemSz: r.FileSize, Align: 1})
		}
	}
	for _, seg := range l.Segments {
		out = append(out, ProgramHeader{
			Type: elfconst.PTLoad, Flags: seg.Flags,
			Offset: seg.Offset, VAddr: seg.VAddr,
			FileSz: seg.FileSize, MemSz: seg.MemSize,
			Align: l.PageSize,
		})
	}
	if dynamic {
		if r, ok := l.Regions["dynamic"]; ok {
			out = append(out, ProgramHeader{Type: elfconst.PTDynamic, Flags: elfconst.PFR | elfconst.PFW, Offset: r.Offset, VAddr: r.VAddr, FileSz: r.FileSize, MemSz: r.FileSize, Align: 8})
		}
	}
	return out
}

// WriteFile durably persists buf to path: write to a same-directory temp
// file, fsync it, fchmod it executable, then rename over the destination
// so a crash mid-write never leaves a partial or non-executable output —
// the temp-file-plus-rename pattern every real linker uses, implemented
// here with golang.org/x/sys/unix the way the teacher's
// filewatcher_unix.go reaches for unix syscalls directly instead of
// higher-level os wrappers.
func WriteFile(path string, buf []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".xld-out-*")
	if err != nil {
		return &linkerr.IoError{Path: path, Reason: "creating temp output file", Err: err}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		return &linkerr.IoError{Path: path, Reason: "writing output bytes", Err: err}
	}
	if err := unix.Fsync(int(tmp.Fd())); err != nil {
		tmp.Close()
		return &linkerr.IoError{Path: path, Reason: "fsyncing output file", Err: err}
	}
	if err := unix.Fchmod(int(tmp.Fd()), 0o755); err != nil {
		tmp.Close()
		return &linkerr.IoError{Path: path, Reason: "fchmod +x on output file", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &linkerr.IoError{Path: path, Reason: "closing temp output file", Err: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return &linkerr.IoError{Path: path, Reason: "renaming temp file into place", Err: err}
	}
	return nil
}
