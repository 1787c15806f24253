package linker

import (
	"github.com/xyproto/xld/internal/elfconst"
	"github.com/xyproto/xld/internal/elfwriter"
	"github.com/xyproto/xld/internal/gotplt"
	"github.com/xyproto/xld/internal/layout"
	"github.com/xyproto/xld/internal/object"
	"github.com/xyproto/xld/internal/reloc"
)

// buildImage allocates a mutable byte copy of every ALLOC, non-NOBITS
// input section, keyed the same way internal/layout keys addresses, so
// internal/reloc can patch section content in place without aliasing the
// original parsed object's bytes.
func buildImage(objs []*object.Object, lay *layout.Layout) *reloc.Image {
	img := &reloc.Image{Bytes: make(map[layout.SectionKey][]byte)}
	for oi, obj := range objs {
		for si := range obj.Sections {
			sec := &obj.Sections[si]
			if !sec.IsAlloc() || sec.IsNobits() {
				continue
			}
			key := layout.SectionKey{ObjectID: oi, Index: object.SectionIndex(si)}
			cp := make([]byte, len(sec.Data))
			copy(cp, sec.Data)
			img.Bytes[key] = cp
		}
	}
	return img
}

// buildGotBytes encodes .got: 3 reserved slots (slot 0 holds .dynamic's
// address, the convention ld.so and the teacher's elf_sections.go both
// follow; slots 1-2 are reserved for the dynamic linker's own use and
// start zeroed) followed by one 8-byte entry per planned GotSlot.
func buildGotBytes(gp *gotplt.Plan, lay *layout.Layout, objs []*object.Object, resolve func(name string) (uint64, error)) []byte {
	n := gotplt.ReservedGotSlots + len(gp.GotSlots)
	buf := make([]byte, n*8)
	if r, ok := lay.Regions["dynamic"]; ok {
		put64(buf, 0, r.VAddr)
	}
	pltAddr := lay.Regions["plt"].VAddr
	for _, slot := range gp.GotSlots {
		off := (gotplt.ReservedGotSlots + slot.Index) * 8
		switch {
		case slot.ForPLT:
			if idx, ok := gp.PltIndex(slot.Symbol); ok {
				stubAddr := pltAddr + uint64((idx+1)*16)
				// Points past the stub's indirect jmp, at its push
				// imm32 (see EmitStub): the first call falls through
				// to PLT0 for lazy binding instead of looping back
				// through its own unresolved GOT slot.
				put64(buf, off, stubAddr+6)
			}
		case slot.NeedsGlobDat:
			// left zero: the dynamic linker fills this via the
			// R_X86_64_GLOB_DAT relocation in .rela.dyn at load time.
		case slot.NeedsRelative:
			if addr, err := resolve(slot.Symbol); err == nil {
				put64(buf, off, addr)
			}
		}
	}
	return buf
}

// buildPltBytes encodes .plt: PLT0 followed by one 16-byte lazy-binding
// stub per planned PltStub, in stub order.
func buildPltBytes(gp *gotplt.Plan, pltAddr, gotAddr uint64) []byte {
	if len(gp.PltStubs) == 0 {
		return nil
	}
	buf := append([]byte(nil), gotplt.EmitPLT0(pltAddr, gotAddr)...)
	for _, stub := range gp.PltStubs {
		stubAddr := pltAddr + uint64((stub.Index+1)*16)
		gotIdx, _ := gp.GotIndex(stub.Symbol)
		gotSlotAddr := gotAddr + uint64(gotIdx*8)
		buf = append(buf, gotplt.EmitStub(stubAddr, pltAddr, gotSlotAddr, stub.Index)...)
	}
	return buf
}

func put64(buf []byte, off int, v uint64) {
	for i := 0; i < 8; i++ {
		buf[off+i] = byte(v >> (8 * uint(i)))
	}
}

// assembleOutput walks MemoryLayout's three canonical segments in file
// order and produces the elfwriter.OutSection list plus program headers
// that reproduce exactly that content.
func assembleOutput(lay *layout.Layout, objs []*object.Object, img *reloc.Image, regionBytes map[string][]byte, isDynamic bool, bssSize uint64) ([]elfwriter.OutSection, []elfwriter.ProgramHeader, error) {
	var sections []elfwriter.OutSection

	addRegion := func(name string, typ uint32, flags uint64) {
		r, ok := lay.Regions[name]
		if !ok {
			return
		}
		sections = append(sections, elfwriter.OutSection{
			Name: "." + name, Type: typ, Flags: flags,
			Addr: r.VAddr, Offset: r.Offset, Size: r.FileSize,
			AddrAlign: 8, Data: regionBytes[name],
		})
	}

	if isDynamic {
		addRegion("interp", elfconst.SHTProgbits, elfconst.SHFAlloc)
		addRegion("dynsym", elfconst.SHTDynsym, elfconst.SHFAlloc)
		addRegion("dynstr", elfconst.SHTStrtab, elfconst.SHFAlloc)
		addRegion("hash", elfconst.SHTHash, elfconst.SHFAlloc)
		addRegion("rela.dyn", elfconst.SHTRela, elfconst.SHFAlloc)
		addRegion("rela.plt", elfconst.SHTRela, elfconst.SHFAlloc)
	}
	addInputSections(&sections, objs, lay, img, func(s *object.Section) bool {
		return s.IsAlloc() && !s.IsWritable() && !s.IsExec()
	})

	if isDynamic {
		addRegion("plt", elfconst.SHTProgbits, elfconst.SHFAlloc|elfconst.SHFExecinstr)
	}
	if r, ok := lay.Regions["start"]; ok {
		sections = append(sections, elfwriter.OutSection{
			Name: ".start", Type: elfconst.SHTProgbits, Flags: elfconst.SHFAlloc | elfconst.SHFExecinstr,
			Addr: r.VAddr, Offset: r.Offset, Size: r.FileSize, AddrAlign: 1, Data: regionBytes["start"],
		})
	}
	addInputSections(&sections, objs, lay, img, func(s *object.Section) bool {
		return s.IsAlloc() && s.IsExec()
	})

	if isDynamic {
		addRegion("dynamic", elfconst.SHTDynamic, elfconst.SHFAlloc|elfconst.SHFWrite)
		addRegion("got", elfconst.SHTProgbits, elfconst.SHFAlloc|elfconst.SHFWrite)
	}
	addInputSections(&sections, objs, lay, img, func(s *object.Section) bool {
		return s.IsAlloc() && s.IsWritable() && !s.IsExec() && !s.IsNobits()
	})
	addInputSections(&sections, objs, lay, img, func(s *object.Section) bool {
		return s.IsAlloc() && s.IsWritable() && !s.IsExec() && s.IsNobits()
	})
	if bssSize > 0 {
		// The last data-segment section's end (where NOBITS sections and
		// synthesized commons share a nominal file offset) is recorded by
		// layout as the offset of any NOBITS input section, or — if there
		// were none — the segment's file end.
		off := lay.Segments[2].Offset + lay.Segments[2].FileSize
		sections = append(sections, elfwriter.OutSection{
			Name: ".bss", Type: elfconst.SHTNobits, Flags: elfconst.SHFAlloc | elfconst.SHFWrite,
			Addr: lay.BSSBase, Offset: off, Size: bssSize, AddrAlign: 8,
		})
	}

	return sections, elfwriter.LoadProgramHeaders(lay, isDynamic), nil
}

func addInputSections(out *[]elfwriter.OutSection, objs []*object.Object, lay *layout.Layout, img *reloc.Image, match func(*object.Section) bool) {
	for oi, obj := range objs {
		for si := range obj.Sections {
			sec := &obj.Sections[si]
			if !match(sec) {
				continue
			}
			key := layout.SectionKey{ObjectID: oi, Index: object.SectionIndex(si)}
			addr, hasAddr := lay.SectionAddr[key]
			if !hasAddr {
				continue
			}
			offset := lay.SectionOffset[key]
			var flags uint64 = elfconst.SHFAlloc
			if sec.IsWritable() {
				flags |= elfconst.SHFWrite
			}
			if sec.IsExec() {
				flags |= elfconst.SHFExecinstr
			}
			*out = append(*out, elfwriter.OutSection{
				Name: sec.Name, Type: sec.Type, Flags: flags,
				Addr: addr, Offset: offset, Size: sec.Size,
				AddrAlign: max1(sec.Align), Data: img.Bytes[key],
			})
		}
	}
}

func max1(v uint64) uint64 {
	if v == 0 {
		return 1
	}
	return v
}
