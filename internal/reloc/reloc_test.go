package reloc

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xyproto/xld/internal/elfconst"
	"github.com/xyproto/xld/internal/gotplt"
	"github.com/xyproto/xld/internal/layout"
	"github.com/xyproto/xld/internal/object"
	"github.com/xyproto/xld/internal/symbols"
)

// textKey is section index 1 (".text") in object 0 throughout these
// tests; index 0 is reserved for the null section like real ELF.
var textKey = layout.SectionKey{ObjectID: 0, Index: 1}

func baseLayout(textAddr uint64) *layout.Layout {
	return &layout.Layout{
		SectionAddr:   map[layout.SectionKey]uint64{textKey: textAddr},
		SectionOffset: map[layout.SectionKey]uint64{textKey: 0},
	}
}

func TestApplyPC32CallToLocalFunction(t *testing.T) {
	obj := &object.Object{
		Path:     "a.o",
		Sections: []object.Section{{}, {Name: ".text"}},
		Symbols: []object.Symbol{
			{Name: "callee", Bind: elfconst.STBGlobal, Shndx: 1, Section: 1, Value: 0x20},
		},
		Relocs: []object.Relocation{
			{Section: 1, Offset: 10, Type: elfconst.RX8664PC32, Symbol: 0, Addend: -4},
		},
	}
	tab := symbols.New()
	require.NoError(t, tab.Merge(0, obj))

	lay := baseLayout(0x1000)
	img := &Image{Bytes: map[layout.SectionKey][]byte{textKey: make([]byte, 32)}}

	err := Apply([]*object.Object{obj}, &Context{Layout: lay, Symbols: tab}, img)
	require.NoError(t, err)

	buf := img.Bytes[textKey]
	v := int32(uint32(buf[10]) | uint32(buf[11])<<8 | uint32(buf[12])<<16 | uint32(buf[13])<<24)
	// S=0x1020, A=-4, P=0x1000+10 -> S + A - P
	want := int64(0x1020) - 4 - int64(0x100a)
	require.Equal(t, want, int64(v))
}

func TestApply64AbsoluteFillsAllEightBytes(t *testing.T) {
	obj := &object.Object{
		Path:     "a.o",
		Sections: []object.Section{{}, {Name: ".data"}},
		Symbols:  []object.Symbol{{Name: "g", Bind: elfconst.STBGlobal, Shndx: 1, Section: 1, Value: 0x8}},
		Relocs:   []object.Relocation{{Section: 1, Offset: 0, Type: elfconst.RX8664_64, Symbol: 0, Addend: 5}},
	}
	tab := symbols.New()
	require.NoError(t, tab.Merge(0, obj))

	lay := baseLayout(0x2000)
	img := &Image{Bytes: map[layout.SectionKey][]byte{textKey: make([]byte, 8)}}

	require.NoError(t, Apply([]*object.Object{obj}, &Context{Layout: lay, Symbols: tab}, img))
	buf := img.Bytes[textKey]
	var got uint64
	for i := 0; i < 8; i++ {
		got |= uint64(buf[i]) << (8 * uint(i))
	}
	require.Equal(t, uint64(0x2008+5), got)
}

func TestApplyPC32OverflowIsAnError(t *testing.T) {
	farKey := layout.SectionKey{ObjectID: 0, Index: 2}
	obj := &object.Object{
		Path:     "a.o",
		Sections: []object.Section{{}, {Name: ".text"}, {Name: ".remote"}},
		Symbols:  []object.Symbol{{Name: "far", Bind: elfconst.STBGlobal, Shndx: 2, Section: 2, Value: 0}},
		Relocs:   []object.Relocation{{Section: 1, Offset: 0, Type: elfconst.RX8664PC32, Symbol: 0}},
	}
	tab := symbols.New()
	require.NoError(t, tab.Merge(0, obj))

	// Place the symbol's section astronomically far from the relocation
	// site so S - P overflows a 32-bit displacement.
	lay := &layout.Layout{
		SectionAddr:   map[layout.SectionKey]uint64{textKey: 0x1000, farKey: 0xFFFFFFFF00000000},
		SectionOffset: map[layout.SectionKey]uint64{textKey: 0, farKey: 0},
	}
	img := &Image{Bytes: map[layout.SectionKey][]byte{textKey: make([]byte, 8)}}

	err := Apply([]*object.Object{obj}, &Context{Layout: lay, Symbols: tab}, img)
	require.Error(t, err)
}

// A defined local (STB_LOCAL) named symbol never enters the global symbol
// table (symbols.Table.Merge skips locals), so it must resolve via its own
// object's section like an unnamed section symbol, not via table lookup.
func TestApplyPC32ToDefinedLocalSymbolUsesOwnSection(t *testing.T) {
	obj := &object.Object{
		Path:     "a.o",
		Sections: []object.Section{{}, {Name: ".text"}},
		Symbols: []object.Symbol{
			{Name: "helper", Bind: elfconst.STBLocal, Shndx: 1, Section: 1, Value: 0x20},
		},
		Relocs: []object.Relocation{
			{Section: 1, Offset: 10, Type: elfconst.RX8664PC32, Symbol: 0, Addend: -4},
		},
	}
	tab := symbols.New()
	require.NoError(t, tab.Merge(0, obj)) // "helper" never enters tab: it's local

	lay := baseLayout(0x1000)
	img := &Image{Bytes: map[layout.SectionKey][]byte{textKey: make([]byte, 32)}}

	err := Apply([]*object.Object{obj}, &Context{Layout: lay, Symbols: tab}, img)
	require.NoError(t, err)

	buf := img.Bytes[textKey]
	v := int32(uint32(buf[10]) | uint32(buf[11])<<8 | uint32(buf[12])<<16 | uint32(buf[13])<<24)
	want := int64(0x1020) - 4 - int64(0x100a)
	require.Equal(t, want, int64(v))
}

func TestApply64AbsoluteOffsetWithinFourButNotEightBytesIsAnError(t *testing.T) {
	obj := &object.Object{
		Path:     "a.o",
		Sections: []object.Section{{}, {Name: ".data"}},
		Symbols:  []object.Symbol{{Name: "g", Bind: elfconst.STBGlobal, Shndx: 1, Section: 1, Value: 0}},
		// buf is 8 bytes; offset 4 leaves only 4 bytes for an 8-byte write.
		Relocs: []object.Relocation{{Section: 1, Offset: 4, Type: elfconst.RX8664_64, Symbol: 0}},
	}
	tab := symbols.New()
	require.NoError(t, tab.Merge(0, obj))

	lay := baseLayout(0x2000)
	img := &Image{Bytes: map[layout.SectionKey][]byte{textKey: make([]byte, 8)}}

	err := Apply([]*object.Object{obj}, &Context{Layout: lay, Symbols: tab}, img)
	require.Error(t, err)
}

func TestApplyUndefinedSymbolIsAnError(t *testing.T) {
	obj := &object.Object{
		Path:     "a.o",
		Sections: []object.Section{{}, {Name: ".text"}},
		Symbols:  []object.Symbol{{Name: "missing", Bind: elfconst.STBGlobal, Shndx: elfconst.SHNUndef}},
		Relocs:   []object.Relocation{{Section: 1, Offset: 0, Type: elfconst.RX8664PC32, Symbol: 0}},
	}
	tab := symbols.New()
	require.NoError(t, tab.Merge(0, obj))

	lay := baseLayout(0x1000)
	img := &Image{Bytes: map[layout.SectionKey][]byte{textKey: make([]byte, 8)}}

	err := Apply([]*object.Object{obj}, &Context{Layout: lay, Symbols: tab}, img)
	require.Error(t, err)
}

func TestApplyPLT32PrefersPlannedStubOverDirectAddress(t *testing.T) {
	obj := &object.Object{
		Path:     "a.o",
		Sections: []object.Section{{}, {Name: ".text"}},
		Symbols:  []object.Symbol{{Name: "printf", Bind: elfconst.STBGlobal, Shndx: elfconst.SHNUndef}},
		Relocs:   []object.Relocation{{Section: 1, Offset: 0, Type: elfconst.RX8664PLT32, Symbol: 0}},
	}
	tab := symbols.New()
	require.NoError(t, tab.Merge(0, obj))
	tab.ResolveDynamic("printf", "libc.so.6")

	plan := &gotplt.Plan{
		PltStubs: []gotplt.PltStub{{Symbol: "printf", Index: 0}},
		GotSlots: []gotplt.GotSlot{{Symbol: "printf", Index: 0, ForPLT: true}},
	}
	lay := baseLayout(0x1000)
	const pltAddr = 0x2000
	img := &Image{Bytes: map[layout.SectionKey][]byte{textKey: make([]byte, 8)}}

	err := Apply([]*object.Object{obj}, &Context{Layout: lay, Symbols: tab, Plan: plan, PltAddr: pltAddr}, img)
	require.NoError(t, err)

	buf := img.Bytes[textKey]
	v := int32(uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24)
	stubAddr := uint64(pltAddr + 16) // stub 0 starts right after PLT0
	want := int64(stubAddr) - int64(0x1000)
	require.Equal(t, want, int64(v))
}

func TestApplyPLT32WithoutPlannedStubIsAnError(t *testing.T) {
	obj := &object.Object{
		Path:     "a.o",
		Sections: []object.Section{{}, {Name: ".text"}},
		Symbols:  []object.Symbol{{Name: "printf", Bind: elfconst.STBGlobal, Shndx: elfconst.SHNUndef}},
		Relocs:   []object.Relocation{{Section: 1, Offset: 0, Type: elfconst.RX8664PLT32, Symbol: 0}},
	}
	tab := symbols.New()
	require.NoError(t, tab.Merge(0, obj))
	tab.ResolveDynamic("printf", "libc.so.6")

	lay := baseLayout(0x1000)
	img := &Image{Bytes: map[layout.SectionKey][]byte{textKey: make([]byte, 8)}}

	err := Apply([]*object.Object{obj}, &Context{Layout: lay, Symbols: tab, Plan: &gotplt.Plan{}}, img)
	require.Error(t, err)
}

func TestResolvedAddressForCommonSymbol(t *testing.T) {
	tab := symbols.New()
	obj := &object.Object{Path: "a.o", Symbols: []object.Symbol{{Name: "buf", Bind: elfconst.STBGlobal, Shndx: elfconst.SHNCommon, Size: 16, Value: 8}}}
	require.NoError(t, tab.Merge(0, obj))
	tab.AllocateCommons()

	lay := &layout.Layout{BSSBase: 0x5000, SectionAddr: map[layout.SectionKey]uint64{}, SectionOffset: map[layout.SectionKey]uint64{}}
	addr, err := ResolvedAddress([]*object.Object{obj}, lay, tab, "buf")
	require.NoError(t, err)
	require.Equal(t, uint64(0x5000), addr)
}

func TestResolvedAddressForAbsentWeakIsZero(t *testing.T) {
	tab := symbols.New()
	obj := &object.Object{Path: "a.o", Symbols: []object.Symbol{{Name: "weak_hook", Bind: elfconst.STBWeak, Shndx: elfconst.SHNUndef}}}
	require.NoError(t, tab.Merge(0, obj))
	tab.ResolveAbsent("weak_hook")

	lay := &layout.Layout{SectionAddr: map[layout.SectionKey]uint64{}, SectionOffset: map[layout.SectionKey]uint64{}}
	addr, err := ResolvedAddress([]*object.Object{obj}, lay, tab, "weak_hook")
	require.NoError(t, err)
	require.Zero(t, addr)
}
