package dynlink

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xyproto/xld/internal/elfconst"
	"github.com/xyproto/xld/internal/gotplt"
	"github.com/xyproto/xld/internal/symbols"
)

func TestSysVHashMatchesKnownValues(t *testing.T) {
	// Reference values from the SysV ABI's own elf_hash example and the
	// common "printf" case any glibc links against.
	require.Equal(t, uint32(0), SysVHash(""))
	require.Equal(t, uint32(0x077905a6), SysVHash("printf"))
}

func TestFromSymbolTableCollectsDynamicEntriesInOrder(t *testing.T) {
	tab := symbols.New()
	tab.ResolveDynamic("printf", "libc.so.6")
	tab.ResolveDynamic("malloc", "libc.so.6")

	plan := FromSymbolTable(tab)
	require.Len(t, plan.Syms, 3) // null + 2
	require.Equal(t, "printf", plan.Syms[1].Name)
	require.Equal(t, "malloc", plan.Syms[2].Name)
	require.Len(t, plan.Needed, 1)
	require.Equal(t, "libc.so.6", plan.Needed[0].SOName)
}

func TestAddNeededDeduplicates(t *testing.T) {
	p := NewPlan()
	p.AddNeeded("libc.so.6")
	p.AddNeeded("libm.so.6")
	p.AddNeeded("libc.so.6")
	require.Len(t, p.Needed, 2)
}

func TestBuildStringsContainsEveryNameAndSoname(t *testing.T) {
	p := NewPlan()
	p.AddDynamic("printf")
	p.AddNeeded("libc.so.6")

	str := p.BuildStrings()
	_, ok := str.Lookup("printf")
	require.True(t, ok)
	_, ok = str.Lookup("libc.so.6")
	require.True(t, ok)
}

func TestBuildDynsymEncodesNullEntryFirst(t *testing.T) {
	p := NewPlan()
	p.AddDynamic("printf")
	str := p.BuildStrings()

	buf := p.BuildDynsym(str)
	require.Len(t, buf, 2*int(elfconst.SymSize))
	// The null entry's name offset, info, and value/size must all be zero.
	require.Equal(t, make([]byte, elfconst.SymSize), buf[:elfconst.SymSize])
}

func TestBuildHashHeaderMatchesTableSize(t *testing.T) {
	p := NewPlan()
	p.AddDynamic("printf")
	p.AddDynamic("malloc")
	p.AddDynamic("free")

	h := p.BuildHash()
	require.True(t, len(h) >= 8)
	nbucket := uint32(h[0]) | uint32(h[1])<<8 | uint32(h[2])<<16 | uint32(h[3])<<24
	nchain := uint32(h[4]) | uint32(h[5])<<8 | uint32(h[6])<<16 | uint32(h[7])<<24
	require.Equal(t, uint32(len(p.Syms)), nchain)
	require.Equal(t, len(h), 8+int(nbucket)*4+int(nchain)*4)
}

func TestSizeDynamicGrowsWithNeededCount(t *testing.T) {
	base := SizeDynamic(0, false, false)
	withOne := SizeDynamic(1, false, false)
	require.Equal(t, int(elfconst.DynSize), withOne-base)
}

func TestSizeDynamicMatchesBuildDynamicTagCount(t *testing.T) {
	// PLT-only (scenario 2: no .rela.dyn) must not reserve the 3
	// DT_RELA*/DT_RELAENT tags BuildDynamic only emits when relaDynSize>0.
	plan := NewPlan()
	plan.AddDynamic("printf")
	str := plan.BuildStrings()
	buf := BuildDynamic(plan, str, 0x100, 0x200, 0x300, 0, 0, 0x400, 0x500, 24)
	require.Equal(t, SizeDynamic(0, false, true), len(buf))
}

func TestBuildRelaDynSkipsForPLTSlots(t *testing.T) {
	plan := NewPlan()
	plan.AddDynamic("environ")
	plan.AddDynamic("printf")

	gp := &gotplt.Plan{
		GotSlots: []gotplt.GotSlot{
			{Symbol: "environ", Index: 0, NeedsGlobDat: true},
			{Symbol: "printf", Index: 1, ForPLT: true},
		},
	}
	rela := BuildRelaDyn(plan, gp, 0x4000)
	require.Len(t, rela, int(elfconst.RelaSize)) // only the GLOB_DAT entry
}

func TestBuildRelaPltOneJumpSlotPerStub(t *testing.T) {
	plan := NewPlan()
	plan.AddDynamic("printf")
	plan.AddDynamic("malloc")

	gp := &gotplt.Plan{
		GotSlots: []gotplt.GotSlot{
			{Symbol: "printf", Index: 0, ForPLT: true},
			{Symbol: "malloc", Index: 1, ForPLT: true},
		},
		PltStubs: []gotplt.PltStub{
			{Symbol: "printf", Index: 0},
			{Symbol: "malloc", Index: 1},
		},
	}
	rela := BuildRelaPlt(plan, gp, 0x4000)
	require.Len(t, rela, 2*int(elfconst.RelaSize))

	off0 := uint64(rela[0]) | uint64(rela[1])<<8 | uint64(rela[2])<<16 | uint64(rela[3])<<24 |
		uint64(rela[4])<<32 | uint64(rela[5])<<40 | uint64(rela[6])<<48 | uint64(rela[7])<<56
	require.Equal(t, uint64(0x4000+gotplt.ReservedGotSlots*8), off0)
}

func TestBuildDynamicOmitsRelaTagsWhenSizeIsZero(t *testing.T) {
	plan := NewPlan()
	str := plan.BuildStrings()
	buf := BuildDynamic(plan, str, 0x100, 0x200, 0x300, 0, 0, 0, 0, 0)

	// Must end in a DT_NULL tag and must not be empty.
	require.True(t, len(buf) >= int(elfconst.DynSize))
	last := buf[len(buf)-int(elfconst.DynSize):]
	tag := uint64(last[0]) | uint64(last[1])<<8 | uint64(last[2])<<16 | uint64(last[3])<<24 |
		uint64(last[4])<<32 | uint64(last[5])<<40 | uint64(last[6])<<48 | uint64(last[7])<<56
	require.Equal(t, uint64(elfconst.DTNull), tag)
}

func TestBuildDynamicIncludesNeededBeforeFixedTags(t *testing.T) {
	plan := NewPlan()
	plan.AddNeeded("libc.so.6")
	str := plan.BuildStrings()
	buf := BuildDynamic(plan, str, 0x100, 0x200, 0x300, 0, 0, 0, 0, 0)

	firstTag := uint64(buf[0]) | uint64(buf[1])<<8 | uint64(buf[2])<<16 | uint64(buf[3])<<24 |
		uint64(buf[4])<<32 | uint64(buf[5])<<40 | uint64(buf[6])<<48 | uint64(buf[7])<<56
	require.Equal(t, uint64(elfconst.DTNeeded), firstTag)
}
