package layout

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xyproto/xld/internal/elfconst"
	"github.com/xyproto/xld/internal/object"
)

func objWithSections(path string, secs ...object.Section) *object.Object {
	return &object.Object{Path: path, Sections: secs}
}

func TestBuildStaticThreeSegments(t *testing.T) {
	obj := objWithSections("a.o",
		object.Section{Name: ".rodata", Flags: elfconst.SHFAlloc, Size: 16, Align: 8, Data: make([]byte, 16)},
		object.Section{Name: ".text", Flags: elfconst.SHFAlloc | elfconst.SHFExecinstr, Size: 32, Align: 16, Data: make([]byte, 32)},
		object.Section{Name: ".data", Flags: elfconst.SHFAlloc | elfconst.SHFWrite, Size: 8, Align: 8, Data: make([]byte, 8)},
		object.Section{Name: ".bss", Type: elfconst.SHTNobits, Flags: elfconst.SHFAlloc | elfconst.SHFWrite, Size: 24, Align: 8},
	)

	lay, err := Build(Config{}, []*object.Object{obj}, 0, DynSizes{})
	require.NoError(t, err)
	require.Len(t, lay.Segments, 3)

	require.Equal(t, SegRodata, lay.Segments[0].Kind)
	require.Equal(t, SegText, lay.Segments[1].Kind)
	require.Equal(t, SegData, lay.Segments[2].Kind)

	// Every segment's file offset and vaddr must agree mod page size.
	for _, seg := range lay.Segments {
		require.Equal(t, seg.VAddr%lay.PageSize, seg.Offset%lay.PageSize, "segment %s", seg.Kind)
		require.LessOrEqual(t, seg.FileSize, seg.MemSize)
	}

	// Text and data segments start on a page boundary (rodata does too:
	// its start is the header size rounded up to a page).
	require.Zero(t, lay.Segments[1].Offset%lay.PageSize)
	require.Zero(t, lay.Segments[2].Offset%lay.PageSize)

	// All four sections got addresses assigned.
	for i := 0; i < 4; i++ {
		key := SectionKey{ObjectID: 0, Index: object.SectionIndex(i)}
		_, ok := lay.SectionAddr[key]
		require.True(t, ok, "section %d missing an assigned address", i)
	}

	// NOBITS .bss contributes no file bytes to the data segment.
	dataSeg := lay.Segments[2]
	require.Less(t, dataSeg.FileSize, dataSeg.MemSize)
}

func TestBuildDefaultsBaseAddrAndPageSize(t *testing.T) {
	obj := objWithSections("a.o", object.Section{Name: ".text", Flags: elfconst.SHFAlloc | elfconst.SHFExecinstr, Size: 4, Align: 1, Data: make([]byte, 4)})
	lay, err := Build(Config{}, []*object.Object{obj}, 0, DynSizes{})
	require.NoError(t, err)
	require.Equal(t, uint64(elfconst.DefaultBaseAddr), lay.BaseAddr)
	require.Equal(t, uint64(elfconst.PageSize), lay.PageSize)
}

func TestBuildDynamicReservesRegions(t *testing.T) {
	obj := objWithSections("a.o", object.Section{Name: ".text", Flags: elfconst.SHFAlloc | elfconst.SHFExecinstr, Size: 4, Align: 1, Data: make([]byte, 4)})
	dyn := DynSizes{
		InterpLen: 22, DynsymLen: 48, DynstrLen: 16, HashLen: 16,
		RelaDynLen: 24, RelaPltLen: 24, GotLen: 24, PltLen: 32, DynamicLen: 160,
	}
	lay, err := Build(Config{Dynamic: true}, []*object.Object{obj}, 0, dyn)
	require.NoError(t, err)

	for _, name := range []string{"interp", "dynsym", "dynstr", "hash", "rela.dyn", "rela.plt", "plt", "got", "dynamic"} {
		r, ok := lay.Regions[name]
		require.True(t, ok, "missing region %q", name)
		require.NotZero(t, r.VAddr)
	}

	// interp lives in the rodata segment, plt/start in text, got/dynamic in data.
	require.GreaterOrEqual(t, lay.Regions["interp"].VAddr, lay.Segments[0].VAddr)
	require.Less(t, lay.Regions["interp"].VAddr, lay.Segments[0].VAddr+lay.Segments[0].MemSize)
	require.GreaterOrEqual(t, lay.Regions["plt"].VAddr, lay.Segments[1].VAddr)
	require.GreaterOrEqual(t, lay.Regions["got"].VAddr, lay.Segments[2].VAddr)
}

func TestBuildNoRegionsWhenNotDynamic(t *testing.T) {
	obj := objWithSections("a.o", object.Section{Name: ".text", Flags: elfconst.SHFAlloc | elfconst.SHFExecinstr, Size: 4, Align: 1, Data: make([]byte, 4)})
	lay, err := Build(Config{}, []*object.Object{obj}, 0, DynSizes{})
	require.NoError(t, err)
	require.Empty(t, lay.Regions)
}

func TestBuildCommonsExtendBSS(t *testing.T) {
	obj := objWithSections("a.o", object.Section{Name: ".text", Flags: elfconst.SHFAlloc | elfconst.SHFExecinstr, Size: 4, Align: 1, Data: make([]byte, 4)})
	lay, err := Build(Config{}, []*object.Object{obj}, 64, DynSizes{})
	require.NoError(t, err)
	require.NotZero(t, lay.BSSBase)
	dataSeg := lay.Segments[2]
	require.GreaterOrEqual(t, dataSeg.MemSize, uint64(64))
}
