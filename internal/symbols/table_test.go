package symbols

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xyproto/xld/internal/elfconst"
	"github.com/xyproto/xld/internal/object"
)

func objWith(path string, syms ...object.Symbol) *object.Object {
	return &object.Object{Path: path, Symbols: syms}
}

func strongFunc(name string, value, size uint64) object.Symbol {
	return object.Symbol{Name: name, Value: value, Size: size, Bind: elfconst.STBGlobal, Type: elfconst.STTFunc, Shndx: 1, Section: 1}
}

func weakFunc(name string, value, size uint64) object.Symbol {
	return object.Symbol{Name: name, Value: value, Size: size, Bind: elfconst.STBWeak, Type: elfconst.STTFunc, Shndx: 1, Section: 1}
}

func undef(name string) object.Symbol {
	return object.Symbol{Name: name, Bind: elfconst.STBGlobal, Type: elfconst.STTNotype, Shndx: elfconst.SHNUndef}
}

func common(name string, size, align uint64) object.Symbol {
	return object.Symbol{Name: name, Value: align, Size: size, Bind: elfconst.STBGlobal, Type: elfconst.STTCommon, Shndx: elfconst.SHNCommon}
}

// Scenario 3 from spec.md §8: weak foo in A, strong foo in B -> strong wins.
func TestWeakThenStrongWins(t *testing.T) {
	tab := New()
	require.NoError(t, tab.Merge(0, objWith("a.o", weakFunc("foo", 0x10, 4))))
	require.NoError(t, tab.Merge(1, objWith("b.o", strongFunc("foo", 0x20, 4))))

	e, ok := tab.Lookup("foo")
	require.True(t, ok)
	require.Equal(t, KindStrongDef, e.Kind)
	require.Equal(t, 1, e.Winner.ObjectID)
}

// Strong then weak: strong stays the winner regardless of order.
func TestStrongThenWeakKeepsStrong(t *testing.T) {
	tab := New()
	require.NoError(t, tab.Merge(0, objWith("a.o", strongFunc("foo", 0x10, 4))))
	require.NoError(t, tab.Merge(1, objWith("b.o", weakFunc("foo", 0x20, 4))))

	e, _ := tab.Lookup("foo")
	require.Equal(t, KindStrongDef, e.Kind)
	require.Equal(t, 0, e.Winner.ObjectID)
}

// First weak wins among weak definitions.
func TestFirstWeakWins(t *testing.T) {
	tab := New()
	require.NoError(t, tab.Merge(0, objWith("a.o", weakFunc("foo", 0x10, 4))))
	require.NoError(t, tab.Merge(1, objWith("b.o", weakFunc("foo", 0x20, 4))))

	e, _ := tab.Lookup("foo")
	require.Equal(t, KindWeakDef, e.Kind)
	require.Equal(t, 0, e.Winner.ObjectID)
}

// Scenario 4: two strong definitions of bar -> ResolutionError.
func TestTwoStrongDefsIsMultipleDefinition(t *testing.T) {
	tab := New()
	require.NoError(t, tab.Merge(0, objWith("a.o", strongFunc("bar", 0x10, 4))))
	err := tab.Merge(1, objWith("b.o", strongFunc("bar", 0x20, 4)))
	require.Error(t, err)
	require.Contains(t, err.Error(), "multiple definition")
	require.Contains(t, err.Error(), "bar")
}

// Scenario 6: common buf size 4 align 4 in A, size 16 align 16 in B -> a
// single .bss entry of size 16, alignment 16.
func TestCommonMergeTakesLarger(t *testing.T) {
	tab := New()
	require.NoError(t, tab.Merge(0, objWith("a.o", common("buf", 4, 4))))
	require.NoError(t, tab.Merge(1, objWith("b.o", common("buf", 16, 16))))

	e, _ := tab.Lookup("buf")
	require.Equal(t, KindCommon, e.Kind)
	require.EqualValues(t, 16, e.Size)
	require.EqualValues(t, 16, e.Align)

	total := tab.AllocateCommons()
	require.EqualValues(t, 16, total)
	require.EqualValues(t, 0, e.BSSOffset)
}

func TestCommonTieBreaksOnAlignment(t *testing.T) {
	tab := New()
	require.NoError(t, tab.Merge(0, objWith("a.o", common("x", 8, 4))))
	require.NoError(t, tab.Merge(1, objWith("b.o", common("x", 8, 16))))

	e, _ := tab.Lookup("x")
	require.EqualValues(t, 16, e.Align)
	require.Equal(t, 1, e.Winner.ObjectID)
}

// Weak def × incoming common: the common only displaces the weak def when
// it's larger (spec.md §4.2 matrix cell), unlike strong/dynamic which are
// never displaced by a common.
func TestLargerCommonReplacesWeakDef(t *testing.T) {
	tab := New()
	require.NoError(t, tab.Merge(0, objWith("a.o", weakFunc("buf", 0x10, 4))))
	require.NoError(t, tab.Merge(1, objWith("b.o", common("buf", 16, 8))))

	e, _ := tab.Lookup("buf")
	require.Equal(t, KindCommon, e.Kind)
	require.EqualValues(t, 16, e.Size)
	require.Equal(t, 1, e.Winner.ObjectID)
}

func TestSmallerCommonKeepsWeakDef(t *testing.T) {
	tab := New()
	require.NoError(t, tab.Merge(0, objWith("a.o", weakFunc("buf", 0x10, 16))))
	require.NoError(t, tab.Merge(1, objWith("b.o", common("buf", 4, 8))))

	e, _ := tab.Lookup("buf")
	require.Equal(t, KindWeakDef, e.Kind)
	require.Equal(t, 0, e.Winner.ObjectID)
}

func TestStrongReplacesCommon(t *testing.T) {
	tab := New()
	require.NoError(t, tab.Merge(0, objWith("a.o", common("x", 8, 8))))
	require.NoError(t, tab.Merge(1, objWith("b.o", strongFunc("x", 0x30, 0))))

	e, _ := tab.Lookup("x")
	require.Equal(t, KindStrongDef, e.Kind)
}

func TestUndefinedDoesNotOverrideDefinition(t *testing.T) {
	tab := New()
	require.NoError(t, tab.Merge(0, objWith("a.o", strongFunc("x", 0x10, 4))))
	require.NoError(t, tab.Merge(1, objWith("b.o", undef("x"))))

	e, _ := tab.Lookup("x")
	require.Equal(t, KindStrongDef, e.Kind)
	require.Len(t, e.Sightings, 2)
}

func TestUndefinedTracksAsUnresolved(t *testing.T) {
	tab := New()
	require.NoError(t, tab.Merge(0, objWith("a.o", undef("printf"))))

	undefEntries := tab.Undefined()
	require.Len(t, undefEntries, 1)
	require.Equal(t, "printf", undefEntries[0].Name)
}

func TestLocalSymbolsNeverMerge(t *testing.T) {
	tab := New()
	local := object.Symbol{Name: "helper", Bind: elfconst.STBLocal, Type: elfconst.STTFunc, Shndx: 1}
	require.NoError(t, tab.Merge(0, objWith("a.o", local)))
	_, ok := tab.Lookup("helper")
	require.False(t, ok)
}

func TestResolveDynamicMarksUndefinedAsDynamic(t *testing.T) {
	tab := New()
	require.NoError(t, tab.Merge(0, objWith("a.o", undef("printf"))))
	tab.ResolveDynamic("printf", "libc.so.6")

	e, _ := tab.Lookup("printf")
	require.Equal(t, KindDynamic, e.Kind)
	require.Equal(t, "libc.so.6", e.DynLib)
}
