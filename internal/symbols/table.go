// Package symbols implements the global symbol table merge engine
// (spec.md §4.2, "SymbolTable"): strong/weak/common precedence across
// multiple input objects, keyed by name.
package symbols

import (
	"sort"

	"github.com/xyproto/xld/internal/elfconst"
	"github.com/xyproto/xld/internal/linkerr"
	"github.com/xyproto/xld/internal/object"
)

// Kind classifies how a merged name is currently satisfied. The ordering
// matters only for readability; precedence is encoded in Merge, not in
// the numeric values.
type Kind int

const (
	KindUndefined Kind = iota
	KindWeakDef
	KindStrongDef
	KindCommon
	KindDynamic
	// KindAbsent marks a weak symbol left undefined by every input object
	// and every resolved library: spec.md's weak-symbol handling is
	// silent on this case, and xld resolves it to address zero (the
	// conventional behavior for an unresolved weak reference) rather than
	// failing the link. See DESIGN.md.
	KindAbsent
)

// Ref names a single (object, symbol) sighting, kept for diagnostics (the
// "all sightings" list spec.md §3 requires on GlobalSymbolTable) and for
// enumerating referencing objects in ResolutionError.
type Ref struct {
	ObjectID   int
	ObjectName string
	SymIndex   object.SymbolIndex
}

// Entry is the winning state for one non-local name plus its sighting
// history.
type Entry struct {
	Name string
	Kind Kind

	// Winner identifies the (object, symbol) that currently defines Name.
	// Meaningless (zero value) when Kind is KindUndefined or KindDynamic.
	Winner Ref
	Bind   uint8
	Size   uint64
	Align  uint64 // meaningful for KindCommon only: tie-break + .bss packing

	// DynLib names the shared library providing Name when Kind ==
	// KindDynamic.
	DynLib string

	Sightings []Ref // every object that referenced or defined Name, in order

	// BSSOffset is assigned by AllocateCommons once KindCommon symbols are
	// packed; meaningless until then.
	BSSOffset uint64
}

// IsResolved reports whether Name has a definition, dynamic binding, or a
// settled weak-absent resolution.
func (e *Entry) IsResolved() bool { return e.Kind != KindUndefined }

// IsAbsent reports whether Name was left undefined by every object and
// library but settled to the zero address as an unresolved weak
// reference.
func (e *Entry) IsAbsent() bool { return e.Kind == KindAbsent }

// Table is the global symbol table. Merge builds it; after all objects
// merge, the linker's resolution steps update entries in place through
// ResolveDynamic, ResolveAbsent and AllocateCommons.
type Table struct {
	byName map[string]*Entry
	order  []string // first-sighting order, for deterministic iteration
}

// New returns an empty Table.
func New() *Table {
	return &Table{byName: make(map[string]*Entry)}
}

// Entries returns all tracked entries in first-sighting order, the order
// spec.md §5 requires layout and output to respect.
func (t *Table) Entries() []*Entry {
	out := make([]*Entry, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.byName[name])
	}
	return out
}

// Lookup returns the entry for name, if any.
func (t *Table) Lookup(name string) (*Entry, bool) {
	e, ok := t.byName[name]
	return e, ok
}

func (t *Table) entry(name string) *Entry {
	e, ok := t.byName[name]
	if !ok {
		e = &Entry{Name: name, Kind: KindUndefined}
		t.byName[name] = e
		t.order = append(t.order, name)
	}
	return e
}

// Merge folds every non-local symbol of obj (object id objID) into the
// table, applying the precedence matrix from spec.md §4.2. Objects must be
// merged in command-line order since tie-breaks ("first weak wins",
// "first strong wins") are order-dependent (spec.md §5).
func (t *Table) Merge(objID int, obj *object.Object) error {
	for i := range obj.Symbols {
		sym := &obj.Symbols[i]
		if sym.IsLocal() || sym.Type == elfconst.STTFile || sym.Name == "" {
			continue // local symbols never merge; namespaced to their object
		}
		ref := Ref{ObjectID: objID, ObjectName: obj.Path, SymIndex: object.SymbolIndex(i)}
		e := t.entry(sym.Name)
		e.Sightings = append(e.Sightings, ref)

		switch {
		case sym.IsUndef():
			// "Existing, Undefined -> no change / keep" for every row.
		case sym.IsCommon():
			if err := t.mergeCommon(e, sym, ref); err != nil {
				return err
			}
		case sym.IsWeak():
			t.mergeWeak(e, sym, ref)
		default: // strong definition
			if err := t.mergeStrong(e, sym, ref); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Table) mergeWeak(e *Entry, sym *object.Symbol, ref Ref) {
	switch e.Kind {
	case KindUndefined:
		e.Kind = KindWeakDef
		e.Winner = ref
		e.Bind = sym.Bind
		e.Size = sym.Size
	case KindWeakDef, KindStrongDef, KindCommon, KindDynamic:
		// "keep (first wins)" / "keep": nothing beats an existing
		// definition (of any kind) by arriving as a later weak def.
	}
}

func (t *Table) mergeStrong(e *Entry, sym *object.Symbol, ref Ref) error {
	switch e.Kind {
	case KindUndefined, KindWeakDef, KindCommon:
		// strong replaces undefined, weak, or common
		e.Kind = KindStrongDef
		e.Winner = ref
		e.Bind = sym.Bind
		e.Size = sym.Size
	case KindStrongDef:
		return &linkerr.ResolutionError{
			Symbol:  e.Name,
			Objects: []string{e.Winner.ObjectName, ref.ObjectName},
			Reason:  "multiple definition",
		}
	case KindDynamic:
		// A later strong local definition takes precedence over a
		// dynamic binding recorded from a previous link attempt; not
		// reachable in a single Merge pass (ResolveDynamic runs after
		// all objects merge), kept for completeness.
		e.Kind = KindStrongDef
		e.Winner = ref
		e.Bind = sym.Bind
		e.Size = sym.Size
	}
	return nil
}

func (t *Table) mergeCommon(e *Entry, sym *object.Symbol, ref Ref) error {
	align := sym.Value // for SHN_COMMON symbols st_value holds alignment
	if align == 0 {
		align = 1
	}
	switch e.Kind {
	case KindUndefined:
		e.Kind = KindCommon
		e.Winner = ref
		e.Size = sym.Size
		e.Align = align
	case KindWeakDef:
		// spec.md §4.2: a weak def is replaced by a common only if the
		// common is larger; otherwise the weak def stands.
		if sym.Size > e.Size {
			e.Kind = KindCommon
			e.Winner = ref
			e.Size = sym.Size
			e.Align = align
		}
	case KindStrongDef, KindDynamic:
		// "keep": a strong or dynamic definition is never displaced by a
		// later common.
	case KindCommon:
		if sym.Size > e.Size || (sym.Size == e.Size && align > e.Align) {
			e.Winner = ref
			e.Size = sym.Size
			e.Align = align
		}
	}
	return nil
}

// AllocateCommons sorts surviving KindCommon entries by descending
// alignment (spec.md §4.2, "Common-symbol allocation") and assigns each a
// BSSOffset packed into a single synthesized .bss region. It returns the
// total size of that region.
func (t *Table) AllocateCommons() uint64 {
	var commons []*Entry
	for _, name := range t.order {
		e := t.byName[name]
		if e.Kind == KindCommon {
			commons = append(commons, e)
		}
	}
	sort.SliceStable(commons, func(i, j int) bool {
		return commons[i].Align > commons[j].Align
	})
	var offset uint64
	for _, e := range commons {
		if e.Align > 0 {
			if rem := offset % e.Align; rem != 0 {
				offset += e.Align - rem
			}
		}
		e.BSSOffset = offset
		offset += e.Size
	}
	return offset
}

// Undefined returns every entry still unresolved after objects merged but
// before library resolution, in first-sighting order.
func (t *Table) Undefined() []*Entry {
	var out []*Entry
	for _, name := range t.order {
		e := t.byName[name]
		if e.Kind == KindUndefined {
			out = append(out, e)
		}
	}
	return out
}

// ResolveDynamic marks name as satisfied by a dynamic library, recording
// which one. Called by the linker after LibraryResolver has answered for
// every still-undefined name.
func (t *Table) ResolveDynamic(name, lib string) {
	e := t.entry(name)
	if e.Kind != KindUndefined {
		return
	}
	e.Kind = KindDynamic
	e.DynLib = lib
}

// ResolveAbsent settles a still-undefined weak reference to address
// zero. Called by the linker once LibraryResolver has had its chance and
// every remaining undefined sighting of name is weak.
func (t *Table) ResolveAbsent(name string) {
	e := t.entry(name)
	if e.Kind != KindUndefined {
		return
	}
	e.Kind = KindAbsent
}
