// Package reslib abstracts on-disk library discovery behind a small
// interface (spec.md §4.3, "LibraryResolver"). The core never scans
// directories or sniffs .so/.a files itself; it asks a Resolver.
package reslib

// Kind classifies how a library reference is satisfied.
type Kind int

const (
	// KindStatic means the reference is an archive of relocatable
	// objects. internal/linker does not read archive members: a
	// KindStatic library adds no input objects, and CuratedResolver's
	// Satisfy never returns one.
	KindStatic Kind = iota
	// KindShared means the reference is a shared object, recorded as a
	// DT_NEEDED entry; its advertised symbols become dynamic-external
	// candidates.
	KindShared
)

// Library describes one resolved library reference.
type Library struct {
	// ShortName is the reference as given on the command line ("c" for
	// -lc), used for diagnostics.
	ShortName string
	// Path is the on-disk path the resolver found, or "" if the resolver
	// has no concrete path (e.g. a curated-list resolver that only knows
	// the soname).
	Path string
	Kind Kind
	// SOName is the DT_NEEDED string for a shared library (e.g.
	// "libc.so.6"); unused for static libraries.
	SOName string
	// Provides is the set of symbol names this library advertises.
	Provides map[string]bool
}

// NotFoundError reports a library reference no search path could satisfy.
type NotFoundError struct {
	ShortName    string
	SearchPaths  []string
}

func (e *NotFoundError) Error() string {
	return "library not found: " + e.ShortName
}

// Resolver is the interface the core consumes. A conforming
// implementation may use a curated per-library symbol list or parse a
// real shared object's dynamic symbol table; the core is agnostic.
type Resolver interface {
	// ResolveLibrary looks up a single library reference (e.g. "c" for
	// -lc) against the resolver's search paths and returns what it knows
	// about it, or a *NotFoundError.
	ResolveLibrary(shortName string) (*Library, error)

	// Satisfy is called once per still-undefined symbol name after every
	// input object has merged. It returns the Library that can provide
	// name, or ok=false if nothing can.
	Satisfy(name string, libs []*Library) (lib *Library, ok bool)
}
