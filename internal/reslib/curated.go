package reslib

// CuratedResolver answers library references from a fixed, in-memory
// table instead of touching the filesystem, matching spec.md §4.3's "a
// conforming resolver may use a curated list per library". It is grounded
// on the teacher's FunctionRepository map in dependencies.go, which maps a
// function name to the repository that provides it; CuratedResolver maps
// a library short name to the shared object and symbol set it provides
// instead.
type CuratedResolver struct {
	// Libraries maps a short name (as in -lNAME) to its known soname and
	// provided symbols. Callers populate this with whatever libraries
	// they want resolvable; DefaultCuratedResolver seeds the common case.
	Libraries map[string]*Library
}

// DefaultCuratedResolver returns a resolver that knows about glibc's
// common libc.so.6 exports, sufficient for the PLT/GOT end-to-end
// scenarios in spec.md §8.
func DefaultCuratedResolver() *CuratedResolver {
	libc := &Library{
		ShortName: "c",
		Kind:      KindShared,
		SOName:    "libc.so.6",
		Provides:  make(map[string]bool),
	}
	for _, name := range []string{
		"printf", "fprintf", "sprintf", "snprintf",
		"malloc", "calloc", "realloc", "free",
		"memcpy", "memset", "memmove", "memcmp",
		"strlen", "strcpy", "strncpy", "strcmp", "strncmp", "strcat",
		"strtol", "atoi", "atof",
		"open", "close", "read", "write", "lseek",
		"exit", "abort", "puts", "putchar", "getchar",
		"fopen", "fclose", "fread", "fwrite",
	} {
		libc.Provides[name] = true
	}
	return &CuratedResolver{Libraries: map[string]*Library{
		"c": libc,
	}}
}

// ResolveLibrary implements Resolver.
func (r *CuratedResolver) ResolveLibrary(shortName string) (*Library, error) {
	if lib, ok := r.Libraries[shortName]; ok {
		return lib, nil
	}
	return nil, &NotFoundError{ShortName: shortName}
}

// Satisfy implements Resolver: the first library (in caller-given order)
// that advertises name wins.
func (r *CuratedResolver) Satisfy(name string, libs []*Library) (*Library, bool) {
	for _, lib := range libs {
		if lib.Kind == KindShared && lib.Provides[name] {
			return lib, true
		}
	}
	return nil, false
}
