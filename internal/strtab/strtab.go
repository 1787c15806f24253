// Package strtab implements the single append-only, deduplicating string
// table used throughout xld, replacing the teacher's repeated ad hoc
// string-table scans with O(1) lookups and deterministic output.
package strtab

// Table is an append-only byte buffer paired with a dedup map from string
// to its first offset. The empty string is always present at offset 0,
// matching the ELF convention that index 0 of any string table is "".
type Table struct {
	buf     []byte
	offsets map[string]uint32
}

// New returns a Table pre-seeded with the empty string at offset 0.
func New() *Table {
	t := &Table{
		buf:     []byte{0},
		offsets: map[string]uint32{"": 0},
	}
	return t
}

// Add inserts s if not already present and returns its offset. Repeated
// insertions of the same string return the same offset.
func (t *Table) Add(s string) uint32 {
	if off, ok := t.offsets[s]; ok {
		return off
	}
	off := uint32(len(t.buf))
	t.buf = append(t.buf, s...)
	t.buf = append(t.buf, 0)
	t.offsets[s] = off
	return off
}

// Lookup returns the offset of s if it has already been added.
func (t *Table) Lookup(s string) (uint32, bool) {
	off, ok := t.offsets[s]
	return off, ok
}

// Bytes returns the accumulated table contents, including the leading NUL.
func (t *Table) Bytes() []byte { return t.buf }

// Len returns the size in bytes of the accumulated table.
func (t *Table) Len() int { return len(t.buf) }

// StringAt decodes a NUL-terminated string starting at a raw byte offset,
// used when reading a string table parsed from an input object.
func StringAt(buf []byte, offset uint32) string {
	o := int(offset)
	if o < 0 || o >= len(buf) {
		return ""
	}
	end := o
	for end < len(buf) && buf[end] != 0 {
		end++
	}
	return string(buf[o:end])
}
