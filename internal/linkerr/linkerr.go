// Package linkerr defines xld's error taxonomy (spec.md §7). Every fatal
// condition the pipeline can hit is one of these five kinds, each
// carrying enough structured context (offending object/section/symbol,
// and for relocations the diagnostic computation inputs) to print a
// single self-contained diagnostic line at the caller.
package linkerr

import "fmt"

// ParseError reports a malformed or unsupported input object.
type ParseError struct {
	Object string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error: %s: %s", e.Object, e.Reason)
}

// ResolutionError reports a multiple-definition or unresolved-external
// failure from symbol merge/resolution.
type ResolutionError struct {
	Symbol  string
	Objects []string
	Reason  string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolution error: %s: %s (referenced by %v)", e.Symbol, e.Reason, e.Objects)
}

// RelocationError reports an unsupported relocation type, an overflowed
// field, or an out-of-range offset. S, A, P, G are the computation inputs
// from spec.md §4.6, included for diagnosability even when not all apply
// to the failing relocation type.
type RelocationError struct {
	Symbol     string
	Section    int
	Offset     uint64
	Type       string
	Reason     string
	S, A, P, G int64
}

func (e *RelocationError) Error() string {
	return fmt.Sprintf("relocation error: %s at section %d+0x%x (%s): %s (S=0x%x A=0x%x P=0x%x G=0x%x)",
		e.Symbol, e.Section, e.Offset, e.Type, e.Reason, e.S, e.A, e.P, e.G)
}

// LayoutError reports a segment overlap or alignment contradiction from
// memory layout assignment.
type LayoutError struct {
	Reason string
}

func (e *LayoutError) Error() string {
	return fmt.Sprintf("layout error: %s", e.Reason)
}

// IoError reports a failure reading an input or writing the output.
type IoError struct {
	Path   string
	Reason string
	Err    error
}

func (e *IoError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("io error: %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("io error: %s: %s", e.Path, e.Reason)
}

func (e *IoError) Unwrap() error { return e.Err }
