// Package gotplt implements GotPltBuilder (spec.md §4.5): deciding which
// symbols need a GOT slot or a PLT stub, and synthesizing the PLT0
// trampoline and per-symbol lazy-binding stubs.
//
// Grounded on the teacher's elf_complete.go GeneratePLT/GenerateGOT
// (two-pass: a sizing pass with placeholder addresses, then a patch pass
// once real addresses exist) and elf_sections.go's DynamicSections.plt/got
// byte layout. The teacher hard-codes one PLT/GOT pair per imported
// libc call; xld generalizes that to however many dynamic-external
// symbols spec.md §4.5 actually requires.
package gotplt

import (
	"sort"

	"github.com/xyproto/xld/internal/object"
	"github.com/xyproto/xld/internal/symbols"
)

// reserved GOT slots: GOT[0] holds the link-time address of .dynamic,
// GOT[1]/GOT[2] are reserved for the dynamic linker's own bookkeeping,
// matching the teacher's elf_sections.go comment on the 3 reserved slots.
const ReservedGotSlots = 3

const pltEntrySize = 16

// GotSlot is one 8-byte GOT entry beyond the 3 reserved slots.
type GotSlot struct {
	Symbol string
	Index  int // 0-based among non-reserved slots; absolute slot = Index+ReservedGotSlots

	// NeedsGlobDat is true when the slot must carry an R_X86_64_GLOB_DAT
	// relocation against a dynamic-external symbol (resolved at load
	// time by the dynamic linker).
	NeedsGlobDat bool
	// NeedsRelative is true when the slot addresses a locally-defined
	// symbol from position-independent code and must carry an
	// R_X86_64_RELATIVE relocation instead (base address + addend).
	NeedsRelative bool
	// ForPLT is true when this slot is the paired GOT entry for a PLT
	// stub (prefilled to the stub's own "push index; jmp plt0" bytes
	// until the first call resolves it).
	ForPLT bool
}

// PltStub is one synthesized 16-byte lazy-binding trampoline.
type PltStub struct {
	Symbol string
	Index  int // 0-based; stub N starts at PLT0's address + (N+1)*16
}

// Plan is GotPltBuilder's sizing-pass output: which symbols need what,
// computed from relocations alone (no addresses yet), so MemoryLayout can
// size its reserved ranges before a single address is assigned.
type Plan struct {
	GotSlots []GotSlot
	PltStubs []PltStub
}

// GotSize returns .got's byte size, reserved slots included.
func (p *Plan) GotSize() int { return (ReservedGotSlots + len(p.GotSlots)) * 8 }

// PltSize returns .plt's byte size: PLT0 plus one 16-byte stub per entry.
func (p *Plan) PltSize() int {
	if len(p.PltStubs) == 0 {
		return 0
	}
	return pltEntrySize * (1 + len(p.PltStubs))
}

// GotIndex looks up the absolute (reserved-slots-included) GOT slot for a
// symbol, if one was planned.
func (p *Plan) GotIndex(sym string) (int, bool) {
	for _, s := range p.GotSlots {
		if s.Symbol == sym {
			return s.Index + ReservedGotSlots, true
		}
	}
	return 0, false
}

// PltIndex looks up the stub index for a symbol, if one was planned.
func (p *Plan) PltIndex(sym string) (int, bool) {
	for _, s := range p.PltStubs {
		if s.Symbol == sym {
			return s.Index, true
		}
	}
	return 0, false
}

// Build scans every relocation in objs against tab and decides, per
// spec.md §4.5, which symbols need a GOT slot (referenced by a
// GOT32/GOTPCREL relocation) and which dynamic-external functions need a
// PLT stub (referenced by a PLT32 relocation and resolved to a library,
// not a local definition). Order is deterministic: first sighted in
// (object order, then relocation order), matching spec.md §5's
// determinism requirement.
func Build(objs []*object.Object, tab *symbols.Table, isPIE bool, gotTypes, pltTypes map[uint32]bool) *Plan {
	plan := &Plan{}
	gotSeen := make(map[string]bool)
	pltSeen := make(map[string]bool)

	for _, obj := range objs {
		for _, rel := range obj.Relocs {
			sym := obj.Symbol(rel.Symbol)
			if sym == nil || sym.Name == "" {
				continue
			}
			e, ok := tab.Lookup(sym.Name)
			if !ok {
				continue
			}
			if pltTypes[rel.Type] && e.Kind == symbols.KindDynamic && !pltSeen[sym.Name] {
				pltSeen[sym.Name] = true
				plan.PltStubs = append(plan.PltStubs, PltStub{Symbol: sym.Name, Index: len(plan.PltStubs)})
				if !gotSeen[sym.Name] {
					gotSeen[sym.Name] = true
					plan.GotSlots = append(plan.GotSlots, GotSlot{Symbol: sym.Name, Index: len(plan.GotSlots), ForPLT: true})
				}
				continue
			}
			if gotTypes[rel.Type] && !gotSeen[sym.Name] {
				gotSeen[sym.Name] = true
				slot := GotSlot{Symbol: sym.Name, Index: len(plan.GotSlots)}
				switch e.Kind {
				case symbols.KindDynamic:
					slot.NeedsGlobDat = true
				default:
					if isPIE {
						slot.NeedsRelative = true
					}
				}
				plan.GotSlots = append(plan.GotSlots, slot)
			}
		}
	}

	sort.SliceStable(plan.PltStubs, func(i, j int) bool { return plan.PltStubs[i].Index < plan.PltStubs[j].Index })
	return plan
}

// EmitPLT0 writes the standard 16-byte PLT0 trampoline (push GOT[1]; jmp
// *GOT[2]; nop padding), matching the textbook x86-64 lazy-PLT-resolution
// stub that the teacher's elf_complete.go patches call sites toward.
// plt0Addr/gotAddr are .plt's and .got's final virtual addresses.
func EmitPLT0(plt0Addr, gotAddr uint64) []byte {
	b := make([]byte, pltEntrySize)
	// ff 35 disp32  -> push qword [rip+disp32]   (GOT[1], the link_map ptr)
	b[0], b[1] = 0xff, 0x35
	disp1 := int32(int64(gotAddr+8) - int64(plt0Addr+6))
	putI32(b[2:6], disp1)
	// ff 25 disp32  -> jmp qword [rip+disp32]     (GOT[2], the resolver stub)
	b[6], b[7] = 0xff, 0x25
	disp2 := int32(int64(gotAddr+16) - int64(plt0Addr+12))
	putI32(b[8:12], disp2)
	b[12], b[13], b[14], b[15] = 0x0f, 0x1f, 0x00, 0x00 // nop padding
	return b
}

// EmitStub writes one lazy-binding PLT stub: jmp *GOT[slot]; push idx; jmp
// PLT0. stubAddr/plt0Addr/gotSlotAddr are final virtual addresses of this
// stub, PLT0 and this symbol's GOT slot; stubIndex is this stub's 0-based
// position, pushed as its .rela.plt index.
func EmitStub(stubAddr, plt0Addr, gotSlotAddr uint64, stubIndex int) []byte {
	b := make([]byte, pltEntrySize)
	// ff 25 disp32 -> jmp qword [rip+disp32]  (this symbol's GOT slot)
	b[0], b[1] = 0xff, 0x25
	disp := int32(int64(gotSlotAddr) - int64(stubAddr+6))
	putI32(b[2:6], disp)
	// 68 imm32 -> push imm32 (relocation-table index for this symbol)
	b[6] = 0x68
	putI32(b[7:11], int32(stubIndex))
	// e9 disp32 -> jmp plt0
	b[11] = 0xe9
	jdisp := int32(int64(plt0Addr) - int64(stubAddr+16))
	putI32(b[12:16], jdisp)
	return b
}

func putI32(b []byte, v int32) {
	u := uint32(v)
	b[0] = byte(u)
	b[1] = byte(u >> 8)
	b[2] = byte(u >> 16)
	b[3] = byte(u >> 24)
}
