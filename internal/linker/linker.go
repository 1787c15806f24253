// Package linker implements the top-level link pipeline: ElfParser ->
// SymbolTable -> LibraryResolver -> GotPltBuilder and DynamicBuilder
// sizing -> MemoryLayout -> Relocator -> DynamicBuilder encoding ->
// ElfWriter. Link carries all per-link state in local values passed from
// stage to stage; the package holds no mutable globals.
package linker

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/xyproto/xld/internal/config"
	"github.com/xyproto/xld/internal/dynlink"
	"github.com/xyproto/xld/internal/elfconst"
	"github.com/xyproto/xld/internal/elfwriter"
	"github.com/xyproto/xld/internal/gotplt"
	"github.com/xyproto/xld/internal/layout"
	"github.com/xyproto/xld/internal/linkerr"
	"github.com/xyproto/xld/internal/object"
	"github.com/xyproto/xld/internal/reloc"
	"github.com/xyproto/xld/internal/reslib"
	"github.com/xyproto/xld/internal/symbols"
)

// gotRelocTypes/pltRelocTypes classify which relocation types drive
// GotPltBuilder's sizing pass (spec.md §4.5).
var gotRelocTypes = map[uint32]bool{elfconst.RX8664GOT32: true, elfconst.RX8664GOTPCRel: true}
var pltRelocTypes = map[uint32]bool{elfconst.RX8664PLT32: true}

// Link runs the full pipeline for cfg and writes the result to
// cfg.Output. logger receives one record per stage transition; resolver
// answers library references.
func Link(cfg config.Config, logger *slog.Logger, resolver reslib.Resolver) error {
	logger.Info("parsing inputs", "count", len(cfg.Inputs))
	objs, err := parseInputs(cfg.Inputs)
	if err != nil {
		return err
	}

	tab := symbols.New()
	for i, obj := range objs {
		if err := tab.Merge(i, obj); err != nil {
			return err
		}
	}
	logger.Debug("symbol merge complete", "names", len(tab.Entries()))

	isDynamic := cfg.Kind != config.KindStaticExec
	isPIE := cfg.Kind == config.KindPIE

	var libs []*reslib.Library
	if isDynamic {
		for _, short := range cfg.Libraries {
			lib, err := resolver.ResolveLibrary(short)
			if err != nil {
				return err
			}
			libs = append(libs, lib)
		}
	}

	if err := resolveUndefined(tab, objs, libs, resolver, isDynamic); err != nil {
		return err
	}

	bssSize := tab.AllocateCommons()
	logger.Debug("common symbols packed", "bytes", bssSize)

	gotPlan := gotplt.Build(objs, tab, isPIE, gotRelocTypes, pltRelocTypes)
	logger.Debug("got/plt plan", "got_slots", len(gotPlan.GotSlots), "plt_stubs", len(gotPlan.PltStubs))

	var dynPlan *dynlink.Plan
	dynSizes := layout.DynSizes{}
	if isDynamic {
		dynPlan = dynlink.FromSymbolTable(tab)
		strTab := dynPlan.BuildStrings()
		relaDynCount := 0
		for _, s := range gotPlan.GotSlots {
			if !s.ForPLT && (s.NeedsGlobDat || s.NeedsRelative) {
				relaDynCount++
			}
		}
		dynSizes = layout.DynSizes{
			InterpLen:  len(elfconst.DefaultInterpPath) + 1,
			DynsymLen:  len(dynPlan.Syms) * int(elfconst.SymSize),
			DynstrLen:  strTab.Len(),
			HashLen:    len(dynPlan.BuildHash()),
			RelaDynLen: relaDynCount * int(elfconst.RelaSize),
			RelaPltLen: len(gotPlan.PltStubs) * int(elfconst.RelaSize),
			GotLen:     gotPlan.GotSize(),
			PltLen:     gotPlan.PltSize(),
			DynamicLen: dynlink.SizeDynamic(len(dynPlan.Needed), relaDynCount > 0, len(gotPlan.PltStubs) > 0),
		}
	}

	entrySym, needStub, err := resolveEntrySymbol(cfg.EntrySymbol, tab)
	if err != nil {
		return err
	}
	if needStub {
		dynSizes.StartStubLen = 14
	}

	lcfg := layout.Config{BaseAddr: cfg.BaseAddr, PageSize: cfg.PageSize, Dynamic: isDynamic}
	lay, err := layout.Build(lcfg, objs, bssSize, dynSizes)
	if err != nil {
		return err
	}
	logger.Debug("layout complete", "segments", len(lay.Segments))

	var entryAddr uint64
	if needStub {
		entryAddr = lay.Regions["start"].VAddr
	} else {
		entryAddr, err = reloc.ResolvedAddress(objs, lay, tab, entrySym)
		if err != nil {
			return &linkerr.LayoutError{Reason: fmt.Sprintf("resolving entry symbol %q: %v", entrySym, err)}
		}
	}

	img := buildImage(objs, lay)

	relocCtx := &reloc.Context{Layout: lay, Symbols: tab, Plan: gotPlan}
	if r, ok := lay.Regions["got"]; ok {
		relocCtx.GotAddr = r.VAddr
	}
	if r, ok := lay.Regions["plt"]; ok {
		relocCtx.PltAddr = r.VAddr
	}
	if err := reloc.Apply(objs, relocCtx, img); err != nil {
		return err
	}
	logger.Debug("relocations applied")

	regionBytes := make(map[string][]byte)
	if needStub {
		mainAddr, err := reloc.ResolvedAddress(objs, lay, tab, "main")
		if err != nil {
			return &linkerr.LayoutError{Reason: "entry symbol not found and no main to wrap: " + err.Error()}
		}
		r := lay.Regions["start"]
		regionBytes["start"] = buildStartStub(r.VAddr, mainAddr)
	}

	if isDynamic {
		strTab := dynPlan.BuildStrings()
		regionBytes["interp"] = append([]byte(elfconst.DefaultInterpPath), 0)
		regionBytes["dynstr"] = strTab.Bytes()
		regionBytes["dynsym"] = dynPlan.BuildDynsym(strTab)
		regionBytes["hash"] = dynPlan.BuildHash()
		gotAddr := relocCtx.GotAddr
		pltAddr := relocCtx.PltAddr
		regionBytes["rela.dyn"] = dynlink.BuildRelaDyn(dynPlan, gotPlan, gotAddr)
		regionBytes["rela.plt"] = dynlink.BuildRelaPlt(dynPlan, gotPlan, gotAddr)
		regionBytes["got"] = buildGotBytes(gotPlan, lay, objs, func(name string) (uint64, error) {
			return reloc.ResolvedAddress(objs, lay, tab, name)
		})
		regionBytes["plt"] = buildPltBytes(gotPlan, pltAddr, gotAddr)
		dynBytes := dynlink.BuildDynamic(dynPlan, strTab,
			lay.Regions["hash"].VAddr, lay.Regions["dynstr"].VAddr, lay.Regions["dynsym"].VAddr,
			lay.Regions["rela.dyn"].VAddr, len(regionBytes["rela.dyn"]),
			gotAddr, lay.Regions["rela.plt"].VAddr, len(regionBytes["rela.plt"]))
		regionBytes["dynamic"] = dynBytes
	}

	sections, progHeaders, err := assembleOutput(lay, objs, img, regionBytes, isDynamic, bssSize)
	if err != nil {
		return err
	}

	// ET_DYN is for PIE images (relocatable at load time via the
	// R_X86_64_RELATIVE fixups isPIE causes GotPltBuilder to emit); a
	// non-PIE dynamic executable still has absolute addresses baked in at
	// cfg.BaseAddr and must load as ET_EXEC like any other fixed-address
	// binary, per spec.md §4.8/§8 scenario 2.
	buf, err := elfwriter.Build(elfwriter.Params{
		Entry:       entryAddr,
		IsDynamic:   isPIE,
		ProgHeaders: progHeaders,
		Sections:    sections,
	})
	if err != nil {
		return err
	}

	if err := elfwriter.WriteFile(cfg.Output, buf); err != nil {
		return err
	}
	logger.Info("wrote output", "path", cfg.Output, "bytes", len(buf))
	return nil
}

func parseInputs(paths []string) ([]*object.Object, error) {
	var objs []*object.Object
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil, &linkerr.IoError{Path: p, Reason: "reading input object", Err: err}
		}
		obj, err := object.Parse(p, raw)
		if err != nil {
			return nil, err
		}
		objs = append(objs, obj)
	}
	return objs, nil
}

// resolveUndefined asks resolver to satisfy every name left undefined
// after all objects merged. A name no library can provide is fatal
// unless every remaining reference to it is weak, per spec.md §9's Open
// Question on weak-symbol handling — see DESIGN.md.
func resolveUndefined(tab *symbols.Table, objs []*object.Object, libs []*reslib.Library, resolver reslib.Resolver, isDynamic bool) error {
	for _, e := range tab.Undefined() {
		if isDynamic {
			if lib, ok := resolver.Satisfy(e.Name, libs); ok {
				tab.ResolveDynamic(e.Name, lib.SOName)
				continue
			}
		}
		if allWeak(objs, e) {
			tab.ResolveAbsent(e.Name)
			continue
		}
		objNames := make([]string, 0, len(e.Sightings))
		for _, ref := range e.Sightings {
			objNames = append(objNames, ref.ObjectName)
		}
		return &linkerr.ResolutionError{Symbol: e.Name, Objects: objNames, Reason: "undefined reference"}
	}
	return nil
}

func allWeak(objs []*object.Object, e *symbols.Entry) bool {
	if len(e.Sightings) == 0 {
		return false
	}
	for _, ref := range e.Sightings {
		sym := objs[ref.ObjectID].Symbol(ref.SymIndex)
		if sym == nil || !sym.IsWeak() {
			return false
		}
	}
	return true
}

// resolveEntrySymbol decides spec.md §4.4's entry point: the configured
// symbol if defined, else a synthesized "_start calls main" trampoline
// when main is defined instead.
func resolveEntrySymbol(configured string, tab *symbols.Table) (name string, needStub bool, err error) {
	if configured == "" {
		configured = elfconst.DefaultEntrySym
	}
	if e, ok := tab.Lookup(configured); ok && e.IsResolved() && e.Kind != symbols.KindDynamic && e.Kind != symbols.KindAbsent {
		return configured, false, nil
	}
	if e, ok := tab.Lookup("main"); ok && e.IsResolved() && e.Kind != symbols.KindDynamic && e.Kind != symbols.KindAbsent {
		return "main", true, nil
	}
	return "", false, &linkerr.LayoutError{Reason: fmt.Sprintf("no definition of entry symbol %q or fallback \"main\"", configured)}
}

// buildStartStub encodes the 14-byte "_start calls main" trampoline:
// call main; mov edi,eax; mov eax,60; syscall — main's return value
// becomes the exit(2) status.
func buildStartStub(stubAddr, mainAddr uint64) []byte {
	b := []byte{
		0xe8, 0, 0, 0, 0, // call rel32
		0x89, 0xc7, // mov edi,eax
		0xb8, 0x3c, 0, 0, 0, // mov eax,60 (SYS_exit)
		0x0f, 0x05, // syscall
	}
	disp := int32(int64(mainAddr) - int64(stubAddr+5))
	b[1] = byte(uint32(disp))
	b[2] = byte(uint32(disp) >> 8)
	b[3] = byte(uint32(disp) >> 16)
	b[4] = byte(uint32(disp) >> 24)
	return b
}
