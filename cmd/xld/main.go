// Command xld links ET_REL x86-64 ELF64 object files into a static or
// dynamic executable.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/xyproto/xld/internal/config"
	"github.com/xyproto/xld/internal/linker"
	"github.com/xyproto/xld/internal/logging"
	"github.com/xyproto/xld/internal/reslib"
)

const versionString = "xld 0.1.0"

func main() {
	var (
		output      = flag.String("o", "a.out", "output executable path")
		entry       = flag.String("e", "", "entry symbol (default: _start, falling back to main)")
		dynamic     = flag.Bool("dynamic", false, "link against shared libraries instead of producing a static executable")
		pie         = flag.Bool("pie", false, "produce a position-independent executable (implies -dynamic)")
		libsFlag    = flag.String("l", "", "comma-separated library short names (e.g. c for libc)")
		baseAddrStr = flag.String("base-addr", "", "base load address, hex (default 0x400000, also for -pie)")
		verbose     = flag.Bool("v", false, "verbose logging")
		tracePath   = flag.String("trace", "", "write a JSON trace log to this path")
		configFile  = flag.String("config", "", "explicit config file path (default: search .xld.yaml)")
		version     = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println(versionString)
		return
	}

	inputs := flag.Args()
	if len(inputs) == 0 {
		fmt.Fprintln(os.Stderr, "usage: xld [flags] object.o [object.o ...]")
		flag.PrintDefaults()
		os.Exit(1)
	}

	var libs []string
	if *libsFlag != "" {
		libs = strings.Split(*libsFlag, ",")
	}

	kind := config.KindStaticExec
	if *pie {
		kind = config.KindPIE
	} else if *dynamic {
		kind = config.KindDynamicExec
	}

	var baseAddr uint64
	if *baseAddrStr != "" {
		v, err := strconv.ParseUint(strings.TrimPrefix(*baseAddrStr, "0x"), 16, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "xld: invalid -base-addr %q: %v\n", *baseAddrStr, err)
			os.Exit(1)
		}
		baseAddr = v
	}

	flags := config.Config{
		Inputs:      inputs,
		Libraries:   libs,
		Output:      *output,
		Kind:        kind,
		BaseAddr:    baseAddr,
		EntrySymbol: *entry,
		Verbose:     *verbose,
		TracePath:   *tracePath,
	}

	cfg, err := config.Load(flags, *configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xld: %v\n", err)
		os.Exit(1)
	}

	var trace io.Writer
	if cfg.TracePath != "" {
		traceFile, err := os.Create(cfg.TracePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "xld: opening trace file: %v\n", err)
			os.Exit(1)
		}
		defer traceFile.Close()
		trace = traceFile
	}
	logger := logging.New(logging.Options{Verbose: cfg.Verbose, Trace: trace})

	resolver := reslib.DefaultCuratedResolver()
	if err := linker.Link(cfg, logger, resolver); err != nil {
		fmt.Fprintf(os.Stderr, "xld: %v\n", err)
		os.Exit(1)
	}
}
