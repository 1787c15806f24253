// Package config builds the Config spec.md §6 ("External Interfaces")
// describes, layering explicit CLI flags over an optional config file
// over environment variable overrides.
//
// Grounded on two teacher-adjacent patterns: Manu343726-cucaracha's
// cmd/root.go initConfig (viper.AddConfigPath/SetConfigName/
// AutomaticEnv/ReadInConfig, an optional dotfile in the user's home
// directory) for the config-file layer, and the teacher's own
// dependencies.go GetFunctionRepository/GetCachePath (os.Getenv-prefixed
// override, XDG-style fallback path) for the environment-variable
// layer — generalized here via github.com/xyproto/env/v2's typed
// accessors instead of hand-rolled os.Getenv parsing.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/viper"
	env "github.com/xyproto/env/v2"
)

// OutputKind selects static vs dynamic linking (spec.md §4, Non-goals:
// PIE is opt-in, not automatic).
type OutputKind int

const (
	KindStaticExec OutputKind = iota
	KindDynamicExec
	KindPIE
)

// Config is the fully-resolved set of knobs internal/linker consumes.
// Every field has a concrete value by the time Load returns; nothing
// downstream re-reads the environment or a config file.
type Config struct {
	Inputs       []string // object files and archives, in link order
	Libraries    []string // -lNAME references, in link order
	LibraryPaths []string // -L search directories, in search order
	Output       string   // -o
	Kind         OutputKind
	BaseAddr     uint64
	PageSize     uint64
	EntrySymbol  string
	Verbose      bool
	TracePath    string // "" disables the JSON trace log
}

// fileSection mirrors the subset of an optional .xld.yaml this linker
// understands; any field a user omits falls through to CLI flags/env/
// defaults.
type fileSection struct {
	BaseAddr    string `mapstructure:"base_addr"`
	EntrySymbol string `mapstructure:"entry_symbol"`
	Libraries   []string
}

// Load resolves a Config from explicit flag values plus, for anything a
// flag left at its zero value, an optional ".xld" config file (searched
// for the way cucaracha's initConfig searches for ".cucaracha") and
// environment variables. Libraries listed in the config file are always
// appended after the flag-given ones.
func Load(flags Config, explicitConfigFile string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if explicitConfigFile != "" {
		v.SetConfigFile(explicitConfigFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home)
		v.AddConfigPath(".")
		v.SetConfigName(".xld")
	}
	v.SetEnvPrefix("XLD")
	v.AutomaticEnv()

	var fromFile fileSection
	if err := v.ReadInConfig(); err == nil {
		if err := v.Unmarshal(&fromFile); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", v.ConfigFileUsed(), err)
		}
	}

	cfg := flags
	if cfg.EntrySymbol == "" {
		cfg.EntrySymbol = fromFile.EntrySymbol
	}
	if cfg.EntrySymbol == "" {
		cfg.EntrySymbol = env.Str("XLD_ENTRY_SYMBOL", "_start")
	}
	if cfg.BaseAddr == 0 && fromFile.BaseAddr != "" {
		var parsed uint64
		if _, err := fmt.Sscanf(fromFile.BaseAddr, "0x%x", &parsed); err == nil {
			cfg.BaseAddr = parsed
		}
	}
	if cfg.BaseAddr == 0 {
		cfg.BaseAddr = parseHexEnv("XLD_BASE_ADDR", 0x400000)
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = parseHexEnv("XLD_PAGE_SIZE", 0x1000)
	}
	cfg.Libraries = append(cfg.Libraries, fromFile.Libraries...)

	if cfg.Output == "" {
		cfg.Output = "a.out"
	}
	if len(cfg.Inputs) == 0 {
		return Config{}, fmt.Errorf("no input object files given")
	}
	if cfg.Output != "" && !filepath.IsAbs(cfg.Output) {
		abs, err := filepath.Abs(cfg.Output)
		if err == nil {
			cfg.Output = abs
		}
	}
	return cfg, nil
}

// parseHexEnv reads name as a "0x"-prefixed or plain decimal unsigned
// integer, falling back to def when unset or unparsable.
func parseHexEnv(name string, def uint64) uint64 {
	s := env.Str(name, "")
	if s == "" {
		return def
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return def
	}
	return v
}
