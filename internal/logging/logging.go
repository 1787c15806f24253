// Package logging builds xld's structured logger. Grounded on
// Manu343726-cucaracha's dependency on github.com/samber/slog-multi
// (declared in that repo's go.mod for fanning a single log/slog.Logger
// out to multiple handlers); xld exercises it to fan every log record out
// to a human-readable stderr stream and, optionally, a machine-readable
// JSON trace file for post-mortem link debugging.
package logging

import (
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// Options configures New.
type Options struct {
	Verbose bool      // enables slog.LevelDebug instead of slog.LevelInfo
	Trace   io.Writer // when non-nil, also emit JSON records here
}

// New builds the logger every xld component logs through. The core
// packages (object, symbols, layout, ...) never construct their own
// logger; one is threaded in explicitly from cmd/xld, matching spec.md
// §5's "no package-level globals" discipline.
func New(opts Options) *slog.Logger {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}

	handlers := []slog.Handler{
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	}
	if opts.Trace != nil {
		handlers = append(handlers, slog.NewJSONHandler(opts.Trace, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	return slog.New(slogmulti.Fanout(handlers...))
}
