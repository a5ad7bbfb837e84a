package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// zerolog keeps these as package variables; they are set on first use only.
var setGlobals sync.Once

type Options struct {
	Level  string
	Format string
	// Stack enables stack traces for errors wrapped with github.com/pkg/errors.
	Stack bool
	// Out defaults to os.Stderr. Stdout is reserved for image bytes.
	Out io.Writer
}

// New builds a logger from opts. Unknown formats are rejected; an empty
// level means info.
func New(opts Options) (zerolog.Logger, error) {
	setGlobals.Do(func() {
		zerolog.TimeFieldFormat = time.RFC3339
		zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	})

	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	level := zerolog.InfoLevel
	if opts.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return zerolog.Nop(), errors.Wrapf(err, "parse log level %q", opts.Level)
		}
		level = l
	}

	var w io.Writer
	switch strings.ToLower(opts.Format) {
	case "", FormatConsole:
		w = zerolog.NewConsoleWriter(func(cw *zerolog.ConsoleWriter) {
			cw.Out = out
			cw.TimeFormat = time.RFC3339
		})
	case FormatJSON:
		w = out
	default:
		return zerolog.Nop(), errors.Errorf("unknown log format %q", opts.Format)
	}

	ctx := zerolog.New(w).Level(level).With().Timestamp()
	if opts.Stack {
		ctx = ctx.Stack()
	}
	return ctx.Logger(), nil
}
