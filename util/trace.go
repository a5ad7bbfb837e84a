package util

import (
	"time"

	"github.com/rs/zerolog"
)

// Trace logs how long the named section took. Use as
//
//	defer util.Trace(logger, "convert")()
func Trace(l zerolog.Logger, name string) func() {
	start := time.Now()
	return func() {
		l.Debug().Str("section", name).Dur("elapsed", time.Since(start)).Msg("section finished")
	}
}
