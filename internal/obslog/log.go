// Package obslog holds the single package-level logger shared by the
// reclamation substrate, the hash table, and stm. Libraries log
// structured events at debug/warn level only; nothing in this module
// writes to stdout directly except cmd/nbds's own user-facing output.
package obslog

import (
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var logger atomic.Pointer[zerolog.Logger]

func init() {
	l := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.WarnLevel)
	logger.Store(&l)
}

// SetLogger overrides the package-level logger, letting cmd/nbds (or a
// test) redirect/raise verbosity.
func SetLogger(l zerolog.Logger) {
	logger.Store(&l)
}

// L returns the current logger.
func L() *zerolog.Logger {
	return logger.Load()
}
