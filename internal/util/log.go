package util

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// NewLogger builds the process root logger at the requested level,
// falling back to info when the level string is unparseable.
func NewLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(lvl)
}

// PairLogger derives a sub-logger tagged with the pair name so every line
// emitted by a pair's loop, controller, and ledger is attributable.
func PairLogger(log zerolog.Logger, pair string) zerolog.Logger {
	return log.With().Str("pair", pair).Logger()
}
