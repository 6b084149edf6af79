package testlog

import (
	"testing"

	"github.com/danmuck/netron/internal/logging"
	"github.com/rs/zerolog/log"
)

// Start configures test logging once and tags the current test in output.
func Start(t testing.TB) {
	t.Helper()
	logging.ConfigureTests()
	log.Info().Str("test", t.Name()).Msg("start")
}
