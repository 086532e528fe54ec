package testlog

import (
	"testing"

	"github.com/danmuck/mllp/internal/logging"
	"github.com/rs/zerolog/log"
)

// Start configures test logging once per process and marks the test start.
func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	log.Info().Str("test", t.Name()).Msg("test start")
}
