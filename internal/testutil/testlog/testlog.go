package testlog

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var configureOnce sync.Once

// Start quiets the global logger to warnings for the test run and tags the
// log stream with the test name.
func Start(t *testing.T) {
	t.Helper()
	configureOnce.Do(func() {
		log.Logger = log.Logger.Level(zerolog.WarnLevel)
	})
	log.Debug().Str("test", t.Name()).Msg("test_start")
}
