package session

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Loader recreates persisted sessions once at process start.
type Loader struct {
	manager *Manager
	store   *FootprintStore
}

func NewLoader(manager *Manager, store *FootprintStore) *Loader {
	return &Loader{manager: manager, store: store}
}

// Restore scans the footprint directory and recreates every discovered
// session without a pairing sink. The directory scan failing is fatal and
// aborts startup; one session failing to recreate is logged and skipped so
// it cannot block the rest.
func (l *Loader) Restore(ctx context.Context) error {
	footprints, err := l.store.Scan()
	if err != nil {
		return err
	}
	for _, fp := range footprints {
		if l.manager.registry.Exists(fp.ID) {
			continue
		}
		if err := l.manager.Create(ctx, fp.ID, fp.Mode, nil); err != nil {
			log.Error().
				Str("session_id", fp.ID).
				Str("mode", fp.Mode.String()).
				Err(err).
				Msg("session_restore_failed")
			continue
		}
		log.Info().
			Str("session_id", fp.ID).
			Str("mode", fp.Mode.String()).
			Msg("session_restored")
	}
	return nil
}
