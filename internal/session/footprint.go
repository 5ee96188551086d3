package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/wagate-dev/wagate/internal/protocol"
)

const (
	standardPrefix = "md_"
	legacyPrefix   = "legacy_"
	legacySuffix   = ".json"
	snapshotSuffix = "_store.json"
	credsFileName  = "creds.json"
)

// Footprint names one persisted session discovered on disk.
type Footprint struct {
	ID   string
	Mode Mode
}

// FootprintStore owns the durable layout of session credentials and chat
// snapshots: one `md_<id>` directory per standard session, one flat
// `legacy_<id>.json` file per legacy session, and one `<id>_store.json`
// snapshot per standard session.
type FootprintStore struct {
	dir string
}

func NewFootprintStore(dir string) (*FootprintStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("session: footprint dir required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("session: create footprint dir: %w", err)
	}
	return &FootprintStore{dir: dir}, nil
}

// Dir returns the footprint root.
func (f *FootprintStore) Dir() string { return f.dir }

func (f *FootprintStore) authDir(identity string) string {
	return filepath.Join(f.dir, standardPrefix+identity)
}

func (f *FootprintStore) legacyFile(identity string) string {
	return filepath.Join(f.dir, legacyPrefix+identity+legacySuffix)
}

// SnapshotPath returns the chat-store snapshot file for a standard session.
func (f *FootprintStore) SnapshotPath(identity string) string {
	return filepath.Join(f.dir, identity+snapshotSuffix)
}

// HasFootprint reports whether identity's credential footprint exists on
// disk, independent of whether the in-memory handle is live.
func (f *FootprintStore) HasFootprint(identity string, mode Mode) bool {
	if mode == ModeLegacy {
		_, err := os.Stat(f.legacyFile(identity))
		return err == nil
	}
	info, err := os.Stat(f.authDir(identity))
	return err == nil && info.IsDir()
}

// LoadAuth reads the persisted auth state for identity. A missing footprint
// yields an empty state so the session starts unpaired; an unreadable one is
// an error the caller logs and treats the same way.
func (f *FootprintStore) LoadAuth(identity string, mode Mode) (protocol.AuthState, error) {
	if mode == ModeLegacy {
		data, err := os.ReadFile(f.legacyFile(identity))
		if err != nil {
			if os.IsNotExist(err) {
				return protocol.AuthState{}, nil
			}
			return protocol.AuthState{}, fmt.Errorf("session: read legacy auth: %w", err)
		}
		return protocol.AuthState{Creds: data}, nil
	}

	entries, err := os.ReadDir(f.authDir(identity))
	if err != nil {
		if os.IsNotExist(err) {
			return protocol.AuthState{}, nil
		}
		return protocol.AuthState{}, fmt.Errorf("session: read auth dir: %w", err)
	}
	state := protocol.AuthState{Keys: make(map[string]json.RawMessage)}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), legacySuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.authDir(identity), entry.Name()))
		if err != nil {
			return protocol.AuthState{}, fmt.Errorf("session: read auth file %s: %w", entry.Name(), err)
		}
		if entry.Name() == credsFileName {
			state.Creds = data
			continue
		}
		state.Keys[strings.TrimSuffix(entry.Name(), legacySuffix)] = data
	}
	return state, nil
}

// SaveCredentials persists the credential blob for identity. The protocol
// client emits these continuously on auth-state change.
func (f *FootprintStore) SaveCredentials(identity string, mode Mode, creds json.RawMessage) error {
	if mode == ModeLegacy {
		return os.WriteFile(f.legacyFile(identity), creds, 0o600)
	}
	if err := os.MkdirAll(f.authDir(identity), 0o700); err != nil {
		return fmt.Errorf("session: create auth dir: %w", err)
	}
	return os.WriteFile(filepath.Join(f.authDir(identity), credsFileName), creds, 0o600)
}

// SaveKey persists one auth key file for a standard session.
func (f *FootprintStore) SaveKey(identity, name string, data json.RawMessage) error {
	if err := os.MkdirAll(f.authDir(identity), 0o700); err != nil {
		return fmt.Errorf("session: create auth dir: %w", err)
	}
	return os.WriteFile(filepath.Join(f.authDir(identity), name+legacySuffix), data, 0o600)
}

// ReadCredentials returns the persisted credential blob for identity.
func (f *FootprintStore) ReadCredentials(identity string, mode Mode) (json.RawMessage, error) {
	path := filepath.Join(f.authDir(identity), credsFileName)
	if mode == ModeLegacy {
		path = f.legacyFile(identity)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("session: read credentials: %w", err)
	}
	return data, nil
}

// WriteSnapshot persists the chat store of a standard session.
func (f *FootprintStore) WriteSnapshot(identity string, store *protocol.MemoryStore) error {
	if store == nil {
		return nil
	}
	return store.WriteToFile(f.SnapshotPath(identity))
}

// ReadSnapshot rehydrates the chat store of a standard session. Missing
// snapshots are not an error.
func (f *FootprintStore) ReadSnapshot(identity string, store *protocol.MemoryStore) error {
	if store == nil {
		return nil
	}
	return store.ReadFromFile(f.SnapshotPath(identity))
}

// Erase removes every on-disk trace of identity: auth directory, legacy
// file, and snapshot.
func (f *FootprintStore) Erase(identity string) error {
	var firstErr error
	for _, path := range []string{
		f.authDir(identity),
		f.legacyFile(identity),
		f.SnapshotPath(identity),
	} {
		if err := os.RemoveAll(path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Scan enumerates persisted footprints once at process start. Filenames
// encode identity and mode; entries that match no known form are skipped.
// The enumeration error is fatal to startup and is returned as-is.
func (f *FootprintStore) Scan() ([]Footprint, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("session: scan footprints: %w", err)
	}

	seen := make(map[string]Mode)
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case entry.IsDir() && strings.HasPrefix(name, standardPrefix):
			seen[strings.TrimPrefix(name, standardPrefix)] = ModeStandard
		case !entry.IsDir() && strings.HasSuffix(name, snapshotSuffix):
			seen[strings.TrimSuffix(name, snapshotSuffix)] = ModeStandard
		case !entry.IsDir() && strings.HasPrefix(name, legacyPrefix) && strings.HasSuffix(name, legacySuffix):
			id := strings.TrimSuffix(strings.TrimPrefix(name, legacyPrefix), legacySuffix)
			if _, ok := seen[id]; !ok {
				seen[id] = ModeLegacy
			}
		}
	}

	out := make([]Footprint, 0, len(seen))
	for id, mode := range seen {
		if id == "" {
			continue
		}
		out = append(out, Footprint{ID: id, Mode: mode})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
