package session

import "encoding/json"

// Status is the API projection of one session's connection state.
type Status struct {
	Status       string          `json:"status"`
	ValidSession bool            `json:"valid_session"`
	UserInfo     json.RawMessage `json:"user_info,omitempty"`
}

// Status reports the connection state of identity. Both the on-disk
// footprint and the in-memory handle must exist; a connected client with an
// authenticated identity reports "authenticated".
func (m *Manager) Status(identity string) (Status, error) {
	handle, err := m.registry.Get(identity)
	if err != nil {
		return Status{}, err
	}
	if !m.store.HasFootprint(identity, handle.Mode) {
		return Status{}, ErrSessionNotFound
	}
	creds, err := m.store.ReadCredentials(identity, handle.Mode)
	if err != nil {
		return Status{}, ErrSessionNotFound
	}

	var blob struct {
		Me json.RawMessage `json:"me"`
	}
	// Credential blobs are vendor-opaque; a missing or unparseable "me"
	// field just leaves user_info empty.
	_ = json.Unmarshal(creds, &blob)

	state := handle.Client.State().String()
	if state == "connected" && handle.Client.Account() != nil {
		state = "authenticated"
	}
	return Status{Status: state, ValidSession: true, UserInfo: blob.Me}, nil
}
