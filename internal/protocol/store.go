package protocol

import (
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync"
)

// Chat is one conversation entry tracked by the in-memory store.
type Chat struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	LastSeen int64  `json:"last_seen,omitempty"`
}

// Contact is one known peer tracked by the in-memory store.
type Contact struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type storeSnapshot struct {
	Chats    []Chat    `json:"chats"`
	Contacts []Contact `json:"contacts"`
}

// MemoryStore is the per-session chat/contact cache bound to a client's
// events. Standard sessions snapshot it to disk at process shutdown and
// rehydrate it at session startup; legacy sessions run without one.
type MemoryStore struct {
	mu       sync.RWMutex
	chats    map[string]Chat
	contacts map[string]Contact
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats:    make(map[string]Chat),
		contacts: make(map[string]Contact),
	}
}

// UpsertChats inserts or replaces chat entries.
func (s *MemoryStore) UpsertChats(chats ...Chat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chats {
		if c.ID == "" {
			continue
		}
		s.chats[c.ID] = c
	}
}

// UpsertContacts inserts or replaces contact entries.
func (s *MemoryStore) UpsertContacts(contacts ...Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range contacts {
		if c.ID == "" {
			continue
		}
		s.contacts[c.ID] = c
	}
}

// ChatsWithSuffix returns chats whose JID carries the given suffix, sorted
// by ID for stable output.
func (s *MemoryStore) ChatsWithSuffix(suffix string) []Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Chat, 0, len(s.chats))
	for _, c := range s.chats {
		if strings.HasSuffix(c.ID, suffix) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len reports the number of tracked chats.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chats)
}

// WriteToFile snapshots the store as JSON.
func (s *MemoryStore) WriteToFile(path string) error {
	s.mu.RLock()
	snap := storeSnapshot{
		Chats:    make([]Chat, 0, len(s.chats)),
		Contacts: make([]Contact, 0, len(s.contacts)),
	}
	for _, c := range s.chats {
		snap.Chats = append(snap.Chats, c)
	}
	for _, c := range s.contacts {
		snap.Contacts = append(snap.Contacts, c)
	}
	s.mu.RUnlock()

	sort.Slice(snap.Chats, func(i, j int) bool { return snap.Chats[i].ID < snap.Chats[j].ID })
	sort.Slice(snap.Contacts, func(i, j int) bool { return snap.Contacts[i].ID < snap.Contacts[j].ID })
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// ReadFromFile merges a JSON snapshot into the store. A missing file is not
// an error; the store simply starts empty.
func (s *MemoryStore) ReadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var snap storeSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	s.UpsertChats(snap.Chats...)
	s.UpsertContacts(snap.Contacts...)
	return nil
}
