package sessions

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Session holds routing metadata for one agent+scope combination. It does
// not hold conversation history — turn journaling lives in the store.
type Session struct {
	Key     string    `json:"key"` // agent:{agentId}:{sessionKey}
	Channel string    `json:"channel,omitempty"`
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`

	TurnCount      int    `json:"turnCount,omitempty"`
	SteerCount     int    `json:"steerCount,omitempty"`
	FollowupCount  int    `json:"followupCount,omitempty"`
	InterruptCount int    `json:"interruptCount,omitempty"`
	LastOutcome    string `json:"lastOutcome,omitempty"`
	LastTurnID     string `json:"lastTurnId,omitempty"`
	Label          string `json:"label,omitempty"`
}

// Manager handles session lifecycle, persistence, and lookup.
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	storage  string
}

func NewManager(storage string) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		storage:  storage,
	}
	if storage != "" {
		os.MkdirAll(storage, 0755)
		m.loadAll()
	}
	return m
}

// GetOrCreate returns an existing session or creates a new one.
func (m *Manager) GetOrCreate(key string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[key]; ok {
		return s
	}

	s := &Session{
		Key:     key,
		Created: time.Now(),
		Updated: time.Now(),
	}
	m.sessions[key] = s
	return s
}

// Touch updates the session's last-activity timestamp and channel.
func (m *Manager) Touch(key, channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		if channel != "" {
			s.Channel = channel
		}
		s.Updated = time.Now()
	}
}

// RecordOutcome updates the session's routing counters for one classified
// message. outcome matches the wire outcome strings.
func (m *Manager) RecordOutcome(key, outcome, turnID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[key]
	if !ok {
		s = &Session{Key: key, Created: time.Now()}
		m.sessions[key] = s
	}

	switch outcome {
	case "started_new_turn":
		s.TurnCount++
		s.LastTurnID = turnID
	case "steered":
		s.SteerCount++
	case "queued":
		s.FollowupCount++
	case "interrupted":
		s.InterruptCount++
	}
	s.LastOutcome = outcome
	s.Updated = time.Now()
}

// SetLabel updates the session label.
func (m *Manager) SetLabel(key, label string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		s.Label = label
		s.Updated = time.Now()
	}
}

// Get returns a snapshot of a session's metadata, or false if unknown.
func (m *Manager) Get(key string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[key]; ok {
		return *s, true
	}
	return Session{}, false
}

// Delete removes a session entirely.
func (m *Manager) Delete(key string) error {
	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()

	if m.storage != "" {
		filename := sanitizeFilename(key) + ".json"
		path := filepath.Join(m.storage, filename)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// List returns metadata for all sessions, optionally filtered by agent ID.
func (m *Manager) List(agentID string) []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Session
	prefix := ""
	if agentID != "" {
		prefix = "agent:" + agentID + ":"
	}

	for key, s := range m.sessions {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		result = append(result, *s)
	}
	return result
}

// Save persists a session to disk atomically.
func (m *Manager) Save(key string) error {
	if m.storage == "" {
		return nil
	}

	m.mu.RLock()
	s, ok := m.sessions[key]
	if !ok {
		m.mu.RUnlock()
		return nil
	}
	snapshot := *s
	m.mu.RUnlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	filename := sanitizeFilename(key)
	if filename == "." || !filepath.IsLocal(filename) || strings.ContainsAny(filename, `/\`) {
		return os.ErrInvalid
	}

	sessionPath := filepath.Join(m.storage, filename+".json")

	// Atomic write: temp file → rename
	tmpFile, err := os.CreateTemp(m.storage, "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, sessionPath); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (m *Manager) loadAll() {
	files, err := os.ReadDir(m.storage)
	if err != nil {
		return
	}

	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(m.storage, f.Name()))
		if err != nil {
			continue
		}

		var s Session
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}

		m.sessions[s.Key] = &s
	}
}

func sanitizeFilename(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}
