package authstate

import (
	"context"
	"sort"
	"sync"
)

type memorySession struct {
	creds []byte
	keys  map[Category]map[string][]byte
}

// MemoryCredentialStore keeps encoded state in process memory.
type MemoryCredentialStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
}

func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{sessions: make(map[string]*memorySession)}
}

func (s *MemoryCredentialStore) Load(ctx context.Context, sessionID string, factory CredentialsFactory) (*State, error) {
	if sessionID == "" {
		return nil, ioError("load", sessionID, errEmptySessionID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.session(sessionID)
	if sess.creds == nil {
		fresh, err := freshCredentials(sessionID, factory)
		if err != nil {
			return nil, err
		}
		data, err := marshalCredentials(fresh)
		if err != nil {
			return nil, ioError("load", sessionID, err)
		}
		sess.creds = data
	}
	creds, err := unmarshalCredentials(sess.creds)
	if err != nil {
		return nil, ioError("load", sessionID, err)
	}
	return &State{Creds: creds, Keys: sess.decodeKeys()}, nil
}

func (s *MemoryCredentialStore) SaveCredentials(ctx context.Context, sessionID string, creds *Credentials) error {
	data, err := marshalCredentials(creds)
	if err != nil {
		return ioError("save credentials", sessionID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session(sessionID).creds = data
	return nil
}

func (s *MemoryCredentialStore) GetKeys(ctx context.Context, sessionID string, category Category, ids []string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]any, len(ids))
	sess, ok := s.sessions[sessionID]
	if !ok {
		return out, nil
	}
	byID := sess.keys[category]
	for _, id := range ids {
		data, ok := byID[id]
		if !ok {
			continue
		}
		v, err := decodeValue(data)
		if err != nil {
			return nil, ioError("get keys", sessionID, err)
		}
		out[id] = v
	}
	return out, nil
}

func (s *MemoryCredentialStore) SetKeys(ctx context.Context, sessionID string, updates KeyUpdates) error {
	if err := updates.validate(); err != nil {
		return ioError("set keys", sessionID, err)
	}
	encoded := make(map[Category]map[string][]byte, len(updates))
	for cat, byID := range updates {
		m := make(map[string][]byte, len(byID))
		for id, v := range byID {
			if isAbsent(v) {
				m[id] = nil
				continue
			}
			data, err := encodeValue(v)
			if err != nil {
				return ioError("set keys", sessionID, err)
			}
			m[id] = data
		}
		encoded[cat] = m
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.session(sessionID)
	for cat, byID := range encoded {
		current := sess.keys[cat]
		for id, data := range byID {
			if data == nil {
				delete(current, id)
				continue
			}
			if current == nil {
				current = make(map[string][]byte)
				sess.keys[cat] = current
			}
			current[id] = data
		}
	}
	return nil
}

func (s *MemoryCredentialStore) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *MemoryCredentialStore) Close() error { return nil }

func (s *MemoryCredentialStore) ListSessions(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryCredentialStore) session(sessionID string) *memorySession {
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &memorySession{keys: make(map[Category]map[string][]byte)}
		s.sessions[sessionID] = sess
	}
	return sess
}

func (m *memorySession) decodeKeys() KeySet {
	ks := KeySet{}
	for cat, byID := range m.keys {
		for id, data := range byID {
			v, err := decodeValue(data)
			if err != nil {
				continue
			}
			if ks[cat] == nil {
				ks[cat] = make(map[string]any)
			}
			ks[cat][id] = v
		}
	}
	return ks
}
