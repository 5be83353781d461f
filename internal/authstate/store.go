package authstate

import (
	"context"
	"sync"
)

// State is everything persisted for one session.
type State struct {
	Creds *Credentials
	Keys  KeySet
}

// CredentialStore persists session credentials and key sets.
//
// Load never fails because nothing is stored yet: it creates credentials with
// factory, persists them and returns them with an empty KeySet. SetKeys must
// be durable before it returns; a nil value deletes the id. DeleteSession is
// idempotent. Failures of the underlying medium are reported as *StoreIOError.
type CredentialStore interface {
	Load(ctx context.Context, sessionID string, factory CredentialsFactory) (*State, error)
	SaveCredentials(ctx context.Context, sessionID string, creds *Credentials) error
	GetKeys(ctx context.Context, sessionID string, category Category, ids []string) (map[string]any, error)
	SetKeys(ctx context.Context, sessionID string, updates KeyUpdates) error
	DeleteSession(ctx context.Context, sessionID string) error
	Close() error
}

// SessionLister is implemented by stores that can enumerate persisted sessions.
type SessionLister interface {
	ListSessions(ctx context.Context) ([]string, error)
}

// Compile-time interface checks.
var (
	_ CredentialStore = (*GormCredentialStore)(nil)
	_ CredentialStore = (*FileCredentialStore)(nil)
	_ CredentialStore = (*BoltCredentialStore)(nil)
	_ CredentialStore = (*MemoryCredentialStore)(nil)

	_ SessionLister = (*GormCredentialStore)(nil)
	_ SessionLister = (*FileCredentialStore)(nil)
	_ SessionLister = (*BoltCredentialStore)(nil)
	_ SessionLister = (*MemoryCredentialStore)(nil)
)

// freshCredentials runs factory for a session without persisted credentials.
func freshCredentials(sessionID string, factory CredentialsFactory) (*Credentials, error) {
	if factory == nil {
		factory = InitCredentials
	}
	creds, err := factory()
	if err != nil {
		return nil, &StoreIOError{Op: "init credentials", SessionID: sessionID, Err: err}
	}
	return creds, nil
}

// sessionLocks hands out one mutex per session id.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *sessionLocks) lock(sessionID string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[sessionID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[sessionID] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}
