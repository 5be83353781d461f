package authstate

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Event topics published on the manager's bus. Every handler receives the
// session id as first argument; flush_failed handlers also receive the error.
const (
	TopicSessionOpened  = "authstate:session_opened"
	TopicSessionClosed  = "authstate:session_closed"
	TopicFlushFailed    = "authstate:flush_failed"
	TopicFlushRecovered = "authstate:flush_recovered"
)

// ErrSessionClosed is returned by writes on a session that was closed or removed.
var ErrSessionClosed = errors.New("authstate: session closed")

type ManagerOption func(*Manager)

// WithCredentialsFactory sets the factory used for sessions seen for the first time.
func WithCredentialsFactory(factory CredentialsFactory) ManagerOption {
	return func(m *Manager) { m.factory = factory }
}

func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithEventBus(bus EventBus.Bus) ManagerOption {
	return func(m *Manager) { m.bus = bus }
}

// Manager keeps the open sessions of one process in memory and forwards their
// mutations to a CredentialStore.
type Manager struct {
	store   CredentialStore
	factory CredentialsFactory
	logger  *zap.Logger
	bus     EventBus.Bus
	group   singleflight.Group

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(store CredentialStore, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:    store,
		factory:  InitCredentials,
		logger:   zap.L(),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the backing store.
func (m *Manager) Store() CredentialStore { return m.store }

// Open returns the in-memory session, loading it from the store on first use.
// Concurrent opens of one id share a single Load. A load failure is returned
// as is; the caller owns the retry policy.
func (m *Manager) Open(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, ioError("open", sessionID, errEmptySessionID)
	}
	if s, ok := m.Lookup(sessionID); ok {
		return s, nil
	}
	v, err, _ := m.group.Do(sessionID, func() (interface{}, error) {
		if s, ok := m.Lookup(sessionID); ok {
			return s, nil
		}
		st, err := m.store.Load(ctx, sessionID, m.factory)
		if err != nil {
			m.logger.Error("authstate: open session failed",
				zap.String("namespace", "authstate"),
				zap.String("session_id", sessionID),
				zap.Error(err))
			return nil, err
		}
		if st.Keys == nil {
			st.Keys = KeySet{}
		}
		s := &Session{
			id:       sessionID,
			manager:  m,
			creds:    st.Creds,
			keys:     st.Keys,
			openedAt: time.Now(),
		}
		m.mu.Lock()
		m.sessions[sessionID] = s
		m.mu.Unlock()

		m.logger.Info("authstate: session opened",
			zap.String("namespace", "authstate"),
			zap.String("session_id", sessionID),
			zap.Bool("registered", st.Creds.Registered),
			zap.Int("key_categories", len(st.Keys)))
		m.publish(TopicSessionOpened, sessionID)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (m *Manager) Lookup(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Close drops the in-memory state of a session. Updates still pending are
// lost; they are logged.
func (m *Manager) Close(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return
	}
	s.markClosed()
	if s.Pending() {
		m.logger.Warn("authstate: closing session with unflushed updates",
			zap.String("namespace", "authstate"),
			zap.String("session_id", sessionID))
	}
	m.publish(TopicSessionClosed, sessionID)
}

// Remove closes the session and deletes everything persisted for it.
func (m *Manager) Remove(ctx context.Context, sessionID string) error {
	s, ok := m.Lookup(sessionID)
	m.Close(sessionID)
	if ok {
		// wait for an in-flight flush so it cannot recreate the session
		s.flushMu.Lock()
		defer s.flushMu.Unlock()
	}
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	m.logger.Info("authstate: session removed",
		zap.String("namespace", "authstate"),
		zap.String("session_id", sessionID))
	return nil
}

// Sessions returns the ids of the open sessions, sorted.
func (m *Manager) Sessions() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// RetryPending flushes every open session holding failed writes and returns
// how many of them are now clean.
func (m *Manager) RetryPending(ctx context.Context) int {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	recovered := 0
	for _, s := range sessions {
		if !s.Pending() {
			continue
		}
		if err := s.Flush(ctx); err == nil {
			recovered++
		}
	}
	return recovered
}

// CloseAll drops every open session, then closes the store.
func (m *Manager) CloseAll() error {
	for _, id := range m.Sessions() {
		m.Close(id)
	}
	return m.store.Close()
}

func (m *Manager) publish(topic string, args ...interface{}) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(topic, args...)
}

// Session is the in-memory auth state of one connection. Reads are served
// from memory; writes update memory and are then flushed to the store.
type Session struct {
	id       string
	manager  *Manager
	openedAt time.Time

	mu           sync.RWMutex
	creds        *Credentials
	keys         KeySet
	queued       KeyUpdates
	credsPending bool
	failing      bool
	closed       bool

	// serializes store writes of this session
	flushMu sync.Mutex
}

// SessionInfo is a point-in-time summary of a session.
type SessionInfo struct {
	SessionID      string           `json:"session_id"`
	Registered     bool             `json:"registered"`
	RegistrationID uint32           `json:"registration_id"`
	Me             string           `json:"me,omitempty"`
	KeyCounts      map[Category]int `json:"key_counts"`
	Pending        bool             `json:"pending"`
	OpenedAt       time.Time        `json:"opened_at"`
}

func (s *Session) ID() string { return s.id }

// Credentials returns the live credentials. The protocol layer mutates them in
// place and then calls CommitCredentials; UpdateCredentials does both under
// the session lock.
func (s *Session) Credentials() *Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

// Get returns the ids of category held in memory. It never touches the store.
func (s *Session) Get(ctx context.Context, category Category, ids []string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keys.Get(category, ids), nil
}

// Set applies updates to memory, then persists everything queued for this
// session. On a store failure memory keeps the new values, the updates stay
// queued for RetryPending and the error is returned for information.
// Updates with an empty category or id are refused with ErrInvalidKey.
// Values are kept in the shape a reload returns.
func (s *Session) Set(ctx context.Context, updates KeyUpdates) error {
	if updates.Len() == 0 {
		return nil
	}
	if err := updates.validate(); err != nil {
		return err
	}
	updates = updates.normalized()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.keys.Apply(updates)
	s.queued = s.queued.Merge(updates)
	s.mu.Unlock()

	return s.flushKeys(ctx)
}

// CommitCredentials saves the current credentials. Re-saving unchanged
// credentials is harmless.
func (s *Session) CommitCredentials(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.credsPending = true
	s.mu.Unlock()

	return s.flushCredentials(ctx)
}

// UpdateCredentials runs fn on the credentials under the session lock and commits them.
func (s *Session) UpdateCredentials(ctx context.Context, fn func(*Credentials)) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	fn(s.creds)
	s.credsPending = true
	s.mu.Unlock()

	return s.flushCredentials(ctx)
}

// Flush retries every write still pending for this session.
func (s *Session) Flush(ctx context.Context) error {
	if err := s.flushKeys(ctx); err != nil {
		return err
	}
	return s.flushCredentials(ctx)
}

// Pending reports whether some write has not reached the store yet.
func (s *Session) Pending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queued.Len() > 0 || s.credsPending
}

// Info summarizes the session for operators.
func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := SessionInfo{
		SessionID: s.id,
		KeyCounts: s.keys.Counts(),
		Pending:   s.queued.Len() > 0 || s.credsPending,
		OpenedAt:  s.openedAt,
	}
	if s.creds != nil {
		info.Registered = s.creds.Registered
		info.RegistrationID = s.creds.RegistrationID
		if s.creds.Me != nil {
			info.Me = s.creds.Me.ID
		}
	}
	return info
}

func (s *Session) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Session) flushKeys(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	batch := s.queued
	s.queued = nil
	s.mu.Unlock()
	if batch.Len() == 0 {
		return nil
	}

	if err := s.manager.store.SetKeys(ctx, s.id, batch); err != nil {
		s.mu.Lock()
		// newer updates queued meanwhile win over the failed batch
		s.queued = batch.Merge(s.queued)
		s.mu.Unlock()
		s.failed("set keys", err)
		return err
	}
	s.recovered()
	return nil
}

func (s *Session) flushCredentials(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if !s.credsPending {
		s.mu.Unlock()
		return nil
	}
	creds, err := s.creds.Clone()
	s.credsPending = false
	s.mu.Unlock()
	if err == nil {
		err = s.manager.store.SaveCredentials(ctx, s.id, creds)
	}
	if err != nil {
		s.mu.Lock()
		s.credsPending = true
		s.mu.Unlock()
		s.failed("save credentials", err)
		return err
	}
	s.recovered()
	return nil
}

func (s *Session) failed(op string, err error) {
	s.mu.Lock()
	s.failing = true
	s.mu.Unlock()
	s.manager.logger.Error("authstate: flush failed, keeping update in memory",
		zap.String("namespace", "authstate"),
		zap.String("session_id", s.id),
		zap.String("op", op),
		zap.Error(err))
	s.manager.publish(TopicFlushFailed, s.id, err)
}

// recovered announces a successful flush once nothing is left pending.
func (s *Session) recovered() {
	s.mu.Lock()
	wasFailing := s.failing
	clean := s.queued.Len() == 0 && !s.credsPending
	if clean {
		s.failing = false
	}
	s.mu.Unlock()
	if wasFailing && clean {
		s.manager.logger.Info("authstate: pending updates flushed",
			zap.String("namespace", "authstate"),
			zap.String("session_id", s.id))
		s.manager.publish(TopicFlushRecovered, s.id)
	}
}
