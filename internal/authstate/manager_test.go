package authstate

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/asaskevich/EventBus"
	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"
)

// flakyStore fails writes while failing is set.
type flakyStore struct {
	*MemoryCredentialStore
	failing atomic.Bool
	loads   atomic.Int32
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryCredentialStore: NewMemoryCredentialStore()}
}

func (s *flakyStore) Load(ctx context.Context, sessionID string, factory CredentialsFactory) (*State, error) {
	s.loads.Add(1)
	if s.failing.Load() {
		return nil, &StoreIOError{Op: "load", SessionID: sessionID, Err: fmt.Errorf("connection refused")}
	}
	return s.MemoryCredentialStore.Load(ctx, sessionID, factory)
}

func (s *flakyStore) SetKeys(ctx context.Context, sessionID string, updates KeyUpdates) error {
	if s.failing.Load() {
		return &StoreIOError{Op: "set keys", SessionID: sessionID, Err: fmt.Errorf("disk full")}
	}
	return s.MemoryCredentialStore.SetKeys(ctx, sessionID, updates)
}

func (s *flakyStore) SaveCredentials(ctx context.Context, sessionID string, creds *Credentials) error {
	if s.failing.Load() {
		return &StoreIOError{Op: "save credentials", SessionID: sessionID, Err: fmt.Errorf("disk full")}
	}
	return s.MemoryCredentialStore.SaveCredentials(ctx, sessionID, creds)
}

func newTestManager(t *testing.T, store CredentialStore, opts ...ManagerOption) *Manager {
	t.Helper()
	opts = append([]ManagerOption{WithLogger(zaptest.NewLogger(t))}, opts...)
	return NewManager(store, opts...)
}

func TestManagerOpenLoadsOnce(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	m := newTestManager(t, store)

	var wg sync.WaitGroup
	sessions := make([]*Session, 8)
	for i := range sessions {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Open(ctx, "42")
			if err != nil {
				t.Errorf("open: %v", err)
				return
			}
			sessions[i] = s
		}()
	}
	wg.Wait()
	for _, s := range sessions[1:] {
		if s != sessions[0] {
			t.Fatal("concurrent opens returned different sessions")
		}
	}
	if n := store.loads.Load(); n != 1 {
		t.Fatalf("store loaded %d times", n)
	}
	if got := m.Sessions(); !reflect.DeepEqual(got, []string{"42"}) {
		t.Fatalf("sessions %v", got)
	}
}

func TestManagerOpenPropagatesLoadFailure(t *testing.T) {
	store := newFlakyStore()
	store.failing.Store(true)
	m := newTestManager(t, store)

	if _, err := m.Open(context.Background(), "1"); !IsStoreIOError(err) {
		t.Fatalf("expected StoreIOError, got %v", err)
	}
	if _, ok := m.Lookup("1"); ok {
		t.Fatal("failed open must not register a session")
	}
	if _, err := m.Open(context.Background(), ""); !IsStoreIOError(err) {
		t.Fatalf("expected StoreIOError for empty id, got %v", err)
	}
}

func TestSessionSetIsVisibleAndDurable(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCredentialStore()
	m := newTestManager(t, store)
	s, err := m.Open(ctx, "42")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	value := map[string]any{"bytes": []byte{1, 2, 3}}
	if err := s.Set(ctx, KeyUpdates{CategoryPreKey: {"1": value}}); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := s.Get(ctx, CategoryPreKey, []string{"1", "2"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !reflect.DeepEqual(got, map[string]any{"1": value}) {
		t.Fatalf("memory: got %v", got)
	}
	stored, err := store.GetKeys(ctx, "42", CategoryPreKey, []string{"1"})
	if err != nil {
		t.Fatalf("store get: %v", err)
	}
	if !reflect.DeepEqual(stored, got) {
		t.Fatalf("store %v differs from memory %v", stored, got)
	}

	if err := s.Set(ctx, KeyUpdates{CategoryPreKey: {"1": nil}}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := s.Get(ctx, CategoryPreKey, []string{"1"}); len(got) != 0 {
		t.Fatalf("deleted key still visible: %v", got)
	}
	if stored, _ := store.GetKeys(ctx, "42", CategoryPreKey, []string{"1"}); len(stored) != 0 {
		t.Fatalf("deleted key still stored: %v", stored)
	}
}

func TestSessionSetFailureKeepsMemoryAndRetries(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	bus := EventBus.New()
	var failed, recovered atomic.Int32
	if err := bus.Subscribe(TopicFlushFailed, func(sessionID string, err error) { failed.Add(1) }); err != nil {
		t.Fatal(err)
	}
	if err := bus.Subscribe(TopicFlushRecovered, func(sessionID string) { recovered.Add(1) }); err != nil {
		t.Fatal(err)
	}
	m := newTestManager(t, store, WithEventBus(bus))
	s, err := m.Open(ctx, "7")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	store.failing.Store(true)
	if err := s.Set(ctx, KeyUpdates{CategoryPreKey: {"1": []byte{1}, "2": []byte{2}}}); !IsStoreIOError(err) {
		t.Fatalf("expected StoreIOError, got %v", err)
	}
	if err := s.Set(ctx, KeyUpdates{CategoryPreKey: {"1": []byte{9}, "2": nil}}); err == nil {
		t.Fatal("expected second failure")
	}
	if got, _ := s.Get(ctx, CategoryPreKey, []string{"1", "2"}); !reflect.DeepEqual(got, map[string]any{"1": []byte{9}}) {
		t.Fatalf("memory lost updates: %v", got)
	}
	if !s.Pending() {
		t.Fatal("expected pending updates")
	}
	if n := m.RetryPending(ctx); n != 0 {
		t.Fatalf("retry recovered %d sessions while failing", n)
	}

	store.failing.Store(false)
	if n := m.RetryPending(ctx); n != 1 {
		t.Fatalf("retry recovered %d sessions", n)
	}
	if s.Pending() {
		t.Fatal("updates still pending after retry")
	}
	stored, err := store.GetKeys(ctx, "7", CategoryPreKey, []string{"1", "2"})
	if err != nil {
		t.Fatalf("store get: %v", err)
	}
	if !reflect.DeepEqual(stored, map[string]any{"1": []byte{9}}) {
		t.Fatalf("store holds %v", stored)
	}
	if failed.Load() != 3 || recovered.Load() != 1 {
		t.Fatalf("events: failed=%d recovered=%d", failed.Load(), recovered.Load())
	}
}

func TestSessionOverlappingSetsDoNotLoseUpdates(t *testing.T) {
	ctx := context.Background()
	store := NewGormCredentialStore(newTestDB(t))
	m := newTestManager(t, store)
	s, err := m.Open(ctx, "99")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Set(ctx, KeyUpdates{CategoryPreKey: {fmt.Sprint(i): []byte{byte(i)}}}); err != nil {
				t.Errorf("set %d: %v", i, err)
			}
		}()
	}
	wg.Wait()

	st, err := store.Load(ctx, "99", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if n := len(st.Keys[CategoryPreKey]); n != 20 {
		t.Fatalf("store holds %d of 20 pre-keys", n)
	}
}

func TestSessionCommitCredentials(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	m := newTestManager(t, store)
	s, err := m.Open(ctx, "3")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	err = s.UpdateCredentials(ctx, func(c *Credentials) {
		c.Registered = true
		c.Me = &Contact{ID: "5511988887777:1@s.whatsapp.net"}
	})
	if err != nil {
		t.Fatalf("update credentials: %v", err)
	}
	st, err := store.Load(ctx, "3", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !st.Creds.Registered || st.Creds.Me == nil {
		t.Fatalf("credentials not saved: %+v", st.Creds)
	}

	// redundant commits are fine
	if err := s.CommitCredentials(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	store.failing.Store(true)
	s.Credentials().Platform = "smba"
	if err := s.CommitCredentials(ctx); err == nil {
		t.Fatal("expected commit failure")
	}
	if !s.Pending() {
		t.Fatal("failed commit must stay pending")
	}
	store.failing.Store(false)
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	st, _ = store.Load(ctx, "3", nil)
	if st.Creds.Platform != "smba" {
		t.Fatalf("platform %q not saved", st.Creds.Platform)
	}
}

func TestManagerCloseAndRemove(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCredentialStore()
	bus := EventBus.New()
	var closed atomic.Int32
	if err := bus.Subscribe(TopicSessionClosed, func(sessionID string) { closed.Add(1) }); err != nil {
		t.Fatal(err)
	}
	m := newTestManager(t, store, WithEventBus(bus))

	s, err := m.Open(ctx, "42")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Set(ctx, KeyUpdates{CategoryPreKey: {"1": []byte{1}}}); err != nil {
		t.Fatalf("set: %v", err)
	}
	noise := s.Credentials().NoiseKey

	m.Close("42")
	if _, ok := m.Lookup("42"); ok {
		t.Fatal("session still open after close")
	}
	if err := s.Set(ctx, KeyUpdates{CategoryPreKey: {"2": []byte{2}}}); err != ErrSessionClosed {
		t.Fatalf("set on closed session: %v", err)
	}

	reopened, err := m.Open(ctx, "42")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened == s {
		t.Fatal("expected a new session after close")
	}
	if got, _ := reopened.Get(ctx, CategoryPreKey, []string{"1", "2"}); len(got) != 1 {
		t.Fatalf("reopened session holds %v", got)
	}
	if !reflect.DeepEqual(reopened.Credentials().NoiseKey, noise) {
		t.Fatal("credentials changed across reopen")
	}

	if err := m.Remove(ctx, "42"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := m.Remove(ctx, "42"); err != nil {
		t.Fatalf("second remove: %v", err)
	}
	fresh, err := m.Open(ctx, "42")
	if err != nil {
		t.Fatalf("open after remove: %v", err)
	}
	if got, _ := fresh.Get(ctx, CategoryPreKey, []string{"1"}); len(got) != 0 {
		t.Fatalf("keys survived remove: %v", got)
	}
	if reflect.DeepEqual(fresh.Credentials().NoiseKey, noise) {
		t.Fatal("credentials survived remove")
	}
	if closed.Load() != 2 {
		t.Fatalf("closed events: %d", closed.Load())
	}
}

func TestSessionInfo(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, NewMemoryCredentialStore(), WithCredentialsFactory(func() (*Credentials, error) {
		return &Credentials{RegistrationID: 77}, nil
	}))
	s, err := m.Open(ctx, "5")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Set(ctx, KeyUpdates{CategoryPreKey: {"1": []byte{1}, "2": []byte{2}}, CategorySession: {"a": []byte{3}}}); err != nil {
		t.Fatalf("set: %v", err)
	}
	info := s.Info()
	if info.SessionID != "5" || info.RegistrationID != 77 || info.Registered || info.Pending {
		t.Fatalf("unexpected info %+v", info)
	}
	want := map[Category]int{CategoryPreKey: 2, CategorySession: 1}
	if !reflect.DeepEqual(info.KeyCounts, want) {
		t.Fatalf("key counts %v", info.KeyCounts)
	}
}

func TestManagerCloseAll(t *testing.T) {
	ctx := context.Background()
	store, err := OpenBoltCredentialStore(t.TempDir() + "/auth.db")
	if err != nil {
		t.Fatal(err)
	}
	m := newTestManager(t, store)
	for _, id := range []string{"1", "2"} {
		if _, err := m.Open(ctx, id); err != nil {
			t.Fatalf("open %s: %v", id, err)
		}
	}
	if err := m.CloseAll(); err != nil {
		t.Fatalf("close all: %v", err)
	}
	if ids := m.Sessions(); len(ids) != 0 {
		t.Fatalf("sessions left open: %v", ids)
	}
	if _, err := m.Open(ctx, "3"); err == nil {
		t.Fatal("open on a closed store must fail")
	}
}

func TestSessionMemoryMatchesReload(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCredentialStore()
	m := newTestManager(t, store)
	s, err := m.Open(ctx, "42")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	value := map[string]any{"chain": [][]byte{{1, 2}, {3}}, "seed": [2]byte{4, 5}}
	if err := s.Set(ctx, KeyUpdates{CategorySenderKey: {"g::me::0": value}}); err != nil {
		t.Fatalf("set: %v", err)
	}
	inMemory, _ := s.Get(ctx, CategorySenderKey, []string{"g::me::0"})
	want := map[string]any{"chain": []any{[]byte{1, 2}, []byte{3}}, "seed": []byte{4, 5}}
	if !reflect.DeepEqual(inMemory["g::me::0"], want) {
		t.Fatalf("memory holds %#v", inMemory["g::me::0"])
	}

	m.Close("42")
	reopened, err := m.Open(ctx, "42")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	reloaded, _ := reopened.Get(ctx, CategorySenderKey, []string{"g::me::0"})
	if !reflect.DeepEqual(reloaded, inMemory) {
		t.Fatalf("reload %#v differs from memory %#v", reloaded, inMemory)
	}
}

func TestSessionSetRejectsEmptyKeyNames(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, NewMemoryCredentialStore())
	s, err := m.Open(ctx, "42")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Set(ctx, KeyUpdates{CategoryPreKey: {"": []byte{1}}}); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("set = %v, want ErrInvalidKey", err)
	}
	if s.Pending() {
		t.Fatal("rejected update was queued")
	}
	if got := s.Info().KeyCounts[CategoryPreKey]; got != 0 {
		t.Fatalf("rejected update reached memory: %d keys", got)
	}
}
