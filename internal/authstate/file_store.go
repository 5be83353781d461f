package authstate

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	credsFile        = "creds.json"
	keyFileExt       = ".json"
	defaultFileMode  = os.FileMode(0o600)
	defaultDirMode   = os.FileMode(0o700)
	defaultFileTasks = 16
)

var (
	// Ids never keep a '-', so the last '-' of a key file name separates
	// category from id.
	idEscaper       = strings.NewReplacer("%", "%25", "/", "%2F", "\\", "%5C", ":", "%3A", "-", "%2D")
	categoryEscaper = strings.NewReplacer("%", "%25", "/", "%2F", "\\", "%5C", ":", "%3A")
	sessionEscaper  = strings.NewReplacer("%", "%25", "/", "%2F", "\\", "%5C", ":", "%3A", ".", "%2E")

	errNotInitialized = errors.New("file store not initialized")
)

// FileCredentialStore keeps a directory per session: creds.json plus one
// <category>-<id>.json file per key. Keys of one SetKeys call are written
// concurrently and independently; there is no cross-key atomicity.
type FileCredentialStore struct {
	root    string
	workers int
	pool    *ants.Pool
}

// NewFileCredentialStore has no side effects; call Initialize before use.
func NewFileCredentialStore(root string, workers int) *FileCredentialStore {
	if workers <= 0 {
		workers = defaultFileTasks
	}
	return &FileCredentialStore{root: root, workers: workers}
}

// Initialize creates the root directory and the I/O worker pool.
func (s *FileCredentialStore) Initialize() error {
	if err := os.MkdirAll(s.root, defaultDirMode); err != nil {
		return ioError("initialize", "", errors.Wrapf(err, "create %s", s.root))
	}
	if s.pool == nil {
		pool, err := ants.NewPool(s.workers)
		if err != nil {
			return ioError("initialize", "", errors.Wrap(err, "worker pool"))
		}
		s.pool = pool
	}
	zap.L().Info("authstate: file store ready", zap.String("root", s.root), zap.Int("workers", s.workers))
	return nil
}

// Root returns the directory holding all sessions.
func (s *FileCredentialStore) Root() string { return s.root }

func (s *FileCredentialStore) Load(ctx context.Context, sessionID string, factory CredentialsFactory) (*State, error) {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return nil, ioError("load", sessionID, err)
	}

	creds, err := s.readCreds(sessionID, dir)
	if err != nil {
		return nil, ioError("load", sessionID, err)
	}
	if creds == nil {
		fresh, err := freshCredentials(sessionID, factory)
		if err != nil {
			return nil, err
		}
		data, err := marshalCredentials(fresh)
		if err != nil {
			return nil, ioError("load", sessionID, err)
		}
		if err := os.MkdirAll(dir, defaultDirMode); err != nil {
			return nil, ioError("load", sessionID, err)
		}
		if err := writeFile(filepath.Join(dir, credsFile), data, defaultFileMode); err != nil {
			return nil, ioError("load", sessionID, err)
		}
		if creds, err = unmarshalCredentials(data); err != nil {
			return nil, ioError("load", sessionID, err)
		}
	}

	keys, err := s.readKeys(sessionID, dir)
	if err != nil {
		return nil, ioError("load", sessionID, err)
	}
	return &State{Creds: creds, Keys: keys}, nil
}

func (s *FileCredentialStore) SaveCredentials(ctx context.Context, sessionID string, creds *Credentials) error {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return ioError("save credentials", sessionID, err)
	}
	data, err := marshalCredentials(creds)
	if err != nil {
		return ioError("save credentials", sessionID, err)
	}
	if err := os.MkdirAll(dir, defaultDirMode); err != nil {
		return ioError("save credentials", sessionID, err)
	}
	return ioError("save credentials", sessionID, writeFile(filepath.Join(dir, credsFile), data, defaultFileMode))
}

func (s *FileCredentialStore) GetKeys(ctx context.Context, sessionID string, category Category, ids []string) (map[string]any, error) {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return nil, ioError("get keys", sessionID, err)
	}
	out := make(map[string]any, len(ids))
	for _, id := range ids {
		data, err := readFile(filepath.Join(dir, keyFileName(category, id)))
		if err != nil {
			return nil, ioError("get keys", sessionID, err)
		}
		if data == nil {
			continue
		}
		v, err := decodeValue(data)
		if err != nil {
			logDecodeError(&DecodeError{SessionID: sessionID, Doc: keyFileName(category, id), Err: err})
			continue
		}
		out[id] = v
	}
	return out, nil
}

// SetKeys writes or removes one file per id. All files are handled
// concurrently and the call returns once every one has settled.
func (s *FileCredentialStore) SetKeys(ctx context.Context, sessionID string, updates KeyUpdates) error {
	if updates.Len() == 0 {
		return nil
	}
	if err := updates.validate(); err != nil {
		return ioError("set keys", sessionID, err)
	}
	if s.pool == nil {
		return ioError("set keys", sessionID, errNotInitialized)
	}
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return ioError("set keys", sessionID, err)
	}
	if err := os.MkdirAll(dir, defaultDirMode); err != nil {
		return ioError("set keys", sessionID, err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	fail := func(err error) {
		mu.Lock()
		errs = multierr.Append(errs, err)
		mu.Unlock()
	}

	for cat, byID := range updates {
		for id, v := range byID {
			name := keyFileName(cat, id)
			path := filepath.Join(dir, name)
			var data []byte
			if !isAbsent(v) {
				if data, err = encodeValue(v); err != nil {
					fail(errors.Wrap(err, name))
					continue
				}
			}
			wg.Add(1)
			task := func() {
				defer wg.Done()
				var err error
				if data == nil {
					err = removeFile(path)
				} else {
					err = writeFile(path, data, defaultFileMode)
				}
				if err != nil {
					fail(errors.Wrap(err, name))
				}
			}
			if err := s.pool.Submit(task); err != nil {
				wg.Done()
				fail(errors.Wrap(err, name))
			}
		}
	}
	wg.Wait()
	return ioError("set keys", sessionID, errs)
}

func (s *FileCredentialStore) DeleteSession(ctx context.Context, sessionID string) error {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return ioError("delete session", sessionID, err)
	}
	return ioError("delete session", sessionID, os.RemoveAll(dir))
}

func (s *FileCredentialStore) Close() error {
	if s.pool != nil {
		s.pool.Release()
		s.pool = nil
	}
	return nil
}

// ListSessions returns the ids of all session directories.
func (s *FileCredentialStore) ListSessions(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, ioError("list sessions", "", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := url.PathUnescape(e.Name())
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *FileCredentialStore) sessionDir(sessionID string) (string, error) {
	if sessionID == "" {
		return "", errEmptySessionID
	}
	return filepath.Join(s.root, sessionEscaper.Replace(sessionID)), nil
}

func (s *FileCredentialStore) readCreds(sessionID, dir string) (*Credentials, error) {
	data, err := readFile(filepath.Join(dir, credsFile))
	if err != nil || data == nil {
		return nil, err
	}
	creds, err := unmarshalCredentials(data)
	if err != nil {
		logDecodeError(&DecodeError{SessionID: sessionID, Doc: credsFile, Err: err})
		return nil, nil
	}
	return creds, nil
}

func (s *FileCredentialStore) readKeys(sessionID, dir string) (KeySet, error) {
	keys := KeySet{}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return keys, nil
	}
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == credsFile {
			continue
		}
		cat, id, ok := parseKeyFileName(e.Name())
		if !ok {
			continue
		}
		data, err := readFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if data == nil {
			continue
		}
		v, err := decodeValue(data)
		if err != nil {
			logDecodeError(&DecodeError{SessionID: sessionID, Doc: e.Name(), Err: err})
			continue
		}
		keys.Apply(KeyUpdates{cat: {id: v}})
	}
	return keys, nil
}

func keyFileName(category Category, id string) string {
	return categoryEscaper.Replace(string(category)) + "-" + idEscaper.Replace(id) + keyFileExt
}

func parseKeyFileName(name string) (Category, string, bool) {
	if !strings.HasSuffix(name, keyFileExt) {
		return "", "", false
	}
	base := strings.TrimSuffix(name, keyFileExt)
	i := strings.LastIndex(base, "-")
	if i <= 0 {
		return "", "", false
	}
	cat, err := url.PathUnescape(base[:i])
	if err != nil {
		return "", "", false
	}
	id, err := url.PathUnescape(base[i+1:])
	if err != nil {
		return "", "", false
	}
	return Category(cat), id, true
}

// readFile reads the file at path; a missing file is not an error.
func readFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// writeFile writes bytes via a synced temp file, atomically replaces the
// target and syncs the parent directory.
func writeFile(path string, b []byte, mode os.FileMode) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Chmod(mode); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	return syncDir(filepath.Dir(path))
}

// syncDir flushes directory entries so a completed rename survives a crash.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		_ = d.Close()
		return err
	}
	return d.Close()
}

// removeFile deletes path; a missing file counts as success.
func removeFile(path string) error {
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
