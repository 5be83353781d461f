package authstate

import (
	"context"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	sessionsBucket = []byte("sessions")
	keysBucket     = []byte("keys")
	credsKey       = []byte("creds")
)

// BoltCredentialStore keeps every session in one bbolt file:
// sessions/<session>/creds and sessions/<session>/keys/<category>/<id>.
// A SetKeys call is one transaction.
type BoltCredentialStore struct {
	db *bolt.DB
}

// OpenBoltCredentialStore opens (or creates) the database file at path.
func OpenBoltCredentialStore(path string) (*BoltCredentialStore, error) {
	db, err := bolt.Open(path, defaultFileMode, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, ioError("open", "", errors.Wrapf(err, "open %s", path))
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, ioError("open", "", err)
	}
	return &BoltCredentialStore{db: db}, nil
}

func (s *BoltCredentialStore) Load(ctx context.Context, sessionID string, factory CredentialsFactory) (*State, error) {
	if sessionID == "" {
		return nil, ioError("load", sessionID, errEmptySessionID)
	}
	st := &State{Keys: KeySet{}}
	err := s.db.Update(func(tx *bolt.Tx) error {
		sess := tx.Bucket(sessionsBucket).Bucket([]byte(sessionID))
		if sess != nil {
			if data := sess.Get(credsKey); data != nil {
				creds, err := unmarshalCredentials(data)
				if err != nil {
					logDecodeError(&DecodeError{SessionID: sessionID, Doc: string(credsKey), Err: err})
				} else {
					st.Creds = creds
				}
			}
			st.Keys = readBoltKeys(sessionID, sess)
		}
		if st.Creds != nil {
			return nil
		}

		fresh, err := freshCredentials(sessionID, factory)
		if err != nil {
			return err
		}
		data, err := marshalCredentials(fresh)
		if err != nil {
			return err
		}
		if sess == nil {
			if sess, err = tx.Bucket(sessionsBucket).CreateBucket([]byte(sessionID)); err != nil {
				return err
			}
		}
		if err := sess.Put(credsKey, data); err != nil {
			return err
		}
		st.Creds, err = unmarshalCredentials(data)
		return err
	})
	if err != nil {
		return nil, ioError("load", sessionID, err)
	}
	return st, nil
}

func (s *BoltCredentialStore) SaveCredentials(ctx context.Context, sessionID string, creds *Credentials) error {
	data, err := marshalCredentials(creds)
	if err != nil {
		return ioError("save credentials", sessionID, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		sess, err := tx.Bucket(sessionsBucket).CreateBucketIfNotExists([]byte(sessionID))
		if err != nil {
			return err
		}
		return sess.Put(credsKey, data)
	})
	return ioError("save credentials", sessionID, err)
}

func (s *BoltCredentialStore) GetKeys(ctx context.Context, sessionID string, category Category, ids []string) (map[string]any, error) {
	out := make(map[string]any, len(ids))
	err := s.db.View(func(tx *bolt.Tx) error {
		cat := categoryBucket(tx.Bucket(sessionsBucket).Bucket([]byte(sessionID)), category)
		if cat == nil {
			return nil
		}
		for _, id := range ids {
			data := cat.Get([]byte(id))
			if data == nil {
				continue
			}
			v, err := decodeValue(data)
			if err != nil {
				logDecodeError(&DecodeError{SessionID: sessionID, Doc: string(category) + "/" + id, Err: err})
				continue
			}
			out[id] = v
		}
		return nil
	})
	if err != nil {
		return nil, ioError("get keys", sessionID, err)
	}
	return out, nil
}

func (s *BoltCredentialStore) SetKeys(ctx context.Context, sessionID string, updates KeyUpdates) error {
	if updates.Len() == 0 {
		return nil
	}
	if err := updates.validate(); err != nil {
		return ioError("set keys", sessionID, err)
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		sess, err := tx.Bucket(sessionsBucket).CreateBucketIfNotExists([]byte(sessionID))
		if err != nil {
			return err
		}
		keys, err := sess.CreateBucketIfNotExists(keysBucket)
		if err != nil {
			return err
		}
		for category, byID := range updates {
			cat, err := keys.CreateBucketIfNotExists([]byte(category))
			if err != nil {
				return err
			}
			for id, v := range byID {
				if isAbsent(v) {
					if err := cat.Delete([]byte(id)); err != nil {
						return err
					}
					continue
				}
				data, err := encodeValue(v)
				if err != nil {
					return errors.Wrapf(err, "%s/%s", category, id)
				}
				if err := cat.Put([]byte(id), data); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return ioError("set keys", sessionID, err)
}

func (s *BoltCredentialStore) DeleteSession(ctx context.Context, sessionID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(sessionsBucket).DeleteBucket([]byte(sessionID))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
	return ioError("delete session", sessionID, err)
}

func (s *BoltCredentialStore) Close() error {
	return s.db.Close()
}

// ListSessions returns the ids of all stored sessions.
func (s *BoltCredentialStore) ListSessions(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(k, v []byte) error {
			if v == nil {
				ids = append(ids, string(k))
			}
			return nil
		})
	})
	if err != nil {
		return nil, ioError("list sessions", "", err)
	}
	return ids, nil
}

func categoryBucket(sess *bolt.Bucket, category Category) *bolt.Bucket {
	if sess == nil {
		return nil
	}
	keys := sess.Bucket(keysBucket)
	if keys == nil {
		return nil
	}
	return keys.Bucket([]byte(category))
}

func readBoltKeys(sessionID string, sess *bolt.Bucket) KeySet {
	ks := KeySet{}
	keys := sess.Bucket(keysBucket)
	if keys == nil {
		return ks
	}
	_ = keys.ForEach(func(name, v []byte) error {
		cat := keys.Bucket(name)
		if v != nil || cat == nil {
			return nil
		}
		category := Category(name)
		return cat.ForEach(func(id, data []byte) error {
			value, err := decodeValue(data)
			if err != nil {
				logDecodeError(&DecodeError{SessionID: sessionID, Doc: string(category) + "/" + string(id), Err: err})
				return nil
			}
			ks.Apply(KeyUpdates{category: {string(id): value}})
			return nil
		})
	})
	return ks
}
