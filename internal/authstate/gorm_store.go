package authstate

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	"github.com/talkincode/waauth/internal/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	credsColumn = "creds_json"
	keysColumn  = "keys_json"
)

// GormCredentialStore keeps one whatsapp_auth_state row per session. Every key
// mutation rewrites the whole key document inside one transaction.
type GormCredentialStore struct {
	db    *gorm.DB
	locks sessionLocks
}

func NewGormCredentialStore(db *gorm.DB) *GormCredentialStore {
	return &GormCredentialStore{db: db}
}

func (s *GormCredentialStore) Load(ctx context.Context, sessionID string, factory CredentialsFactory) (*State, error) {
	if sessionID == "" {
		return nil, ioError("load", sessionID, errEmptySessionID)
	}
	unlock := s.locks.lock(sessionID)
	defer unlock()

	var st *State
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, found, err := s.take(tx, sessionID)
		if err != nil {
			return err
		}
		st = &State{
			Creds: s.decodeCreds(sessionID, row.CredsJSON),
			Keys:  s.decodeKeys(sessionID, row.KeysJSON),
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
		if err := s.write(tx, sessionID, found, credsColumn, string(data)); err != nil {
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

func (s *GormCredentialStore) SaveCredentials(ctx context.Context, sessionID string, creds *Credentials) error {
	data, err := marshalCredentials(creds)
	if err != nil {
		return ioError("save credentials", sessionID, err)
	}
	unlock := s.locks.lock(sessionID)
	defer unlock()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, found, err := s.take(tx, sessionID)
		if err != nil {
			return err
		}
		return s.write(tx, sessionID, found, credsColumn, string(data))
	})
	return ioError("save credentials", sessionID, err)
}

func (s *GormCredentialStore) GetKeys(ctx context.Context, sessionID string, category Category, ids []string) (map[string]any, error) {
	row, _, err := s.take(s.db.WithContext(ctx), sessionID)
	if err != nil {
		return nil, ioError("get keys", sessionID, err)
	}
	return s.decodeKeys(sessionID, row.KeysJSON).Get(category, ids), nil
}

// SetKeys loads the key document, merges updates and writes it back.
func (s *GormCredentialStore) SetKeys(ctx context.Context, sessionID string, updates KeyUpdates) error {
	if updates.Len() == 0 {
		return nil
	}
	if err := updates.validate(); err != nil {
		return ioError("set keys", sessionID, err)
	}
	unlock := s.locks.lock(sessionID)
	defer unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, found, err := s.take(tx, sessionID)
		if err != nil {
			return err
		}
		keys := s.decodeKeys(sessionID, row.KeysJSON)
		keys.Apply(updates)
		data, err := marshalKeySet(keys)
		if err != nil {
			return err
		}
		return s.write(tx, sessionID, found, keysColumn, string(data))
	})
	return ioError("set keys", sessionID, err)
}

func (s *GormCredentialStore) DeleteSession(ctx context.Context, sessionID string) error {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Delete(&domain.WhatsAppAuthState{}).Error
	return ioError("delete session", sessionID, err)
}

// Close is a no-op: the database handle belongs to the application.
func (s *GormCredentialStore) Close() error { return nil }

// ListSessions returns the ids of all persisted sessions.
func (s *GormCredentialStore) ListSessions(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&domain.WhatsAppAuthState{}).
		Order("session_id").
		Pluck("session_id", &ids).Error
	if err != nil {
		return nil, ioError("list sessions", "", err)
	}
	return ids, nil
}

func (s *GormCredentialStore) take(tx *gorm.DB, sessionID string) (*domain.WhatsAppAuthState, bool, error) {
	var row domain.WhatsAppAuthState
	err := tx.Where("session_id = ?", sessionID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &row, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &row, true, nil
}

func (s *GormCredentialStore) write(tx *gorm.DB, sessionID string, exists bool, column, value string) error {
	if exists {
		return tx.Model(&domain.WhatsAppAuthState{}).
			Where("session_id = ?", sessionID).
			Update(column, value).Error
	}
	row := domain.WhatsAppAuthState{SessionID: sessionID, DeviceID: s.deviceRef(tx, sessionID)}
	switch column {
	case credsColumn:
		row.CredsJSON = value
	case keysColumn:
		row.KeysJSON = value
	}
	return tx.Create(&row).Error
}

// deviceRef links the row to its channel when the session id names one.
func (s *GormCredentialStore) deviceRef(tx *gorm.DB, sessionID string) *int64 {
	id, err := strconv.ParseInt(sessionID, 10, 64)
	if err != nil {
		return nil
	}
	var count int64
	if err := tx.Model(&domain.WhatsAppDevice{}).Where("id = ?", id).Count(&count).Error; err != nil || count == 0 {
		return nil
	}
	return &id
}

func (s *GormCredentialStore) decodeCreds(sessionID, doc string) *Credentials {
	if doc == "" {
		return nil
	}
	creds, err := unmarshalCredentials([]byte(doc))
	if err != nil {
		logDecodeError(&DecodeError{SessionID: sessionID, Doc: credsColumn, Err: err})
		return nil
	}
	return creds
}

func (s *GormCredentialStore) decodeKeys(sessionID, doc string) KeySet {
	keys, err := unmarshalKeySet([]byte(doc))
	if err != nil {
		logDecodeError(&DecodeError{SessionID: sessionID, Doc: keysColumn, Err: err})
		return KeySet{}
	}
	return keys
}

func logDecodeError(err *DecodeError) {
	zap.L().Warn("authstate: discarding undecodable document",
		zap.String("namespace", "authstate"),
		zap.String("session_id", err.SessionID),
		zap.String("doc", err.Doc),
		zap.Error(err),
	)
}
