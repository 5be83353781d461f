package authstate

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrInvalidKey is returned for key updates with an empty category or id.
var ErrInvalidKey = errors.New("authstate: empty key category or id")

var (
	errMalformedBuffer = errors.New("malformed buffer value")
	errEmptySessionID  = errors.New("empty session id")
)

// StoreIOError reports a failure of the persistence medium (disk, database
// connection). It is returned by every CredentialStore operation.
type StoreIOError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *StoreIOError) Error() string {
	return fmt.Sprintf("authstate: %s session %q: %v", e.Op, e.SessionID, e.Err)
}

func (e *StoreIOError) Unwrap() error { return e.Err }

// DecodeError reports persisted data that could not be interpreted. Stores
// treat it as "nothing persisted" so the session can re-pair.
type DecodeError struct {
	SessionID string
	Doc       string
	Err       error
}

func (e *DecodeError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("authstate: decode %s: %v", e.Doc, e.Err)
	}
	return fmt.Sprintf("authstate: decode %s of session %q: %v", e.Doc, e.SessionID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsStoreIOError reports whether err wraps a StoreIOError.
func IsStoreIOError(err error) bool {
	var target *StoreIOError
	return errors.As(err, &target)
}

func ioError(op, sessionID string, err error) error {
	if err == nil {
		return nil
	}
	var existing *StoreIOError
	if errors.As(err, &existing) {
		return err
	}
	return &StoreIOError{Op: op, SessionID: sessionID, Err: err}
}
