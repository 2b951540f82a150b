package backend

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// DefaultKeyringService is the keyring service passwords are stored under
const DefaultKeyringService = "vizconn"

// ErrPasswordNotFound is returned when no password is stored for a key
var ErrPasswordNotFound = errors.New("password not found")

// PasswordSaveError wraps a keyring write failure
type PasswordSaveError struct {
	Err     error
	Message string
}

func (e *PasswordSaveError) Error() string {
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *PasswordSaveError) Unwrap() error {
	return e.Err
}

// PasswordReadError wraps a keyring read failure other than a missing key
type PasswordReadError struct {
	Err error
}

func (e *PasswordReadError) Error() string {
	return fmt.Sprintf("failed to read password from keyring: %v", e.Err)
}

func (e *PasswordReadError) Unwrap() error {
	return e.Err
}

// PasswordStore keeps database passwords in the OS keyring
type PasswordStore struct {
	service string
}

// NewPasswordStore creates a store under service, or DefaultKeyringService
// when service is empty
func NewPasswordStore(service string) *PasswordStore {
	if service == "" {
		service = DefaultKeyringService
	}
	return &PasswordStore{service: service}
}

// Save stores a password in the keyring
// key format: "host:port:database:user"
func (ps *PasswordStore) Save(host string, port int, database, user, password string) error {
	if password == "" {
		return nil
	}

	if err := keyring.Set(ps.service, makeKey(host, port, database, user), password); err != nil {
		return &PasswordSaveError{
			Err:     err,
			Message: "failed to save password to keyring",
		}
	}
	return nil
}

// Get retrieves a password from the keyring
func (ps *PasswordStore) Get(host string, port int, database, user string) (string, error) {
	password, err := keyring.Get(ps.service, makeKey(host, port, database, user))
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrPasswordNotFound
		}
		return "", &PasswordReadError{Err: err}
	}
	return password, nil
}

// Delete removes a password from the keyring
func (ps *PasswordStore) Delete(host string, port int, database, user string) error {
	err := keyring.Delete(ps.service, makeKey(host, port, database, user))
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete password from keyring: %w", err)
	}
	return nil
}

func makeKey(host string, port int, database, user string) string {
	return fmt.Sprintf("%s:%d:%s:%s", host, port, database, user)
}
