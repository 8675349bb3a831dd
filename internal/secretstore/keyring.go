package secretstore

import (
	"errors"
	"os/user"

	"github.com/zalando/go-keyring"
)

// Keyring stores secrets in the platform keyring (Secret Service on Linux,
// Credential Manager on Windows, the security tool on macOS). The backend
// cannot enumerate items, so ListServices is unsupported and prefix
// lookups fall through to other strategies.
type Keyring struct{}

func (Keyring) resolveAccount(account string) string {
	if account != "" {
		return account
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}

func (k Keyring) Get(service, account string) (Entry, error) {
	acct := k.resolveAccount(account)
	secret, err := keyring.Get(service, acct)
	if errors.Is(err, keyring.ErrNotFound) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	return Entry{Service: service, Account: acct, Data: []byte(secret)}, nil
}

func (k Keyring) Put(e Entry) error {
	return keyring.Set(e.Service, k.resolveAccount(e.Account), string(e.Data))
}

func (k Keyring) Delete(service, account string) error {
	err := keyring.Delete(service, k.resolveAccount(account))
	if errors.Is(err, keyring.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func (Keyring) ListServices(prefix string) ([]string, error) {
	return nil, ErrUnsupported
}
