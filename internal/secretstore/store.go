// Package secretstore abstracts the places provider CLIs keep their
// credentials: the OS keychain, the freedesktop Secret Service, or plain
// files under the user's home directory.
package secretstore

import "errors"

var (
	ErrNotFound = errors.New("secretstore: not found")

	// ErrUnsupported is returned by backends that cannot perform an
	// operation at all (as opposed to failing it). Callers treat it as
	// "skip this strategy", not as an error to surface.
	ErrUnsupported = errors.New("secretstore: operation not supported by this backend")
)

// Entry is one stored secret. Service is the primary lookup key; Account
// disambiguates multiple identities under one service and may be empty.
type Entry struct {
	Service string
	Account string
	Data    []byte
}

type Store interface {
	// Get returns the entry stored under service. An empty account matches
	// any account when the backend supports it.
	Get(service, account string) (Entry, error)

	Put(e Entry) error

	Delete(service, account string) error

	// ListServices returns stored service names beginning with prefix,
	// sorted. Backends without enumeration return ErrUnsupported.
	ListServices(prefix string) ([]string, error)
}
