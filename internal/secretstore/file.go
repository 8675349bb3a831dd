package secretstore

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// File reads and writes secrets as plain files, for CLIs that keep their
// credentials on disk (auth.json, oauth_creds.json). The service name is
// the absolute file path; the account field is carried through unused.
type File struct{}

func (File) Get(service, account string) (Entry, error) {
	data, err := os.ReadFile(service)
	if errors.Is(err, fs.ErrNotExist) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	return Entry{Service: service, Account: account, Data: data}, nil
}

func (File) Put(e Entry) error {
	if err := os.MkdirAll(filepath.Dir(e.Service), 0o755); err != nil {
		return err
	}
	return os.WriteFile(e.Service, e.Data, 0o600)
}

func (File) Delete(service, account string) error {
	err := os.Remove(service)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

// ListServices treats prefix as a path prefix and lists matching files in
// the containing directory. A missing directory yields no matches.
func (File) ListServices(prefix string) ([]string, error) {
	dir := filepath.Dir(prefix)
	base := filepath.Base(prefix)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		if strings.HasPrefix(ent.Name(), base) {
			out = append(out, filepath.Join(dir, ent.Name()))
		}
	}
	return out, nil
}
