//go:build darwin

package secretstore

import (
	"sort"
	"strings"

	"github.com/keybase/go-keychain"
)

// Keychain talks to the macOS keychain through the Security framework.
// Unlike the security CLI it can enumerate items, which is what powers
// prefix lookups when a provider CLI renames its credential entry between
// releases.
type Keychain struct{}

func (Keychain) Get(service, account string) (Entry, error) {
	query := keychain.NewItem()
	query.SetSecClass(keychain.SecClassGenericPassword)
	query.SetService(service)
	if account != "" {
		query.SetAccount(account)
	}
	query.SetMatchLimit(keychain.MatchLimitOne)
	query.SetReturnData(true)
	query.SetReturnAttributes(true)
	results, err := keychain.QueryItem(query)
	if err != nil {
		return Entry{}, err
	}
	if len(results) == 0 {
		return Entry{}, ErrNotFound
	}
	r := results[0]
	return Entry{Service: r.Service, Account: r.Account, Data: r.Data}, nil
}

func (Keychain) Put(e Entry) error {
	item := keychain.NewItem()
	item.SetSecClass(keychain.SecClassGenericPassword)
	item.SetService(e.Service)
	item.SetAccount(e.Account)
	item.SetData(e.Data)
	item.SetSynchronizable(keychain.SynchronizableNo)
	item.SetAccessible(keychain.AccessibleWhenUnlocked)
	err := keychain.AddItem(item)
	if err == keychain.ErrorDuplicateItem {
		query := keychain.NewItem()
		query.SetSecClass(keychain.SecClassGenericPassword)
		query.SetService(e.Service)
		query.SetAccount(e.Account)
		update := keychain.NewItem()
		update.SetData(e.Data)
		return keychain.UpdateItem(query, update)
	}
	return err
}

func (Keychain) Delete(service, account string) error {
	item := keychain.NewItem()
	item.SetSecClass(keychain.SecClassGenericPassword)
	item.SetService(service)
	if account != "" {
		item.SetAccount(account)
	}
	err := keychain.DeleteItem(item)
	if err == keychain.ErrorItemNotFound {
		return ErrNotFound
	}
	return err
}

func (Keychain) ListServices(prefix string) ([]string, error) {
	query := keychain.NewItem()
	query.SetSecClass(keychain.SecClassGenericPassword)
	query.SetMatchLimit(keychain.MatchLimitAll)
	query.SetReturnAttributes(true)
	results, err := keychain.QueryItem(query)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(results))
	var out []string
	for _, r := range results {
		if !strings.HasPrefix(r.Service, prefix) {
			continue
		}
		if _, dup := seen[r.Service]; dup {
			continue
		}
		seen[r.Service] = struct{}{}
		out = append(out, r.Service)
	}
	sort.Strings(out)
	return out, nil
}
