package credstore

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/quotabar/quotabar/internal/core"
	"github.com/quotabar/quotabar/internal/secretstore"
)

// Source describes where one provider's credentials live.
type Source struct {
	Kind    core.ProviderKind
	Backend secretstore.Store
	Key     string // service name or file path
	Account string
	Prefix  string // enables the broadened lookup; empty disables it
}

// Store caches decoded credentials per provider and refreshes them on
// demand. One Store is shared by all providers for the life of the
// process.
type Store struct {
	mu      sync.Mutex
	sources map[core.ProviderKind]Source
	cache   map[core.ProviderKind]*Credentials
	client  *http.Client
	now     func() time.Time

	claudeTokenURL string
	codexTokenURL  string
	geminiTokenURL string
	geminiClientID string
	geminiSecret   string
}

func New(sources ...Source) *Store {
	s := &Store{
		sources:        make(map[core.ProviderKind]Source),
		cache:          make(map[core.ProviderKind]*Credentials),
		client:         &http.Client{Timeout: 15 * time.Second},
		now:            time.Now,
		claudeTokenURL: claudeTokenEndpoint,
		codexTokenURL:  codexTokenEndpoint,
		geminiTokenURL: geminiTokenEndpoint,
	}
	for _, src := range sources {
		s.sources[src.Kind] = src
	}
	return s
}

// SetSource installs or replaces the lookup source for a provider kind.
func (s *Store) SetSource(src Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[src.Kind] = src
	delete(s.cache, src.Kind)
}

// SetTokenURL overrides the token endpoint for one provider kind.
func (s *Store) SetTokenURL(kind core.ProviderKind, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case core.KindClaude:
		s.claudeTokenURL = url
	case core.KindCodex:
		s.codexTokenURL = url
	case core.KindGemini:
		s.geminiTokenURL = url
	}
}

// SetGeminiClient overrides the baked-in Gemini OAuth client pair, for
// when a newer pair was scraped out of the installed CLI.
func (s *Store) SetGeminiClient(id, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != "" && secret != "" {
		s.geminiClientID = id
		s.geminiSecret = secret
	}
}

// Lookup returns the provider's credentials, or (nil, nil) when none are
// installed. Absence is the normal state for a provider the user never
// signed in to, not an error.
func (s *Store) Lookup(kind core.ProviderKind) (*Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupLocked(kind)
}

func (s *Store) lookupLocked(kind core.ProviderKind) (*Credentials, error) {
	if c, ok := s.cache[kind]; ok {
		return c, nil
	}
	src, ok := s.sources[kind]
	if !ok || src.Backend == nil {
		return nil, nil
	}

	entry, err := src.Backend.Get(src.Key, src.Account)
	if errors.Is(err, secretstore.ErrNotFound) {
		entry, err = broadenedGet(src)
	}
	if errors.Is(err, secretstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s credential lookup: %w", kind, err)
	}

	creds, err := decodeCredentials(kind, entry.Data)
	if err != nil {
		return nil, fmt.Errorf("%s credentials: %w", kind, err)
	}
	creds.service = entry.Service
	creds.account = entry.Account
	s.cache[kind] = creds
	return creds, nil
}

// broadenedGet rescans the backend for any service sharing the configured
// prefix. CLIs occasionally rename their credential entry between
// releases; the prefix scan papers over that. One scan per lookup, never
// more.
func broadenedGet(src Source) (secretstore.Entry, error) {
	if src.Prefix == "" {
		return secretstore.Entry{}, secretstore.ErrNotFound
	}
	services, err := src.Backend.ListServices(src.Prefix)
	if errors.Is(err, secretstore.ErrUnsupported) {
		return secretstore.Entry{}, secretstore.ErrNotFound
	}
	if err != nil {
		return secretstore.Entry{}, err
	}
	for _, svc := range services {
		if svc == src.Key {
			continue // the exact key already failed
		}
		entry, err := src.Backend.Get(svc, "")
		if err == nil {
			return entry, nil
		}
	}
	return secretstore.Entry{}, secretstore.ErrNotFound
}

// Invalidate drops the cached credentials so the next lookup rereads the
// backend. Called after an unauthorized response, since another process
// may have rotated the tokens underneath us.
func (s *Store) Invalidate(kind core.ProviderKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, kind)
}

func (s *Store) persist(c *Credentials) error {
	src, ok := s.sources[c.Kind]
	if !ok || src.Backend == nil {
		return nil
	}
	data, err := encodeCredentials(c, s.now())
	if err != nil {
		return err
	}
	service := c.service
	if service == "" {
		// The entry vanished between read and write; recreate it at the
		// primary location.
		service = src.Key
	}
	return src.Backend.Put(secretstore.Entry{
		Service: service,
		Account: c.account,
		Data:    data,
	})
}
