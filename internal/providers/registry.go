// Package providers assembles the supported provider set over one shared
// credential store.
package providers

import (
	"github.com/quotabar/quotabar/internal/core"
	"github.com/quotabar/quotabar/internal/credstore"
	"github.com/quotabar/quotabar/internal/discover"
	"github.com/quotabar/quotabar/internal/providers/claude"
	"github.com/quotabar/quotabar/internal/providers/codex"
	"github.com/quotabar/quotabar/internal/providers/gemini"
)

// NewStore builds the credential store the providers share. OAuth client
// credentials scraped from an installed Gemini CLI replace the built-in
// defaults when found.
func NewStore() *credstore.Store {
	store := credstore.New()
	if id, secret, err := discover.GeminiClientCredentials(); err == nil {
		store.SetGeminiClient(id, secret)
	}
	return store
}

// AllSharing builds every supported provider over one store, so a refresh
// performed for one fetch is visible to the next cycle.
func AllSharing(store *credstore.Store) []core.UsageProvider {
	return []core.UsageProvider{
		claude.New(store),
		codex.New(store),
		gemini.New(store),
	}
}

// All builds every supported provider over a fresh shared store.
func All() []core.UsageProvider {
	return AllSharing(NewStore())
}

// ByKind returns the provider handling kind, or nil.
func ByKind(list []core.UsageProvider, kind core.ProviderKind) core.UsageProvider {
	for _, p := range list {
		if p.Kind() == kind {
			return p
		}
	}
	return nil
}

// CredentialPrimer is implemented by providers that can point the shared
// credential store at their credential location without performing a
// fetch. The auth command uses it to inspect credentials passively.
type CredentialPrimer interface {
	PrimeCredentials(cfg core.ProviderConfig)
}

// Prime resolves cfg's credential location into the shared store.
func Prime(list []core.UsageProvider, cfg core.ProviderConfig) {
	p := ByKind(list, cfg.Kind)
	if p == nil {
		return
	}
	if primer, ok := p.(CredentialPrimer); ok {
		primer.PrimeCredentials(cfg)
	}
}
