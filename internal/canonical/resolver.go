// Package canonical resolves raw vendor names (providers, services,
// regions, pricing models, currencies) to stable canonical ids, creating
// reference rows lazily on first sight.
package canonical

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Kind identifies a canonical reference dimension.
type Kind string

const (
	KindProvider     Kind = "provider"
	KindService      Kind = "service"
	KindRegion       Kind = "region"
	KindPricingModel Kind = "pricing_model"
	KindCurrency     Kind = "currency"
)

// Store is the storage-layer contract the resolver needs. The store must
// enforce key uniqueness itself: GetOrCreate races on a brand-new key are
// resolved by conflict-ignore plus re-read, never by a duplicate row.
type Store interface {
	GetOrCreateDimension(ctx context.Context, kind Kind, providerID int64, key, displayName string) (int64, error)
}

// Resolver maps raw vendor strings to canonical ids. The in-memory cache
// is scoped to one ingestion run and discarded with the resolver; the
// database uniqueness constraint remains the source of truth.
type Resolver struct {
	store Store

	mu    sync.Mutex
	cache map[cacheKey]int64
}

type cacheKey struct {
	kind       Kind
	providerID int64
	key        string
}

// NewResolver creates a resolver with an empty run-scoped cache.
func NewResolver(store Store) *Resolver {
	return &Resolver{
		store: store,
		cache: make(map[cacheKey]int64),
	}
}

// Resolve returns the canonical id for a raw vendor name, creating the
// reference row on first encounter. providerID scopes services and
// regions to their owning provider; pass 0 for provider-independent
// kinds (providers, pricing models, currencies).
func (r *Resolver) Resolve(ctx context.Context, kind Kind, rawName string, providerID int64) (int64, error) {
	key := lookupKey(kind, rawName)
	if key == "" {
		return 0, fmt.Errorf("resolve %s: empty name %q", kind, rawName)
	}

	ck := cacheKey{kind: kind, providerID: providerID, key: key}
	r.mu.Lock()
	if id, ok := r.cache[ck]; ok {
		r.mu.Unlock()
		return id, nil
	}
	r.mu.Unlock()

	display := strings.TrimSpace(rawName)
	if display == "" {
		display = key
	}
	id, err := r.store.GetOrCreateDimension(ctx, kind, providerID, key, display)
	if err != nil {
		return 0, fmt.Errorf("resolve %s %q: %w", kind, rawName, err)
	}

	r.mu.Lock()
	r.cache[ck] = id
	r.mu.Unlock()
	return id, nil
}

func lookupKey(kind Kind, rawName string) string {
	if kind == KindProvider {
		return ClassifyProvider(rawName)
	}
	return NormalizeKey(rawName)
}

// NormalizeKey collapses a raw vendor name into a lowercase,
// separator-free lookup key.
func NormalizeKey(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// providerAliases maps well-known alias tokens and substrings of
// vendor-native provider names onto the three canonical providers.
// Vendor dumps spell these wildly ("Amazon Web Services", "aws",
// "Microsoft.Compute"), so alias matching runs ahead of generic
// normalization. Short acronyms match whole tokens only, so an
// unrelated vendor name merely containing "aws" is not misread as AWS.
var providerAliases = []struct {
	alias     string
	wholeWord bool
	provider  string
}{
	{"amazon", false, "aws"},
	{"aws", true, "aws"},
	{"google", false, "gcp"},
	{"gcp", true, "gcp"},
	{"microsoft", false, "azure"},
	{"azure", false, "azure"},
}

// ClassifyProvider maps a vendor-native provider name to a canonical
// provider key, falling back to generic normalization for unknown
// vendors.
func ClassifyProvider(raw string) string {
	lower := strings.ToLower(raw)
	tokens := strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	for _, a := range providerAliases {
		if a.wholeWord {
			for _, tok := range tokens {
				if tok == a.alias {
					return a.provider
				}
			}
			continue
		}
		if strings.Contains(lower, a.alias) {
			return a.provider
		}
	}
	return NormalizeKey(raw)
}
