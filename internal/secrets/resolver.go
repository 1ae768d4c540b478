// Package secrets resolves registry source credentials that are given as a
// reference to a secret store instead of inline "user:password" text.
package secrets

import (
	"context"
	"strings"
	"sync"
)

// Resolver resolves a secret reference to its plaintext value.
type Resolver interface {
	// Scheme returns the URI scheme this resolver handles (e.g., "awssm").
	Scheme() string

	// Resolve fetches the secret value for the given reference.
	// The reference is the full URI (e.g., "awssm://us-east-1/registry/quay").
	Resolve(ctx context.Context, reference string) (string, error)
}

var (
	resolvers = make(map[string]Resolver)
	mu        sync.RWMutex
)

// Register adds a resolver to the registry.
func Register(r Resolver) {
	mu.Lock()
	defer mu.Unlock()
	resolvers[r.Scheme()] = r
}

// ResolveCreds returns creds unchanged unless it is a URI whose scheme has
// a registered resolver, in which case the resolved secret is returned.
func ResolveCreds(ctx context.Context, creds string) (string, error) {
	scheme := parseScheme(creds)
	if scheme == "" {
		return creds, nil
	}

	mu.RLock()
	r, ok := resolvers[scheme]
	mu.RUnlock()

	if !ok {
		return creds, nil
	}
	return r.Resolve(ctx, creds)
}

// parseScheme extracts the scheme from a URI (e.g., "awssm" from
// "awssm://region/id"). Text before "://" that is not a valid scheme, such
// as "user:pass" credentials that happen to contain "://", yields "".
func parseScheme(ref string) string {
	idx := strings.Index(ref, "://")
	if idx < 1 {
		return ""
	}
	scheme := ref[:idx]
	for i, c := range scheme {
		switch {
		case c >= 'a' && c <= 'z':
		case i > 0 && (c >= '0' && c <= '9' || c == '+' || c == '-' || c == '.'):
		default:
			return ""
		}
	}
	return scheme
}

// clearRegistry removes all registered resolvers. For testing only.
func clearRegistry() {
	mu.Lock()
	defer mu.Unlock()
	resolvers = make(map[string]Resolver)
}
