// Package routing maps model identifiers to provider descriptors by prefix.
package routing

import (
	"sort"

	"github.com/coreason-ai/gateway/internal/apierror"
)

// Descriptor identifies the upstream provider serving a model family.
type Descriptor struct {
	Provider   string
	SecretPath string
	BaseURL    string
}

type route struct {
	prefix     string
	descriptor Descriptor
}

// Router is a pure prefix registry. Longer prefixes win over shorter ones,
// lexicographic order breaks ties, so "o1-" always beats a broader "o".
type Router struct {
	routes []route
}

// NewRouter returns a registry seeded with the shipped providers.
func NewRouter() *Router {
	r := &Router{}
	r.Register("gpt-", Descriptor{
		Provider:   "openai",
		SecretPath: "secret/infrastructure/openai",
		BaseURL:    "https://api.openai.com/v1",
	})
	r.Register("o1-", Descriptor{
		Provider:   "openai",
		SecretPath: "secret/infrastructure/openai",
		BaseURL:    "https://api.openai.com/v1",
	})
	r.Register("claude-", Descriptor{
		Provider:   "anthropic",
		SecretPath: "secret/infrastructure/anthropic",
		BaseURL:    "https://api.anthropic.com/v1",
	})
	return r
}

// Register adds or replaces a prefix route. The registry is re-sorted so
// resolution order stays deterministic.
func (r *Router) Register(prefix string, d Descriptor) {
	for i := range r.routes {
		if r.routes[i].prefix == prefix {
			r.routes[i].descriptor = d
			return
		}
	}
	r.routes = append(r.routes, route{prefix: prefix, descriptor: d})
	sort.Slice(r.routes, func(i, j int) bool {
		if len(r.routes[i].prefix) != len(r.routes[j].prefix) {
			return len(r.routes[i].prefix) > len(r.routes[j].prefix)
		}
		return r.routes[i].prefix < r.routes[j].prefix
	})
}

// Resolve returns the descriptor for the first matching prefix.
func (r *Router) Resolve(model string) (Descriptor, error) {
	for _, rt := range r.routes {
		if len(model) >= len(rt.prefix) && model[:len(rt.prefix)] == rt.prefix {
			return rt.descriptor, nil
		}
	}
	return Descriptor{}, apierror.New(apierror.ModelUnknown, "Unsupported model architecture")
}

// Providers returns the distinct provider ids in the registry.
func (r *Router) Providers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, rt := range r.routes {
		if !seen[rt.descriptor.Provider] {
			seen[rt.descriptor.Provider] = true
			out = append(out, rt.descriptor.Provider)
		}
	}
	return out
}
