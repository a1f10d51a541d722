// Package registry maps inbound URL paths to providers and owns the
// per-provider credential pools.
//
// Pools are created when a snapshot is published and preserved across
// publications: a credential whose (provider, value) identity is unchanged
// keeps its failure counter and quarantine state, so reconfiguration never
// resurrects a known-bad key.
package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/OnlineMo/OpenAi-Balance/internal/config"
	"github.com/OnlineMo/OpenAi-Balance/internal/egress"
	"github.com/OnlineMo/OpenAi-Balance/internal/keypool"
)

// Surface identifies the inbound path prefix style. All surfaces accept
// identical OpenAI-shaped bodies; the value only affects header passthrough.
type Surface string

const (
	SurfaceNative Surface = "native"
	SurfaceHF     Surface = "hf"
	SurfaceOpenAI Surface = "openai"
)

// Resolution errors. Wrap checks use errors.Is.
var (
	ErrProviderNotFound = errors.New("provider not found")
	ErrProviderDisabled = errors.New("provider disabled")
)

// Match is the result of resolving an inbound path.
type Match struct {
	Provider      *config.ProviderSpec
	RemainingPath string // always begins with /v1
	Surface       Surface
}

// Registry resolves providers and owns their credential pools.
type Registry struct {
	mu     sync.RWMutex
	snap   *config.Snapshot
	pools  map[string]*keypool.Pool
	egress *egress.Pool
}

// New creates a Registry for the given snapshot and wires every credential
// pool into the egress pool's unbind notification list.
func New(snap *config.Snapshot, egressPool *egress.Pool) *Registry {
	r := &Registry{egress: egressPool}
	r.Reload(snap)
	return r
}

// Reload atomically swaps in a new snapshot. Existing pools are reloaded in
// place (preserving per-credential state); pools for removed providers are
// dropped, new ones created.
func (r *Registry) Reload(snap *config.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pools := make(map[string]*keypool.Pool, len(snap.Providers))
	for i := range snap.Providers {
		spec := &snap.Providers[i]
		limit := spec.FailureLimit(snap.MaxFailures)
		if prev, ok := r.pools[spec.Name]; ok {
			prev.Reload(spec.APIKeys, spec.ModelRequestKey, limit)
			pools[spec.Name] = prev
		} else {
			pools[spec.Name] = keypool.New(spec.Name, spec.APIKeys, spec.ModelRequestKey, limit)
		}
	}

	r.snap = snap
	r.pools = pools

	if r.egress != nil {
		unbinders := make([]egress.Unbinder, 0, len(pools))
		for _, p := range pools {
			unbinders = append(unbinders, p)
		}
		r.egress.SetUnbinders(unbinders)
	}
}

// Snapshot returns the snapshot this registry currently serves.
func (r *Registry) Snapshot() *config.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

// Pool returns the credential pool for the named provider, or nil.
func (r *Registry) Pool(name string) *keypool.Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pools[name]
}

// Pools returns every pool keyed by provider name.
func (r *Registry) Pools() map[string]*keypool.Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*keypool.Pool, len(r.pools))
	for k, v := range r.pools {
		out[k] = v
	}
	return out
}

// Providers returns the configured provider specs in snapshot order.
func (r *Registry) Providers() []config.ProviderSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap.Providers
}

// Resolve normalizes an inbound URL path to a provider.
//
// Normalization, in order:
//  1. One leading /hf or /openai prefix is consumed and remembered as the
//     surface (native otherwise).
//  2. A remainder starting with /v1 selects the default provider.
//  3. Otherwise the first segment is matched against provider paths; the
//     rest (which must begin with /v1) is the remaining path.
func (r *Registry) Resolve(urlPath string) (Match, error) {
	r.mu.RLock()
	snap := r.snap
	r.mu.RUnlock()

	surface := SurfaceNative
	rest := urlPath
	switch {
	case rest == "/hf" || strings.HasPrefix(rest, "/hf/"):
		surface = SurfaceHF
		rest = strings.TrimPrefix(rest, "/hf")
	case rest == "/openai" || strings.HasPrefix(rest, "/openai/"):
		surface = SurfaceOpenAI
		rest = strings.TrimPrefix(rest, "/openai")
	}

	if isV1(rest) {
		spec := snap.Provider(snap.DefaultProvider)
		if spec == nil {
			return Match{}, fmt.Errorf("%w: no default provider", ErrProviderNotFound)
		}
		if !spec.IsEnabled() {
			return Match{}, fmt.Errorf("%w: %s", ErrProviderDisabled, spec.Name)
		}
		return Match{Provider: spec, RemainingPath: rest, Surface: surface}, nil
	}

	seg, remainder := splitSegment(rest)
	if seg == "" || !isV1(remainder) {
		return Match{}, fmt.Errorf("%w: %s", ErrProviderNotFound, urlPath)
	}

	spec := snap.ProviderByPath(seg)
	if spec == nil {
		return Match{}, fmt.Errorf("%w: %s", ErrProviderNotFound, seg)
	}
	if !spec.IsEnabled() {
		return Match{}, fmt.Errorf("%w: %s", ErrProviderDisabled, spec.Name)
	}
	return Match{Provider: spec, RemainingPath: remainder, Surface: surface}, nil
}

// isV1 reports whether p is /v1 or starts with /v1/.
func isV1(p string) bool {
	return p == "/v1" || strings.HasPrefix(p, "/v1/")
}

// splitSegment splits "/seg/rest" into ("seg", "/rest").
func splitSegment(p string) (string, string) {
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return "", ""
	}
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[:i], p[i:]
	}
	return p, ""
}
