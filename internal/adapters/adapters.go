// Package adapters translates partner-native payloads into canonical
// listing documents. Adapters are versioned per partner integration key;
// ingest requests may pin a version or take the partner's default.
package adapters

import (
	"fmt"
	"sync"

	"github.com/syndihub/syndihub/hub/pkg/models"
)

// Adapter transforms one raw partner payload into a canonical payload.
// Validation happens downstream; adapters only reshape.
type Adapter interface {
	PartnerKey() string
	Version() string
	Transform(raw map[string]any) (map[string]any, []models.IngestError)
}

// Registry holds adapters keyed by (partner_key, version) with a default
// version per partner key.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter // partnerKey "\x1f" version
	defaults map[string]string  // partnerKey → default version
}

func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		defaults: make(map[string]string),
	}
}

func regKey(partnerKey, version string) string {
	return partnerKey + "\x1f" + version
}

// Register adds an adapter; the first version registered for a partner
// key becomes the default until SetDefault overrides it.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[regKey(a.PartnerKey(), a.Version())] = a
	if _, ok := r.defaults[a.PartnerKey()]; !ok {
		r.defaults[a.PartnerKey()] = a.Version()
	}
}

func (r *Registry) SetDefault(partnerKey, version string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults[partnerKey] = version
}

// DefaultVersion returns the partner key's default adapter version.
func (r *Registry) DefaultVersion(partnerKey string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.defaults[partnerKey]
	return v, ok
}

// Resolve returns the adapter for a partner key and version. An empty
// version selects the partner's default.
func (r *Registry) Resolve(partnerKey, version string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if version == "" {
		v, ok := r.defaults[partnerKey]
		if !ok {
			return nil, fmt.Errorf("no adapter registered for partner key %q", partnerKey)
		}
		version = v
	}
	a, ok := r.adapters[regKey(partnerKey, version)]
	if !ok {
		return nil, fmt.Errorf("no adapter %q version %q", partnerKey, version)
	}
	return a, nil
}

// ── Passthrough ──────────────────────────────────────────────

// Passthrough accepts payloads already shaped as canonical documents.
type Passthrough struct {
	Key string
	Ver string
}

func NewPassthrough(partnerKey string) *Passthrough {
	return &Passthrough{Key: partnerKey, Ver: "1"}
}

func (p *Passthrough) PartnerKey() string { return p.Key }
func (p *Passthrough) Version() string    { return p.Ver }

func (p *Passthrough) Transform(raw map[string]any) (map[string]any, []models.IngestError) {
	return raw, nil
}
