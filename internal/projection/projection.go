// Package projection turns a canonical listing payload into the shape a
// destination expects. Projectors may consult the catalog mapping tables;
// a missing required mapping is a non-retryable publish failure surfaced
// as *MappingError.
package projection

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/syndihub/syndihub/hub/internal/canonical"
)

// MappingSource resolves catalog mappings for one destination. The store
// satisfies this directly.
type MappingSource interface {
	GetEnumValue(ctx context.Context, destination, namespace, sourceKey string) (string, error)
	GetGeoAreaValue(ctx context.Context, destination, geoAreaID string) (string, error)
}

// MappingError reports a canonical value with no destination mapping.
type MappingError struct {
	Destination string
	Namespace   string
	Key         string
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("no %s mapping for %s/%s", e.Destination, e.Namespace, e.Key)
}

// Projector shapes one canonical payload for one destination.
type Projector interface {
	Name() string
	Project(ctx context.Context, payload map[string]any, mappings MappingSource) (map[string]any, error)
}

// MappingKeys is the set of catalog lookups a projection will perform
// for a group of canonical payloads.
type MappingKeys struct {
	Enums map[string]map[string]bool `json:"enums"` // namespace → source keys
	Geo   map[string]bool            `json:"geo"`   // hub geo area ids
}

func NewMappingKeys() MappingKeys {
	return MappingKeys{Enums: make(map[string]map[string]bool), Geo: make(map[string]bool)}
}

func (k MappingKeys) addEnum(namespace, key string) {
	if key == "" {
		return
	}
	if k.Enums[namespace] == nil {
		k.Enums[namespace] = make(map[string]bool)
	}
	k.Enums[namespace][key] = true
}

// Merge folds another key set into this one.
func (k MappingKeys) Merge(other MappingKeys) {
	for ns, keys := range other.Enums {
		for key := range keys {
			k.addEnum(ns, key)
		}
	}
	for id := range other.Geo {
		k.Geo[id] = true
	}
}

// MappingReport is the outcome of a catalog preflight. Missing entries
// would fail a publish; warnings fall back to the canonical value.
type MappingReport struct {
	OK       bool     `json:"ok"`
	Missing  []string `json:"missing,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// MappingChecker is implemented by projectors that can preflight their
// catalog lookups before any delivery runs.
type MappingChecker interface {
	RequiredMappingKeys(payload map[string]any) MappingKeys
	CheckMappings(ctx context.Context, src MappingSource, keys MappingKeys) MappingReport
}

// ── Registry ─────────────────────────────────────────────────

type Registry struct {
	mu         sync.RWMutex
	projectors map[string]Projector
	fallback   Projector
}

// NewRegistry creates a registry whose fallback is the passthrough
// projector.
func NewRegistry() *Registry {
	return &Registry{
		projectors: make(map[string]Projector),
		fallback:   Passthrough{},
	}
}

func (r *Registry) Register(destination string, p Projector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projectors[destination] = p
}

// For returns the projector for a destination, or the passthrough
// fallback.
func (r *Registry) For(destination string) Projector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.projectors[destination]; ok {
		return p
	}
	return r.fallback
}

// ── Passthrough ──────────────────────────────────────────────

// Passthrough emits the canonical payload unchanged.
type Passthrough struct{}

func (Passthrough) Name() string { return "passthrough" }

func (Passthrough) Project(_ context.Context, payload map[string]any, _ MappingSource) (map[string]any, error) {
	return payload, nil
}

// ── Portal projector ─────────────────────────────────────────

// Portal maps canonical enums and geo slugs to a portal's vocabulary.
// Namespaces listed in required are hard failures when unmapped; others
// fall back to the canonical value.
type Portal struct {
	Destination string
	Required    []string
}

func (p *Portal) Name() string { return p.Destination }

func (p *Portal) Project(ctx context.Context, payload map[string]any, mappings MappingSource) (map[string]any, error) {
	doc, err := canonical.Decode(payload)
	if err != nil {
		return payload, nil
	}

	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}

	required := make(map[string]bool, len(p.Required))
	for _, ns := range p.Required {
		required[ns] = true
	}

	mapEnum := func(ns, key string) (string, error) {
		if key == "" {
			return "", nil
		}
		v, err := mappings.GetEnumValue(ctx, p.Destination, ns, key)
		if err != nil {
			if required[ns] {
				return "", &MappingError{Destination: p.Destination, Namespace: ns, Key: key}
			}
			return key, nil
		}
		return v, nil
	}

	status, err := mapEnum("status", doc.Status)
	if err != nil {
		return nil, err
	}
	out["status"] = status

	category, err := mapEnum("property_category", doc.Property.Category)
	if err != nil {
		return nil, err
	}
	if prop, ok := out["property"].(map[string]any); ok {
		mapped := make(map[string]any, len(prop))
		for k, v := range prop {
			mapped[k] = v
		}
		mapped["category"] = category
		out["property"] = mapped
	}

	// Adapters that resolved the address to a hub geo area record its id
	// in attributes; portals get their own area id from the geo catalog.
	if areaID, ok := doc.Attributes["geo_area_id"].(string); ok && areaID != "" {
		destArea, err := mappings.GetGeoAreaValue(ctx, p.Destination, areaID)
		if err != nil {
			if required["geo"] {
				return nil, &MappingError{Destination: p.Destination, Namespace: "geo", Key: areaID}
			}
			destArea = areaID
		}
		if addr, ok := out["address"].(map[string]any); ok {
			mapped := make(map[string]any, len(addr))
			for k, v := range addr {
				mapped[k] = v
			}
			mapped["area_id"] = destArea
			out["address"] = mapped
		}
	}

	return out, nil
}

// RequiredMappingKeys computes, purely from the canonical document,
// every enum and geo key Project would look up for it.
func (p *Portal) RequiredMappingKeys(payload map[string]any) MappingKeys {
	keys := NewMappingKeys()
	doc, err := canonical.Decode(payload)
	if err != nil {
		return keys
	}
	keys.addEnum("status", doc.Status)
	keys.addEnum("property_category", doc.Property.Category)
	if areaID, ok := doc.Attributes["geo_area_id"].(string); ok && areaID != "" {
		keys.Geo[areaID] = true
	}
	return keys
}

// CheckMappings consults the catalog for every collected key. Unmapped
// keys in required namespaces are missing; the rest are warnings.
func (p *Portal) CheckMappings(ctx context.Context, src MappingSource, keys MappingKeys) MappingReport {
	required := make(map[string]bool, len(p.Required))
	for _, ns := range p.Required {
		required[ns] = true
	}

	var report MappingReport
	for _, ns := range sortedKeys(keys.Enums) {
		for _, key := range sortedKeys(keys.Enums[ns]) {
			if _, err := src.GetEnumValue(ctx, p.Destination, ns, key); err != nil {
				entry := ns + "/" + key
				if required[ns] {
					report.Missing = append(report.Missing, entry)
				} else {
					report.Warnings = append(report.Warnings, entry)
				}
			}
		}
	}
	for _, id := range sortedKeys(keys.Geo) {
		if _, err := src.GetGeoAreaValue(ctx, p.Destination, id); err != nil {
			entry := "geo/" + id
			if required["geo"] {
				report.Missing = append(report.Missing, entry)
			} else {
				report.Warnings = append(report.Warnings, entry)
			}
		}
	}
	report.OK = len(report.Missing) == 0
	return report
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
