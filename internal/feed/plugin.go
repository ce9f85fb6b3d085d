package feed

import (
	"sync"

	"github.com/syndihub/syndihub/hub/pkg/models"
)

// Stats summarizes one build: how many listings made it in, and why the
// rest were skipped or flagged.
type Stats struct {
	Included int            `json:"included"`
	Skipped  map[string]int `json:"skipped,omitempty"`
	Warnings map[string]int `json:"warnings,omitempty"`
}

func (s *Stats) skip(reason string) {
	if s.Skipped == nil {
		s.Skipped = make(map[string]int)
	}
	s.Skipped[reason]++
}

func (s *Stats) warn(reason string) {
	if s.Warnings == nil {
		s.Warnings = make(map[string]int)
	}
	s.Warnings[reason]++
}

// Plugin renders a partner's listings into one destination's feed format
// and can parse its own output back as a post-build sanity check.
type Plugin interface {
	Name() string
	Format() string
	ContentType() string
	Build(listings []models.Listing, config map[string]any) ([]byte, Stats, error)
	Check(data []byte) error
}

// ── Registry ─────────────────────────────────────────────────

// Registry maps hosted-feed destinations to their plugin.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

func (r *Registry) Register(destination string, p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[destination] = p
}

func (r *Registry) Get(destination string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[destination]
	return p, ok
}
