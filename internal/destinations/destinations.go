// Package destinations defines the connector contract for publishing
// listings to external portals, plus the built-in connectors. Push-API
// destinations deliver per listing over HTTP; hosted-feed destinations
// are served as snapshot files and their connector is a no-op.
package destinations

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Delivery modes. Pull-only destinations fetch the hosted feed on
// their own schedule; the hub never pushes to them.
const (
	ModePushAPI    = "push_api"
	ModeHostedFeed = "hosted_feed"
	ModePullOnly   = "pull_only"
)

// Listing inclusion policies for feed-driven destinations.
const (
	InclusionExcludeInactive   = "exclude_inactive"
	InclusionIncludeWithStatus = "include_with_status"
)

// Error codes surfaced on delivery attempts.
const (
	CodeNoCredentials   = "NO_CREDENTIALS"
	CodeNoAgentIdentity = "NO_AGENT_IDENTITY"
	CodeMappingMissing  = "MAPPING_MISSING"
	CodeHTTPError       = "HTTP_ERROR"
	CodeTransportError  = "TRANSPORT_ERROR"
)

// Capabilities declares what a destination needs from the hub before a
// publish can be attempted.
type Capabilities struct {
	Mode                    string
	RequiresCredentials     bool
	RequiresExternalAgentID bool
	SupportsDelete          bool
	ListingInclusion        string
}

// PublishInput carries everything a connector needs for one publish.
// Payload is the projected (destination-shaped) document. Credentials
// are decrypted only for the duration of the call.
type PublishInput struct {
	TenantID          string
	PartnerID         string
	AgentID           string
	ListingID         string
	ContentHash       string
	Payload           map[string]any
	ExternalListingID string
	ExternalAgentID   string
	Credentials       map[string]any
	Settings          map[string]any
}

// PublishResult is a successful publish outcome.
type PublishResult struct {
	ExternalListingID string
	Response          map[string]any
}

// PublishError is a classified publish failure. Retryable failures are
// rescheduled with backoff; non-retryable ones count toward dead-lettering
// without a retry timer.
type PublishError struct {
	Code      string
	Message   string
	Retryable bool
	Response  map[string]any
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish failed (%s): %s", e.Code, e.Message)
}

// Connector publishes one listing to one destination.
type Connector interface {
	Name() string
	Capabilities() Capabilities
	Publish(ctx context.Context, in PublishInput) (PublishResult, error)
}

// ── Registry ─────────────────────────────────────────────────

// Registry holds the process-wide connector set.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.Name()] = c
}

func (r *Registry) Get(name string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[name]
	return c, ok
}

// Names returns registered destination names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.connectors))
	for n := range r.connectors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
