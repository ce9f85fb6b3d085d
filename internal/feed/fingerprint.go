// Package feed builds hosted feed snapshots: per-destination renderers
// produce an artifact from a partner's canonical listings, and a build
// fingerprint makes rebuilds of unchanged inputs free.
package feed

import (
	"sort"

	"github.com/syndihub/syndihub/hub/internal/canonical"
	"github.com/syndihub/syndihub/hub/pkg/models"
)

// Item is one listing's contribution to the fingerprint.
type Item struct {
	ID          string `json:"id"`
	ContentHash string `json:"content_hash"`
}

// Fingerprint identifies a feed build input: the destination, the
// destination config (minus the rotatable feed token, which must not
// force rebuilds), and the id+hash of every listing in stable order.
func Fingerprint(destination string, config map[string]any, items []Item) string {
	cfg := make(map[string]any, len(config))
	for k, v := range config {
		if k == "feed_token" {
			continue
		}
		cfg[k] = v
	}
	cfgHash, _ := canonical.HashJSON(cfg)

	sorted := make([]Item, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	itemsHash, _ := canonical.HashJSON(sorted)

	combined, _ := canonical.HashJSON(map[string]any{
		"destination": destination,
		"config":      cfgHash,
		"items":       itemsHash,
	})
	return combined
}

// ItemsOf projects listings to fingerprint items.
func ItemsOf(listings []models.Listing) []Item {
	out := make([]Item, 0, len(listings))
	for _, l := range listings {
		out = append(out, Item{ID: l.ID, ContentHash: l.ContentHash})
	}
	return out
}
