package feed

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/syndihub/syndihub/hub/internal/canonical"
	"github.com/syndihub/syndihub/hub/internal/ids"
	"github.com/syndihub/syndihub/hub/internal/objstore"
	"github.com/syndihub/syndihub/hub/internal/store"
	"github.com/syndihub/syndihub/hub/pkg/models"
)

// Engine builds feed snapshots for hosted-feed destinations.
type Engine struct {
	store   store.Store
	objects objstore.Store
	plugins *Registry
	log     zerolog.Logger
}

func NewEngine(st store.Store, objects objstore.Store, plugins *Registry, logger zerolog.Logger) *Engine {
	return &Engine{
		store:   st,
		objects: objects,
		plugins: plugins,
		log:     logger.With().Str("component", "feed-engine").Logger(),
	}
}

// BuildIfChanged rebuilds the feed for one partner+destination unless
// the build fingerprint matches the latest snapshot, in which case the
// previous artifact stays authoritative. Returns (snapshot, built).
func (e *Engine) BuildIfChanged(ctx context.Context, setting models.PartnerDestinationSetting) (*models.FeedSnapshot, bool, error) {
	plugin, ok := e.plugins.Get(setting.Destination)
	if !ok {
		return nil, false, nil
	}

	listings, err := e.store.ListCanonicalListings(ctx, setting.TenantID, setting.PartnerID)
	if err != nil {
		return nil, false, err
	}

	fp := Fingerprint(setting.Destination, setting.Config, ItemsOf(listings))
	if latest, err := e.store.LatestFeedSnapshot(ctx, setting.TenantID, setting.PartnerID, setting.Destination); err == nil {
		if latest.Fingerprint() == fp {
			return latest, false, nil
		}
	} else if !store.IsNotFound(err) {
		return nil, false, err
	}

	data, stats, err := plugin.Build(listings, setting.Config)
	if err != nil {
		return nil, false, err
	}
	parseStart := time.Now()
	parseOK := plugin.Check(data) == nil
	parseMS := time.Since(parseStart).Milliseconds()
	if !parseOK {
		e.log.Error().Str("destination", setting.Destination).Str("partner_id", setting.PartnerID).
			Msg("Built feed failed parse check")
	}

	// Artifacts live at a stable per-destination path; each rebuild
	// overwrites in place so feed URLs never go stale.
	snapshotID := ids.New("fsn")
	key := fmt.Sprintf("%s/%s/%s/feed.%s", setting.TenantID, setting.PartnerID, setting.Destination, plugin.Format())
	uri, err := e.objects.Put(key, data)
	if err != nil {
		return nil, false, err
	}

	gz, err := gzipBytes(data)
	if err != nil {
		return nil, false, err
	}
	gzURI, err := e.objects.Put(key+".gz", gz)
	if err != nil {
		return nil, false, err
	}

	snap := &models.FeedSnapshot{
		ID:             snapshotID,
		TenantID:       setting.TenantID,
		PartnerID:      setting.PartnerID,
		Destination:    setting.Destination,
		StorageURI:     uri,
		GzipStorageURI: gzURI,
		GzipSizeBytes:  len(gz),
		Format:         plugin.Format(),
		ContentHash:    canonical.HashBytes(data),
		ListingCount:   stats.Included,
		Meta: map[string]any{
			"fingerprint": fp,
			"skipped":     stats.Skipped,
			"warnings":    stats.Warnings,
			"parse_ok":    parseOK,
			"parse_ms":    parseMS,
			"built_at":    time.Now().UTC().Format(time.RFC3339),
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateFeedSnapshot(ctx, snap); err != nil {
		return nil, false, err
	}

	e.log.Info().Str("snapshot_id", snap.ID).Str("destination", setting.Destination).
		Str("partner_id", setting.PartnerID).Int("listings", stats.Included).
		Msg("Feed snapshot built")
	return snap, true, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
