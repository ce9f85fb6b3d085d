package feed_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/syndihub/syndihub/hub/internal/destinations"
	"github.com/syndihub/syndihub/hub/internal/feed"
	"github.com/syndihub/syndihub/hub/internal/objstore"
	"github.com/syndihub/syndihub/hub/internal/store"
	"github.com/syndihub/syndihub/hub/pkg/models"
)

func listing(id, title, hash string, active bool) models.Listing {
	now := time.Now().UTC()
	return models.Listing{
		ID: id, TenantID: "tnt_1", PartnerID: "prt_1", AgentID: "agt_1",
		Payload: map[string]any{
			"canonical_id": id,
			"title":        title,
			"status":       "active",
			"purpose":      "sale",
			"list_price":   map[string]any{"currency": "EUR", "amount": 100000},
			"address":      map[string]any{"city": "Kyrenia"},
			"property":     map[string]any{"category": "apartment"},
		},
		ContentHash: hash, Status: "active", IsActive: active,
		CreatedAt: now, UpdatedAt: now,
	}
}

// ── Fingerprint ──────────────────────────────────────────────

func TestFingerprint_IgnoresFeedToken(t *testing.T) {
	items := []feed.Item{{ID: "lst_1", ContentHash: "h1"}}
	a := feed.Fingerprint("casafeed", map[string]any{"feed_token": "old", "locale": "en"}, items)
	b := feed.Fingerprint("casafeed", map[string]any{"feed_token": "new", "locale": "en"}, items)
	require.Equal(t, a, b, "rotating the feed token must not force a rebuild")

	c := feed.Fingerprint("casafeed", map[string]any{"feed_token": "old", "locale": "tr"}, items)
	require.NotEqual(t, a, c, "other config changes must force a rebuild")
}

func TestFingerprint_OrderIndependentItems(t *testing.T) {
	a := feed.Fingerprint("casafeed", nil, []feed.Item{{ID: "a", ContentHash: "1"}, {ID: "b", ContentHash: "2"}})
	b := feed.Fingerprint("casafeed", nil, []feed.Item{{ID: "b", ContentHash: "2"}, {ID: "a", ContentHash: "1"}})
	require.Equal(t, a, b)
}

func TestFingerprint_SensitiveToContentAndDestination(t *testing.T) {
	base := feed.Fingerprint("casafeed", nil, []feed.Item{{ID: "a", ContentHash: "1"}})
	require.NotEqual(t, base, feed.Fingerprint("casafeed", nil, []feed.Item{{ID: "a", ContentHash: "2"}}))
	require.NotEqual(t, base, feed.Fingerprint("otherfeed", nil, []feed.Item{{ID: "a", ContentHash: "1"}}))
}

// ── Plugins ──────────────────────────────────────────────────

func TestXMLPlugin_BuildAndCheck(t *testing.T) {
	p := feed.NewXMLPlugin("casafeed")
	listings := []models.Listing{
		listing("lst_1", "Sea View Apartment", "h1", true),
		listing("lst_2", "Hidden Villa", "h2", false), // inactive, skipped
		listing("lst_3", "", "h3", true),              // no title, skipped
	}

	data, stats, err := p.Build(listings, nil)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Included)
	require.Equal(t, 1, stats.Skipped["inactive"])
	require.Equal(t, 1, stats.Skipped["missing_title"])
	require.Equal(t, 1, stats.Warnings["no_media"])

	body := string(data)
	require.Contains(t, body, `<listing id="lst_1">`)
	require.Contains(t, body, "<title>Sea View Apartment</title>")
	require.NotContains(t, body, "Hidden Villa")

	require.NoError(t, p.Check(data))
}

func TestXMLPlugin_IncludeWithStatusKeepsInactive(t *testing.T) {
	p := feed.NewXMLPlugin("casafeed").WithInclusion(destinations.InclusionIncludeWithStatus)
	listings := []models.Listing{
		listing("lst_1", "Sea View Apartment", "h1", true),
		listing("lst_2", "Hidden Villa", "h2", false),
	}

	data, stats, err := p.Build(listings, nil)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Included)
	require.Zero(t, stats.Skipped["inactive"])
	require.Contains(t, string(data), "Hidden Villa")
}

func TestCSVPlugin_IncludeWithStatusKeepsInactive(t *testing.T) {
	p := feed.NewCSVPlugin("exportcsv").WithInclusion(destinations.InclusionIncludeWithStatus)
	data, stats, err := p.Build([]models.Listing{listing("lst_1", "Hidden Villa", "h1", false)}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Included)
	require.Contains(t, string(data), "Hidden Villa")
}

func TestCSVPlugin_BuildAndCheck(t *testing.T) {
	p := feed.NewCSVPlugin("exportcsv")
	data, stats, err := p.Build([]models.Listing{listing("lst_1", "Sea View Apartment", "h1", true)}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Included)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2, "header plus one row")
	require.Contains(t, lines[1], "Sea View Apartment")

	require.NoError(t, p.Check(data))
}

// ── Engine ───────────────────────────────────────────────────

type engineFixture struct {
	engine  *feed.Engine
	store   *store.MemoryStore
	objects *objstore.Local
	setting models.PartnerDestinationSetting
}

func newEngine(t *testing.T) engineFixture {
	t.Helper()
	m := store.NewMemoryStore()
	objects, err := objstore.NewLocal(t.TempDir())
	require.NoError(t, err)

	plugins := feed.NewRegistry()
	plugins.Register("casafeed", feed.NewXMLPlugin("casafeed"))

	setting := models.PartnerDestinationSetting{
		TenantID: "tnt_1", PartnerID: "prt_1", Destination: "casafeed",
		IsEnabled: true,
		Config:    map[string]any{"feed_token": "ft_1", "locale": "en"},
	}
	require.NoError(t, m.UpsertDestinationSetting(context.Background(), &setting))

	return engineFixture{
		engine:  feed.NewEngine(m, objects, plugins, zerolog.Nop()),
		store:   m,
		objects: objects,
		setting: setting,
	}
}

func TestEngine_BuildsThenSkipsUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newEngine(t)
	require.NoError(t, f.store.PutListing(ctx, ptr(listing("lst_1", "Sea View Apartment", "h1", true))))

	snap, built, err := f.engine.BuildIfChanged(ctx, f.setting)
	require.NoError(t, err)
	require.True(t, built)
	require.Equal(t, 1, snap.ListingCount)
	require.NotEmpty(t, snap.StorageURI)
	require.NotEmpty(t, snap.GzipStorageURI)
	require.Equal(t, true, snap.Meta["parse_ok"])

	// Unchanged inputs: the previous snapshot stays authoritative.
	again, built, err := f.engine.BuildIfChanged(ctx, f.setting)
	require.NoError(t, err)
	require.False(t, built)
	require.Equal(t, snap.ID, again.ID)

	// A rotated feed token is still no reason to rebuild.
	rotated := f.setting
	rotated.Config = map[string]any{"feed_token": "ft_2", "locale": "en"}
	_, built, err = f.engine.BuildIfChanged(ctx, rotated)
	require.NoError(t, err)
	require.False(t, built)

	// A content change is.
	require.NoError(t, f.store.PutListing(ctx, ptr(listing("lst_1", "Sea View Apartment (Reduced)", "h2", true))))
	next, built, err := f.engine.BuildIfChanged(ctx, f.setting)
	require.NoError(t, err)
	require.True(t, built)
	require.NotEqual(t, snap.ID, next.ID)
}

func TestEngine_NoPluginNoop(t *testing.T) {
	ctx := context.Background()
	f := newEngine(t)
	f.setting.Destination = "portalon" // push destination, no feed plugin

	snap, built, err := f.engine.BuildIfChanged(ctx, f.setting)
	require.NoError(t, err)
	require.False(t, built)
	require.Nil(t, snap)
}

func TestEngine_ArtifactReadableFromObjectStore(t *testing.T) {
	ctx := context.Background()
	f := newEngine(t)
	require.NoError(t, f.store.PutListing(ctx, ptr(listing("lst_1", "Sea View Apartment", "h1", true))))

	snap, _, err := f.engine.BuildIfChanged(ctx, f.setting)
	require.NoError(t, err)

	data, err := f.objects.Get(snap.StorageURI)
	require.NoError(t, err)
	require.Contains(t, string(data), "Sea View Apartment")

	gz, err := f.objects.Get(snap.GzipStorageURI)
	require.NoError(t, err)
	require.Equal(t, len(gz), snap.GzipSizeBytes)
}

func TestEngine_StableArtifactPath(t *testing.T) {
	ctx := context.Background()
	f := newEngine(t)
	require.NoError(t, f.store.PutListing(ctx, ptr(listing("lst_1", "Sea View Apartment", "h1", true))))

	first, _, err := f.engine.BuildIfChanged(ctx, f.setting)
	require.NoError(t, err)
	require.Contains(t, first.StorageURI, "tnt_1/prt_1/casafeed/feed.xml")
	require.Contains(t, first.GzipStorageURI, "tnt_1/prt_1/casafeed/feed.xml.gz")

	// A rebuild overwrites in place: the artifact path never changes,
	// so published feed URLs stay valid across builds.
	require.NoError(t, f.store.PutListing(ctx, ptr(listing("lst_1", "Sea View Apartment (Reduced)", "h2", true))))
	second, built, err := f.engine.BuildIfChanged(ctx, f.setting)
	require.NoError(t, err)
	require.True(t, built)
	require.Equal(t, first.StorageURI, second.StorageURI)
	require.Equal(t, first.GzipStorageURI, second.GzipStorageURI)

	data, err := f.objects.Get(second.StorageURI)
	require.NoError(t, err)
	require.Contains(t, string(data), "Sea View Apartment (Reduced)")
}

func TestDispatcher_MintsMissingFeedToken(t *testing.T) {
	ctx := context.Background()
	f := newEngine(t)
	require.NoError(t, f.store.PutListing(ctx, ptr(listing("lst_1", "Sea View Apartment", "h1", true))))

	bare := f.setting
	bare.Config = map[string]any{"locale": "en"}
	require.NoError(t, f.store.UpsertDestinationSetting(ctx, &bare))

	d := feed.NewDispatcher(f.store, f.engine, time.Second, zerolog.Nop())
	require.NoError(t, d.Tick(ctx))

	got, err := f.store.GetDestinationSetting(ctx, bare.TenantID, bare.PartnerID, bare.Destination)
	require.NoError(t, err)
	require.NotEmpty(t, got.FeedToken(), "sweep must mint a token for hosted feeds")

	snap, err := f.store.LatestFeedSnapshot(ctx, bare.TenantID, bare.PartnerID, bare.Destination)
	require.NoError(t, err)
	require.Equal(t, 1, snap.ListingCount)
}

func ptr(l models.Listing) *models.Listing { return &l }
