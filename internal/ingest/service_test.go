package ingest_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/syndihub/syndihub/hub/internal/adapters"
	"github.com/syndihub/syndihub/hub/internal/canonical"
	"github.com/syndihub/syndihub/hub/internal/ingest"
	"github.com/syndihub/syndihub/hub/internal/store"
	"github.com/syndihub/syndihub/hub/pkg/models"
)

func newService(t *testing.T) (*ingest.Service, *store.MemoryStore) {
	t.Helper()
	m := store.NewMemoryStore()
	reg := adapters.NewRegistry()
	reg.Register(adapters.NewPassthrough("acme"))
	return ingest.NewService(m, reg, zerolog.Nop()), m
}

func payload(title string) map[string]any {
	return map[string]any{
		"title":      title,
		"status":     "active",
		"purpose":    "sale",
		"list_price": map[string]any{"currency": "EUR", "amount": 250000},
	}
}

func req(idem string, p map[string]any) ingest.Request {
	return ingest.Request{
		TenantID:        "tnt_1",
		PartnerID:       "prt_1",
		AgentID:         "agt_1",
		PartnerKey:      "acme",
		SourceListingID: "src-1",
		IdempotencyKey:  idem,
		Payload:         p,
	}
}

func TestIngest_CreatesListingAndOutboxEvent(t *testing.T) {
	ctx := context.Background()
	svc, m := newService(t)

	res, err := svc.Ingest(ctx, req("", payload("Sea View Apartment")))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.IngestRunStatusSuccess {
		t.Fatalf("Status = %s, errors = %v", res.Status, res.Errors)
	}
	if !res.MaterialChange {
		t.Error("First ingest should be a material change")
	}
	if res.ListingID == "" || res.ContentHash == "" {
		t.Fatalf("Result missing ids: %+v", res)
	}

	listing, err := m.GetListing(ctx, "tnt_1", res.ListingID)
	if err != nil {
		t.Fatal(err)
	}
	if listing.ContentHash != res.ContentHash {
		t.Errorf("Listing hash = %s, want %s", listing.ContentHash, res.ContentHash)
	}
	if !listing.IsActive {
		t.Error("Listing with status=active should be is_active")
	}

	events, err := m.ListOutboxEvents(ctx, res.ListingID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("Outbox events = %d, want 1", len(events))
	}
	if events[0].EventType != ingest.EventListingUpserted {
		t.Errorf("Event type = %s", events[0].EventType)
	}
	if events[0].Payload["content_hash"] != res.ContentHash {
		t.Errorf("Event payload = %v", events[0].Payload)
	}
}

func TestIngest_StampsCanonicalIdentity(t *testing.T) {
	ctx := context.Background()
	svc, m := newService(t)

	// Adapters are not expected to supply canonical_id; the hub identity
	// is resolved and stamped before validation.
	res, err := svc.Ingest(ctx, req("", payload("Sea View Apartment")))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.IngestRunStatusSuccess {
		t.Fatalf("Status = %s, errors = %v", res.Status, res.Errors)
	}
	if res.SourceListingID != "src-1" {
		t.Errorf("SourceListingID = %q", res.SourceListingID)
	}
	if res.Schema != canonical.SchemaListing || res.SchemaVersion != canonical.SchemaVersion1 {
		t.Errorf("Schema = %s@%s", res.Schema, res.SchemaVersion)
	}

	listing, err := m.GetListing(ctx, "tnt_1", res.ListingID)
	if err != nil {
		t.Fatal(err)
	}
	if listing.Payload["canonical_id"] != res.ListingID {
		t.Errorf("canonical_id = %v, want the hub listing id %s", listing.Payload["canonical_id"], res.ListingID)
	}
	if listing.Payload["source_listing_id"] != "src-1" {
		t.Errorf("source_listing_id = %v", listing.Payload["source_listing_id"])
	}
	if listing.Payload["schema"] != canonical.SchemaListing || listing.Payload["schema_version"] != canonical.SchemaVersion1 {
		t.Errorf("Stored schema = %v@%v", listing.Payload["schema"], listing.Payload["schema_version"])
	}
}

func TestIngest_AdapterOverrideForbidden(t *testing.T) {
	ctx := context.Background()
	svc, m := newService(t)

	// Agents may not pin a non-default adapter version.
	r := req("", payload("Sea View Apartment"))
	r.AdapterVersion = "2"
	res, err := svc.Ingest(ctx, r)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.IngestRunStatusFailed {
		t.Fatalf("Status = %s, want failed", res.Status)
	}
	if len(res.Errors) == 0 || res.Errors[0].Type != "forbidden" {
		t.Fatalf("Errors = %v, want type forbidden", res.Errors)
	}
	run, err := m.GetIngestRun(ctx, res.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != models.IngestRunStatusFailed {
		t.Errorf("Run status = %s, want a recorded failed run", run.Status)
	}

	// Pinning the default version is always fine.
	r = req("", payload("Sea View Apartment"))
	r.AdapterVersion = "1"
	res, err = svc.Ingest(ctx, r)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.IngestRunStatusSuccess {
		t.Errorf("Default-version pin status = %s, errors = %v", res.Status, res.Errors)
	}

	// Partner-admin authority lifts the gate; the unknown version now
	// fails adapter resolution instead of authorization.
	r = req("", payload("Sea View Apartment"))
	r.AdapterVersion = "2"
	r.AllowAdapterOverride = true
	res, err = svc.Ingest(ctx, r)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Errors) == 0 || res.Errors[0].Type != "adapter_not_found" {
		t.Errorf("Errors = %v, want adapter_not_found", res.Errors)
	}
}

func TestIngest_NonMaterialResubmitEmitsNothing(t *testing.T) {
	ctx := context.Background()
	svc, m := newService(t)

	first, err := svc.Ingest(ctx, req("", payload("Sea View Apartment")))
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Ingest(ctx, req("", payload("Sea View Apartment")))
	if err != nil {
		t.Fatal(err)
	}

	if second.MaterialChange {
		t.Error("Identical resubmit flagged as material")
	}
	if second.ListingID != first.ListingID {
		t.Errorf("Listing id changed: %s vs %s", second.ListingID, first.ListingID)
	}
	if second.ContentHash != first.ContentHash {
		t.Errorf("Hash changed: %s vs %s", second.ContentHash, first.ContentHash)
	}

	events, _ := m.ListOutboxEvents(ctx, first.ListingID)
	if len(events) != 1 {
		t.Errorf("Outbox events = %d, want 1 (no event for non-material change)", len(events))
	}
}

func TestIngest_MaterialEditEmitsSecondEvent(t *testing.T) {
	ctx := context.Background()
	svc, m := newService(t)

	first, _ := svc.Ingest(ctx, req("", payload("Sea View Apartment")))
	second, err := svc.Ingest(ctx, req("", payload("Sea View Apartment (Reduced)")))
	if err != nil {
		t.Fatal(err)
	}
	if !second.MaterialChange {
		t.Error("Edited payload should be material")
	}
	if second.ListingID != first.ListingID {
		t.Error("Edit minted a new listing id")
	}

	events, _ := m.ListOutboxEvents(ctx, first.ListingID)
	if len(events) != 2 {
		t.Errorf("Outbox events = %d, want 2", len(events))
	}
}

func TestIngest_IdempotentReplay(t *testing.T) {
	ctx := context.Background()
	svc, m := newService(t)

	first, err := svc.Ingest(ctx, req("idem-1", payload("Sea View Apartment")))
	if err != nil {
		t.Fatal(err)
	}

	// Same key, even with a different payload: the stored outcome wins.
	replayed, err := svc.Ingest(ctx, req("idem-1", payload("Totally Different")))
	if err != nil {
		t.Fatal(err)
	}
	if !replayed.Replayed {
		t.Error("Expected a replayed result")
	}
	if replayed.RunID != first.RunID {
		t.Errorf("Replay run = %s, want %s", replayed.RunID, first.RunID)
	}
	if replayed.ContentHash != first.ContentHash {
		t.Errorf("Replay hash = %s, want %s", replayed.ContentHash, first.ContentHash)
	}

	events, _ := m.ListOutboxEvents(ctx, first.ListingID)
	if len(events) != 1 {
		t.Errorf("Outbox events = %d, want 1 (replay emits nothing)", len(events))
	}
}

func TestIngest_ValidationFailureRecordsRun(t *testing.T) {
	ctx := context.Background()
	svc, m := newService(t)

	bad := req("", map[string]any{"status": "bogus"})
	res, err := svc.Ingest(ctx, bad)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.IngestRunStatusFailed {
		t.Fatalf("Status = %s, want failed", res.Status)
	}
	if len(res.Errors) == 0 {
		t.Fatal("Expected validation errors")
	}

	run, err := m.GetIngestRun(ctx, res.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != models.IngestRunStatusFailed || len(run.Errors) == 0 {
		t.Errorf("Run = %+v, want failed with errors", run)
	}
}

func TestIngest_UnknownAdapterFails(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	r := req("", payload("X"))
	r.PartnerKey = "unknown"
	res, err := svc.Ingest(ctx, r)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.IngestRunStatusFailed {
		t.Fatalf("Status = %s, want failed", res.Status)
	}
	if res.Errors[0].Type != "adapter_not_found" {
		t.Errorf("Error type = %s", res.Errors[0].Type)
	}
}

func TestIngest_RawPayloadRedacted(t *testing.T) {
	ctx := context.Background()
	svc, m := newService(t)

	p := payload("Sea View Apartment")
	p["attributes"] = map[string]any{"api_key": "sk-live-123"}
	res, err := svc.Ingest(ctx, req("", p))
	if err != nil {
		t.Fatal(err)
	}

	run, err := m.GetIngestRun(ctx, res.RunID)
	if err != nil {
		t.Fatal(err)
	}
	attrs := run.RawPayload["attributes"].(map[string]any)
	if attrs["api_key"] == "sk-live-123" {
		t.Error("Raw payload stored an unredacted secret")
	}
}
