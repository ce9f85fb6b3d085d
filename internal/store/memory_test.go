package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/syndihub/syndihub/hub/internal/store"
	"github.com/syndihub/syndihub/hub/pkg/models"
)

func newEvent(id string, createdAt time.Time) *models.OutboxEvent {
	return &models.OutboxEvent{
		ID:            id,
		TenantID:      "tnt_1",
		PartnerID:     "prt_1",
		AggregateType: "listing",
		AggregateID:   "lst_1",
		EventType:     "listing.upserted",
		Payload:       map[string]any{"listing_id": "lst_1"},
		Status:        models.OutboxStatusPending,
		CreatedAt:     createdAt,
	}
}

func TestClaimPendingOutbox_OldestFirstWithLease(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemoryStore()

	base := time.Now().UTC()
	for i, id := range []string{"evt_c", "evt_a", "evt_b"} {
		e := newEvent(id, base.Add(time.Duration(i)*time.Second))
		if err := m.AppendOutboxEvent(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	expires := base.Add(10 * time.Minute)
	claimed, err := m.ClaimPendingOutbox(ctx, 2, "lease-1", expires)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 2 {
		t.Fatalf("Claimed %d events, want 2", len(claimed))
	}
	if claimed[0].ID != "evt_c" || claimed[1].ID != "evt_a" {
		t.Errorf("Claim order = %s, %s; want evt_c, evt_a", claimed[0].ID, claimed[1].ID)
	}
	for _, e := range claimed {
		if e.Status != models.OutboxStatusProcessing {
			t.Errorf("Event %s status = %s, want processing", e.ID, e.Status)
		}
		if e.LeaseID != "lease-1" || e.Attempts != 1 {
			t.Errorf("Event %s lease = %q attempts = %d", e.ID, e.LeaseID, e.Attempts)
		}
	}

	// A second claimer only gets the remaining event.
	rest, err := m.ClaimPendingOutbox(ctx, 10, "lease-2", expires)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 1 || rest[0].ID != "evt_b" {
		t.Errorf("Second claim = %v, want just evt_b", rest)
	}
}

func TestMarkOutboxDone_RequiresMatchingLease(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemoryStore()
	if err := m.AppendOutboxEvent(ctx, newEvent("evt_1", time.Now().UTC())); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ClaimPendingOutbox(ctx, 1, "lease-1", time.Now().Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	done, err := m.MarkOutboxDone(ctx, "evt_1", "stale-lease", time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if done {
		t.Error("Expected done=false for a stale lease")
	}

	done, err = m.MarkOutboxDone(ctx, "evt_1", "lease-1", time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Error("Expected done=true for the holding lease")
	}

	e, err := m.GetOutboxEvent(ctx, "evt_1")
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != models.OutboxStatusDone || e.ProcessedAt == nil {
		t.Errorf("Event after done: status=%s processed_at=%v", e.Status, e.ProcessedAt)
	}
}

func TestRequeueExpiredOutboxLeases(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemoryStore()
	if err := m.AppendOutboxEvent(ctx, newEvent("evt_1", time.Now().UTC())); err != nil {
		t.Fatal(err)
	}

	expires := time.Now().UTC().Add(-time.Minute) // already expired
	if _, err := m.ClaimPendingOutbox(ctx, 1, "lease-1", expires); err != nil {
		t.Fatal(err)
	}

	n, err := m.RequeueExpiredOutboxLeases(ctx, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("Requeued %d, want 1", n)
	}

	e, _ := m.GetOutboxEvent(ctx, "evt_1")
	if e.Status != models.OutboxStatusPending {
		t.Errorf("Status = %s, want pending", e.Status)
	}
	if e.LeaseID != "" {
		t.Errorf("LeaseID = %q, want cleared", e.LeaseID)
	}
	if e.LastError != "requeued: lease expired" {
		t.Errorf("LastError = %q", e.LastError)
	}

	// The old lease holder can no longer complete it.
	done, err := m.MarkOutboxDone(ctx, "evt_1", "lease-1", time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if done {
		t.Error("Expired lease holder completed the event")
	}
}

func TestReleaseOutboxEvent(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemoryStore()
	if err := m.AppendOutboxEvent(ctx, newEvent("evt_1", time.Now().UTC())); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ClaimPendingOutbox(ctx, 1, "lease-1", time.Now().Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	if err := m.ReleaseOutboxEvent(ctx, "evt_1", "lease-1", "enqueue failed: broker down"); err != nil {
		t.Fatal(err)
	}
	e, _ := m.GetOutboxEvent(ctx, "evt_1")
	if e.Status != models.OutboxStatusPending {
		t.Errorf("Status = %s, want pending", e.Status)
	}
	if e.LastError != "enqueue failed: broker down" {
		t.Errorf("LastError = %q", e.LastError)
	}
}

func TestClaimDueDeliveries(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemoryStore()
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	mk := func(id, status string, next *time.Time) *models.Delivery {
		return &models.Delivery{
			ID: id, TenantID: "tnt_1", PartnerID: "prt_1", AgentID: "agt_1",
			ListingID: "lst_" + id, Destination: "portalon",
			Status: status, Retryable: true, NextRetryAt: next,
			CreatedAt: now, UpdatedAt: now,
		}
	}
	for _, d := range []*models.Delivery{
		mk("due_pending", models.DeliveryStatusPending, nil),
		mk("due_failed", models.DeliveryStatusFailed, &past),
		mk("not_due", models.DeliveryStatusFailed, &future),
		mk("dead", models.DeliveryStatusDeadLettered, nil),
		mk("done", models.DeliveryStatusSuccess, nil),
	} {
		if err := m.CreateDelivery(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	claimed, err := m.ClaimDueDeliveries(ctx, now, 10)
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]bool{}
	for _, d := range claimed {
		got[d.ID] = true
		if d.Status != models.DeliveryStatusPublishing {
			t.Errorf("Delivery %s status = %s, want publishing", d.ID, d.Status)
		}
		if d.LastAttemptAt == nil {
			t.Errorf("Delivery %s missing last_attempt_at", d.ID)
		}
	}
	if len(claimed) != 2 || !got["due_pending"] || !got["due_failed"] {
		t.Errorf("Claimed %v, want due_pending and due_failed only", got)
	}

	// Claiming again yields nothing: the first claim moved them out of
	// the eligible states.
	again, _ := m.ClaimDueDeliveries(ctx, now, 10)
	if len(again) != 0 {
		t.Errorf("Second claim returned %d deliveries", len(again))
	}
}

func TestCreateIngestRun_IdempotencyConflict(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemoryStore()

	run := func(id, idem string) *models.IngestRun {
		return &models.IngestRun{
			ID: id, TenantID: "tnt_1", PartnerID: "prt_1", AgentID: "agt_1",
			PartnerKey: "acme", SourceListingID: "src-1", IdempotencyKey: idem,
			Status: models.IngestRunStatusFailed, CreatedAt: time.Now().UTC(),
		}
	}

	if err := m.CreateIngestRun(ctx, run("ing_1", "idem-1")); err != nil {
		t.Fatal(err)
	}
	err := m.CreateIngestRun(ctx, run("ing_2", "idem-1"))
	if !store.IsConflict(err) {
		t.Errorf("Expected conflict for duplicate idempotency key, got %v", err)
	}

	// Empty idempotency keys never conflict.
	if err := m.CreateIngestRun(ctx, run("ing_3", "")); err != nil {
		t.Fatal(err)
	}
	if err := m.CreateIngestRun(ctx, run("ing_4", "")); err != nil {
		t.Errorf("Empty idempotency keys conflicted: %v", err)
	}

	prev, err := m.GetIngestRunByIdemKey(ctx, "tnt_1", "prt_1", "acme", "src-1", "idem-1")
	if err != nil {
		t.Fatal(err)
	}
	if prev.ID != "ing_1" {
		t.Errorf("Replayed run = %s, want ing_1", prev.ID)
	}
}

func TestReserveIdempotency(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemoryStore()

	k := &models.IdempotencyKey{TenantID: "tnt_1", Key: "op-1", RequestHash: "h1", CreatedAt: time.Now().UTC()}
	existing, err := m.ReserveIdempotency(ctx, k)
	if err != nil {
		t.Fatal(err)
	}
	if existing != nil {
		t.Fatalf("First reserve returned existing row: %v", existing)
	}

	if err := m.StoreIdempotencyResponse(ctx, "tnt_1", "op-1", map[string]any{"status": 201}); err != nil {
		t.Fatal(err)
	}

	dupe := &models.IdempotencyKey{TenantID: "tnt_1", Key: "op-1", RequestHash: "h2"}
	existing, err = m.ReserveIdempotency(ctx, dupe)
	if err != nil {
		t.Fatal(err)
	}
	if existing == nil {
		t.Fatal("Second reserve did not return the existing row")
	}
	if existing.RequestHash != "h1" {
		t.Errorf("Existing hash = %q, want the original h1", existing.RequestHash)
	}
	if existing.Response["status"] != 201 {
		t.Errorf("Existing response = %v", existing.Response)
	}
}

func TestListEnabledDestinations(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemoryStore()
	now := time.Now().UTC()

	for dest, enabled := range map[string]bool{"portalon": true, "casafeed": true, "oldportal": false} {
		err := m.UpsertDestinationSetting(ctx, &models.PartnerDestinationSetting{
			TenantID: "tnt_1", PartnerID: "prt_1", Destination: dest,
			IsEnabled: enabled, Config: map[string]any{}, CreatedAt: now, UpdatedAt: now,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	dests, err := m.ListEnabledDestinations(ctx, "tnt_1", "prt_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(dests) != 2 {
		t.Errorf("Enabled destinations = %v, want portalon and casafeed", dests)
	}
}

func TestWithCatalogActivationLock_Serializes(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemoryStore()

	inside := 0
	maxInside := 0
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			_ = m.WithCatalogActivationLock(ctx, "portalon", "NCY", func(context.Context) error {
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				time.Sleep(5 * time.Millisecond)
				inside--
				return nil
			})
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}
	if maxInside != 1 {
		t.Errorf("Lock admitted %d goroutines at once", maxInside)
	}
}
