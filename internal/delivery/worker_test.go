package delivery

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/syndihub/syndihub/hub/internal/destinations"
	"github.com/syndihub/syndihub/hub/internal/projection"
	"github.com/syndihub/syndihub/hub/internal/queue"
	"github.com/syndihub/syndihub/hub/internal/secrets"
	"github.com/syndihub/syndihub/hub/internal/store"
	"github.com/syndihub/syndihub/hub/pkg/models"
)

type fixture struct {
	store     *store.MemoryStore
	worker    *Worker
	connector *destinations.MockConnector
	box       *secrets.Box
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := store.NewMemoryStore()

	key, err := secrets.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	box, err := secrets.NewBox(key)
	if err != nil {
		t.Fatal(err)
	}

	mock := destinations.NewMockConnector("portalon").WithCapabilities(destinations.Capabilities{
		Mode:                    destinations.ModePushAPI,
		RequiresCredentials:     true,
		RequiresExternalAgentID: true,
	})
	reg := destinations.NewRegistry()
	reg.Register(mock)

	w := NewWorker(m, reg, projection.NewRegistry(), box, zerolog.Nop())
	w.retryDelay = func(int) time.Duration { return time.Minute }

	return &fixture{store: m, worker: w, connector: mock, box: box}
}

// seed creates one claimed delivery plus everything a publish resolves:
// listing, destination setting, encrypted credential and agent identity.
func (f *fixture) seed(t *testing.T) *models.Delivery {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := f.store.PutListing(ctx, &models.Listing{
		ID: "lst_1", TenantID: "tnt_1", PartnerID: "prt_1", AgentID: "agt_1",
		Payload:     map[string]any{"title": "Villa", "status": "active"},
		ContentHash: "hash-1", Status: "active", IsActive: true,
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.store.UpsertDestinationSetting(ctx, &models.PartnerDestinationSetting{
		TenantID: "tnt_1", PartnerID: "prt_1", Destination: "portalon",
		IsEnabled: true,
		Config:    map[string]any{"base_url": "https://portal.example.com", "api_key": "cfg-secret"},
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}

	ct, err := f.box.EncryptJSON(map[string]any{"api_key": "sk-live-123"})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.store.UpsertCredential(ctx, &models.AgentCredential{
		ID: "crd_1", TenantID: "tnt_1", PartnerID: "prt_1", AgentID: "agt_1",
		Destination: "portalon", SecretCiphertext: ct, IsActive: true,
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.store.UpsertAgentExternalIdentity(ctx, &models.AgentExternalIdentity{
		ID: "aei_1", TenantID: "tnt_1", PartnerID: "prt_1", AgentID: "agt_1",
		Destination: "portalon", ExternalAgentID: "portal-agent-9", IsActive: true,
		CreatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}

	d := &models.Delivery{
		ID: "dlv_1", TenantID: "tnt_1", PartnerID: "prt_1", AgentID: "agt_1",
		ListingID: "lst_1", Destination: "portalon",
		Status: models.DeliveryStatusPublishing, Retryable: true,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := f.store.CreateDelivery(ctx, d); err != nil {
		t.Fatal(err)
	}
	return d
}

func (f *fixture) handle(t *testing.T, deliveryID string) {
	t.Helper()
	payload, _ := json.Marshal(Job{DeliveryID: deliveryID})
	if err := f.worker.Handle(context.Background(), queue.Message{Queue: queue.QueuePublish, Payload: payload}); err != nil {
		t.Fatal(err)
	}
}

func TestDeliveryWorker_Success(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t)

	f.handle(t, "dlv_1")

	d, err := f.store.GetDelivery(ctx, "dlv_1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != models.DeliveryStatusSuccess {
		t.Fatalf("Status = %s detail = %s, want success", d.Status, d.StatusDetail)
	}
	if d.Attempts != 1 || d.LastSuccessAt == nil {
		t.Errorf("Attempts = %d, last_success_at = %v", d.Attempts, d.LastSuccessAt)
	}

	mapping, err := f.store.GetListingExternalMapping(ctx, "tnt_1", "portalon", "lst_1")
	if err != nil {
		t.Fatal(err)
	}
	if mapping.LastSyncedHash != "hash-1" || mapping.ExternalListingID == "" {
		t.Errorf("Mapping = %+v", mapping)
	}

	pubs := f.connector.Published()
	if len(pubs) != 1 {
		t.Fatalf("Connector called %d times, want 1", len(pubs))
	}
	if pubs[0].Credentials["api_key"] != "sk-live-123" {
		t.Error("Credentials not decrypted for the connector")
	}
	if pubs[0].ExternalAgentID != "portal-agent-9" {
		t.Errorf("ExternalAgentID = %q", pubs[0].ExternalAgentID)
	}

	attempts, _ := f.store.ListDeliveryAttempts(ctx, "dlv_1")
	if len(attempts) != 1 || attempts[0].Status != "success" {
		t.Fatalf("Attempts = %+v", attempts)
	}
	// Settings snapshot in the attempt must be redacted.
	settings := attempts[0].Request["settings"].(map[string]any)
	if settings["api_key"] == "cfg-secret" {
		t.Error("Attempt request leaked a destination secret")
	}
}

func TestDeliveryWorker_NoChangeDedup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t)

	// Destination already holds this exact content.
	if err := f.store.PutListingExternalMapping(ctx, &models.ListingExternalMapping{
		TenantID: "tnt_1", PartnerID: "prt_1", AgentID: "agt_1",
		ListingID: "lst_1", Destination: "portalon",
		ExternalListingID: "ext-1", LastSyncedHash: "hash-1",
		UpdatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	f.handle(t, "dlv_1")

	d, _ := f.store.GetDelivery(ctx, "dlv_1")
	if d.Status != models.DeliveryStatusSuccess || d.StatusDetail != "no_change" {
		t.Fatalf("Status = %s detail = %s, want success/no_change", d.Status, d.StatusDetail)
	}
	if d.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0 (dedup does not consume the budget)", d.Attempts)
	}
	if len(f.connector.Published()) != 0 {
		t.Error("Connector called for unchanged content")
	}
	attempts, _ := f.store.ListDeliveryAttempts(ctx, "dlv_1")
	if len(attempts) != 0 {
		t.Errorf("Attempt rows = %d, want 0", len(attempts))
	}
}

func TestDeliveryWorker_MissingCredentialsDeadLetters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t)

	// Wipe the credential by storing an inactive one.
	if err := f.store.UpsertCredential(ctx, &models.AgentCredential{
		ID: "crd_1", TenantID: "tnt_1", PartnerID: "prt_1", AgentID: "agt_1",
		Destination: "portalon", SecretCiphertext: "x", IsActive: false,
	}); err != nil {
		t.Fatal(err)
	}

	f.handle(t, "dlv_1")

	d, _ := f.store.GetDelivery(ctx, "dlv_1")
	if d.Status != models.DeliveryStatusDeadLettered {
		t.Fatalf("Status = %s, want dead_lettered", d.Status)
	}
	if d.StatusDetail != destinations.CodeNoCredentials {
		t.Errorf("Detail = %s, want %s", d.StatusDetail, destinations.CodeNoCredentials)
	}
	if d.DeadLetterAt == nil {
		t.Error("dead_letter_at not stamped")
	}
	if len(f.connector.Published()) != 0 {
		t.Error("Connector called without credentials")
	}
}

func TestDeliveryWorker_RetryableFailureSchedulesRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t)
	f.connector.FailTimes = 1

	before := time.Now().UTC()
	f.handle(t, "dlv_1")

	d, _ := f.store.GetDelivery(ctx, "dlv_1")
	if d.Status != models.DeliveryStatusFailed {
		t.Fatalf("Status = %s, want failed", d.Status)
	}
	if d.Attempts != 1 || !d.Retryable {
		t.Errorf("Attempts = %d retryable = %v", d.Attempts, d.Retryable)
	}
	if d.NextRetryAt == nil || d.NextRetryAt.Before(before.Add(time.Minute)) {
		t.Errorf("NextRetryAt = %v, want ~1m out", d.NextRetryAt)
	}
}

func TestDeliveryWorker_ExhaustedRetriesDeadLetter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := f.seed(t)
	f.connector.FailTimes = 1

	// Four attempts already burned; this failure is the fifth.
	d.Attempts = MaxAttempts - 1
	if err := f.store.UpdateDelivery(ctx, d); err != nil {
		t.Fatal(err)
	}

	f.handle(t, "dlv_1")

	got, _ := f.store.GetDelivery(ctx, "dlv_1")
	if got.Status != models.DeliveryStatusDeadLettered {
		t.Fatalf("Status = %s, want dead_lettered after %d attempts", got.Status, MaxAttempts)
	}
	if got.Attempts != MaxAttempts {
		t.Errorf("Attempts = %d, want %d", got.Attempts, MaxAttempts)
	}
}

func TestDeliveryWorker_ExhaustedBudgetDeadLettersBeforePublish(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := f.seed(t)

	// A delivery requeued at the limit must not reach the connector.
	d.Attempts = MaxAttempts
	if err := f.store.UpdateDelivery(ctx, d); err != nil {
		t.Fatal(err)
	}

	f.handle(t, "dlv_1")

	got, _ := f.store.GetDelivery(ctx, "dlv_1")
	if got.Status != models.DeliveryStatusDeadLettered {
		t.Fatalf("Status = %s, want dead_lettered", got.Status)
	}
	if got.StatusDetail != "max attempts exceeded" {
		t.Errorf("Detail = %q, want %q", got.StatusDetail, "max attempts exceeded")
	}
	if got.Attempts != MaxAttempts {
		t.Errorf("Attempts = %d, want unchanged %d", got.Attempts, MaxAttempts)
	}
	if len(f.connector.Published()) != 0 {
		t.Error("Connector called for an exhausted delivery")
	}
}

func TestDeliveryWorker_SkipsNonPublishing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := f.seed(t)
	d.Status = models.DeliveryStatusPending
	if err := f.store.UpdateDelivery(ctx, d); err != nil {
		t.Fatal(err)
	}

	f.handle(t, "dlv_1")

	if len(f.connector.Published()) != 0 {
		t.Error("Worker published a delivery it had not claimed")
	}
	got, _ := f.store.GetDelivery(ctx, "dlv_1")
	if got.Status != models.DeliveryStatusPending {
		t.Errorf("Status = %s, want untouched pending", got.Status)
	}
}

func TestDeliveryWorker_MissingRequiredMapping(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t)

	projectors := projection.NewRegistry()
	projectors.Register("portalon", &projection.Portal{
		Destination: "portalon",
		Required:    []string{"status"},
	})
	f.worker.projectors = projectors

	f.handle(t, "dlv_1")

	d, _ := f.store.GetDelivery(ctx, "dlv_1")
	if d.Status != models.DeliveryStatusDeadLettered {
		t.Fatalf("Status = %s, want dead_lettered", d.Status)
	}
	if d.StatusDetail != destinations.CodeMappingMissing {
		t.Errorf("Detail = %s, want %s", d.StatusDetail, destinations.CodeMappingMissing)
	}

	// With the status mapping in place the same delivery goes through.
	if err := f.store.UpsertEnumMapping(ctx, &models.DestinationEnumMapping{
		Destination: "portalon", Namespace: "status",
		SourceKey: "active", DestinationValue: "LIVE",
		UpdatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}
	d.Status = models.DeliveryStatusPublishing
	d.StatusDetail = ""
	if err := f.store.UpdateDelivery(ctx, d); err != nil {
		t.Fatal(err)
	}

	f.handle(t, "dlv_1")

	got, _ := f.store.GetDelivery(ctx, "dlv_1")
	if got.Status != models.DeliveryStatusSuccess {
		t.Fatalf("Status = %s detail = %s, want success", got.Status, got.StatusDetail)
	}
	pubs := f.connector.Published()
	if len(pubs) != 1 {
		t.Fatalf("Connector calls = %d, want 1", len(pubs))
	}
	if pubs[0].Payload["status"] != "LIVE" {
		t.Errorf("Projected status = %v, want LIVE", pubs[0].Payload["status"])
	}
}
