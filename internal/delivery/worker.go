package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/syndihub/syndihub/hub/internal/destinations"
	"github.com/syndihub/syndihub/hub/internal/ids"
	"github.com/syndihub/syndihub/hub/internal/projection"
	"github.com/syndihub/syndihub/hub/internal/queue"
	"github.com/syndihub/syndihub/hub/internal/redact"
	"github.com/syndihub/syndihub/hub/internal/secrets"
	"github.com/syndihub/syndihub/hub/internal/store"
	"github.com/syndihub/syndihub/hub/pkg/models"
)

// Worker executes one publish per job: credential resolution, payload
// projection, connector call, and the resulting state transition.
type Worker struct {
	store      store.Store
	connectors *destinations.Registry
	projectors *projection.Registry
	box        *secrets.Box
	retryDelay func(attempt int) time.Duration
	log        zerolog.Logger
}

func NewWorker(st store.Store, connectors *destinations.Registry, projectors *projection.Registry, box *secrets.Box, logger zerolog.Logger) *Worker {
	return &Worker{
		store:      st,
		connectors: connectors,
		projectors: projectors,
		box:        box,
		retryDelay: RetryDelay,
		log:        logger.With().Str("component", "delivery-worker").Logger(),
	}
}

// Handle publishes one claimed delivery. Only deliveries in publishing
// state are processed; anything else means the claim was superseded.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) error {
	var job Job
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		w.log.Error().Err(err).Msg("Malformed delivery job")
		return nil
	}

	d, err := w.store.GetDelivery(ctx, job.DeliveryID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return err
	}
	if d.Status != models.DeliveryStatusPublishing {
		w.log.Debug().Str("delivery_id", d.ID).Str("status", d.Status).
			Msg("Skipping delivery: not in publishing state")
		return nil
	}

	listing, err := w.store.GetListing(ctx, d.TenantID, d.ListingID)
	if err != nil {
		return err
	}

	// Idempotent re-publication: if the destination already holds this
	// exact content, succeed without touching the connector.
	mapping, mapErr := w.store.GetListingExternalMapping(ctx, d.TenantID, d.Destination, d.ListingID)
	if mapErr == nil && mapping.LastSyncedHash == listing.ContentHash && listing.ContentHash != "" {
		return w.succeed(ctx, d, "no_change")
	}
	if mapErr != nil && !store.IsNotFound(mapErr) {
		return mapErr
	}

	// The attempt budget is enforced before the connector is touched, so
	// a delivery requeued at the limit cannot burn another publish.
	if d.Attempts >= MaxAttempts {
		return w.deadLetter(ctx, d, "max attempts exceeded")
	}

	result, attempt, pubErr := w.publish(ctx, d, listing, mapping)
	if err := w.store.AppendDeliveryAttempt(ctx, attempt); err != nil {
		w.log.Error().Err(err).Str("delivery_id", d.ID).Msg("Attempt log write failed")
	}

	if pubErr != nil {
		return w.fail(ctx, d, pubErr)
	}

	now := time.Now().UTC()
	if err := w.store.PutListingExternalMapping(ctx, &models.ListingExternalMapping{
		TenantID:          d.TenantID,
		PartnerID:         d.PartnerID,
		AgentID:           d.AgentID,
		ListingID:         d.ListingID,
		Destination:       d.Destination,
		ExternalListingID: result.ExternalListingID,
		LastSyncedHash:    listing.ContentHash,
		UpdatedAt:         now,
	}); err != nil {
		return err
	}
	return w.succeed(ctx, d, "")
}

// publish resolves everything the connector needs and calls it. The
// returned attempt row is appended regardless of outcome.
func (w *Worker) publish(ctx context.Context, d *models.Delivery, listing *models.Listing, mapping *models.ListingExternalMapping) (destinations.PublishResult, *models.DeliveryAttempt, error) {
	attempt := &models.DeliveryAttempt{
		ID:         ids.New("att"),
		DeliveryID: d.ID,
		Status:     "failed",
		CreatedAt:  time.Now().UTC(),
	}

	connector, ok := w.connectors.Get(d.Destination)
	if !ok {
		err := &destinations.PublishError{
			Code:      "CONNECTOR_NOT_FOUND",
			Message:   "no connector registered for " + d.Destination,
			Retryable: false,
		}
		attempt.ErrorCode, attempt.ErrorMessage = err.Code, err.Message
		return destinations.PublishResult{}, attempt, err
	}
	caps := connector.Capabilities()

	in := destinations.PublishInput{
		TenantID:    d.TenantID,
		PartnerID:   d.PartnerID,
		AgentID:     d.AgentID,
		ListingID:   d.ListingID,
		ContentHash: listing.ContentHash,
	}
	if mapping != nil {
		in.ExternalListingID = mapping.ExternalListingID
	}

	if setting, err := w.store.GetDestinationSetting(ctx, d.TenantID, d.PartnerID, d.Destination); err == nil {
		in.Settings = setting.Config
	}

	if caps.RequiresCredentials {
		cred, err := w.store.GetActiveCredential(ctx, d.TenantID, d.PartnerID, d.AgentID, d.Destination)
		if err != nil {
			pubErr := &destinations.PublishError{
				Code:      destinations.CodeNoCredentials,
				Message:   "no active credential for " + d.Destination,
				Retryable: false,
			}
			attempt.ErrorCode, attempt.ErrorMessage = pubErr.Code, pubErr.Message
			return destinations.PublishResult{}, attempt, pubErr
		}
		plain, err := w.box.DecryptJSON(cred.SecretCiphertext)
		if err != nil {
			pubErr := &destinations.PublishError{
				Code:      destinations.CodeNoCredentials,
				Message:   "credential decrypt failed",
				Retryable: false,
			}
			attempt.ErrorCode, attempt.ErrorMessage = pubErr.Code, pubErr.Message
			return destinations.PublishResult{}, attempt, pubErr
		}
		in.Credentials = plain
	}

	if caps.RequiresExternalAgentID {
		identity, err := w.store.GetActiveAgentIdentity(ctx, d.TenantID, d.PartnerID, d.AgentID, d.Destination)
		if err != nil {
			pubErr := &destinations.PublishError{
				Code:      destinations.CodeNoAgentIdentity,
				Message:   "agent has no identity at " + d.Destination,
				Retryable: false,
			}
			attempt.ErrorCode, attempt.ErrorMessage = pubErr.Code, pubErr.Message
			return destinations.PublishResult{}, attempt, pubErr
		}
		in.ExternalAgentID = identity.ExternalAgentID
	}

	projected, err := w.projectors.For(d.Destination).Project(ctx, listing.Payload, w.store)
	if err != nil {
		pubErr := &destinations.PublishError{
			Code:      destinations.CodeMappingMissing,
			Message:   err.Error(),
			Retryable: false,
		}
		var me *projection.MappingError
		if !errors.As(err, &me) {
			pubErr.Code = "PROJECTION_ERROR"
		}
		attempt.ErrorCode, attempt.ErrorMessage = pubErr.Code, pubErr.Message
		return destinations.PublishResult{}, attempt, pubErr
	}
	in.Payload = projected

	// Attempt snapshots must never leak secrets.
	attempt.Request = map[string]any{
		"destination":       d.Destination,
		"listing_id":        d.ListingID,
		"content_hash":      listing.ContentHash,
		"external_agent_id": in.ExternalAgentID,
		"settings":          redact.Map(in.Settings),
	}

	result, err := connector.Publish(ctx, in)
	if err != nil {
		var pe *destinations.PublishError
		if errors.As(err, &pe) {
			attempt.ErrorCode, attempt.ErrorMessage = pe.Code, pe.Message
			attempt.Response = pe.Response
			return destinations.PublishResult{}, attempt, pe
		}
		attempt.ErrorCode = destinations.CodeTransportError
		attempt.ErrorMessage = err.Error()
		return destinations.PublishResult{}, attempt, &destinations.PublishError{
			Code: destinations.CodeTransportError, Message: err.Error(), Retryable: true,
		}
	}

	attempt.Status = "success"
	attempt.Response = result.Response
	return result, attempt, nil
}

func (w *Worker) succeed(ctx context.Context, d *models.Delivery, detail string) error {
	now := time.Now().UTC()
	d.Status = models.DeliveryStatusSuccess
	d.StatusDetail = detail
	d.LastError = ""
	d.Retryable = true
	d.NextRetryAt = nil
	d.LastSuccessAt = &now
	if detail != "no_change" {
		d.Attempts++
	}
	d.UpdatedAt = now
	if err := w.store.UpdateDelivery(ctx, d); err != nil {
		return err
	}
	w.log.Info().Str("delivery_id", d.ID).Str("destination", d.Destination).
		Str("detail", detail).Msg("Delivery succeeded")
	return nil
}

func (w *Worker) deadLetter(ctx context.Context, d *models.Delivery, detail string) error {
	now := time.Now().UTC()
	d.Status = models.DeliveryStatusDeadLettered
	d.StatusDetail = detail
	d.LastError = detail
	d.Retryable = false
	d.NextRetryAt = nil
	d.DeadLetterAt = &now
	d.UpdatedAt = now
	if err := w.store.UpdateDelivery(ctx, d); err != nil {
		return err
	}
	w.log.Warn().Str("delivery_id", d.ID).Str("destination", d.Destination).
		Int("attempts", d.Attempts).Str("detail", detail).
		Msg("Delivery dead-lettered")
	return nil
}

func (w *Worker) fail(ctx context.Context, d *models.Delivery, pubErr error) error {
	now := time.Now().UTC()
	d.Attempts++
	d.LastError = pubErr.Error()
	d.UpdatedAt = now

	retryable := true
	var pe *destinations.PublishError
	if errors.As(pubErr, &pe) {
		retryable = pe.Retryable
		d.StatusDetail = pe.Code
	}
	d.Retryable = retryable

	if !retryable || d.Attempts >= MaxAttempts {
		d.Status = models.DeliveryStatusDeadLettered
		d.NextRetryAt = nil
		d.DeadLetterAt = &now
		if err := w.store.UpdateDelivery(ctx, d); err != nil {
			return err
		}
		w.log.Warn().Str("delivery_id", d.ID).Str("destination", d.Destination).
			Int("attempts", d.Attempts).Bool("retryable", retryable).
			Msg("Delivery dead-lettered")
		return nil
	}

	next := now.Add(w.retryDelay(d.Attempts))
	d.Status = models.DeliveryStatusFailed
	d.NextRetryAt = &next
	if err := w.store.UpdateDelivery(ctx, d); err != nil {
		return err
	}
	w.log.Warn().Str("delivery_id", d.ID).Str("destination", d.Destination).
		Int("attempts", d.Attempts).Time("next_retry_at", next).
		Msg("Delivery failed, retry scheduled")
	return nil
}
