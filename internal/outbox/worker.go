package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/syndihub/syndihub/hub/internal/ids"
	"github.com/syndihub/syndihub/hub/internal/queue"
	"github.com/syndihub/syndihub/hub/internal/store"
	"github.com/syndihub/syndihub/hub/pkg/models"
)

// Worker consumes leased outbox events and materializes one delivery per
// target destination. Derivation is idempotent: an existing delivery is
// reset to pending, never duplicated, and dead-lettered deliveries stay
// dead until an operator intervenes.
type Worker struct {
	store store.Store
	log   zerolog.Logger
}

func NewWorker(st store.Store, logger zerolog.Logger) *Worker {
	return &Worker{store: st, log: logger.With().Str("component", "outbox-worker").Logger()}
}

// Handle processes one outbox job. Returns nil for jobs whose lease was
// lost; the current lease holder will redo the work.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) error {
	var job Job
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		w.log.Error().Err(err).Msg("Malformed outbox job")
		return nil
	}

	event, err := w.store.GetOutboxEvent(ctx, job.EventID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return err
	}
	if event.Status != models.OutboxStatusProcessing || event.LeaseID != job.LeaseID {
		w.log.Debug().Str("event_id", job.EventID).Msg("Skipping event: lease no longer held")
		return nil
	}

	if err := w.deriveDeliveries(ctx, event); err != nil {
		if relErr := w.store.ReleaseOutboxEvent(ctx, event.ID, job.LeaseID, err.Error()); relErr != nil {
			w.log.Error().Err(relErr).Str("event_id", event.ID).Msg("Release failed")
		}
		return err
	}

	done, err := w.store.MarkOutboxDone(ctx, event.ID, job.LeaseID, time.Now().UTC())
	if err != nil {
		return err
	}
	if !done {
		// Lease expired mid-derivation. Derivation is idempotent, so the
		// next claimer repeating it is harmless.
		w.log.Warn().Str("event_id", event.ID).Msg("Lease lost before completion")
	}
	return nil
}

func (w *Worker) deriveDeliveries(ctx context.Context, event *models.OutboxEvent) error {
	listing, err := w.store.GetListing(ctx, event.TenantID, event.AggregateID)
	if err != nil {
		return err
	}
	agent, err := w.store.GetAgent(ctx, event.TenantID, listing.AgentID)
	if err != nil {
		return err
	}
	enabled, err := w.store.ListEnabledDestinations(ctx, event.TenantID, event.PartnerID)
	if err != nil {
		return err
	}

	targets := enabled
	if len(agent.Rules.AllowedDestinations) > 0 {
		allowed := make(map[string]bool, len(agent.Rules.AllowedDestinations))
		for _, d := range agent.Rules.AllowedDestinations {
			allowed[d] = true
		}
		targets = targets[:0:0]
		for _, d := range enabled {
			if allowed[d] {
				targets = append(targets, d)
			}
		}
	}

	now := time.Now().UTC()
	for _, dest := range targets {
		existing, err := w.store.GetDeliveryByKey(ctx, event.TenantID, dest, listing.ID)
		if err != nil {
			if !store.IsNotFound(err) {
				return err
			}
			d := &models.Delivery{
				ID:          ids.New("dlv"),
				TenantID:    event.TenantID,
				PartnerID:   event.PartnerID,
				AgentID:     listing.AgentID,
				ListingID:   listing.ID,
				Destination: dest,
				Status:      models.DeliveryStatusPending,
				Retryable:   true,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := w.store.CreateDelivery(ctx, d); err != nil {
				if store.IsConflict(err) {
					continue // concurrent derivation won the race
				}
				return err
			}
			continue
		}

		if existing.Status == models.DeliveryStatusDeadLettered {
			continue
		}
		existing.Status = models.DeliveryStatusPending
		existing.Retryable = true
		existing.NextRetryAt = nil
		existing.LastError = ""
		existing.StatusDetail = ""
		existing.UpdatedAt = now
		if err := w.store.UpdateDelivery(ctx, existing); err != nil {
			return err
		}
	}

	w.log.Debug().Str("listing_id", listing.ID).Int("destinations", len(targets)).
		Msg("Deliveries derived")
	return nil
}
