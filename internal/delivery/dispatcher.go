// Package delivery publishes listings to destinations: the dispatcher
// claims due deliveries onto the broker, the worker drives the per
// delivery state machine (pending → publishing → success/failed, with
// dead-lettering after the retry budget).
package delivery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/syndihub/syndihub/hub/internal/queue"
	"github.com/syndihub/syndihub/hub/internal/store"
	"github.com/syndihub/syndihub/hub/pkg/models"
)

// Job is the broker message for one claimed delivery.
type Job struct {
	DeliveryID string `json:"delivery_id"`
}

// Dispatcher claims due deliveries and hands them to publish workers.
type Dispatcher struct {
	store    store.Store
	producer queue.Producer
	interval time.Duration
	batch    int
	log      zerolog.Logger
}

func NewDispatcher(st store.Store, producer queue.Producer, interval time.Duration, batch int, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    st,
		producer: producer,
		interval: interval,
		batch:    batch,
		log:      logger.With().Str("component", "delivery-dispatcher").Logger(),
	}
}

// Run ticks until the context is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Info().Dur("interval", d.interval).Int("batch", d.batch).Msg("Delivery dispatcher started")
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.log.Info().Msg("Delivery dispatcher stopped")
			return
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil {
				d.log.Error().Err(err).Msg("Delivery tick failed")
			}
		}
	}
}

// Tick claims one batch of due deliveries. A delivery whose job cannot
// be enqueued goes straight back to pending.
func (d *Dispatcher) Tick(ctx context.Context) error {
	claimed, err := d.store.ClaimDueDeliveries(ctx, time.Now().UTC(), d.batch)
	if err != nil {
		return err
	}
	for i := range claimed {
		dl := claimed[i]
		payload, _ := json.Marshal(Job{DeliveryID: dl.ID})
		if err := d.producer.Publish(ctx, queue.QueuePublish, payload); err != nil {
			d.log.Error().Err(err).Str("delivery_id", dl.ID).Msg("Enqueue failed, reverting to pending")
			dl.Status = models.DeliveryStatusPending
			dl.UpdatedAt = time.Now().UTC()
			if updErr := d.store.UpdateDelivery(ctx, &dl); updErr != nil {
				d.log.Error().Err(updErr).Str("delivery_id", dl.ID).Msg("Revert failed")
			}
		}
	}
	if len(claimed) > 0 {
		d.log.Debug().Int("count", len(claimed)).Msg("Dispatched deliveries")
	}
	return nil
}
