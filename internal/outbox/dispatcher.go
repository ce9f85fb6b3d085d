// Package outbox drains the transactional outbox: the dispatcher leases
// pending events onto the broker, the worker derives per-destination
// deliveries from each event. Leases bound how long a crashed consumer
// can hold an event before it is requeued.
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/syndihub/syndihub/hub/internal/ids"
	"github.com/syndihub/syndihub/hub/internal/queue"
	"github.com/syndihub/syndihub/hub/internal/store"
)

// Job is the broker message for one leased outbox event. The lease id
// travels with the job so the worker can detect lease loss.
type Job struct {
	EventID string `json:"event_id"`
	LeaseID string `json:"lease_id"`
}

// Dispatcher periodically requeues expired leases and pushes pending
// events onto the outbox queue under a fresh lease.
type Dispatcher struct {
	store    store.Store
	producer queue.Producer
	interval time.Duration
	batch    int
	lease    time.Duration
	log      zerolog.Logger
}

func NewDispatcher(st store.Store, producer queue.Producer, interval time.Duration, batch int, lease time.Duration, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    st,
		producer: producer,
		interval: interval,
		batch:    batch,
		lease:    lease,
		log:      logger.With().Str("component", "outbox-dispatcher").Logger(),
	}
}

// Run ticks until the context is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Info().Dur("interval", d.interval).Int("batch", d.batch).Msg("Outbox dispatcher started")
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.log.Info().Msg("Outbox dispatcher stopped")
			return
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil {
				d.log.Error().Err(err).Msg("Outbox tick failed")
			}
		}
	}
}

// Tick performs one dispatch round. Events that cannot be enqueued are
// released back to pending immediately instead of waiting out the lease.
func (d *Dispatcher) Tick(ctx context.Context) error {
	now := time.Now().UTC()

	requeued, err := d.store.RequeueExpiredOutboxLeases(ctx, now)
	if err != nil {
		return err
	}
	if requeued > 0 {
		d.log.Warn().Int("count", requeued).Msg("Requeued outbox events with expired leases")
	}

	leaseID := ids.NewLease()
	events, err := d.store.ClaimPendingOutbox(ctx, d.batch, leaseID, now.Add(d.lease))
	if err != nil {
		return err
	}

	for _, e := range events {
		payload, _ := json.Marshal(Job{EventID: e.ID, LeaseID: leaseID})
		if err := d.producer.Publish(ctx, queue.QueueOutbox, payload); err != nil {
			d.log.Error().Err(err).Str("event_id", e.ID).Msg("Enqueue failed, releasing event")
			if relErr := d.store.ReleaseOutboxEvent(ctx, e.ID, leaseID, "enqueue failed: "+err.Error()); relErr != nil {
				d.log.Error().Err(relErr).Str("event_id", e.ID).Msg("Release failed")
			}
		}
	}
	if len(events) > 0 {
		d.log.Debug().Int("count", len(events)).Str("lease_id", leaseID).Msg("Dispatched outbox events")
	}
	return nil
}
