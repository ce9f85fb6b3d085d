// Package audit records operator actions. Writes are best effort: an
// audit failure is logged, never propagated, so it cannot fail the
// operation it describes.
package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/syndihub/syndihub/hub/internal/ids"
	"github.com/syndihub/syndihub/hub/internal/redact"
	"github.com/syndihub/syndihub/hub/internal/store"
	"github.com/syndihub/syndihub/hub/pkg/models"
)

// Recorder appends audit entries.
type Recorder struct {
	store store.Store
	log   zerolog.Logger
}

func NewRecorder(st store.Store, logger zerolog.Logger) *Recorder {
	return &Recorder{store: st, log: logger.With().Str("component", "audit").Logger()}
}

// Record appends one entry. Detail is redacted before persistence.
func (r *Recorder) Record(ctx context.Context, tenantID, partnerID, actorKeyID, action, targetType, targetID string, detail map[string]any) {
	entry := &models.AuditEntry{
		ID:         ids.New("aud"),
		TenantID:   tenantID,
		PartnerID:  partnerID,
		ActorKeyID: actorKeyID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Detail:     redact.Map(detail),
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.store.AppendAudit(ctx, entry); err != nil {
		r.log.Error().Err(err).Str("action", action).Msg("Audit write failed")
	}
}
