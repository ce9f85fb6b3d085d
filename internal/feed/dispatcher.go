package feed

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/syndihub/syndihub/hub/internal/ids"
	"github.com/syndihub/syndihub/hub/internal/store"
)

// Dispatcher periodically sweeps every enabled partner+destination
// setting and rebuilds stale feeds. The fingerprint check inside the
// engine makes sweeps over unchanged data cheap.
type Dispatcher struct {
	store    store.Store
	engine   *Engine
	interval time.Duration
	log      zerolog.Logger
}

func NewDispatcher(st store.Store, engine *Engine, interval time.Duration, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    st,
		engine:   engine,
		interval: interval,
		log:      logger.With().Str("component", "feed-dispatcher").Logger(),
	}
}

// Run ticks until the context is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Info().Dur("interval", d.interval).Msg("Feed dispatcher started")
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.log.Info().Msg("Feed dispatcher stopped")
			return
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil {
				d.log.Error().Err(err).Msg("Feed sweep failed")
			}
		}
	}
}

// Tick rebuilds every enabled hosted feed whose inputs changed. One
// failing build does not stop the sweep.
func (d *Dispatcher) Tick(ctx context.Context) error {
	settings, err := d.store.ListEnabledSettings(ctx)
	if err != nil {
		return err
	}
	for _, setting := range settings {
		if _, ok := d.engine.plugins.Get(setting.Destination); !ok {
			continue
		}
		// A hosted feed without a token is unreachable; mint one so the
		// partner's feed URL works as soon as the first build lands.
		if setting.FeedToken() == "" {
			if setting.Config == nil {
				setting.Config = map[string]any{}
			}
			setting.Config["feed_token"] = ids.New("ft")
			setting.UpdatedAt = time.Now().UTC()
			if err := d.store.UpsertDestinationSetting(ctx, &setting); err != nil {
				d.log.Error().Err(err).Str("destination", setting.Destination).
					Str("partner_id", setting.PartnerID).Msg("Feed token mint failed")
				continue
			}
		}
		if _, built, err := d.engine.BuildIfChanged(ctx, setting); err != nil {
			d.log.Error().Err(err).Str("destination", setting.Destination).
				Str("partner_id", setting.PartnerID).Msg("Feed build failed")
		} else if built {
			d.log.Debug().Str("destination", setting.Destination).
				Str("partner_id", setting.PartnerID).Msg("Feed rebuilt")
		}
	}
	return nil
}
