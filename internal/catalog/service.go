// Package catalog manages the destination mapping substrate: enum and
// geo mapping tables, bulk preview/apply imports, and versioned catalog
// sets with an approval lifecycle. At most one set is active per
// (destination, country_code); activation is serialized by a store lock.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/syndihub/syndihub/hub/internal/ids"
	"github.com/syndihub/syndihub/hub/internal/store"
	"github.com/syndihub/syndihub/hub/pkg/models"
)

// ErrInvalidTransition marks a catalog-set lifecycle move that is not
// allowed from the set's current status.
var ErrInvalidTransition = errors.New("invalid catalog set transition")

// Service exposes catalog operations to admin handlers.
type Service struct {
	store store.Store
	log   zerolog.Logger
}

func NewService(st store.Store, logger zerolog.Logger) *Service {
	return &Service{store: st, log: logger.With().Str("component", "catalog").Logger()}
}

// ── Geo reference data ───────────────────────────────────────

// EnsureGeoArea gets or creates the country → city → area chain and
// returns the leaf area.
func (s *Service) EnsureGeoArea(ctx context.Context, countryCode, countryName, citySlug, cityName, areaSlug, areaName string) (*models.GeoArea, error) {
	country, err := s.store.GetGeoCountryByCode(ctx, countryCode)
	if store.IsNotFound(err) {
		country = &models.GeoCountry{ID: ids.New("geo"), Code: countryCode, Name: countryName}
		if cerr := s.store.CreateGeoCountry(ctx, country); cerr != nil && !store.IsConflict(cerr) {
			return nil, cerr
		}
		country, err = s.store.GetGeoCountryByCode(ctx, countryCode)
	}
	if err != nil {
		return nil, err
	}

	city, err := s.store.GetGeoCity(ctx, country.ID, citySlug)
	if store.IsNotFound(err) {
		city = &models.GeoCity{ID: ids.New("geo"), CountryID: country.ID, Slug: citySlug, Name: cityName}
		if cerr := s.store.CreateGeoCity(ctx, city); cerr != nil && !store.IsConflict(cerr) {
			return nil, cerr
		}
		city, err = s.store.GetGeoCity(ctx, country.ID, citySlug)
	}
	if err != nil {
		return nil, err
	}

	area, err := s.store.GetGeoArea(ctx, city.ID, areaSlug)
	if store.IsNotFound(err) {
		area = &models.GeoArea{ID: ids.New("geo"), CityID: city.ID, Slug: areaSlug, Name: areaName}
		if cerr := s.store.CreateGeoArea(ctx, area); cerr != nil && !store.IsConflict(cerr) {
			return nil, cerr
		}
		area, err = s.store.GetGeoArea(ctx, city.ID, areaSlug)
	}
	return area, err
}

// resolveGeoKey maps "city-slug:area-slug" within a country to the hub
// geo area.
func (s *Service) resolveGeoKey(ctx context.Context, countryCode, geoKey string) (*models.GeoArea, error) {
	citySlug, areaSlug, ok := strings.Cut(geoKey, ":")
	if !ok {
		return nil, fmt.Errorf("geo key %q must be city-slug:area-slug", geoKey)
	}
	country, err := s.store.GetGeoCountryByCode(ctx, countryCode)
	if err != nil {
		return nil, err
	}
	city, err := s.store.GetGeoCity(ctx, country.ID, citySlug)
	if err != nil {
		return nil, err
	}
	return s.store.GetGeoArea(ctx, city.ID, areaSlug)
}

// ── Bulk imports ─────────────────────────────────────────────

// ImportRow is one key/value pair in a bulk import. Enum imports key by
// source key; geo imports key by "city-slug:area-slug".
type ImportRow struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ImportRequest is one preview or apply call.
type ImportRequest struct {
	Destination string
	Kind        string // enum | geo
	Namespace   string // enum imports
	CountryCode string // geo imports
	Source      string
	Rows        []ImportRow
	Apply       bool
	Actor       string
}

// Import classifies every row against the live mapping tables and, in
// apply mode, writes the insert/update rows. The run row records the
// diff either way, so operators can preview before applying.
func (s *Service) Import(ctx context.Context, req ImportRequest) (*models.CatalogImportRun, error) {
	if req.Kind != "enum" && req.Kind != "geo" {
		return nil, fmt.Errorf("unknown import kind %q", req.Kind)
	}
	now := time.Now().UTC()
	run := &models.CatalogImportRun{
		ID:          ids.New("imp"),
		Destination: req.Destination,
		Kind:        req.Kind,
		Namespace:   req.Namespace,
		CountryCode: req.CountryCode,
		Source:      req.Source,
		Status:      models.ImportRunStatusPreviewed,
		Summary:     map[string]int{},
		CreatedBy:   req.Actor,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateImportRun(ctx, run); err != nil {
		return nil, err
	}

	for _, row := range req.Rows {
		item := &models.CatalogImportItem{
			ID:    ids.New("imi"),
			RunID: run.ID,
			Key:   row.Key,
			Value: row.Value,
		}
		item.Action, item.ExistingValue, item.Detail = s.classify(ctx, req, row)
		run.Summary[item.Action]++
		if err := s.store.AppendImportItem(ctx, item); err != nil {
			return nil, err
		}

		if req.Apply && (item.Action == models.ImportActionInsert || item.Action == models.ImportActionUpdate) {
			if err := s.applyRow(ctx, req, row); err != nil {
				return nil, err
			}
		}
	}

	if req.Apply {
		run.Status = models.ImportRunStatusApplied
	}
	run.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateImportRun(ctx, run); err != nil {
		return nil, err
	}
	s.log.Info().Str("run_id", run.ID).Str("kind", req.Kind).Bool("applied", req.Apply).
		Interface("summary", run.Summary).Msg("Catalog import processed")
	return run, nil
}

func (s *Service) classify(ctx context.Context, req ImportRequest, row ImportRow) (action, existing string, detail map[string]any) {
	if row.Key == "" || row.Value == "" {
		return models.ImportActionInvalid, "", map[string]any{"reason": "empty key or value"}
	}
	switch req.Kind {
	case "enum":
		current, err := s.store.GetEnumValue(ctx, req.Destination, req.Namespace, row.Key)
		if err != nil {
			return models.ImportActionInsert, "", nil
		}
		if current == row.Value {
			return models.ImportActionNoop, current, nil
		}
		return models.ImportActionUpdate, current, nil
	default: // geo
		area, err := s.resolveGeoKey(ctx, req.CountryCode, row.Key)
		if err != nil {
			return models.ImportActionInvalid, "", map[string]any{"reason": err.Error()}
		}
		current, err := s.store.GetGeoAreaValue(ctx, req.Destination, area.ID)
		if err != nil {
			return models.ImportActionInsert, "", nil
		}
		if current == row.Value {
			return models.ImportActionNoop, current, nil
		}
		return models.ImportActionUpdate, current, nil
	}
}

func (s *Service) applyRow(ctx context.Context, req ImportRequest, row ImportRow) error {
	now := time.Now().UTC()
	if req.Kind == "enum" {
		return s.store.UpsertEnumMapping(ctx, &models.DestinationEnumMapping{
			Destination:      req.Destination,
			Namespace:        req.Namespace,
			SourceKey:        row.Key,
			DestinationValue: row.Value,
			UpdatedBy:        req.Actor,
			UpdatedAt:        now,
		})
	}
	area, err := s.resolveGeoKey(ctx, req.CountryCode, row.Key)
	if err != nil {
		return err
	}
	country, err := s.store.GetGeoCountryByCode(ctx, req.CountryCode)
	if err != nil {
		return err
	}
	return s.store.UpsertGeoMapping(ctx, &models.DestinationGeoMapping{
		Destination:       req.Destination,
		GeoCountryID:      country.ID,
		GeoCityID:         area.CityID,
		GeoAreaID:         area.ID,
		DestinationAreaID: row.Value,
		UpdatedBy:         req.Actor,
		UpdatedAt:         now,
	})
}

// ── Catalog sets ─────────────────────────────────────────────

// SetItem is one item in a set creation request.
type SetItem struct {
	Kind             string `json:"kind"` // enum | geo
	Namespace        string `json:"namespace,omitempty"`
	SourceKey        string `json:"source_key,omitempty"`
	DestinationValue string `json:"destination_value,omitempty"`
	GeoKey           string `json:"geo_key,omitempty"`
	DestinationArea  string `json:"destination_area_id,omitempty"`
}

// CreateSet creates a draft set with its items.
func (s *Service) CreateSet(ctx context.Context, destination, countryCode, name, changeNote, actor string, items []SetItem) (*models.CatalogSet, error) {
	now := time.Now().UTC()
	cs := &models.CatalogSet{
		ID:          ids.New("cat"),
		Destination: destination,
		CountryCode: countryCode,
		Name:        name,
		Status:      models.CatalogSetStatusDraft,
		ChangeNote:  changeNote,
		CreatedBy:   actor,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateCatalogSet(ctx, cs); err != nil {
		return nil, err
	}
	for _, it := range items {
		if err := s.store.AppendCatalogSetItem(ctx, &models.CatalogSetItem{
			ID:               ids.New("csi"),
			CatalogSetID:     cs.ID,
			Kind:             it.Kind,
			Namespace:        it.Namespace,
			SourceKey:        it.SourceKey,
			DestinationValue: it.DestinationValue,
			GeoKey:           it.GeoKey,
			DestinationArea:  it.DestinationArea,
		}); err != nil {
			return nil, err
		}
	}
	return cs, nil
}

// Submit moves a draft set to pending review.
func (s *Service) Submit(ctx context.Context, setID string) (*models.CatalogSet, error) {
	return s.transition(ctx, setID, models.CatalogSetStatusDraft, models.CatalogSetStatusPending, "", "")
}

// Reject moves a pending set to rejected.
func (s *Service) Reject(ctx context.Context, setID, actor, note string) (*models.CatalogSet, error) {
	return s.transition(ctx, setID, models.CatalogSetStatusPending, models.CatalogSetStatusRejected, actor, note)
}

func (s *Service) transition(ctx context.Context, setID, from, to, actor, note string) (*models.CatalogSet, error) {
	cs, err := s.store.GetCatalogSet(ctx, setID)
	if err != nil {
		return nil, err
	}
	if cs.Status != from {
		return nil, fmt.Errorf("%w: catalog set %s is %s, expected %s", ErrInvalidTransition, setID, cs.Status, from)
	}
	cs.Status = to
	if note != "" {
		cs.ChangeNote = note
	}
	if actor != "" {
		cs.ApprovedBy = actor
	}
	cs.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateCatalogSet(ctx, cs); err != nil {
		return nil, err
	}
	return cs, nil
}

// Activate applies a pending set's items to the live mapping tables,
// archives the previously active set and records the new active pointer.
// Re-activating an archived set is the rollback path. The whole
// operation runs under the per-(destination, country) activation lock.
func (s *Service) Activate(ctx context.Context, setID, actor string) (*models.CatalogSet, error) {
	cs, err := s.store.GetCatalogSet(ctx, setID)
	if err != nil {
		return nil, err
	}
	if cs.Status != models.CatalogSetStatusPending && cs.Status != models.CatalogSetStatusArchived {
		return nil, fmt.Errorf("%w: catalog set %s is %s, cannot activate", ErrInvalidTransition, setID, cs.Status)
	}

	err = s.store.WithCatalogActivationLock(ctx, cs.Destination, cs.CountryCode, func(ctx context.Context) error {
		items, err := s.store.ListCatalogSetItems(ctx, cs.ID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, it := range items {
			switch it.Kind {
			case "enum":
				if err := s.store.UpsertEnumMapping(ctx, &models.DestinationEnumMapping{
					Destination:      cs.Destination,
					Namespace:        it.Namespace,
					SourceKey:        it.SourceKey,
					DestinationValue: it.DestinationValue,
					UpdatedBy:        actor,
					UpdatedAt:        now,
				}); err != nil {
					return err
				}
			case "geo":
				area, err := s.resolveGeoKey(ctx, cs.CountryCode, it.GeoKey)
				if err != nil {
					return err
				}
				country, err := s.store.GetGeoCountryByCode(ctx, cs.CountryCode)
				if err != nil {
					return err
				}
				if err := s.store.UpsertGeoMapping(ctx, &models.DestinationGeoMapping{
					Destination:       cs.Destination,
					GeoCountryID:      country.ID,
					GeoCityID:         area.CityID,
					GeoAreaID:         area.ID,
					DestinationAreaID: it.DestinationArea,
					UpdatedBy:         actor,
					UpdatedAt:         now,
				}); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown catalog set item kind %q", it.Kind)
			}
		}

		// Archive whichever set currently holds the active pointer.
		if current, err := s.store.GetActiveCatalogSet(ctx, cs.Destination, cs.CountryCode); err == nil && current.ActiveCatalogSetID != cs.ID {
			if prev, err := s.store.GetCatalogSet(ctx, current.ActiveCatalogSetID); err == nil {
				prev.Status = models.CatalogSetStatusArchived
				prev.UpdatedAt = now
				if err := s.store.UpdateCatalogSet(ctx, prev); err != nil {
					return err
				}
			}
		} else if err != nil && !store.IsNotFound(err) {
			return err
		}

		cs.Status = models.CatalogSetStatusActive
		cs.ApprovedBy = actor
		cs.ApprovedAt = &now
		cs.UpdatedAt = now
		if err := s.store.UpdateCatalogSet(ctx, cs); err != nil {
			return err
		}
		return s.store.SetActiveCatalogSet(ctx, &models.CatalogSetActive{
			Destination:        cs.Destination,
			CountryCode:        cs.CountryCode,
			ActiveCatalogSetID: cs.ID,
			UpdatedAt:          now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("set_id", cs.ID).Str("destination", cs.Destination).
		Str("country_code", cs.CountryCode).Msg("Catalog set activated")
	return cs, nil
}
