// Package canonical defines the canonical listing schema, its validator
// and the deterministic content hash that serves as the hub's change
// signal. Adapters produce canonical documents; projections and feed
// plugins consume them.
package canonical

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	SchemaListing  = "canonical.listing"
	SchemaVersion1 = "1.0"
)

// Money is an amount in minor units with a 3-letter currency code.
type Money struct {
	Currency string `json:"currency"`
	Amount   int64  `json:"amount"`
}

// PriceRule supports timed offers and scheduled price changes.
type PriceRule struct {
	Kind     string     `json:"kind"` // fixed | timed_offer
	Price    Money      `json:"price"`
	StartsAt *time.Time `json:"starts_at,omitempty"`
	EndsAt   *time.Time `json:"ends_at,omitempty"`
	Notes    string     `json:"notes,omitempty"`
}

type Address struct {
	Line1      string   `json:"line1,omitempty"`
	Line2      string   `json:"line2,omitempty"`
	Area       string   `json:"area,omitempty"`
	City       string   `json:"city,omitempty"`
	Region     string   `json:"region,omitempty"`
	PostalCode string   `json:"postal_code,omitempty"`
	Country    string   `json:"country,omitempty"` // ISO 3166-1 alpha-2 if known
	Lat        *float64 `json:"lat,omitempty"`
	Lng        *float64 `json:"lng,omitempty"`
}

// Property carries property facts. Category is a stable coarse bucket
// for destination mapping; Subtype captures high-variance values.
type Property struct {
	Category           string `json:"category,omitempty"` // apartment|house|villa|land|commercial|other
	Subtype            string `json:"subtype,omitempty"`
	Title              string `json:"title,omitempty"`
	Description        string `json:"description,omitempty"`
	Bedrooms           *int   `json:"bedrooms,omitempty"`
	LivingRooms        *int   `json:"living_rooms,omitempty"`
	Bathrooms          *int   `json:"bathrooms,omitempty"`
	AreaM2             *int   `json:"area_m2,omitempty"`
	LotM2              *int   `json:"lot_m2,omitempty"`
	ConstructionStatus string `json:"construction_status,omitempty"` // existing|under_construction|off_plan
	YearBuilt          *int   `json:"year_built,omitempty"`
	CompletionYear     *int   `json:"completion_year,omitempty"`
}

// Rent is the rent-specific pricing block.
type Rent struct {
	Price   Money  `json:"price"`
	Period  string `json:"period"` // day|week|month|year
	Deposit *Money `json:"deposit,omitempty"`
}

// Party is the canonical actor representation (agent, owner, developer).
type Party struct {
	ID          string            `json:"id"`
	Role        string            `json:"role"` // agent|owner|developer|agency
	DisplayName string            `json:"display_name"`
	Email       string            `json:"email,omitempty"`
	Phone       string            `json:"phone,omitempty"`
	ExternalIDs map[string]string `json:"external_ids,omitempty"`
}

// Media is one canonical media object.
type Media struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // image|video|floorplan|document
	URL      string `json:"url"`
	Order    int    `json:"order"`
	Title    string `json:"title,omitempty"`
	Caption  string `json:"caption,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Listing is the canonical listing document, the stable contract between
// inbound adapters and outbound projections.
type Listing struct {
	Schema        string `json:"schema"`
	SchemaVersion string `json:"schema_version"`

	CanonicalID     string `json:"canonical_id"`
	SourceListingID string `json:"source_listing_id,omitempty"`

	Status  string `json:"status"`  // draft|active|pending|sold|withdrawn
	Purpose string `json:"purpose"` // sale|rent

	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	Address  Address  `json:"address"`
	Property Property `json:"property"`

	ListPrice    *Money      `json:"list_price,omitempty"`
	Rent         *Rent       `json:"rent,omitempty"`
	PricingRules []PriceRule `json:"pricing_rules,omitempty"`

	Agent *Party `json:"agent,omitempty"`
	Owner *Party `json:"owner,omitempty"`

	Media []Media `json:"media,omitempty"`

	Attributes map[string]any `json:"attributes,omitempty"`
}

// ── Validation ───────────────────────────────────────────────

// FieldError is a structured validation error.
type FieldError struct {
	Type    string `json:"type"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func fieldErr(field, msg string) FieldError {
	return FieldError{Type: "value_error", Field: field, Message: msg}
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

func validateMoney(field string, m Money, errs *[]FieldError) {
	cur := strings.ToUpper(strings.TrimSpace(m.Currency))
	if len(cur) != 3 {
		*errs = append(*errs, fieldErr(field+".currency", "currency must be a 3-letter code"))
	}
	if m.Amount < 0 {
		*errs = append(*errs, fieldErr(field+".amount", "amount must be >= 0"))
	}
}

// Validate checks all schema constraints and returns every violation
// found, not just the first.
func (l *Listing) Validate() []FieldError {
	var errs []FieldError

	if l.CanonicalID == "" {
		errs = append(errs, fieldErr("canonical_id", "canonical_id is required"))
	}
	if l.Title == "" || len(l.Title) > 200 {
		errs = append(errs, fieldErr("title", "title is required and must be at most 200 chars"))
	}
	if !oneOf(l.Status, "draft", "active", "pending", "sold", "withdrawn") {
		errs = append(errs, fieldErr("status", fmt.Sprintf("invalid status %q", l.Status)))
	}
	if !oneOf(l.Purpose, "sale", "rent") {
		errs = append(errs, fieldErr("purpose", fmt.Sprintf("invalid purpose %q", l.Purpose)))
	}

	if l.Address.Lat != nil && (*l.Address.Lat < -90 || *l.Address.Lat > 90) {
		errs = append(errs, fieldErr("address.lat", "lat must be between -90 and 90"))
	}
	if l.Address.Lng != nil && (*l.Address.Lng < -180 || *l.Address.Lng > 180) {
		errs = append(errs, fieldErr("address.lng", "lng must be between -180 and 180"))
	}

	if l.Property.Category != "" && !oneOf(l.Property.Category, "apartment", "house", "villa", "land", "commercial", "other") {
		errs = append(errs, fieldErr("property.category", fmt.Sprintf("invalid category %q", l.Property.Category)))
	}
	if cs := l.Property.ConstructionStatus; cs != "" {
		if !oneOf(cs, "existing", "under_construction", "off_plan") {
			errs = append(errs, fieldErr("property.construction_status", fmt.Sprintf("invalid construction_status %q", cs)))
		} else if cs != "existing" && l.Property.CompletionYear == nil {
			errs = append(errs, fieldErr("property.completion_year", "completion_year is required for under_construction/off_plan"))
		}
	}
	if b := l.Property.Bedrooms; b != nil && (*b < 0 || *b > 100) {
		errs = append(errs, fieldErr("property.bedrooms", "bedrooms must be between 0 and 100"))
	}
	if b := l.Property.Bathrooms; b != nil && (*b < 0 || *b > 100) {
		errs = append(errs, fieldErr("property.bathrooms", "bathrooms must be between 0 and 100"))
	}

	if l.ListPrice != nil {
		validateMoney("list_price", *l.ListPrice, &errs)
	}
	if l.Rent != nil {
		validateMoney("rent.price", l.Rent.Price, &errs)
		if !oneOf(l.Rent.Period, "day", "week", "month", "year") {
			errs = append(errs, fieldErr("rent.period", fmt.Sprintf("invalid rent period %q", l.Rent.Period)))
		}
		if l.Rent.Deposit != nil {
			validateMoney("rent.deposit", *l.Rent.Deposit, &errs)
		}
	}

	// Cross-field: rent purpose requires a rent block or a list price.
	if l.Purpose == "rent" && l.Rent == nil && l.ListPrice == nil {
		errs = append(errs, fieldErr("purpose", "purpose='rent' requires rent or list_price"))
	}

	for i, pr := range l.PricingRules {
		field := fmt.Sprintf("pricing_rules[%d]", i)
		if !oneOf(pr.Kind, "fixed", "timed_offer") {
			errs = append(errs, fieldErr(field+".kind", fmt.Sprintf("invalid pricing rule kind %q", pr.Kind)))
			continue
		}
		validateMoney(field+".price", pr.Price, &errs)
		if pr.Kind == "timed_offer" {
			if pr.StartsAt == nil || pr.EndsAt == nil {
				errs = append(errs, fieldErr(field, "timed_offer requires starts_at and ends_at"))
			} else if !pr.StartsAt.Before(*pr.EndsAt) {
				errs = append(errs, fieldErr(field, "timed_offer requires starts_at < ends_at"))
			}
		}
	}

	for i, m := range l.Media {
		field := fmt.Sprintf("media[%d]", i)
		if m.ID == "" {
			errs = append(errs, fieldErr(field+".id", "media id is required"))
		}
		if !oneOf(m.Type, "image", "video", "floorplan", "document") {
			errs = append(errs, fieldErr(field+".type", fmt.Sprintf("invalid media type %q", m.Type)))
		}
		if !strings.HasPrefix(m.URL, "http://") && !strings.HasPrefix(m.URL, "https://") {
			errs = append(errs, fieldErr(field+".url", "media url must be an http(s) URL"))
		}
	}

	return errs
}

// normalize applies defaults and deterministic ordering so that equal
// documents serialize to equal bytes.
func (l *Listing) normalize() {
	l.Schema = SchemaListing
	l.SchemaVersion = SchemaVersion1
	if l.Status == "" {
		l.Status = "draft"
	}
	if l.Purpose == "" {
		l.Purpose = "sale"
	}
	if l.Property.Category == "" {
		l.Property.Category = "other"
	}
	if l.Property.ConstructionStatus == "" {
		l.Property.ConstructionStatus = "existing"
	}
	for i := range l.Media {
		if l.Media[i].Type == "" {
			l.Media[i].Type = "image"
		}
	}
	// Stable media order for hashing.
	sort.SliceStable(l.Media, func(i, j int) bool {
		if l.Media[i].Order != l.Media[j].Order {
			return l.Media[i].Order < l.Media[j].Order
		}
		return l.Media[i].ID < l.Media[j].ID
	})
	if l.ListPrice != nil {
		l.ListPrice.Currency = strings.ToUpper(strings.TrimSpace(l.ListPrice.Currency))
	}
	if l.Rent != nil {
		l.Rent.Price.Currency = strings.ToUpper(strings.TrimSpace(l.Rent.Price.Currency))
		if l.Rent.Period == "" {
			l.Rent.Period = "month"
		}
	}
}
