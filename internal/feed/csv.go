package feed

import (
	"bytes"
	"encoding/csv"
	"strconv"

	"github.com/syndihub/syndihub/hub/internal/canonical"
	"github.com/syndihub/syndihub/hub/internal/destinations"
	"github.com/syndihub/syndihub/hub/pkg/models"
)

var csvHeader = []string{
	"id", "status", "purpose", "title", "category",
	"city", "area", "currency", "amount", "bedrooms", "bathrooms", "area_m2", "media_urls",
}

// CSVPlugin renders the tabular feed format consumed by aggregators.
type CSVPlugin struct {
	name      string
	inclusion string
}

func NewCSVPlugin(name string) *CSVPlugin {
	return &CSVPlugin{name: name, inclusion: destinations.InclusionExcludeInactive}
}

// WithInclusion sets the listing inclusion policy; under
// include_with_status the status column carries inactive listings.
func (p *CSVPlugin) WithInclusion(policy string) *CSVPlugin {
	p.inclusion = policy
	return p
}

func (p *CSVPlugin) Name() string        { return p.name }
func (p *CSVPlugin) Format() string      { return "csv" }
func (p *CSVPlugin) ContentType() string { return "text/csv" }

func (p *CSVPlugin) Build(listings []models.Listing, _ map[string]any) ([]byte, Stats, error) {
	var stats Stats
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, stats, err
	}

	for _, l := range listings {
		if !l.IsActive && p.inclusion != destinations.InclusionIncludeWithStatus {
			stats.skip("inactive")
			continue
		}
		doc, err := canonical.Decode(l.Payload)
		if err != nil {
			stats.skip("undecodable")
			continue
		}
		if doc.Title == "" {
			stats.skip("missing_title")
			continue
		}

		currency, amount := "", ""
		switch {
		case doc.ListPrice != nil:
			currency, amount = doc.ListPrice.Currency, strconv.FormatInt(doc.ListPrice.Amount, 10)
		case doc.Rent != nil:
			currency, amount = doc.Rent.Price.Currency, strconv.FormatInt(doc.Rent.Price.Amount, 10)
		default:
			stats.warn("missing_price")
		}

		var mediaURLs bytes.Buffer
		for i, m := range doc.Media {
			if i > 0 {
				mediaURLs.WriteByte('|')
			}
			mediaURLs.WriteString(m.URL)
		}
		if len(doc.Media) == 0 {
			stats.warn("no_media")
		}

		row := []string{
			l.ID, doc.Status, doc.Purpose, doc.Title, doc.Property.Category,
			doc.Address.City, doc.Address.Area, currency, amount,
			intOrEmpty(doc.Property.Bedrooms), intOrEmpty(doc.Property.Bathrooms),
			intOrEmpty(doc.Property.AreaM2), mediaURLs.String(),
		}
		if err := w.Write(row); err != nil {
			return nil, stats, err
		}
		stats.Included++
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, stats, err
	}
	return buf.Bytes(), stats, nil
}

func (p *CSVPlugin) Check(data []byte) error {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = len(csvHeader)
	_, err := r.ReadAll()
	return err
}

func intOrEmpty(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}
