package feed

import (
	"bytes"
	"encoding/xml"

	"github.com/syndihub/syndihub/hub/internal/canonical"
	"github.com/syndihub/syndihub/hub/internal/destinations"
	"github.com/syndihub/syndihub/hub/pkg/models"
)

// XMLPlugin renders the portal XML feed format: a flat <listings> root
// with one <listing> element per included listing.
type XMLPlugin struct {
	name      string
	inclusion string
}

func NewXMLPlugin(name string) *XMLPlugin {
	return &XMLPlugin{name: name, inclusion: destinations.InclusionExcludeInactive}
}

// WithInclusion sets the listing inclusion policy. Under
// include_with_status, inactive listings stay in the feed and the
// status element tells them apart.
func (p *XMLPlugin) WithInclusion(policy string) *XMLPlugin {
	p.inclusion = policy
	return p
}

func (p *XMLPlugin) Name() string        { return p.name }
func (p *XMLPlugin) Format() string      { return "xml" }
func (p *XMLPlugin) ContentType() string { return "application/xml" }

type xmlFeed struct {
	XMLName  xml.Name     `xml:"listings"`
	Listings []xmlListing `xml:"listing"`
}

type xmlListing struct {
	ID          string    `xml:"id,attr"`
	Status      string    `xml:"status"`
	Purpose     string    `xml:"purpose"`
	Title       string    `xml:"title"`
	Description string    `xml:"description,omitempty"`
	Category    string    `xml:"category"`
	City        string    `xml:"city,omitempty"`
	Area        string    `xml:"area,omitempty"`
	Price       *xmlPrice `xml:"price,omitempty"`
	Bedrooms    *int      `xml:"bedrooms,omitempty"`
	Bathrooms   *int      `xml:"bathrooms,omitempty"`
	AreaM2      *int      `xml:"area_m2,omitempty"`
	Media       []xmlItem `xml:"media>item,omitempty"`
}

type xmlPrice struct {
	Currency string `xml:"currency,attr"`
	Amount   int64  `xml:",chardata"`
}

type xmlItem struct {
	Type string `xml:"type,attr"`
	URL  string `xml:",chardata"`
}

func (p *XMLPlugin) Build(listings []models.Listing, _ map[string]any) ([]byte, Stats, error) {
	var stats Stats
	feed := xmlFeed{}

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

		entry := xmlListing{
			ID:          l.ID,
			Status:      doc.Status,
			Purpose:     doc.Purpose,
			Title:       doc.Title,
			Description: doc.Description,
			Category:    doc.Property.Category,
			City:        doc.Address.City,
			Area:        doc.Address.Area,
			Bedrooms:    doc.Property.Bedrooms,
			Bathrooms:   doc.Property.Bathrooms,
			AreaM2:      doc.Property.AreaM2,
		}
		switch {
		case doc.ListPrice != nil:
			entry.Price = &xmlPrice{Currency: doc.ListPrice.Currency, Amount: doc.ListPrice.Amount}
		case doc.Rent != nil:
			entry.Price = &xmlPrice{Currency: doc.Rent.Price.Currency, Amount: doc.Rent.Price.Amount}
		default:
			stats.warn("missing_price")
		}
		if len(doc.Media) == 0 {
			stats.warn("no_media")
		}
		for _, m := range doc.Media {
			entry.Media = append(entry.Media, xmlItem{Type: m.Type, URL: m.URL})
		}

		feed.Listings = append(feed.Listings, entry)
		stats.Included++
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(feed); err != nil {
		return nil, stats, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), stats, nil
}

// Check parses the built artifact back, catching encoder bugs before
// the snapshot is published.
func (p *XMLPlugin) Check(data []byte) error {
	var parsed xmlFeed
	return xml.Unmarshal(data, &parsed)
}
