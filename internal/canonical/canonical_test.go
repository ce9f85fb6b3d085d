package canonical_test

import (
	"testing"

	"github.com/syndihub/syndihub/hub/internal/canonical"
)

func validPayload() map[string]any {
	return map[string]any{
		"canonical_id": "src-1",
		"title":        "Sea View Apartment",
		"status":       "active",
		"purpose":      "sale",
		"list_price":   map[string]any{"currency": "eur", "amount": 250000},
		"address":      map[string]any{"city": "Kyrenia", "country": "CY"},
		"property":     map[string]any{"category": "apartment", "bedrooms": 2},
	}
}

func TestValidateAndNormalize_Valid(t *testing.T) {
	res := canonical.ValidateAndNormalize(canonical.SchemaListing, canonical.SchemaVersion1, validPayload())
	if !res.OK {
		t.Fatalf("Expected valid payload, got errors: %v", res.Errors)
	}
	if res.ContentHash == "" {
		t.Error("Expected a content hash")
	}
	if res.Listing.Schema != canonical.SchemaListing || res.Listing.SchemaVersion != canonical.SchemaVersion1 {
		t.Errorf("Schema not stamped: %s@%s", res.Listing.Schema, res.Listing.SchemaVersion)
	}
	// Currency is uppercased during normalization.
	if res.Listing.ListPrice.Currency != "EUR" {
		t.Errorf("Currency = %q, want EUR", res.Listing.ListPrice.Currency)
	}
}

func TestValidateAndNormalize_Defaults(t *testing.T) {
	payload := map[string]any{
		"canonical_id": "src-2",
		"title":        "Plot of Land",
	}
	res := canonical.ValidateAndNormalize(canonical.SchemaListing, canonical.SchemaVersion1, payload)
	if !res.OK {
		t.Fatalf("Expected valid payload, got errors: %v", res.Errors)
	}
	if res.Listing.Status != "draft" {
		t.Errorf("Status = %q, want draft", res.Listing.Status)
	}
	if res.Listing.Purpose != "sale" {
		t.Errorf("Purpose = %q, want sale", res.Listing.Purpose)
	}
	if res.Listing.Property.Category != "other" {
		t.Errorf("Category = %q, want other", res.Listing.Property.Category)
	}
}

func TestValidateAndNormalize_CollectsAllErrors(t *testing.T) {
	payload := map[string]any{
		"status":  "bogus",
		"purpose": "lease",
	}
	res := canonical.ValidateAndNormalize(canonical.SchemaListing, canonical.SchemaVersion1, payload)
	if res.OK {
		t.Fatal("Expected validation failure")
	}
	// canonical_id, title, status, purpose all invalid.
	if len(res.Errors) < 4 {
		t.Errorf("Expected at least 4 errors, got %d: %v", len(res.Errors), res.Errors)
	}
}

func TestValidateAndNormalize_UnknownSchema(t *testing.T) {
	res := canonical.ValidateAndNormalize("canonical.listing", "9.9", validPayload())
	if res.OK {
		t.Fatal("Expected unsupported schema failure")
	}
	if res.Errors[0].Type != "schema_not_supported" {
		t.Errorf("Error type = %q, want schema_not_supported", res.Errors[0].Type)
	}
}

func TestValidateAndNormalize_RentRequiresPrice(t *testing.T) {
	payload := map[string]any{
		"canonical_id": "src-3",
		"title":        "Winter Rental",
		"purpose":      "rent",
	}
	res := canonical.ValidateAndNormalize(canonical.SchemaListing, canonical.SchemaVersion1, payload)
	if res.OK {
		t.Fatal("Expected failure: rent purpose without rent or list_price")
	}
}

func TestContentHash_StableAcrossKeyOrder(t *testing.T) {
	a := validPayload()
	b := map[string]any{
		"property":     map[string]any{"bedrooms": 2, "category": "apartment"},
		"address":      map[string]any{"country": "CY", "city": "Kyrenia"},
		"list_price":   map[string]any{"amount": 250000, "currency": "eur"},
		"purpose":      "sale",
		"status":       "active",
		"title":        "Sea View Apartment",
		"canonical_id": "src-1",
	}
	ra := canonical.ValidateAndNormalize(canonical.SchemaListing, canonical.SchemaVersion1, a)
	rb := canonical.ValidateAndNormalize(canonical.SchemaListing, canonical.SchemaVersion1, b)
	if !ra.OK || !rb.OK {
		t.Fatalf("Expected both payloads valid: %v %v", ra.Errors, rb.Errors)
	}
	if ra.ContentHash != rb.ContentHash {
		t.Errorf("Hashes differ across key order: %s vs %s", ra.ContentHash, rb.ContentHash)
	}
}

func TestContentHash_ChangesOnMaterialEdit(t *testing.T) {
	a := canonical.ValidateAndNormalize(canonical.SchemaListing, canonical.SchemaVersion1, validPayload())

	edited := validPayload()
	edited["title"] = "Sea View Apartment (Reduced)"
	b := canonical.ValidateAndNormalize(canonical.SchemaListing, canonical.SchemaVersion1, edited)

	if a.ContentHash == b.ContentHash {
		t.Error("Expected hash to change when the title changes")
	}
}

func TestContentHash_MediaOrderNormalized(t *testing.T) {
	withMedia := func(order []int) map[string]any {
		p := validPayload()
		media := make([]any, 0, len(order))
		for _, o := range order {
			media = append(media, map[string]any{
				"id": "m" + string(rune('0'+o)), "type": "image",
				"url": "https://cdn.example.com/img.jpg", "order": o,
			})
		}
		p["media"] = media
		return p
	}
	a := canonical.ValidateAndNormalize(canonical.SchemaListing, canonical.SchemaVersion1, withMedia([]int{1, 2, 3}))
	b := canonical.ValidateAndNormalize(canonical.SchemaListing, canonical.SchemaVersion1, withMedia([]int{3, 1, 2}))
	if !a.OK || !b.OK {
		t.Fatalf("Expected both valid: %v %v", a.Errors, b.Errors)
	}
	if a.ContentHash != b.ContentHash {
		t.Error("Expected media to be sorted by order before hashing")
	}
}

func TestHashJSON_SortsKeys(t *testing.T) {
	h1, err := canonical.HashJSON(map[string]any{"a": 1, "b": "x"})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := canonical.HashJSON(map[string]any{"b": "x", "a": 1})
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("HashJSON not order independent: %s vs %s", h1, h2)
	}
}
