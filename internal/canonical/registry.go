package canonical

import (
	"encoding/json"
	"fmt"
)

// Result is the outcome of canonical validation and normalization.
// Normalized is the canonical document with defaults applied, nil fields
// stripped and deterministic ordering; ContentHash is the hex SHA-256
// over its sorted-key compact JSON encoding.
type Result struct {
	OK          bool
	Listing     *Listing
	Normalized  map[string]any
	ContentHash string
	Errors      []FieldError
}

type schemaKey struct {
	schema  string
	version string
}

// validators is the process-wide schema registry, populated at init and
// read-only thereafter.
var validators = map[schemaKey]func(payload map[string]any) Result{
	{SchemaListing, SchemaVersion1}: validateListingV1,
}

// ValidateAndNormalize resolves (schema, version) in the registry and
// runs the schema's validator. An unknown schema fails with a single
// schema_not_supported error.
func ValidateAndNormalize(schema, version string, payload map[string]any) Result {
	fn, ok := validators[schemaKey{schema, version}]
	if !ok {
		return Result{
			OK: false,
			Errors: []FieldError{{
				Type:    "schema_not_supported",
				Message: fmt.Sprintf("schema %s@%s is not supported", schema, version),
			}},
		}
	}
	return fn(payload)
}

func validateListingV1(payload map[string]any) Result {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Result{OK: false, Errors: []FieldError{{Type: "invalid_payload", Message: err.Error()}}}
	}
	var l Listing
	if err := json.Unmarshal(raw, &l); err != nil {
		return Result{OK: false, Errors: []FieldError{{Type: "invalid_payload", Message: err.Error()}}}
	}

	l.normalize()
	if errs := l.Validate(); len(errs) > 0 {
		return Result{OK: false, Errors: errs}
	}

	// Round-trip through map[string]any so the final encoding has sorted
	// keys and omitted zero fields regardless of struct declaration order.
	enc, err := json.Marshal(&l)
	if err != nil {
		return Result{OK: false, Errors: []FieldError{{Type: "internal", Message: err.Error()}}}
	}
	var normalized map[string]any
	if err := json.Unmarshal(enc, &normalized); err != nil {
		return Result{OK: false, Errors: []FieldError{{Type: "internal", Message: err.Error()}}}
	}

	hash, err := HashJSON(normalized)
	if err != nil {
		return Result{OK: false, Errors: []FieldError{{Type: "internal", Message: err.Error()}}}
	}

	return Result{OK: true, Listing: &l, Normalized: normalized, ContentHash: hash}
}

// Decode parses a normalized payload back into a typed Listing. Used by
// projections and feed plugins, which consume stored canonical documents.
func Decode(payload map[string]any) (*Listing, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var l Listing
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, err
	}
	return &l, nil
}
