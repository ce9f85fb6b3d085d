// Package ids generates prefixed entity identifiers (lst_…, run_…, dlv_…).
package ids

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// New returns "<prefix>_<32 hex chars>".
func New(prefix string) string {
	u := uuid.New()
	return prefix + "_" + hex.EncodeToString(u[:])
}

// NewLease returns a bare 128-bit random lease token.
func NewLease() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}
