package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/syndihub/syndihub/hub/internal/canonical"
	"github.com/syndihub/syndihub/hub/internal/store"
	"github.com/syndihub/syndihub/hub/pkg/models"
)

// HeaderIdempotencyKey is the opt-in header for idempotent POSTs.
const HeaderIdempotencyKey = "Idempotency-Key"

// Idempotency replays stored responses for repeated requests carrying
// the same Idempotency-Key. Reusing a key with a different request body
// is rejected; a key whose first request is still in flight is rejected
// too, so retries cannot double-execute.
func Idempotency(st store.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderIdempotencyKey)
			actor := GetActor(r.Context())
			if key == "" || actor == nil {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, `{"error":"unreadable body"}`, http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			scope := actor.TenantID
			if scope == "" {
				scope = actor.KeyID
			}

			// The request hash is the SHA-256 of sorted-key JSON over
			// {path, body}, so equivalent bodies with different key order
			// or whitespace still count as the same request.
			var parsedBody any
			if len(bytes.TrimSpace(body)) > 0 {
				if jsonErr := json.Unmarshal(body, &parsedBody); jsonErr != nil {
					parsedBody = string(body)
				}
			}
			reqHash, err := canonical.HashJSON(map[string]any{
				"path": r.URL.Path,
				"body": parsedBody,
			})
			if err != nil {
				http.Error(w, `{"error":"idempotency check failed"}`, http.StatusInternalServerError)
				return
			}

			existing, err := st.ReserveIdempotency(r.Context(), &models.IdempotencyKey{
				TenantID:    scope,
				PartnerID:   actor.PartnerID,
				Key:         key,
				RequestHash: reqHash,
				CreatedAt:   time.Now().UTC(),
			})
			if err != nil {
				http.Error(w, `{"error":"idempotency check failed"}`, http.StatusInternalServerError)
				return
			}
			if existing != nil {
				if existing.RequestHash != reqHash {
					conflictJSON(w, "idempotency key reused with a different request")
					return
				}
				if existing.Response == nil {
					conflictJSON(w, "original request still in progress")
					return
				}
				replay(w, existing.Response)
				return
			}

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			// 5xx responses are not memoized so the client can retry:
			// the reservation is released instead of stored.
			var parsed any
			if rec.status < 500 && json.Unmarshal(rec.buf.Bytes(), &parsed) == nil {
				_ = st.StoreIdempotencyResponse(r.Context(), scope, key, map[string]any{
					"status": rec.status,
					"body":   parsed,
				})
			} else {
				_ = st.ReleaseIdempotency(r.Context(), scope, key)
			}
		})
	}
}

type recorder struct {
	http.ResponseWriter
	status int
	wrote  bool
	buf    bytes.Buffer
}

func (r *recorder) WriteHeader(code int) {
	if !r.wrote {
		r.status = code
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	r.buf.Write(b)
	return r.ResponseWriter.Write(b)
}

func replay(w http.ResponseWriter, stored map[string]any) {
	status := http.StatusOK
	switch v := stored["status"].(type) {
	case float64:
		status = int(v)
	case int:
		status = v
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			status = n
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Idempotent-Replay", "true")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(stored["body"])
}

func conflictJSON(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusConflict)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
