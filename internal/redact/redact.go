// Package redact strips secrets out of payloads before they are
// persisted in ingest runs or returned from admin endpoints.
package redact

import "strings"

// Sentinel replaces every sensitive value.
const Sentinel = "**********"

var sensitiveKeys = map[string]struct{}{
	"password": {}, "pass": {}, "pwd": {},
	"secret": {}, "client_secret": {},
	"token": {}, "access_token": {}, "refresh_token": {},
	"api_key": {}, "apikey": {},
	"authorization": {}, "auth": {},
}

// Payload returns a deep copy of v with every value whose key matches
// the sensitive set (case-insensitive, recursively) replaced by the
// sentinel. Extra keys extend the default set.
func Payload(v any, extraKeys ...string) any {
	extra := make(map[string]struct{}, len(extraKeys))
	for _, k := range extraKeys {
		extra[strings.ToLower(k)] = struct{}{}
	}
	return walk(v, extra)
}

func sensitive(key string, extra map[string]struct{}) bool {
	k := strings.ToLower(key)
	if _, ok := sensitiveKeys[k]; ok {
		return true
	}
	_, ok := extra[k]
	return ok
}

func walk(v any, extra map[string]struct{}) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			if sensitive(k, extra) {
				out[k] = Sentinel
			} else {
				out[k] = walk(vv, extra)
			}
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = walk(vv, extra)
		}
		return out
	default:
		return v
	}
}

// Map is a convenience wrapper for map payloads.
func Map(m map[string]any, extraKeys ...string) map[string]any {
	if m == nil {
		return nil
	}
	out, _ := Payload(m, extraKeys...).(map[string]any)
	return out
}
