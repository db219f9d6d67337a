package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Fingerprint derives a deterministic signature from a request's method,
// target URL, headers, and body. Header map iteration order does not affect
// the result: the flattened header map is canonicalized through
// encoding/json, which emits map keys sorted.
func Fingerprint(method, url string, headers map[string][]string, body []byte) string {
	flat := make(map[string]string, len(headers))
	for name, values := range headers {
		flat[name] = strings.Join(values, ",")
	}
	headerJSON, _ := json.Marshal(flat)

	raw := method + " " + url + " " + string(headerJSON) + " " + string(body)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
