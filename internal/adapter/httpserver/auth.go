package httpserver

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/fairyhunter13/ai-med-transcriber/internal/domain"
)

// userIDHeader carries the producer identity, set by the gateway in front
// of this service.
const userIDHeader = "X-User-ID"

// adminTokenHeader carries the operator token for /admin routes.
const adminTokenHeader = "X-Admin-Token" //nolint:gosec // header name, not a credential

// UserID returns the caller identity or empty when the header is absent.
func UserID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(userIDHeader))
}

// RequireUser rejects requests without a producer identity.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if UserID(r) == "" {
			writeError(w, r, fmt.Errorf("missing %s header: %w", userIDHeader, domain.ErrUnauthorized), nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin verifies the admin token against the configured argon2id
// hash. Verification is constant-time in the derived key comparison.
func RequireAdmin(tokenHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get(adminTokenHeader)
			if token == "" || !verifyArgon2id(tokenHash, token) {
				writeError(w, r, fmt.Errorf("admin token rejected: %w", domain.ErrUnauthorized), nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// verifyArgon2id checks a candidate secret against a PHC-format argon2id
// hash ($argon2id$v=19$m=...,t=...,p=...$salt$hash).
func verifyArgon2id(encoded, candidate string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false
	}
	var mem uint32
	var iters uint32
	var par uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &iters, &par); err != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(candidate), salt, iters, mem, par, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

// HashAdminToken produces a PHC-format argon2id hash for the token; used by
// tests and the token provisioning tooling.
func HashAdminToken(token string, salt []byte) string {
	const (
		iters = 3
		mem   = 64 * 1024
		par   = 2
		klen  = 32
	)
	key := argon2.IDKey([]byte(token), salt, iters, mem, par, klen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, mem, iters, par,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key))
}
