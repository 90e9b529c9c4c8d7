package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"golang.org/x/crypto/pbkdf2"

	"github.com/portwayapi/portway/internal/api"
)

const (
	pbkdf2Iterations = 10_000
	hashLength       = 32
	saltLength       = 16
)

func deriveHash(token string, salt []byte) []byte {
	return pbkdf2.Key([]byte(token), salt, pbkdf2Iterations, hashLength, sha256.New)
}

// matches reports whether the plaintext token derives to this record's hash.
func (t TokenRecord) matches(token string) bool {
	salt, err := base64.StdEncoding.DecodeString(t.TokenSalt)
	if err != nil {
		return false
	}
	stored, err := base64.StdEncoding.DecodeString(t.TokenHash)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(deriveHash(token, salt), stored) == 1
}

// Identity is the authenticated caller attached to a request after a token
// verifies. Scope and environment patterns are pre-compiled globs; the raw
// grant strings ride along for audit details.
type Identity struct {
	TokenID      int64
	Username     string
	Scopes       string
	Environments string
	scopes       []glob.Glob
	environments []glob.Glob
}

// AllowsEndpoint reports whether the identity may call the named endpoint.
// Matching is case-insensitive; patterns follow "*", "Prefix*", or exact.
func (id *Identity) AllowsEndpoint(name string) bool {
	return matchAny(id.scopes, name)
}

// AllowsEnvironment reports whether the identity may touch the environment.
func (id *Identity) AllowsEnvironment(env string) bool {
	return matchAny(id.environments, env)
}

func matchAny(patterns []glob.Glob, value string) bool {
	value = strings.ToLower(value)
	for _, p := range patterns {
		if p.Match(value) {
			return true
		}
	}
	return false
}

func compilePatterns(csv string) []glob.Glob {
	parts := strings.Split(csv, ",")
	out := make([]glob.Glob, 0, len(parts))
	for _, part := range parts {
		pattern := strings.ToLower(strings.TrimSpace(part))
		if pattern == "" {
			continue
		}
		compiled, err := glob.Compile(pattern)
		if err != nil {
			continue
		}
		out = append(out, compiled)
	}
	return out
}

// Verifier checks presented bearer tokens against the store. Every active
// credential is tried with its own salt; comparison is constant-time per
// candidate so the match position does not leak through timing.
type Verifier struct {
	store *Store
}

// NewVerifier binds a verifier to its credential store.
func NewVerifier(store *Store) *Verifier {
	return &Verifier{store: store}
}

// Verify resolves a bearer token to an identity. Unknown and expired tokens
// both fail with the same kind so callers cannot distinguish them.
func (v *Verifier) Verify(ctx context.Context, token string) (*Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, api.Errf(api.KindUnauthenticated, "missing bearer token")
	}

	records, err := v.store.ActiveTokens(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for _, record := range records {
		// PBKDF2 per candidate is deliberate work; honor cancellation between
		// derivations rather than mid-stream.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if record.Expired(now) {
			continue
		}
		if record.matches(token) {
			return &Identity{
				TokenID:      record.ID,
				Username:     record.Username,
				Scopes:       record.AllowedScopes,
				Environments: record.AllowedEnvironments,
				scopes:       compilePatterns(record.AllowedScopes),
				environments: compilePatterns(record.AllowedEnvironments),
			}, nil
		}
	}
	return nil, api.Errf(api.KindUnauthenticated, "invalid bearer token")
}

// BearerFromHeader extracts the token from an Authorization header value.
func BearerFromHeader(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
