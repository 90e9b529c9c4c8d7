package environment

import (
	"log/slog"
	"strings"
	"sync"
)

const maskedValue = "***MASKED***"

// Sensitive connection-string keys whose values never reach a log sink.
var sensitiveKeys = map[string]struct{}{
	"password":                {},
	"pwd":                     {},
	"user id":                 {},
	"uid":                     {},
	"accountkey":              {},
	"account key":             {},
	"accesstoken":             {},
	"access token":            {},
	"sharedaccesssignature":   {},
	"shared access signature": {},
}

// Secret holds a decrypted connection string in a wiped-on-close container.
// String and LogValue only ever emit the masked projection; Reveal is the
// single exit point toward database drivers.
type Secret struct {
	mu     sync.Mutex
	value  []byte
	wiped  bool
	masked string
}

// NewSecret wraps a connection string and precomputes its masked projection.
func NewSecret(connectionString string) *Secret {
	return &Secret{
		value:  []byte(connectionString),
		masked: MaskConnectionString(connectionString),
	}
}

// Reveal returns the plaintext. Callers must not retain the value beyond the
// driver handoff.
func (s *Secret) Reveal() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wiped {
		return ""
	}
	return string(s.value)
}

// Close zeroes the plaintext buffer. Subsequent Reveal calls return "".
func (s *Secret) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.value {
		s.value[i] = 0
	}
	s.wiped = true
	return nil
}

func (s *Secret) String() string { return s.masked }

// LogValue keeps slog from serializing the plaintext by accident.
func (s *Secret) LogValue() slog.Value { return slog.StringValue(s.masked) }

// MaskConnectionString keeps key names visible while replacing secret values,
// so operators can diagnose misconfiguration without leaking credentials.
func MaskConnectionString(connectionString string) string {
	parts := strings.Split(connectionString, ";")
	for i, part := range parts {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		if _, sensitive := sensitiveKeys[key]; sensitive {
			parts[i] = kv[0] + "=" + maskedValue
		}
	}
	return strings.Join(parts, ";")
}
