// Package auth verifies bearer tokens against the local SQLite credential
// store and records an append-only audit trail of token lifecycle events and
// request-path failures.
package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/portwayapi/portway/internal/api"
)

const schema = `
CREATE TABLE IF NOT EXISTS Tokens (
	Id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	Username            TEXT    NOT NULL UNIQUE COLLATE NOCASE,
	TokenHash           TEXT    NOT NULL,
	TokenSalt           TEXT    NOT NULL,
	AllowedScopes       TEXT    NOT NULL DEFAULT '*',
	AllowedEnvironments TEXT    NOT NULL DEFAULT '*',
	ExpiresAt           TIMESTAMP,
	RevokedAt           TIMESTAMP,
	CreatedAt           TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS IX_Tokens_Username ON Tokens (Username);
CREATE INDEX IF NOT EXISTS IX_Tokens_CreatedAt ON Tokens (CreatedAt);

CREATE TABLE IF NOT EXISTS TokenAudits (
	Id          INTEGER PRIMARY KEY AUTOINCREMENT,
	TokenId     INTEGER,
	Username    TEXT    NOT NULL DEFAULT '',
	Operation   TEXT    NOT NULL,
	OldHash     TEXT,
	NewHash     TEXT,
	Timestamp   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	DetailsJson TEXT    NOT NULL DEFAULT '{}',
	Source      TEXT    NOT NULL DEFAULT '',
	IpAddress   TEXT,
	UserAgent   TEXT
);
CREATE INDEX IF NOT EXISTS IX_TokenAudits_Operation_Timestamp_TokenId
	ON TokenAudits (Operation, Timestamp, TokenId);
`

// TokenRecord is one credential row. Hash and salt are stored base64-encoded.
type TokenRecord struct {
	ID                  int64        `db:"Id"`
	Username            string       `db:"Username"`
	TokenHash           string       `db:"TokenHash"`
	TokenSalt           string       `db:"TokenSalt"`
	AllowedScopes       string       `db:"AllowedScopes"`
	AllowedEnvironments string       `db:"AllowedEnvironments"`
	ExpiresAt           sql.NullTime `db:"ExpiresAt"`
	RevokedAt           sql.NullTime `db:"RevokedAt"`
	CreatedAt           time.Time    `db:"CreatedAt"`
}

// Expired reports whether the record carries a passed expiry.
func (t TokenRecord) Expired(now time.Time) bool {
	return t.ExpiresAt.Valid && now.After(t.ExpiresAt.Time)
}

// Store wraps the auth.db SQLite database. The schema is applied at open so
// a fresh deployment bootstraps itself.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// OpenStore opens (or creates) the credential database at path.
func OpenStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create auth directory: %w", err)
		}
	}
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open auth database: %w", err)
	}
	// SQLite serializes writers; one connection avoids lock contention.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply auth schema: %w", err)
	}
	return &Store{db: db, logger: logger.With(slog.String("agent", "auth_store"))}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ActiveTokens lists every credential that is neither revoked nor expired.
func (s *Store) ActiveTokens(ctx context.Context) ([]TokenRecord, error) {
	var records []TokenRecord
	err := s.db.SelectContext(ctx, &records,
		`SELECT Id, Username, TokenHash, TokenSalt, AllowedScopes, AllowedEnvironments, ExpiresAt, RevokedAt, CreatedAt
		 FROM Tokens
		 WHERE RevokedAt IS NULL AND (ExpiresAt IS NULL OR ExpiresAt > ?)`, time.Now().UTC())
	if err != nil {
		return nil, api.E(api.KindDbUnavailable, "credential store unavailable", err)
	}
	return records, nil
}

// UpsertToken hashes the plaintext token with a fresh salt and inserts or
// replaces the credential for the username. Lifecycle audit rows (Created,
// Rotated, ScopesUpdated, EnvironmentsUpdated) are written inline.
func (s *Store) UpsertToken(ctx context.Context, username, token, scopes, environments string) error {
	return s.upsert(ctx, upsertParams{
		Username:     username,
		Token:        token,
		Scopes:       scopes,
		Environments: environments,
		Source:       "api",
	})
}

type upsertParams struct {
	Username     string
	Token        string
	Scopes       string
	Environments string
	ExpiresAt    sql.NullTime
	Source       string
}

func (s *Store) upsert(ctx context.Context, p upsertParams) error {
	username := strings.TrimSpace(p.Username)
	if username == "" {
		return fmt.Errorf("username required")
	}
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	hash := base64.StdEncoding.EncodeToString(deriveHash(p.Token, salt))
	if p.Scopes == "" {
		p.Scopes = "*"
	}
	if p.Environments == "" {
		p.Environments = "*"
	}

	existing, hadExisting := s.lookupByUsername(ctx, username)
	sameSecret := hadExisting && existing.matches(p.Token)
	if sameSecret {
		// An unchanged secret keeps its stored hash and salt so repeated
		// syncs do not look like rotations.
		hash = existing.TokenHash
		_, err := s.db.ExecContext(ctx,
			`UPDATE Tokens SET AllowedScopes = ?, AllowedEnvironments = ?, ExpiresAt = ?, RevokedAt = NULL
			 WHERE Id = ?`,
			p.Scopes, p.Environments, p.ExpiresAt, existing.ID)
		if err != nil {
			return fmt.Errorf("store token for %q: %w", username, err)
		}
	} else {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO Tokens (Username, TokenHash, TokenSalt, AllowedScopes, AllowedEnvironments, ExpiresAt)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(Username) DO UPDATE SET
				TokenHash = excluded.TokenHash,
				TokenSalt = excluded.TokenSalt,
				AllowedScopes = excluded.AllowedScopes,
				AllowedEnvironments = excluded.AllowedEnvironments,
				ExpiresAt = excluded.ExpiresAt,
				RevokedAt = NULL`,
			username, hash,
			base64.StdEncoding.EncodeToString(salt),
			p.Scopes, p.Environments, p.ExpiresAt,
		)
		if err != nil {
			return fmt.Errorf("store token for %q: %w", username, err)
		}
	}

	record, _ := s.lookupByUsername(ctx, username)
	base := AuditRecord{TokenID: record.ID, Username: username, Source: p.Source, NewHash: hash}
	if !hadExisting {
		s.audit(ctx, base, OpCreated, nil)
		return nil
	}
	base.OldHash = existing.TokenHash
	if !sameSecret {
		s.audit(ctx, base, OpRotated, nil)
	}
	if existing.AllowedScopes != p.Scopes {
		s.audit(ctx, base, OpScopesUpdated, map[string]any{
			"OldScopes": existing.AllowedScopes, "NewScopes": p.Scopes,
		})
	}
	if existing.AllowedEnvironments != p.Environments {
		s.audit(ctx, base, OpEnvironmentsUpdated, map[string]any{
			"OldEnvironments": existing.AllowedEnvironments, "NewEnvironments": p.Environments,
		})
	}
	if !existing.ExpiresAt.Time.Equal(p.ExpiresAt.Time) || existing.ExpiresAt.Valid != p.ExpiresAt.Valid {
		s.audit(ctx, base, OpExpirationUpdated, map[string]any{
			"NewExpiresAt": expiryString(p.ExpiresAt),
		})
	}
	return nil
}

func (s *Store) audit(ctx context.Context, base AuditRecord, op Operation, details map[string]any) {
	base.Operation = op
	base.Details = details
	if err := s.insertAudit(ctx, base); err != nil {
		s.logger.Error("audit write failed",
			slog.String("operation", string(op)), slog.Any("error", err))
	}
}

func expiryString(t sql.NullTime) string {
	if !t.Valid {
		return "Never"
	}
	return t.Time.UTC().Format(time.RFC3339)
}

// RevokeToken marks a credential revoked without deleting the row, so the
// audit trail keeps its token reference. Revoking an already-revoked or
// unknown username is a no-op.
func (s *Store) RevokeToken(ctx context.Context, username, source string) error {
	record, ok := s.lookupByUsername(ctx, strings.TrimSpace(username))
	if !ok || record.RevokedAt.Valid {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE Tokens SET RevokedAt = ? WHERE Id = ?`, time.Now().UTC(), record.ID)
	if err != nil {
		return fmt.Errorf("revoke token for %q: %w", username, err)
	}
	s.audit(ctx, AuditRecord{
		TokenID:  record.ID,
		Username: record.Username,
		OldHash:  record.TokenHash,
		Source:   source,
	}, OpRevoked, nil)
	return nil
}

// tokenFile is the on-disk JSON contract for tokens/{username}.txt. Scope
// lists appear both as arrays and as comma-separated strings in the wild.
type tokenFile struct {
	Username            string     `json:"Username"`
	Token               string     `json:"Token"`
	AllowedScopes       stringList `json:"AllowedScopes"`
	AllowedEnvironments stringList `json:"AllowedEnvironments"`
	ExpiresAt           string     `json:"ExpiresAt"`
	CreatedAt           string     `json:"CreatedAt"`
	Description         string     `json:"Description"`
	Usage               string     `json:"Usage"`
}

type stringList string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = stringList(single)
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*l = stringList(strings.Join(many, ","))
	return nil
}

const revokedSuffix = ".revoked.txt"

// SyncTokenFiles imports token JSON files from the tokens directory. A
// {username}.revoked.txt file revokes the credential; a {username}.txt file
// holds the token JSON contract and creates or rotates it.
func (s *Store) SyncTokenFiles(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read tokens directory: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(name), ".txt") {
			continue
		}
		if strings.HasSuffix(strings.ToLower(name), revokedSuffix) {
			username := name[:len(name)-len(revokedSuffix)]
			if err := s.RevokeToken(ctx, username, "token_file"); err != nil {
				s.logger.Warn("token revocation failed", slog.String("username", username), slog.Any("error", err))
			} else {
				s.logger.Info("token revoked", slog.String("username", username))
			}
			continue
		}
		body, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			s.logger.Warn("token file unreadable", slog.String("file", name), slog.Any("error", err))
			continue
		}
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		if err := s.importTokenFile(ctx, stem, body); err != nil {
			s.logger.Warn("token import failed", slog.String("file", name), slog.Any("error", err))
			continue
		}
	}
	return nil
}

func (s *Store) importTokenFile(ctx context.Context, stem string, body []byte) error {
	var tf tokenFile
	if err := json.Unmarshal(body, &tf); err != nil {
		return fmt.Errorf("token file is not valid JSON: %w", err)
	}
	if tf.Token == "" {
		return fmt.Errorf("token file carries no token")
	}
	username := tf.Username
	if username == "" {
		username = stem
	}
	expires, err := parseExpiry(tf.ExpiresAt)
	if err != nil {
		return err
	}
	scopes, environments := string(tf.AllowedScopes), string(tf.AllowedEnvironments)
	if existing, ok := s.lookupByUsername(ctx, username); ok {
		// A file without grants only refreshes the secret.
		if scopes == "" {
			scopes = existing.AllowedScopes
		}
		if environments == "" {
			environments = existing.AllowedEnvironments
		}
	}
	if err := s.upsert(ctx, upsertParams{
		Username:     username,
		Token:        tf.Token,
		Scopes:       scopes,
		Environments: environments,
		ExpiresAt:    expires,
		Source:       "token_file",
	}); err != nil {
		return err
	}
	s.logger.Info("token imported", slog.String("username", username))
	return nil
}

func parseExpiry(raw string) (sql.NullTime, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "Never") {
		return sql.NullTime{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return sql.NullTime{Time: t.UTC(), Valid: true}, nil
		}
	}
	return sql.NullTime{}, fmt.Errorf("expiry %q not recognized", raw)
}

func (s *Store) lookupByUsername(ctx context.Context, username string) (TokenRecord, bool) {
	var record TokenRecord
	err := s.db.GetContext(ctx, &record,
		`SELECT Id, Username, TokenHash, TokenSalt, AllowedScopes, AllowedEnvironments, ExpiresAt, RevokedAt, CreatedAt
		 FROM Tokens WHERE Username = ?`, username)
	return record, err == nil
}
