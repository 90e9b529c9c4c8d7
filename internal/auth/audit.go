package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Operation labels one audit event in the token lifecycle.
type Operation string

const (
	OpCreated             Operation = "Created"
	OpRevoked             Operation = "Revoked"
	OpRotated             Operation = "Rotated"
	OpScopesUpdated       Operation = "ScopesUpdated"
	OpEnvironmentsUpdated Operation = "EnvironmentsUpdated"
	OpExpirationUpdated   Operation = "ExpirationUpdated"
	OpFailedAuth          Operation = "FailedAuth"
	OpAuthorizationFailed Operation = "AuthorizationFailed"
)

// AuditRecord is one append-only audit row. TokenID is zero when the event
// never resolved to a stored credential, as with a failed authentication.
type AuditRecord struct {
	TokenID   int64
	Username  string
	Operation Operation
	OldHash   string
	NewHash   string
	At        time.Time
	Details   map[string]any
	Source    string
	IPAddress string
	UserAgent string
}

// insertAudit writes one audit row synchronously. Lifecycle operations on the
// store call this inline; request-path failures go through the Auditor queue.
func (s *Store) insertAudit(ctx context.Context, record AuditRecord) error {
	if record.At.IsZero() {
		record.At = time.Now().UTC()
	}
	details := "{}"
	if len(record.Details) > 0 {
		if encoded, err := json.Marshal(record.Details); err == nil {
			details = string(encoded)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO TokenAudits (TokenId, Username, Operation, OldHash, NewHash, Timestamp, DetailsJson, Source, IpAddress, UserAgent)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullInt(record.TokenID), record.Username, string(record.Operation),
		nullString(record.OldHash), nullString(record.NewHash),
		record.At, details, record.Source,
		nullString(record.IPAddress), nullString(record.UserAgent),
	)
	return err
}

// RecentAudits returns the newest rows for one operation, newest first.
func (s *Store) RecentAudits(ctx context.Context, operation Operation, limit int) ([]AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT TokenId, Username, Operation, OldHash, NewHash, Timestamp, DetailsJson, Source, IpAddress, UserAgent
		 FROM TokenAudits WHERE Operation = ? ORDER BY Id DESC LIMIT ?`,
		string(operation), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var (
			record           AuditRecord
			tokenID          sql.NullInt64
			oldHash, newHash sql.NullString
			details          string
			ip, agent        sql.NullString
			operationValue   string
		)
		if err := rows.Scan(&tokenID, &record.Username, &operationValue, &oldHash, &newHash,
			&record.At, &details, &record.Source, &ip, &agent); err != nil {
			return nil, err
		}
		record.TokenID = tokenID.Int64
		record.Operation = Operation(operationValue)
		record.OldHash = oldHash.String
		record.NewHash = newHash.String
		record.IPAddress = ip.String
		record.UserAgent = agent.String
		if details != "" {
			_ = json.Unmarshal([]byte(details), &record.Details)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

// Auditor persists audit records asynchronously. Request handlers enqueue
// and move on; a full buffer drops the record with a warning instead of
// stalling the hot path.
type Auditor struct {
	store  *Store
	logger *slog.Logger
	queue  chan AuditRecord
	done   chan struct{}
	once   sync.Once
}

// NewAuditor starts the background writer.
func NewAuditor(store *Store, logger *slog.Logger) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Auditor{
		store:  store,
		logger: logger.With(slog.String("agent", "audit")),
		queue:  make(chan AuditRecord, 256),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// Record enqueues one audit entry. Never blocks.
func (a *Auditor) Record(record AuditRecord) {
	if a == nil {
		return
	}
	if record.At.IsZero() {
		record.At = time.Now().UTC()
	}
	select {
	case a.queue <- record:
	default:
		a.logger.Warn("audit queue full, record dropped",
			slog.String("username", record.Username),
			slog.String("operation", string(record.Operation)),
		)
	}
}

// Close drains the queue and stops the writer.
func (a *Auditor) Close() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		close(a.queue)
		<-a.done
	})
}

func (a *Auditor) run() {
	defer close(a.done)
	for record := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := a.store.insertAudit(ctx, record)
		cancel()
		if err != nil {
			// Audit failures are logged, never surfaced to the caller.
			a.logger.Error("audit write failed", slog.Any("error", err))
		}
	}
}
