package evidence

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Project-Eleanor/Eleanor-sub000/pkg/masking"
)

// CustodyAction enumerates the actions recorded in the chain-of-custody
// log. The log is append-only: no UPDATE or DELETE is ever issued against
// custody_events, per spec.md §8.
type CustodyAction string

const (
	ActionIngested  CustodyAction = "ingested"
	ActionViewed    CustodyAction = "viewed"
	ActionExported  CustodyAction = "exported"
	ActionVerified  CustodyAction = "verified"
	ActionDeleted   CustodyAction = "deleted"
	ActionAnnotated CustodyAction = "annotated"
)

// CustodyEvent is one append-only entry in an artifact's chain of custody.
type CustodyEvent struct {
	ID         string
	ArtifactID string
	Action     CustodyAction
	Actor      string
	Timestamp  time.Time
	Details    map[string]any
}

// CustodyLog is the append-only, Postgres-backed chain-of-custody log.
type CustodyLog struct {
	db       *sql.DB
	redactor *masking.Service
}

// NewCustodyLog wraps an existing database connection. Custody details are
// redacted before storage whenever WithRedactor has configured a redactor.
func NewCustodyLog(db *sql.DB) *CustodyLog {
	return &CustodyLog{db: db}
}

// WithRedactor attaches a masking.Service that strips secrets and
// credentials out of free-text custody details (e.g. a raw tool-output
// string recorded alongside an "exported" action) before they are
// persisted.
func (c *CustodyLog) WithRedactor(svc *masking.Service) *CustodyLog {
	c.redactor = svc
	return c
}

func (c *CustodyLog) redactDetails(details map[string]any) map[string]any {
	if c.redactor == nil {
		return details
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		if s, ok := v.(string); ok {
			out[k] = c.redactor.Redact(s)
			continue
		}
		out[k] = v
	}
	return out
}

// Append records a new custody event. It never modifies an existing row.
func (c *CustodyLog) Append(ctx context.Context, artifactID string, action CustodyAction, actor string, details map[string]any) (*CustodyEvent, error) {
	if details == nil {
		details = map[string]any{}
	}
	details = c.redactDetails(details)
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("evidence: marshal custody details: %w", err)
	}
	event := &CustodyEvent{
		ID:         uuid.NewString(),
		ArtifactID: artifactID,
		Action:     action,
		Actor:      actor,
		Timestamp:  nowUTC(),
		Details:    details,
	}
	const q = `
		INSERT INTO custody_events (id, artifact_id, action, actor, occurred_at, details)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := c.db.ExecContext(ctx, q, event.ID, event.ArtifactID, string(event.Action), event.Actor, event.Timestamp, detailsJSON); err != nil {
		return nil, fmt.Errorf("evidence: append custody event: %w", err)
	}
	return event, nil
}

// History returns every custody event for an artifact, oldest first.
func (c *CustodyLog) History(ctx context.Context, artifactID string) ([]CustodyEvent, error) {
	const q = `
		SELECT id, artifact_id, action, actor, occurred_at, details
		FROM custody_events
		WHERE artifact_id = $1
		ORDER BY occurred_at ASC
	`
	rows, err := c.db.QueryContext(ctx, q, artifactID)
	if err != nil {
		return nil, fmt.Errorf("evidence: query custody history: %w", err)
	}
	defer rows.Close()

	var out []CustodyEvent
	for rows.Next() {
		var ev CustodyEvent
		var action string
		var detailsJSON []byte
		if err := rows.Scan(&ev.ID, &ev.ArtifactID, &action, &ev.Actor, &ev.Timestamp, &detailsJSON); err != nil {
			return nil, fmt.Errorf("evidence: scan custody event: %w", err)
		}
		ev.Action = CustodyAction(action)
		if len(detailsJSON) > 0 {
			_ = json.Unmarshal(detailsJSON, &ev.Details)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Verify re-hashes the stored artifact and compares it against the
// artifact's recorded sha256, appending a "verified" custody event either
// way. A mismatch indicates the underlying object has been tampered with
// or corrupted since ingestion.
func (c *CustodyLog) Verify(ctx context.Context, store *ObjectStore, artifactID, expectedSHA256 string) (bool, error) {
	data, err := store.StreamDownload(ctx, expectedSHA256)
	if err != nil {
		return false, err
	}
	hashes, _, err := HashReader(bytes.NewReader(data))
	if err != nil {
		return false, err
	}
	match := hashes.SHA256 == expectedSHA256
	if _, err := c.Append(ctx, artifactID, ActionVerified, "system", map[string]any{
		"match":           match,
		"recomputed_sha256": hashes.SHA256,
	}); err != nil {
		return match, err
	}
	return match, nil
}
