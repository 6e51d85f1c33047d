package realtime

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// StoreSink persists generated alerts to Postgres, the durable record the
// UI/API layer and downstream playbook triggers read from.
type StoreSink struct {
	db *sql.DB
}

// NewStoreSink wraps an existing database connection.
func NewStoreSink(db *sql.DB) *StoreSink { return &StoreSink{db: db} }

// Store inserts alert, ignoring a duplicate ID (the processor may redeliver
// the same stream message after a crash before it acks).
func (s *StoreSink) Store(ctx context.Context, alert *Alert) error {
	rawEvent, err := json.Marshal(alert.RawEvent)
	if err != nil {
		return fmt.Errorf("realtime: marshal raw event: %w", err)
	}
	tactics, err := json.Marshal(alert.MitreTactics)
	if err != nil {
		return fmt.Errorf("realtime: marshal mitre tactics: %w", err)
	}
	techniques, err := json.Marshal(alert.MitreTechniques)
	if err != nil {
		return fmt.Errorf("realtime: marshal mitre techniques: %w", err)
	}
	tags, err := json.Marshal(alert.Tags)
	if err != nil {
		return fmt.Errorf("realtime: marshal tags: %w", err)
	}

	const q = `
		INSERT INTO alerts (id, title, description, severity, status, source, rule_id, raw_event, mitre_tactics, mitre_techniques, tags, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = s.db.ExecContext(ctx, q,
		alert.ID, alert.Title, alert.Description, alert.Severity, alert.Status,
		alert.Source, alert.RuleID, rawEvent, tactics, techniques, tags, alert.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("realtime: store alert: %w", err)
	}
	return nil
}
