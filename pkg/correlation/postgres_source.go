package correlation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Project-Eleanor/Eleanor-sub000/pkg/ecs"
)

// PostgresSource implements EventSource against the events table the
// composition root's ingestion pipeline indexes every NormalizedEvent
// into — the original queries Elasticsearch directly for the same
// purpose; this is Eleanor's default EventSource implementation.
type PostgresSource struct {
	db *sql.DB
}

// NewPostgresSource wraps an existing database connection.
func NewPostgresSource(db *sql.DB) *PostgresSource { return &PostgresSource{db: db} }

// Query returns every event in [from, to] whose fields satisfy query's
// "field:value AND field:value" mini-grammar, sorted ascending by
// timestamp. Filtering happens in Go after a single ranged fetch, since
// the query grammar addresses NormalizedEvent's dot-notation field space
// rather than the doc column's raw JSON shape.
func (p *PostgresSource) Query(ctx context.Context, query string, from, to time.Time) ([]*ecs.NormalizedEvent, error) {
	const q = `
		SELECT doc FROM events
		WHERE occurred_at >= $1 AND occurred_at <= $2
		ORDER BY occurred_at ASC
	`
	rows, err := p.db.QueryContext(ctx, q, from, to)
	if err != nil {
		return nil, fmt.Errorf("correlation: query events: %w", err)
	}
	defer rows.Close()

	var out []*ecs.NormalizedEvent
	for rows.Next() {
		var docJSON []byte
		if err := rows.Scan(&docJSON); err != nil {
			return nil, fmt.Errorf("correlation: scan event: %w", err)
		}
		var event ecs.NormalizedEvent
		if err := json.Unmarshal(docJSON, &event); err != nil {
			return nil, fmt.Errorf("correlation: decode event: %w", err)
		}
		if query == "" || query == "*" || eventMatchesSimpleQuery(&event, query) {
			out = append(out, &event)
		}
	}
	return out, rows.Err()
}

// Count returns event counts within [from, to], grouped by groupBy fields
// (joined with "|" into a composite key), or a single "*" key when
// groupBy is empty.
func (p *PostgresSource) Count(ctx context.Context, query string, from, to time.Time, groupBy []string) (map[string]int, error) {
	events, err := p.Query(ctx, query, from, to)
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	for _, event := range events {
		key := groupKey(event, groupBy)
		counts[key]++
	}
	return counts, nil
}

// Index persists a NormalizedEvent into the events table so batch
// correlation rules (and PostgresSource.Query/Count) can later find it.
// Called by the composition root's ingestion pipeline alongside
// eventbuffer.Publish, once per accepted event.
func (p *PostgresSource) Index(ctx context.Context, id string, event *ecs.NormalizedEvent) error {
	docJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("correlation: marshal event for indexing: %w", err)
	}
	const q = `
		INSERT INTO events (id, source_type, occurred_at, doc)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := p.db.ExecContext(ctx, q, id, event.SourceType, event.Timestamp, docJSON); err != nil {
		return fmt.Errorf("correlation: index event: %w", err)
	}
	return nil
}

func groupKey(event *ecs.NormalizedEvent, groupBy []string) string {
	if len(groupBy) == 0 {
		return "*"
	}
	parts := make([]string, 0, len(groupBy))
	for _, field := range groupBy {
		value, ok := event.Field(field)
		if !ok || value == nil {
			value = ""
		}
		parts = append(parts, fmt.Sprintf("%v", value))
	}
	return strings.Join(parts, "|")
}
