package database

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateGINIndexes creates full-text-search GIN indexes not expressed by
// the plain CREATE TABLE migrations — full-text search on evidence
// custody annotations and sigma rule descriptions.
func CreateGINIndexes(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE INDEX IF NOT EXISTS idx_custody_events_details_gin
			ON custody_events USING gin(to_tsvector('english', COALESCE(details, '')))`,
		`CREATE INDEX IF NOT EXISTS idx_sigma_rules_description_gin
			ON sigma_rules USING gin(to_tsvector('english', COALESCE(description, '')))`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create GIN index: %w", err)
		}
	}
	return nil
}
