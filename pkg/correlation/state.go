package correlation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is a CorrelationState lifecycle status.
type Status string

const (
	StatusActive    Status = "active"
	StatusTriggered Status = "triggered"
	StatusExpired   Status = "expired"
	StatusCompleted Status = "completed"
)

// InnerState is the accumulated, JSON-persisted progress of an in-flight
// sequence correlation.
type InnerState struct {
	MatchedEvents []MatchedStep  `json:"matched_events"`
	Counts        map[string]int `json:"counts"`
	FirstEventID  string         `json:"first_event_id"`
}

// MatchedStep records one event that advanced a sequence.
type MatchedStep struct {
	EventID   string    `json:"event_id"`
	Step      string    `json:"step"`
	Timestamp time.Time `json:"timestamp"`
}

// State is one persisted row of correlation progress, keyed by
// (rule_id, entity_key, window_start) per SPEC_FULL.md §6.
type State struct {
	ID          string
	RuleID      string
	EntityKey   string
	Status      Status
	Inner       InnerState
	WindowStart time.Time
	WindowEnd   time.Time
}

// Store is the Postgres-backed correlation state store.
type Store struct {
	db *sql.DB
}

// NewStore wraps an existing database connection.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// CleanExpired deletes ACTIVE states whose window has closed, called at
// the start of every rule execution to bound state growth (mirrors the
// original's delete-expired-states step). Triggered/completed states are
// retained for audit purposes and are never deleted here.
func (s *Store) CleanExpired(ctx context.Context, ruleID string, now time.Time) error {
	const q = `
		DELETE FROM correlation_state
		WHERE rule_id = $1 AND window_end < $2 AND status = $3
	`
	if _, err := s.db.ExecContext(ctx, q, ruleID, now, string(StatusActive)); err != nil {
		return fmt.Errorf("correlation: clean expired states: %w", err)
	}
	return nil
}

// CleanExpiredAll deletes every ACTIVE state (across all rules) whose
// window has closed, plus COMPLETED states older than retainFor — used by
// the real-time processor's periodic cleanup task rather than the
// per-rule batch-execution cleanup in CleanExpired.
func (s *Store) CleanExpiredAll(ctx context.Context, now time.Time, retainFor time.Duration) error {
	const qActive = `DELETE FROM correlation_state WHERE status = $1 AND window_end < $2`
	if _, err := s.db.ExecContext(ctx, qActive, string(StatusActive), now); err != nil {
		return fmt.Errorf("correlation: clean expired active states: %w", err)
	}
	const qOld = `DELETE FROM correlation_state WHERE status = $1 AND window_end < $2`
	if _, err := s.db.ExecContext(ctx, qOld, string(StatusCompleted), now.Add(-retainFor)); err != nil {
		return fmt.Errorf("correlation: clean old completed states: %w", err)
	}
	return nil
}

// GetActive returns the open state for (ruleID, entityKey) whose window
// has not yet closed, if one exists.
func (s *Store) GetActive(ctx context.Context, ruleID, entityKey string, now time.Time) (*State, error) {
	const q = `
		SELECT id, rule_id, entity_key, status, state, window_start, window_end
		FROM correlation_state
		WHERE rule_id = $1 AND entity_key = $2 AND status = $3 AND window_end >= $4
		ORDER BY window_start DESC
		LIMIT 1
	`
	row := s.db.QueryRowContext(ctx, q, ruleID, entityKey, string(StatusActive), now)
	state, err := scanState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("correlation: get active state: %w", err)
	}
	return state, nil
}

func scanState(row *sql.Row) (*State, error) {
	var st State
	var status string
	var stateJSON []byte
	if err := row.Scan(&st.ID, &st.RuleID, &st.EntityKey, &status, &stateJSON, &st.WindowStart, &st.WindowEnd); err != nil {
		return nil, err
	}
	st.Status = Status(status)
	if len(stateJSON) > 0 {
		_ = json.Unmarshal(stateJSON, &st.Inner)
	}
	if st.Inner.Counts == nil {
		st.Inner.Counts = map[string]int{}
	}
	return &st, nil
}

// Create opens a new ACTIVE state, or returns the existing one if another
// worker won the race to open a window for the same (ruleID, entityKey)
// first — "first open wins" per spec.md §3/§4.5, enforced by a partial
// unique index on (rule_id, entity_key) WHERE status = 'active' so two
// concurrent real-time workers can never both hold an open window for the
// same entity.
func (s *Store) Create(ctx context.Context, ruleID, entityKey string, windowStart, windowEnd time.Time) (*State, error) {
	st := &State{
		ID:          uuid.NewString(),
		RuleID:      ruleID,
		EntityKey:   entityKey,
		Status:      StatusActive,
		Inner:       InnerState{Counts: map[string]int{}},
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
	}
	stateJSON, err := json.Marshal(st.Inner)
	if err != nil {
		return nil, fmt.Errorf("correlation: marshal new state: %w", err)
	}
	const q = `
		INSERT INTO correlation_state (id, rule_id, entity_key, status, state, window_start, window_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (rule_id, entity_key) WHERE status = 'active' DO NOTHING
	`
	result, err := s.db.ExecContext(ctx, q, st.ID, st.RuleID, st.EntityKey, string(st.Status), stateJSON, st.WindowStart, st.WindowEnd)
	if err != nil {
		return nil, fmt.Errorf("correlation: create state: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		existing, err := s.GetActive(ctx, ruleID, entityKey, windowStart)
		if err != nil {
			return nil, fmt.Errorf("correlation: fetch state after create race: %w", err)
		}
		if existing != nil {
			return existing, nil
		}
	}
	return st, nil
}

// Save persists an updated Inner/Status for an existing state row.
func (s *Store) Save(ctx context.Context, st *State) error {
	stateJSON, err := json.Marshal(st.Inner)
	if err != nil {
		return fmt.Errorf("correlation: marshal state: %w", err)
	}
	const q = `
		UPDATE correlation_state SET status = $2, state = $3 WHERE id = $1
	`
	if _, err := s.db.ExecContext(ctx, q, st.ID, string(st.Status), stateJSON); err != nil {
		return fmt.Errorf("correlation: save state: %w", err)
	}
	return nil
}
