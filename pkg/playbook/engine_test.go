package playbook

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Project-Eleanor/Eleanor-sub000/pkg/database"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// newTestDB starts a real Postgres container and applies every embedded
// migration, mirroring pkg/database's own container-per-test pattern so
// the engine is exercised against its real persistence layer rather than a
// hand-rolled mock of *Store.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	client, err := database.NewClient(ctx, database.Config{
		Host:         host,
		Port:         port.Int(),
		User:         "test",
		Password:     "test",
		Database:     "test",
		SSLMode:      "disable",
		MaxOpenConns: 10,
		MaxIdleConns: 5,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client.DB()
}

func insertTestPlaybook(t *testing.T, db *sql.DB, steps []Step) string {
	t.Helper()
	id := uuid.NewString()
	stepsJSON, err := json.Marshal(steps)
	require.NoError(t, err)
	_, err = db.ExecContext(context.Background(),
		`INSERT INTO playbooks (id, name, status, steps) VALUES ($1, $2, $3, $4)`,
		id, "test playbook", string(PlaybookActive), stepsJSON,
	)
	require.NoError(t, err)
	return id
}

func TestEngine_ApprovalGate_PausesThenResumesOnApproval(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)

	var actionRan bool
	actions := NewActionRegistry(nil)
	actions.Register(NewActionFunc("isolate_host", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		actionRan = true
		return map[string]any{"isolated": true}, nil
	}))

	playbookID := insertTestPlaybook(t, db, []Step{
		{ID: "gate", Type: StepApproval, Name: "Require sign-off", Approvers: []string{"oncall"}, OnApprove: "isolate", OnDeny: ""},
		{ID: "isolate", Type: StepAction, Action: "isolate_host"},
	})

	engine := New(store, actions, nil, nil, nil)

	exec, err := engine.StartExecution(context.Background(), playbookID, map[string]any{"host": "web-01"}, "manual", "", "analyst")
	require.NoError(t, err)

	exec, err = engine.Execute(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Equal(t, ExecutionWaitingApproval, exec.Status)
	require.False(t, actionRan, "action step must not run before approval")

	exec, err = engine.ResumeExecution(context.Background(), exec.ID, true, "looks fine", "oncall-lead")
	require.NoError(t, err)

	require.Equal(t, ExecutionCompleted, exec.Status)
	require.True(t, actionRan, "action step must run once approved")
	require.Len(t, exec.StepResults, 2)
	require.Equal(t, "completed", exec.StepResults[0].Status)
	require.NotNil(t, exec.StepResults[0].Approved)
	require.True(t, *exec.StepResults[0].Approved)
	require.Equal(t, "completed", exec.StepResults[1].Status)
}

func TestEngine_ApprovalGate_DenialFailsExecutionWithNoOnDeny(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)
	actions := NewActionRegistry(nil)

	playbookID := insertTestPlaybook(t, db, []Step{
		{ID: "gate", Type: StepApproval, Name: "Require sign-off", Approvers: []string{"oncall"}},
	})

	engine := New(store, actions, nil, nil, nil)
	exec, err := engine.StartExecution(context.Background(), playbookID, nil, "manual", "", "analyst")
	require.NoError(t, err)

	exec, err = engine.Execute(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Equal(t, ExecutionWaitingApproval, exec.Status)

	exec, err = engine.ResumeExecution(context.Background(), exec.ID, false, "too risky", "oncall-lead")
	require.NoError(t, err)

	require.Equal(t, ExecutionFailed, exec.Status)
	require.Equal(t, "Approval denied", exec.ErrorMessage)
}

func TestEngine_ResumeExecution_RejectsExecutionNotWaiting(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)
	actions := NewActionRegistry(nil)

	playbookID := insertTestPlaybook(t, db, []Step{
		{ID: "notify", Type: StepNotification, Message: "hello"},
	})

	engine := New(store, actions, nil, nil, nil)
	exec, err := engine.StartExecution(context.Background(), playbookID, nil, "manual", "", "analyst")
	require.NoError(t, err)

	exec, err = engine.Execute(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Equal(t, ExecutionCompleted, exec.Status)

	_, err = engine.ResumeExecution(context.Background(), exec.ID, true, "", "someone")
	require.Error(t, err)
}
