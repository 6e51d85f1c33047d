package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// newTestClient starts a real Postgres container, applies every embedded
// migration through NewClient, and returns the resulting pool — mirroring
// tarsy's own client_test.go container-per-test pattern.
func newTestClient(t *testing.T) *Client {
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

	client, err := NewClient(ctx, Config{
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

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}

func TestDatabaseClient_ConnectionPool(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	err := client.DB().PingContext(ctx)
	require.NoError(t, err)

	health, err := Health(ctx, client.DB())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Greater(t, health.MaxOpenConns, 0)
}

func TestFullTextSearch_CustodyEvents(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	db := client.DB()

	insertEvent := func(id, artifactID, details string) {
		_, err := db.ExecContext(ctx,
			`INSERT INTO custody_events (id, artifact_id, action, actor, details, occurred_at)
			 VALUES ($1, $2, 'annotated', 'tester', $3, now())`,
			id, artifactID, details,
		)
		require.NoError(t, err)
	}

	insertEvent("evt-1", "artifact-1", "Critical error in production cluster with pod failures")
	insertEvent("evt-2", "artifact-2", "Warning: high memory usage detected")

	var resultsErr []string
	rows, err := db.QueryContext(ctx,
		`SELECT artifact_id FROM custody_events
		 WHERE to_tsvector('english', details) @@ to_tsquery('english', $1)`,
		"error & production",
	)
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var artifactID string
		require.NoError(t, rows.Scan(&artifactID))
		resultsErr = append(resultsErr, artifactID)
	}
	assert.Equal(t, []string{"artifact-1"}, resultsErr)

	var resultsMem []string
	rows2, err := db.QueryContext(ctx,
		`SELECT artifact_id FROM custody_events
		 WHERE to_tsvector('english', details) @@ to_tsquery('english', $1)`,
		"memory",
	)
	require.NoError(t, err)
	defer rows2.Close()
	for rows2.Next() {
		var artifactID string
		require.NoError(t, rows2.Scan(&artifactID))
		resultsMem = append(resultsMem, artifactID)
	}
	assert.Equal(t, []string{"artifact-2"}, resultsMem)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid config",
			cfg: Config{
				Host: "localhost", Port: 5432, User: "test", Password: "test", Database: "test",
				SSLMode: "disable", MaxOpenConns: 10, MaxIdleConns: 5,
			},
			wantErr: false,
		},
		{
			name: "missing password",
			cfg: Config{
				Host: "localhost", Port: 5432, User: "test", Password: "", Database: "test",
				MaxOpenConns: 10, MaxIdleConns: 5,
			},
			wantErr: true,
		},
		{
			name: "idle conns exceed max conns",
			cfg: Config{
				Host: "localhost", Port: 5432, User: "test", Password: "test", Database: "test",
				MaxOpenConns: 5, MaxIdleConns: 10,
			},
			wantErr: true,
		},
		{
			name: "zero max open conns",
			cfg: Config{
				Host: "localhost", Port: 5432, User: "test", Password: "test", Database: "test",
				MaxOpenConns: 0, MaxIdleConns: 0,
			},
			wantErr: true,
		},
		{
			name: "negative idle conns",
			cfg: Config{
				Host: "localhost", Port: 5432, User: "test", Password: "test", Database: "test",
				MaxOpenConns: 10, MaxIdleConns: -1,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

