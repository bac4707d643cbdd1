//go:build integration

package postgres

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"example.com/activitysync/internal/domain"
)

func TestRepositorySerialisesConcurrentMerges(t *testing.T) {
	ctx := context.Background()
	connStr := startPostgres(t, ctx)

	// Two pools stand in for two server replicas sharing the store.
	poolA, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(poolA.Close)
	poolB, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(poolB.Close)

	repoA := NewRepository(poolA)
	require.NoError(t, repoA.EnsureSchema(ctx))
	repoB := NewRepository(poolB)

	serviceA := domain.NewService(repoA)
	serviceB := domain.NewService(repoB)

	batch := domain.Submission{Users: []string{"Ana"}}
	for i := 0; i < 5; i++ {
		batch.Progress = append(batch.Progress, domain.IncomingEntry{
			User: "Ana", ActivityID: fmt.Sprintf("q%d", i), Timestamp: "2025-01-01T00:00:00Z",
		})
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		service := serviceA
		if i%2 == 1 {
			service = serviceB
		}
		go func() {
			defer wg.Done()
			if _, err := service.Sync(ctx, batch); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	doc, err := repoA.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"Ana"}, doc.Users)
	require.Len(t, doc.Progress, 5)
}

func TestRepositoryLoadBeforeSchemaSeed(t *testing.T) {
	ctx := context.Background()
	connStr := startPostgres(t, ctx)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	repo := NewRepository(pool)
	_, err = pool.Exec(ctx, schema)
	require.NoError(t, err)

	doc, err := repo.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.EmptyDocument(), doc)
}

func startPostgres(t *testing.T, ctx context.Context) string {
	t.Helper()

	pg, err := postgrescontainer.Run(ctx, "postgres:16-alpine",
		postgrescontainer.WithDatabase("activitysync"),
		postgrescontainer.WithUsername("platform"),
		postgrescontainer.WithPassword("platform"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, waitForDatabase(ctx, connStr))
	return connStr
}

func waitForDatabase(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(time.Second)
	}
}
