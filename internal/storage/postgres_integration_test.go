//go:build integration

package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	logx "proxybot/pkg/logx"
)

func openPostgresStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	pg, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("proxybot_test"),
		tcpostgres.WithUsername("proxybot"),
		tcpostgres.WithPassword("proxybot"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(context.Background()) })

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	st, err := Open(ctx, Config{Driver: "postgres", DSN: dsn, RetryMax: 5}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestPostgresAdmissionGate(t *testing.T) {
	ctx := context.Background()
	st := openPostgresStore(t)

	a, err := st.InsertProxy(ctx, Proxy{Location: "A", Server: "a.example", Port: 443, Secret: "s"})
	require.NoError(t, err)
	_, err = st.InsertProxy(ctx, Proxy{Location: "A2", Server: "A.example", Port: 443, Secret: "t"})
	require.ErrorIs(t, err, ErrAlreadyExists)
	_, err = st.InsertProxy(ctx, Proxy{Location: "B", Server: "b.example", Port: 443, Secret: "s"})
	require.NoError(t, err)

	// Same client hammering one proxy: exactly one increment.
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := st.GrantSpecific(ctx, Client{ID: 1}, a.ID); err != nil {
				t.Errorf("GrantSpecific: %v", err)
			}
		}()
	}
	// Distinct clients racing least-loaded selection, with resets interleaved.
	for i := int64(2); i < 40; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if _, err := st.GrantLeastLoaded(ctx, Client{ID: id}); err != nil {
				t.Errorf("GrantLeastLoaded(%d): %v", id, err)
			}
			if id%10 == 0 {
				if err := st.ResetUsage(ctx, a.ID); err != nil {
					t.Errorf("ResetUsage: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	requireCountMatchesGrants(t, st)

	active, err := st.ToggleActive(ctx, a.ID)
	require.NoError(t, err)
	require.False(t, active)
	_, err = st.GrantSpecific(ctx, Client{ID: 99}, a.ID)
	require.ErrorIs(t, err, ErrInactive)

	require.NoError(t, st.DeleteProxy(ctx, a.ID))
	n, err := st.GrantCount(ctx, a.ID)
	require.NoError(t, err)
	require.Zero(t, n)
}
