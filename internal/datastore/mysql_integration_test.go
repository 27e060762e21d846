package datastore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcmysql "github.com/testcontainers/testcontainers-go/modules/mysql"

	"github.com/tphakala/callsync/internal/datastore/entities"
	"github.com/tphakala/callsync/internal/syncstatus"
)

// newMySQLStore starts a MySQL container. Set CALLSYNC_MYSQL_IT=1 to run.
func newMySQLStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() || os.Getenv("CALLSYNC_MYSQL_IT") != "1" {
		t.Skip("MySQL integration test: set CALLSYNC_MYSQL_IT=1 and run without -short")
	}

	ctx := context.Background()
	container, err := tcmysql.Run(ctx, "mysql:8.0",
		tcmysql.WithDatabase("callsync"),
		tcmysql.WithUsername("callsync"),
		tcmysql.WithPassword("callsync"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "3306/tcp")
	require.NoError(t, err)

	m := NewMySQLManager(&MySQLConfig{
		Host:     host,
		Port:     port.Port(),
		Username: "callsync",
		Password: "callsync",
		Database: "callsync",
	})
	require.NoError(t, m.Open())
	t.Cleanup(func() { _ = m.Close() })
	require.NoError(t, m.Initialize(ctx))
	assert.True(t, m.IsMySQL())
	return New(m, nil)
}

func TestMySQLStoreLifecycle(t *testing.T) {
	s := newMySQLStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	for i := range 5 {
		rec := newCall(int64(i), "+1 555 0100", entities.CallIncoming, base.Add(time.Duration(i)*time.Minute), "/rec/x.wav")
		insertCall(t, s, rec)
	}

	person, err := s.GetPerson(ctx, "+15550100")
	require.NoError(t, err)
	assert.Equal(t, int64(5), person.TotalCalls)
	assert.Equal(t, "phone-a:4", *person.LastCallID)

	claim, err := s.ClaimRecording(ctx, "phone-a:0", time.Time{})
	require.NoError(t, err)
	_, err = s.ClaimRecording(ctx, "phone-a:0", time.Time{})
	require.ErrorIs(t, err, ErrConflict)
	require.NoError(t, s.TransitionRecording(ctx, "phone-a:0", RecordingTransition{
		From: syncstatus.RecordingCompressing, To: syncstatus.RecordingUploading, Claim: claim,
	}))

	require.NoError(t, s.SetExcluded(ctx, "+15550100", true))
	pending, err := s.ListPending(ctx, PendingAny)
	require.NoError(t, err)
	assert.Empty(t, pending)

	version, err := SchemaVersion(ctx, s.DB())
	require.NoError(t, err)
	assert.Equal(t, LatestVersion(), version)
}
