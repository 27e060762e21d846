package deletecall

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/callsync/internal/conf"
	"github.com/tphakala/callsync/internal/datastore"
	"github.com/tphakala/callsync/internal/datastore/entities"
	"github.com/tphakala/callsync/internal/logger"
)

func TestDeleteCommand(t *testing.T) {
	s := conf.Defaults()
	s.Database.SQLite.Path = filepath.Join(t.TempDir(), "calls.db")
	s.Logging.Console = &logger.ConsoleOutput{Enabled: false}
	s.Logging.FileOutput = &logger.FileOutput{Enabled: false}

	m := datastore.NewSQLiteManager(datastore.Config{Path: s.Database.SQLite.Path})
	require.NoError(t, m.Open())
	t.Cleanup(func() { _ = m.Close() })
	require.NoError(t, m.Initialize(context.Background()))
	store := datastore.New(m, nil)

	for id := int64(1); id <= 2; id++ {
		_, err := store.UpsertCall(t.Context(), &entities.CallRecord{
			Source: "phone", SystemID: id, PhoneNumber: "555",
			CallType: entities.CallOutgoing, CallDate: 1714550400000 + id, DurationSeconds: 10,
		})
		require.NoError(t, err)
	}

	cmd := Command(s)
	cmd.SetArgs([]string{"phone:1", "phone:404"})
	require.Error(t, cmd.ExecuteContext(t.Context()), "one id is unknown")

	_, err := store.GetCall(t.Context(), "phone:1")
	require.ErrorIs(t, err, datastore.ErrCallNotFound)

	p, err := store.GetPerson(t.Context(), "555")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.TotalCalls)
}
