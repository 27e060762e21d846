package persons

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

func testSettings(t *testing.T) *conf.Settings {
	t.Helper()
	s := conf.Defaults()
	s.Database.SQLite.Path = filepath.Join(t.TempDir(), "calls.db")
	s.Logging.Console = &logger.ConsoleOutput{Enabled: false}
	s.Logging.FileOutput = &logger.FileOutput{Enabled: false}
	return s
}

// openStore opens the settings' database outside the command.
func openStore(t *testing.T, s *conf.Settings) *datastore.Store {
	t.Helper()
	m := datastore.NewSQLiteManager(datastore.Config{Path: s.Database.SQLite.Path})
	require.NoError(t, m.Open())
	t.Cleanup(func() { _ = m.Close() })
	require.NoError(t, m.Initialize(context.Background()))
	return datastore.New(m, nil)
}

func run(t *testing.T, s *conf.Settings, args ...string) error {
	t.Helper()
	cmd := Command(s)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(t.Context())
}

func TestPersonsEdits(t *testing.T) {
	s := testSettings(t)
	store := openStore(t, s)
	_, err := store.UpsertCall(t.Context(), &entities.CallRecord{
		Source: "phone", SystemID: 1, PhoneNumber: "+1 555 0100",
		CallType: entities.CallIncoming, CallDate: 1714550400000, DurationSeconds: 30,
	})
	require.NoError(t, err)
	number := datastore.NormalizeNumber("+1 555 0100")

	require.NoError(t, run(t, s, "note", number, "landlord"))
	require.NoError(t, run(t, s, "name", number, "Mr. Smith"))
	require.NoError(t, run(t, s, "exclude", number))

	p, err := store.GetPerson(t.Context(), number)
	require.NoError(t, err)
	require.NotNil(t, p.Note)
	assert.Equal(t, "landlord", *p.Note)
	require.NotNil(t, p.NameOverride)
	assert.Equal(t, "Mr. Smith", *p.NameOverride)
	assert.True(t, p.IsExcluded)

	require.NoError(t, run(t, s, "note", number))
	require.NoError(t, run(t, s, "include", number))
	require.NoError(t, run(t, s, "recompute", number))
	require.NoError(t, run(t, s, "list", "--all"))

	p, err = store.GetPerson(t.Context(), number)
	require.NoError(t, err)
	assert.Nil(t, p.Note)
	assert.False(t, p.IsExcluded)
	assert.Equal(t, int64(1), p.TotalCalls)

	require.Error(t, run(t, s, "note"))
}
