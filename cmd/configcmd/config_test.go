package configcmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/callsync/internal/conf"
)

func TestInitWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cmd := Command(&path)

	cmd.SetArgs([]string{"init"})
	require.NoError(t, cmd.Execute())
	require.FileExists(t, path)

	loaded, err := conf.Load(path)
	require.NoError(t, err)
	assert.Equal(t, conf.Defaults().Sync.Interval, loaded.Sync.Interval)

	// Refuses to overwrite without --force.
	cmd.SetArgs([]string{"init"})
	require.Error(t, cmd.Execute())

	require.NoError(t, os.WriteFile(path, []byte("sync: [\n"), 0o600))
	cmd.SetArgs([]string{"init", "--force"})
	require.NoError(t, cmd.Execute())
}

func TestValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, conf.SaveYAMLConfig(path, conf.Defaults()))

	cmd := Command(&path)
	cmd.SetArgs([]string{"validate"})
	require.NoError(t, cmd.Execute())

	require.NoError(t, os.WriteFile(path, []byte("database:\n  type: oracle\n"), 0o600))
	cmd.SetArgs([]string{"validate"})
	require.Error(t, cmd.Execute())
}
