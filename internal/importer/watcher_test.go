package importer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drop writes data into the inbox the way producers should: under a
// hidden name, then renamed into place.
func drop(t *testing.T, dir, name, data string) {
	t.Helper()
	tmp := filepath.Join(dir, "."+name)
	require.NoError(t, os.WriteFile(tmp, []byte(data), 0o600))
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, name)))
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestWatcherImportsDroppedFiles(t *testing.T) {
	store := newTestStore(t)
	inbox := filepath.Join(t.TempDir(), "inbox")
	w := NewWatcher(New(store, "device", nil), inbox, WithSettle(20*time.Millisecond))

	require.NoError(t, w.Start(t.Context()))
	defer w.Stop()

	drop(t, inbox, "export.json", sampleArray)
	require.Eventually(t, func() bool {
		return exists(filepath.Join(inbox, ProcessedDir, "export.json"))
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, exists(filepath.Join(inbox, "export.json")))

	_, err := store.GetCall(t.Context(), "phone:1")
	require.NoError(t, err)

	// A second file with the same name is kept alongside the first.
	drop(t, inbox, "export.json", `{"systemId": 7, "number": "555", "type": 1, "date": 1}`)
	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(filepath.Join(inbox, ProcessedDir))
		return err == nil && len(entries) == 2
	}, 5*time.Second, 10*time.Millisecond)

	_, err = store.GetCall(t.Context(), "device:7")
	require.NoError(t, err)
}

func TestWatcherMovesMalformedFilesToFailed(t *testing.T) {
	inbox := filepath.Join(t.TempDir(), "inbox")
	w := NewWatcher(New(newTestStore(t), "device", nil), inbox, WithSettle(20*time.Millisecond))

	require.NoError(t, w.Start(t.Context()))
	defer w.Stop()

	drop(t, inbox, "broken.json", `[{"systemId": 1,`)
	failed := filepath.Join(inbox, FailedDir, "broken.json")
	require.Eventually(t, func() bool {
		return exists(failed + ".error")
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, exists(failed))

	msg, err := os.ReadFile(failed + ".error")
	require.NoError(t, err)
	assert.Contains(t, string(msg), "malformed call-log export")
}

func TestWatcherImportsExistingFilesOnStart(t *testing.T) {
	store := newTestStore(t)
	inbox := filepath.Join(t.TempDir(), "inbox")
	require.NoError(t, os.MkdirAll(inbox, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "early.jsonl"),
		[]byte(`{"systemId": 5, "number": "555", "type": 2, "date": 1}`+"\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "notes.txt"), []byte("ignore me"), 0o600))

	w := NewWatcher(New(store, "device", nil), inbox, WithSettle(20*time.Millisecond))
	require.NoError(t, w.Start(t.Context()))
	defer w.Stop()

	require.Eventually(t, func() bool {
		return exists(filepath.Join(inbox, ProcessedDir, "early.jsonl"))
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, exists(filepath.Join(inbox, "notes.txt")))

	_, err := store.GetCall(t.Context(), "device:5")
	require.NoError(t, err)
}

func TestWatcherStartStop(t *testing.T) {
	inbox := filepath.Join(t.TempDir(), "inbox")
	w := NewWatcher(New(newTestStore(t), "device", nil), inbox)

	require.NoError(t, w.Start(t.Context()))
	require.NoError(t, w.Start(t.Context()))
	assert.DirExists(t, filepath.Join(inbox, ProcessedDir))
	assert.DirExists(t, filepath.Join(inbox, FailedDir))

	w.Stop()
	w.Stop()
}

func TestWatcherCandidate(t *testing.T) {
	w := &Watcher{}
	assert.True(t, w.candidate("calls.json"))
	assert.True(t, w.candidate("calls.JSONL"))
	assert.True(t, w.candidate("calls.ndjson"))
	assert.False(t, w.candidate(".calls.json"))
	assert.False(t, w.candidate("calls.json.part"))
	assert.False(t, w.candidate("calls.csv"))
}
