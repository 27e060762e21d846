package syncer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tphakala/callsync/internal/compressor"
	"github.com/tphakala/callsync/internal/datastore"
	"github.com/tphakala/callsync/internal/datastore/entities"
)

// fakePusher records metadata pushes.
type fakePusher struct {
	mu     sync.Mutex
	pushed []string
	fail   func(rec *entities.CallRecord) error
}

func (p *fakePusher) PushMetadata(_ context.Context, rec *entities.CallRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushed = append(p.pushed, rec.CompositeID)
	if p.fail != nil {
		return p.fail(rec)
	}
	return nil
}

func (p *fakePusher) calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.pushed...)
}

// fakeUploader records uploaded artifacts and tracks concurrency.
type fakeUploader struct {
	mu        sync.Mutex
	uploads   map[string][]string // composite id -> artifact paths
	contents  map[string][]byte
	fail      func(ctx context.Context, id string) error
	delay     time.Duration
	active    atomic.Int32
	maxActive atomic.Int32
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{uploads: make(map[string][]string), contents: make(map[string][]byte)}
}

func (u *fakeUploader) Name() string { return "fake" }

func (u *fakeUploader) UploadRecording(ctx context.Context, id, artifact string) error {
	n := u.active.Add(1)
	defer u.active.Add(-1)
	for {
		cur := u.maxActive.Load()
		if n <= cur || u.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}
	if u.delay > 0 {
		time.Sleep(u.delay)
	}

	data, err := os.ReadFile(artifact)
	if err != nil {
		return err
	}

	u.mu.Lock()
	u.uploads[id] = append(u.uploads[id], artifact)
	fail := u.fail
	u.mu.Unlock()

	if fail != nil {
		if err := fail(ctx, id); err != nil {
			return err
		}
	}

	u.mu.Lock()
	u.contents[id] = data
	u.mu.Unlock()
	return nil
}

func (u *fakeUploader) count(id string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.uploads[id])
}

func (u *fakeUploader) artifacts(id string) []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.uploads[id]...)
}

func (u *fakeUploader) content(id string) []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.contents[id]
}

// fakeCompressor writes a small artifact, or returns a fixed failure.
type fakeCompressor struct {
	calls  atomic.Int32
	result compressor.Result
}

func (c *fakeCompressor) Compress(_ context.Context, in, out string) compressor.Outcome {
	c.calls.Add(1)
	result := c.result
	if result == "" {
		result = compressor.ResultSuccess
	}
	info, err := os.Stat(in)
	if err != nil {
		return compressor.Outcome{Result: compressor.ResultFailedError, Err: err}
	}
	if !result.HasOutput() {
		return compressor.Outcome{Result: result, OriginalSize: info.Size(), Err: fmt.Errorf("transcoder crashed")}
	}
	data := []byte("compressed:" + filepath.Base(in))
	if err := os.WriteFile(out, data, 0o600); err != nil {
		return compressor.Outcome{Result: compressor.ResultFailedError, Err: err}
	}
	return compressor.Outcome{Result: result, OriginalSize: info.Size(), FinalSize: int64(len(data))}
}

type testEnv struct {
	store    *datastore.Store
	pusher   *fakePusher
	uploader *fakeUploader
	comp     *fakeCompressor
	recDir   string
	workDir  string
	base     time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	m := datastore.NewSQLiteManager(datastore.Config{Path: filepath.Join(dir, "calls.db")})
	require.NoError(t, m.Open())
	t.Cleanup(func() { _ = m.Close() })
	require.NoError(t, m.Initialize(context.Background()))

	recDir := filepath.Join(dir, "recordings")
	require.NoError(t, os.MkdirAll(recDir, 0o750))

	return &testEnv{
		store:    datastore.New(m, nil),
		pusher:   &fakePusher{},
		uploader: newFakeUploader(),
		comp:     &fakeCompressor{},
		recDir:   recDir,
		workDir:  filepath.Join(dir, "work"),
		base:     time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
	}
}

func (e *testEnv) config() Config {
	return Config{
		MetadataBatchSize:  50,
		RecordingBatchSize: 50,
		RecordingWorkers:   2,
		UploadTimeout:      5 * time.Second,
		StalenessWindow:    30 * time.Minute,
		WorkDir:            e.workDir,
	}
}

func (e *testEnv) orchestrator(cfg Config, opts ...Option) *Orchestrator {
	return New(cfg, e.store, e.pusher, e.uploader, e.comp, opts...)
}

// addCall inserts a call made minutesAfter the base time. With a recording
// it also writes the recording file.
func (e *testEnv) addCall(t *testing.T, systemID int64, number string, minutesAfter int, withRecording bool) *entities.CallRecord {
	t.Helper()
	rec := &entities.CallRecord{
		SystemID:        systemID,
		Source:          "phone",
		PhoneNumber:     number,
		CallType:        entities.CallIncoming,
		CallDate:        e.base.Add(time.Duration(minutesAfter) * time.Minute).UnixMilli(),
		DurationSeconds: 30,
	}
	if withRecording {
		path := filepath.Join(e.recDir, fmt.Sprintf("call_%d.wav", systemID))
		require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("pcm audio %d", systemID)), 0o600))
		rec.LocalRecordingPath = &path
	}
	res, err := e.store.UpsertCall(context.Background(), rec)
	require.NoError(t, err)
	require.Equal(t, datastore.UpsertInserted, res)
	return rec
}

func (e *testEnv) get(t *testing.T, id string) *entities.CallRecord {
	t.Helper()
	rec, err := e.store.GetCall(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func (e *testEnv) workFiles(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(e.workDir)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names
}
