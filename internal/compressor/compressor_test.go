package compressor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/callsync/internal/errors"
)

// fakeTranscoder records calls and runs fn in place of ffmpeg.
type fakeTranscoder struct {
	calls atomic.Int32
	fn    func(ctx context.Context, in, out string, target Target) error
}

func (f *fakeTranscoder) Transcode(ctx context.Context, in, out string, target Target) error {
	f.calls.Add(1)
	return f.fn(ctx, in, out, target)
}

// writeSized writes a transcoder output of n bytes.
func writeSized(n int) func(context.Context, string, string, Target) error {
	return func(_ context.Context, _, out string, _ Target) error {
		return os.WriteFile(out, make([]byte, n), 0o644)
	}
}

type fakeProber struct {
	info *StreamInfo
	err  error
}

func (f fakeProber) Probe(context.Context, string) (*StreamInfo, error) {
	return f.info, f.err
}

// writeFile creates a file of size bytes with a repeating pattern.
func writeFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// writePCMWAV creates a 16-bit stereo 44.1 kHz WAV of roughly size bytes.
func writePCMWAV(t *testing.T, path string, size int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	const sampleRate, channels = 44100, 2
	samples := make([]int, size/2)
	for i := range samples {
		samples[i] = (i * 37) % 20000
	}
	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Data:           samples,
		Format:         &audio.Format{SampleRate: sampleRate, NumChannels: channels},
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
}

func newTestCompressor(t *testing.T, cfg Config, tr Transcoder, opts ...Option) *Compressor {
	t.Helper()
	if tr == nil {
		tr = &fakeTranscoder{fn: func(context.Context, string, string, Target) error {
			t.Error("transcoder must not be called")
			return nil
		}}
	}
	opts = append([]Option{WithTranscoder(tr), WithFreeSpace(nil)}, opts...)
	return New(cfg, opts...)
}

func assertSameContent(t *testing.T, want, got string) {
	t.Helper()
	a, err := os.ReadFile(want)
	require.NoError(t, err)
	b, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, a, b, "output must be a verbatim copy")
}

func assertNoPartials(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, IsPartial(e.Name()), "leftover partial file %s", e.Name())
	}
}

func TestCompressTooSmallCopiesVerbatim(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	in := writeFile(t, dir, "call.wav", 40*1024)
	out := filepath.Join(dir, "out", "call.m4a")

	o := newTestCompressor(t, DefaultConfig(), nil).Compress(context.Background(), in, out)

	assert.Equal(t, ResultSkippedTooSmall, o.Result)
	assert.Equal(t, o.OriginalSize, o.FinalSize)
	assert.Equal(t, int64(40*1024), o.OriginalSize)
	assert.NoError(t, o.Err)
	assert.True(t, o.HasOutput())
	assertSameContent(t, in, out)
}

func TestCompressTooLargeCopiesVerbatim(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	in := writeFile(t, dir, "call.wav", 200*1024)
	out := filepath.Join(dir, "call.m4a")

	cfg := DefaultConfig()
	cfg.MaxInputBytes = 100 * 1024
	o := newTestCompressor(t, cfg, nil).Compress(context.Background(), in, out)

	assert.Equal(t, ResultSkippedTooLarge, o.Result)
	assertSameContent(t, in, out)
}

func TestCompressAlreadyCompressedAAC(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	in := writeFile(t, dir, "call.m4a", 30*1024*1024)
	out := filepath.Join(dir, "out.m4a")

	prober := fakeProber{info: &StreamInfo{Codec: "aac", BitRate: 40000, SampleRate: 16000, Channels: 1}}
	o := newTestCompressor(t, DefaultConfig(), nil, WithProber(prober)).Compress(context.Background(), in, out)

	assert.Equal(t, ResultSkippedAlreadyCompressed, o.Result)
	assert.Equal(t, o.OriginalSize, o.FinalSize)
	assert.NoError(t, o.Err)
	fi, err := os.Stat(out)
	require.NoError(t, err)
	assert.Equal(t, int64(30*1024*1024), fi.Size())
}

func TestCompressPCMSucceeds(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	in := filepath.Join(dir, "call.wav")
	writePCMWAV(t, in, 5*1024*1024)

	var gotTarget Target
	tr := &fakeTranscoder{fn: func(_ context.Context, src, dst string, target Target) error {
		gotTarget = target
		fi, err := os.Stat(src)
		if err != nil {
			return err
		}
		// 44.1 kHz 16-bit stereo is 176400 bytes per second; a CBR encoder
		// writes bitrate/8 bytes per second.
		seconds := float64(fi.Size()) / 176400
		return os.WriteFile(dst, make([]byte, int(seconds*float64(target.Bitrate)/8)), 0o644)
	}}
	out := filepath.Join(dir, "call.m4a")

	c := newTestCompressor(t, DefaultConfig(), tr, WithProber(NewProberChain("/nonexistent/ffprobe")))
	o := c.Compress(context.Background(), in, out)

	require.Equal(t, ResultSuccess, o.Result, o.String())
	assert.Greater(t, o.SavingsPercent, 50.0)
	assert.Less(t, o.FinalSize, o.OriginalSize)
	assert.NoError(t, o.Err)
	assert.Equal(t, int32(1), tr.calls.Load())
	assert.Equal(t, Target{Codec: "aac", Container: "mp4", SampleRate: 16000, Channels: 1, Bitrate: 48000}, gotTarget)

	fi, err := os.Stat(out)
	require.NoError(t, err)
	assert.Equal(t, o.FinalSize, fi.Size())
	assertNoPartials(t, dir)
}

func TestCompressWithFFmpeg(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping ffmpeg transcode in short mode")
	}
	for _, bin := range []string{"ffmpeg", "ffprobe"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not found in PATH", bin)
		}
	}
	t.Parallel()

	dir := t.TempDir()
	in := filepath.Join(dir, "call.wav")
	writePCMWAV(t, in, 5*1024*1024)
	out := filepath.Join(dir, "call.m4a")

	o := New(DefaultConfig(), WithFreeSpace(nil)).Compress(t.Context(), in, out)

	require.Equal(t, ResultSuccess, o.Result, o.String())
	assert.Greater(t, o.SavingsPercent, 50.0)
	assertNoPartials(t, dir)

	info, err := NewFFprobeProber("").Probe(t.Context(), out)
	require.NoError(t, err)
	assert.Equal(t, "aac", info.Codec)
	assert.Equal(t, 1, info.Channels)
	assert.Equal(t, 16000, info.SampleRate)
	require.Positive(t, info.BitRate)
	assert.InDelta(t, 48000, info.BitRate, 16000)
	// 44.1 kHz 16-bit stereo is 176400 bytes per second
	assert.InDelta(t, float64(5*1024*1024)/176400, info.Duration.Seconds(), 1.0)
}

func TestCompressInsufficientSavingsKeepsOriginal(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	in := writeFile(t, dir, "call.wav", 100*1024)
	out := filepath.Join(dir, "call.m4a")

	tr := &fakeTranscoder{fn: writeSized(95 * 1024)}
	o := newTestCompressor(t, DefaultConfig(), tr, WithProber(fakeProber{err: ErrUnrecognized})).
		Compress(context.Background(), in, out)

	assert.Equal(t, ResultSkippedAlreadyCompressed, o.Result)
	assertSameContent(t, in, out)
	assertNoPartials(t, dir)
}

func TestCompressTimeoutFallsBackToCopy(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	in := writeFile(t, dir, "call.wav", 100*1024)
	out := filepath.Join(dir, "call.m4a")

	tr := &fakeTranscoder{fn: func(ctx context.Context, _, dst string, _ Target) error {
		if err := os.WriteFile(dst, []byte("partial mux"), 0o644); err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	}}
	cfg := DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond

	o := newTestCompressor(t, cfg, tr, WithProber(fakeProber{err: ErrUnrecognized})).
		Compress(context.Background(), in, out)

	assert.Equal(t, ResultFailedTimeout, o.Result)
	assert.True(t, o.HasOutput())
	require.Error(t, o.Err)
	assert.True(t, errors.IsCategory(o.Err, errors.CategoryTimeout))
	assertSameContent(t, in, out)
	assertNoPartials(t, dir)
}

func TestCompressTranscodeErrorCopiesFallback(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	in := writeFile(t, dir, "call.wav", 100*1024)
	out := filepath.Join(dir, "call.m4a")

	tr := &fakeTranscoder{fn: func(_ context.Context, _, dst string, _ Target) error {
		_ = os.WriteFile(dst, []byte("corrupt"), 0o644)
		return errors.NewStd("moov atom not found")
	}}
	o := newTestCompressor(t, DefaultConfig(), tr, WithProber(fakeProber{err: ErrUnrecognized})).
		Compress(context.Background(), in, out)

	assert.Equal(t, ResultCopiedFallback, o.Result)
	require.Error(t, o.Err)
	assert.Contains(t, o.Err.Error(), "moov atom")
	assertSameContent(t, in, out)
	assertNoPartials(t, dir)
}

func TestCompressFailedErrorLeavesNoOutput(t *testing.T) {
	t.Parallel()

	t.Run("missing input", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		out := filepath.Join(dir, "call.m4a")
		require.NoError(t, os.WriteFile(out, []byte("stale"), 0o644))

		o := newTestCompressor(t, DefaultConfig(), nil).Compress(context.Background(), filepath.Join(dir, "gone.wav"), out)

		assert.Equal(t, ResultFailedError, o.Result)
		assert.False(t, o.HasOutput())
		require.Error(t, o.Err)
		assert.NoFileExists(t, out)
	})

	t.Run("fallback copy fails", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		in := writeFile(t, dir, "call.wav", 100*1024)
		out := filepath.Join(dir, "call.m4a")

		// The recording disappears while the encoder runs.
		tr := &fakeTranscoder{fn: func(_ context.Context, src, _ string, _ Target) error {
			_ = os.Remove(src)
			return errors.NewStd("encoder crashed")
		}}
		o := newTestCompressor(t, DefaultConfig(), tr, WithProber(fakeProber{err: ErrUnrecognized})).
			Compress(context.Background(), in, out)

		assert.Equal(t, ResultFailedError, o.Result)
		require.Error(t, o.Err)
		assert.Contains(t, o.Err.Error(), "encoder crashed")
		assert.NoFileExists(t, out)
		assertNoPartials(t, dir)
	})

	t.Run("same path", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		in := writeFile(t, dir, "call.wav", 100*1024)

		o := newTestCompressor(t, DefaultConfig(), nil).Compress(context.Background(), in, in)

		assert.Equal(t, ResultFailedError, o.Result)
		assert.FileExists(t, in, "input must never be removed")
	})
}

func TestCompressCallerCancellation(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	in := writeFile(t, dir, "call.wav", 100*1024)
	out := filepath.Join(dir, "call.m4a")

	ctx, cancel := context.WithCancel(context.Background())
	tr := &fakeTranscoder{fn: func(tctx context.Context, _, dst string, _ Target) error {
		_ = os.WriteFile(dst, []byte("partial"), 0o644)
		cancel()
		<-tctx.Done()
		return tctx.Err()
	}}
	o := newTestCompressor(t, DefaultConfig(), tr, WithProber(fakeProber{err: ErrUnrecognized})).
		Compress(ctx, in, out)

	assert.Equal(t, ResultFailedError, o.Result)
	assert.ErrorIs(t, o.Err, context.Canceled)
	assert.NoFileExists(t, out)
	assertNoPartials(t, dir)
}

func TestCompressInsufficientDiskSpace(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	in := writeFile(t, dir, "call.wav", 100*1024)
	out := filepath.Join(dir, "call.m4a")

	c := newTestCompressor(t, DefaultConfig(), nil, WithFreeSpace(func(string) (uint64, error) { return 1024, nil }))
	o := c.Compress(context.Background(), in, out)

	assert.Equal(t, ResultFailedError, o.Result)
	assert.True(t, errors.IsCategory(o.Err, errors.CategoryDiskUsage))
	assert.NoFileExists(t, out)
}

func TestConfigFromSettingsKeepsDefaults(t *testing.T) {
	t.Parallel()
	cfg := ConfigFromSettings(nil)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestResultHasOutput(t *testing.T) {
	t.Parallel()
	for _, r := range AllResults() {
		assert.Equal(t, r != ResultFailedError, r.HasOutput(), r.String())
	}
}

func TestBuildFFmpegArgs(t *testing.T) {
	t.Parallel()
	args := strings.Join(buildFFmpegArgs("in.wav", "out.m4a.partial-x", DefaultConfig().Target), " ")
	assert.Contains(t, args, "-i in.wav")
	assert.Contains(t, args, "-ac 1")
	assert.Contains(t, args, "-ar 16000")
	assert.Contains(t, args, "-c:a aac")
	assert.Contains(t, args, "-b:a 48000")
	assert.Contains(t, args, "-f mp4")
	assert.True(t, strings.HasSuffix(args, "out.m4a.partial-x"))
}
