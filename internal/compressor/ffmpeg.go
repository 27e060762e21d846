package compressor

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Target is the encoding a transcoder produces.
type Target struct {
	Codec      string // ffmpeg encoder name
	Container  string // ffmpeg muxer name
	SampleRate int
	Channels   int
	Bitrate    int // bits per second
}

// Transcoder encodes inputPath to outputPath. Implementations must stop and
// return when ctx is done; any partial output is removed by the caller.
type Transcoder interface {
	Transcode(ctx context.Context, inputPath, outputPath string, target Target) error
}

// stderrTail bounds how much ffmpeg diagnostic output is kept for errors.
const stderrTail = 512

// FFmpegTranscoder runs the ffmpeg binary.
type FFmpegTranscoder struct {
	Path string
	// WaitDelay bounds how long to wait for ffmpeg to exit after it is killed.
	WaitDelay time.Duration
}

// NewFFmpegTranscoder returns a transcoder using the ffmpeg binary at path.
func NewFFmpegTranscoder(path string) *FFmpegTranscoder {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegTranscoder{Path: path, WaitDelay: 2 * time.Second}
}

// Transcode implements Transcoder.
func (t *FFmpegTranscoder) Transcode(ctx context.Context, inputPath, outputPath string, target Target) error {
	cmd := exec.CommandContext(ctx, t.Path, buildFFmpegArgs(inputPath, outputPath, target)...) //nolint:gosec // G204: binary path from configuration
	cmd.WaitDelay = t.WaitDelay

	stderr := &tailBuffer{limit: stderrTail}
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// buildFFmpegArgs constructs the arguments for a single-file transcode.
func buildFFmpegArgs(inputPath, outputPath string, target Target) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostdin",
		"-i", inputPath,
		"-vn", // drop cover art and video streams
		"-ac", strconv.Itoa(target.Channels),
		"-ar", strconv.Itoa(target.SampleRate),
		"-c:a", target.Codec,
		"-b:a", strconv.Itoa(target.Bitrate),
		"-movflags", "+faststart",
		"-f", target.Container,
		"-y",
		outputPath,
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string { return string(b.buf) }
