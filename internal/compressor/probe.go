package compressor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/go-audio/wav"
	"github.com/tphakala/flac"

	"github.com/tphakala/callsync/internal/errors"
)

// ErrUnrecognized is returned by a Prober that does not understand the
// file's format. ProberChain moves on to the next prober.
var ErrUnrecognized = errors.NewStd("unrecognized audio format")

// StreamInfo describes the first audio stream of a file.
type StreamInfo struct {
	Codec      string // ffprobe codec name, e.g. aac, pcm_s16le, flac
	BitRate    int    // bits per second, 0 when unknown
	SampleRate int
	Channels   int
	Duration   time.Duration
}

// Lossless reports whether the stream is stored uncompressed or with a
// lossless codec, where a low bitrate says nothing about transcoding gains.
func (si *StreamInfo) Lossless() bool {
	c := strings.ToLower(si.Codec)
	return strings.HasPrefix(c, "pcm_") || c == "flac" || c == "alac" || c == "wavpack"
}

// Prober reads stream information from an audio file.
type Prober interface {
	Probe(ctx context.Context, path string) (*StreamInfo, error)
}

// ProberChain tries each prober in order until one recognizes the file.
type ProberChain []Prober

// NewProberChain returns the native WAV and FLAC header probes followed by
// ffprobe for everything else.
func NewProberChain(ffprobePath string) ProberChain {
	return ProberChain{WAVProber{}, FLACProber{}, NewFFprobeProber(ffprobePath)}
}

// Probe implements Prober.
func (pc ProberChain) Probe(ctx context.Context, path string) (*StreamInfo, error) {
	lastErr := ErrUnrecognized
	for _, p := range pc {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := p.Probe(ctx, path)
		if err == nil {
			return info, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// WAVProber reads RIFF/WAVE headers.
type WAVProber struct{}

// Probe implements Prober.
func (WAVProber) Probe(_ context.Context, path string) (*StreamInfo, error) {
	file, err := os.Open(path) //nolint:gosec // G304: path comes from the record store
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := wav.NewDecoder(file)
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		return nil, ErrUnrecognized
	}

	info := &StreamInfo{
		Codec:      wavCodecName(decoder.WavAudioFormat, int(decoder.BitDepth)),
		SampleRate: int(decoder.SampleRate),
		Channels:   int(decoder.NumChans),
		BitRate:    int(decoder.SampleRate) * int(decoder.BitDepth) * int(decoder.NumChans),
	}
	if d, err := decoder.Duration(); err == nil {
		info.Duration = d
	}
	return info, nil
}

func wavCodecName(format uint16, bitDepth int) string {
	switch format {
	case 1:
		if bitDepth == 8 {
			return "pcm_u8"
		}
		return fmt.Sprintf("pcm_s%dle", bitDepth)
	case 3:
		return fmt.Sprintf("pcm_f%dle", bitDepth)
	case 6:
		return "pcm_alaw"
	case 7:
		return "pcm_mulaw"
	default:
		return fmt.Sprintf("wav_0x%04x", format)
	}
}

var flacMagic = []byte("fLaC")

// FLACProber reads FLAC STREAMINFO blocks.
type FLACProber struct{}

// Probe implements Prober.
func (FLACProber) Probe(_ context.Context, path string) (*StreamInfo, error) {
	file, err := os.Open(path) //nolint:gosec // G304: path comes from the record store
	if err != nil {
		return nil, err
	}
	defer file.Close()

	magic := make([]byte, len(flacMagic))
	if _, err := io.ReadFull(file, magic); err != nil || !bytes.Equal(magic, flacMagic) {
		return nil, ErrUnrecognized
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	decoder, err := flac.NewDecoder(file)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnrecognized, err)
	}

	info := &StreamInfo{
		Codec:      "flac",
		SampleRate: decoder.SampleRate,
		Channels:   decoder.NChannels,
	}
	if decoder.SampleRate > 0 && decoder.TotalSamples > 0 {
		info.Duration = time.Duration(float64(decoder.TotalSamples) / float64(decoder.SampleRate) * float64(time.Second))
		if stat, err := file.Stat(); err == nil && info.Duration > 0 {
			info.BitRate = int(float64(stat.Size()*8) / info.Duration.Seconds())
		}
	}
	return info, nil
}

// FFprobeProber runs ffprobe and decodes its JSON output.
type FFprobeProber struct {
	Path string
}

// NewFFprobeProber returns a prober using the ffprobe binary at path.
func NewFFprobeProber(path string) *FFprobeProber {
	if path == "" {
		path = "ffprobe"
	}
	return &FFprobeProber{Path: path}
}

type ffprobeOutput struct {
	Streams []struct {
		CodecName  string `json:"codec_name"`
		CodecType  string `json:"codec_type"`
		SampleRate string `json:"sample_rate"`
		Channels   int    `json:"channels"`
		BitRate    string `json:"bit_rate"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
		BitRate  string `json:"bit_rate"`
	} `json:"format"`
}

// Probe implements Prober.
func (p *FFprobeProber) Probe(ctx context.Context, path string) (*StreamInfo, error) {
	cmd := exec.CommandContext(ctx, p.Path, //nolint:gosec // G204: binary path from configuration, args are fixed
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		"-select_streams", "a:0",
		path)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("ffprobe failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}

	return parseFFprobeJSON(stdout.Bytes())
}

func parseFFprobeJSON(data []byte) (*StreamInfo, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode ffprobe output: %w", err)
	}
	if len(out.Streams) == 0 {
		return nil, fmt.Errorf("%w: no audio stream", ErrUnrecognized)
	}

	s := out.Streams[0]
	info := &StreamInfo{
		Codec:    s.CodecName,
		Channels: s.Channels,
	}
	info.SampleRate, _ = strconv.Atoi(s.SampleRate)

	// Stream bitrate is missing for some containers; fall back to the
	// container's overall rate.
	if br, err := strconv.Atoi(s.BitRate); err == nil {
		info.BitRate = br
	} else if br, err := strconv.Atoi(out.Format.BitRate); err == nil {
		info.BitRate = br
	}
	if secs, err := strconv.ParseFloat(out.Format.Duration, 64); err == nil {
		info.Duration = time.Duration(secs * float64(time.Second))
	}
	return info, nil
}
