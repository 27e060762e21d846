package compressor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWAVProber(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "call.wav")
	writePCMWAV(t, path, 256*1024)

	info, err := WAVProber{}.Probe(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "pcm_s16le", info.Codec)
	assert.Equal(t, 44100, info.SampleRate)
	assert.Equal(t, 2, info.Channels)
	assert.Equal(t, 44100*16*2, info.BitRate)
	assert.True(t, info.Lossless())
}

func TestNativeProbersRejectOtherFormats(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	wavPath := filepath.Join(dir, "call.wav")
	writePCMWAV(t, wavPath, 64*1024)
	junk := writeFile(t, dir, "call.m4a", 4096)

	_, err := FLACProber{}.Probe(context.Background(), wavPath)
	require.ErrorIs(t, err, ErrUnrecognized)

	_, err = WAVProber{}.Probe(context.Background(), junk)
	require.ErrorIs(t, err, ErrUnrecognized)
}

func TestProberChainFallsThrough(t *testing.T) {
	t.Parallel()
	want := &StreamInfo{Codec: "opus", BitRate: 24000}
	chain := ProberChain{
		fakeProber{err: ErrUnrecognized},
		fakeProber{info: want},
		fakeProber{err: ErrUnrecognized},
	}

	got, err := chain.Probe(context.Background(), "ignored")
	require.NoError(t, err)
	assert.Same(t, want, got)

	_, err = ProberChain{}.Probe(context.Background(), "ignored")
	require.ErrorIs(t, err, ErrUnrecognized)
}

func TestParseFFprobeJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    *StreamInfo
		wantErr bool
	}{
		{
			name: "stream bitrate",
			input: `{"streams":[{"codec_name":"aac","codec_type":"audio","sample_rate":"16000","channels":1,"bit_rate":"40000"}],
				"format":{"duration":"754.500000","bit_rate":"41234"}}`,
			want: &StreamInfo{Codec: "aac", BitRate: 40000, SampleRate: 16000, Channels: 1, Duration: 754500 * time.Millisecond},
		},
		{
			name: "container bitrate fallback",
			input: `{"streams":[{"codec_name":"amr_nb","sample_rate":"8000","channels":1}],
				"format":{"duration":"10.0","bit_rate":"12800"}}`,
			want: &StreamInfo{Codec: "amr_nb", BitRate: 12800, SampleRate: 8000, Channels: 1, Duration: 10 * time.Second},
		},
		{name: "no audio stream", input: `{"streams":[],"format":{}}`, wantErr: true},
		{name: "garbage", input: `not json`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseFFprobeJSON([]byte(tt.input))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
