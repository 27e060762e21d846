// Package compressor turns raw call recordings into small voice-quality
// artifacts for upload.
//
// Compress never panics or returns an error value; every exit is an Outcome
// whose Result tells the caller what is at the output path. Only
// FAILED_ERROR leaves nothing there.
package compressor

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/tphakala/callsync/internal/conf"
	"github.com/tphakala/callsync/internal/errors"
	"github.com/tphakala/callsync/internal/logger"
)

// Config holds the size, target and time policy.
type Config struct {
	MinInputBytes     int64
	MaxInputBytes     int64
	Target            Target
	Timeout           time.Duration
	MinSavingsPercent float64
}

// DefaultConfig returns the voice profile: inputs between 50 KB and 50 MB
// are transcoded to mono 16 kHz 48 kbps AAC in an m4a container within
// 60 seconds, and kept only when at least 10% smaller.
func DefaultConfig() Config {
	return Config{
		MinInputBytes: 50 * 1024,
		MaxInputBytes: 50 * 1024 * 1024,
		Target: Target{
			Codec:      "aac",
			Container:  "mp4",
			SampleRate: 16000,
			Channels:   1,
			Bitrate:    48000,
		},
		Timeout:           60 * time.Second,
		MinSavingsPercent: 10,
	}
}

// ConfigFromSettings maps configuration onto Config, keeping defaults for
// unset values.
func ConfigFromSettings(s *conf.CompressionSettings) Config {
	cfg := DefaultConfig()
	if s == nil {
		return cfg
	}
	if s.MinInputBytes > 0 {
		cfg.MinInputBytes = s.MinInputBytes
	}
	if s.MaxInputBytes > 0 {
		cfg.MaxInputBytes = s.MaxInputBytes
	}
	if s.SampleRate > 0 {
		cfg.Target.SampleRate = s.SampleRate
	}
	if s.Channels > 0 {
		cfg.Target.Channels = s.Channels
	}
	if s.Bitrate > 0 {
		cfg.Target.Bitrate = s.Bitrate
	}
	if s.Timeout > 0 {
		cfg.Timeout = s.Timeout
	}
	if s.MinSavingsPercent > 0 {
		cfg.MinSavingsPercent = s.MinSavingsPercent
	}
	return cfg
}

// Compressor applies the compression policy to single files. It is safe
// for concurrent use when its Prober and Transcoder are.
type Compressor struct {
	cfg        Config
	prober     Prober
	transcoder Transcoder
	log        logger.Logger
	freeSpace  func(dir string) (uint64, error)
}

// Option customizes a Compressor.
type Option func(*Compressor)

// WithProber replaces the default prober chain.
func WithProber(p Prober) Option {
	return func(c *Compressor) { c.prober = p }
}

// WithTranscoder replaces the default ffmpeg transcoder.
func WithTranscoder(t Transcoder) Option {
	return func(c *Compressor) { c.transcoder = t }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Compressor) {
		if l != nil {
			c.log = l
		}
	}
}

// WithFreeSpace replaces the disk free-space lookup; nil disables the check.
func WithFreeSpace(fn func(dir string) (uint64, error)) Option {
	return func(c *Compressor) { c.freeSpace = fn }
}

// New creates a Compressor using ffmpeg and ffprobe from PATH unless
// overridden by options.
func New(cfg Config, opts ...Option) *Compressor {
	c := &Compressor{
		cfg:        cfg,
		prober:     NewProberChain(""),
		transcoder: NewFFmpegTranscoder(""),
		log:        logger.NewDiscardLogger(),
		freeSpace:  diskFree,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.Timeout <= 0 {
		c.cfg.Timeout = DefaultConfig().Timeout
	}
	return c
}

// NewFromSettings creates a Compressor with the configured binaries.
func NewFromSettings(s *conf.CompressionSettings, log logger.Logger) *Compressor {
	var ffmpeg, ffprobe string
	if s != nil {
		ffmpeg, ffprobe = s.FfmpegPath, s.FfprobePath
	}
	return New(ConfigFromSettings(s),
		WithProber(NewProberChain(ffprobe)),
		WithTranscoder(NewFFmpegTranscoder(ffmpeg)),
		WithLogger(log),
	)
}

// Config returns the policy in use.
func (c *Compressor) Config() Config { return c.cfg }

// Compress writes a compressed or verbatim copy of inputPath to outputPath.
//
// Policy, in order: a missing input fails; inputs below MinInputBytes or
// above MaxInputBytes are copied verbatim; inputs already encoded at or
// below the target bitrate are copied verbatim; otherwise the input is
// transcoded under Timeout. A timeout, a transcoding error or too little
// savings discards the partial output and copies the input verbatim.
//
// Any file already at outputPath is removed first. Cancelling ctx yields
// FAILED_ERROR wrapping the context error and leaves no output.
func (c *Compressor) Compress(ctx context.Context, inputPath, outputPath string) Outcome {
	start := time.Now()
	o := c.compress(ctx, inputPath, outputPath)
	o.ElapsedMs = time.Since(start).Milliseconds()

	log := c.log.With(
		logger.String("input", inputPath),
		logger.String("result", o.Result.String()),
		logger.Int64("original_bytes", o.OriginalSize),
		logger.Int64("final_bytes", o.FinalSize),
		logger.Int64("elapsed_ms", o.ElapsedMs))
	switch o.Result {
	case ResultFailedError:
		log.Warn("recording compression failed", logger.Error(o.Err))
	case ResultFailedTimeout, ResultCopiedFallback:
		log.Info("recording copied without compression", logger.Error(o.Err))
	default:
		log.Debug("recording compressed",
			logger.Float64("savings_percent", o.SavingsPercent))
	}
	return o
}

func (c *Compressor) compress(ctx context.Context, inputPath, outputPath string) Outcome {
	if inputPath == "" || outputPath == "" || filepath.Clean(inputPath) == filepath.Clean(outputPath) {
		return failed(0, errors.Newf("input and output must be distinct paths").
			Component("compressor").
			Category(errors.CategoryValidation).
			Context("input", inputPath).
			Context("output", outputPath).
			Build())
	}

	// Whatever happens below, stale output from an earlier attempt must
	// not be mistaken for this call's result.
	if err := removeIfExists(outputPath); err != nil {
		return failed(0, fileError(err, outputPath, 0, "remove existing output"))
	}

	stat, err := os.Stat(inputPath)
	if err != nil {
		return failed(0, fileError(err, inputPath, 0, "stat input"))
	}
	if !stat.Mode().IsRegular() {
		return failed(0, errors.Newf("input is not a regular file").
			Component("compressor").
			Category(errors.CategoryFileIO).
			FileContext(inputPath, 0).
			Build())
	}
	size := stat.Size()

	if err := ctx.Err(); err != nil {
		return failed(size, cancelledError(err))
	}
	if err := c.checkFreeSpace(filepath.Dir(outputPath), size); err != nil {
		return failed(size, err)
	}

	switch {
	case size < c.cfg.MinInputBytes:
		return c.copyVerbatim(ctx, inputPath, outputPath, size, ResultSkippedTooSmall, nil)
	case c.cfg.MaxInputBytes > 0 && size > c.cfg.MaxInputBytes:
		return c.copyVerbatim(ctx, inputPath, outputPath, size, ResultSkippedTooLarge, nil)
	}

	tctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if info, err := c.prober.Probe(tctx, inputPath); err != nil {
		c.log.Debug("probe failed, transcoding anyway",
			logger.String("input", inputPath),
			logger.Error(err))
	} else if !info.Lossless() && info.BitRate > 0 && info.BitRate <= c.cfg.Target.Bitrate {
		return c.copyVerbatim(ctx, inputPath, outputPath, size, ResultSkippedAlreadyCompressed, nil)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return failed(size, fileError(err, outputPath, 0, "create output directory"))
	}
	tmp := partialPath(outputPath)
	terr := c.transcoder.Transcode(tctx, inputPath, tmp, c.cfg.Target)
	if terr != nil {
		_ = removeIfExists(tmp)
		switch {
		case ctx.Err() != nil:
			return failed(size, cancelledError(ctx.Err()))
		case errors.Is(tctx.Err(), context.DeadlineExceeded):
			return c.copyVerbatim(ctx, inputPath, outputPath, size, ResultFailedTimeout,
				errors.New(terr).
					Component("compressor").
					Category(errors.CategoryTimeout).
					Timing("transcode", c.cfg.Timeout).
					Build())
		default:
			return c.copyVerbatim(ctx, inputPath, outputPath, size, ResultCopiedFallback,
				errors.New(terr).
					Component("compressor").
					Category(errors.CategoryCompression).
					FileContext(inputPath, size).
					Build())
		}
	}

	out, err := os.Stat(tmp)
	if err != nil || out.Size() == 0 {
		_ = removeIfExists(tmp)
		if err == nil {
			err = errors.NewStd("transcoder produced empty output")
		}
		return c.copyVerbatim(ctx, inputPath, outputPath, size, ResultCopiedFallback,
			errors.New(err).Component("compressor").Category(errors.CategoryCompression).Build())
	}

	savings := savingsPercent(size, out.Size())
	if savings < c.cfg.MinSavingsPercent {
		_ = removeIfExists(tmp)
		return c.copyVerbatim(ctx, inputPath, outputPath, size, ResultSkippedAlreadyCompressed, nil)
	}

	if err := os.Rename(tmp, outputPath); err != nil {
		_ = removeIfExists(tmp)
		return c.copyVerbatim(ctx, inputPath, outputPath, size, ResultCopiedFallback,
			fileError(err, outputPath, out.Size(), "rename transcoded output"))
	}

	return Outcome{
		Result:         ResultSuccess,
		OriginalSize:   size,
		FinalSize:      out.Size(),
		SavingsPercent: savings,
	}
}

// copyVerbatim copies the input to the output and reports result, or
// FAILED_ERROR when the copy itself fails.
func (c *Compressor) copyVerbatim(ctx context.Context, inputPath, outputPath string, size int64, result Result, cause error) Outcome {
	if err := ctx.Err(); err != nil {
		return failed(size, cancelledError(err))
	}
	n, err := copyFileAtomic(inputPath, outputPath)
	if err != nil {
		ferr := fileError(err, inputPath, size, "copy input")
		if cause != nil {
			ferr = errors.Join(cause, ferr)
		}
		return failed(size, ferr)
	}
	return Outcome{
		Result:         result,
		OriginalSize:   size,
		FinalSize:      n,
		SavingsPercent: savingsPercent(size, n),
		Err:            cause,
	}
}

func failed(size int64, err error) Outcome {
	return Outcome{Result: ResultFailedError, OriginalSize: size, Err: err}
}

func fileError(err error, path string, size int64, op string) error {
	return errors.New(err).
		Component("compressor").
		Category(errors.CategoryFileIO).
		FileContext(path, size).
		Context("operation", op).
		Build()
}

func cancelledError(err error) error {
	return errors.New(err).
		Component("compressor").
		Category(errors.CategoryCancellation).
		Build()
}
