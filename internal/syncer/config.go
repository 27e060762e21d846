package syncer

import (
	"time"

	"github.com/tphakala/callsync/internal/conf"
)

// Default values applied by Config.withDefaults.
const (
	DefaultMetadataBatchSize  = 100
	DefaultRecordingBatchSize = 10
	DefaultRecordingWorkers   = 2
	DefaultUploadTimeout      = 5 * time.Minute
	DefaultStalenessWindow    = 30 * time.Minute
	DefaultArtifactExt        = ".m4a"

	// finalizeTimeout bounds the status write that records a cancelled
	// record as FAILED after the pass context is gone.
	finalizeTimeout = 5 * time.Second
)

// AutoRetryConfig controls the scheduler-driven retry of failures that are
// expected to clear up on their own.
type AutoRetryConfig struct {
	Enabled     bool
	After       time.Duration
	MaxAttempts int
	BatchSize   int
}

// Config tunes a sync pass.
type Config struct {
	MetadataBatchSize  int
	RecordingBatchSize int
	RecordingWorkers   int
	UploadTimeout      time.Duration
	// UploadsPerSecond limits upload starts; 0 disables the limiter.
	UploadsPerSecond float64
	StalenessWindow  time.Duration
	AutoRetry        AutoRetryConfig

	// WorkDir holds compressed artifacts until they are uploaded.
	WorkDir string
	// ArtifactExt is the extension of transcoded artifacts.
	ArtifactExt string
}

// ConfigFromSettings maps the sync section of the settings file.
func ConfigFromSettings(s *conf.Settings) Config {
	return Config{
		MetadataBatchSize:  s.Sync.MetadataBatchSize,
		RecordingBatchSize: s.Sync.RecordingBatchSize,
		RecordingWorkers:   s.Sync.RecordingWorkers,
		UploadTimeout:      s.Sync.UploadTimeout,
		UploadsPerSecond:   s.Sync.UploadsPerSecond,
		StalenessWindow:    s.Sync.StalenessWindow,
		AutoRetry: AutoRetryConfig{
			Enabled:     s.Sync.AutoRetry.Enabled,
			After:       s.Sync.AutoRetry.After,
			MaxAttempts: s.Sync.AutoRetry.MaxAttempts,
			BatchSize:   s.Sync.AutoRetry.BatchSize,
		},
		WorkDir:     s.Compression.WorkDir,
		ArtifactExt: DefaultArtifactExt,
	}
}

func (c Config) withDefaults() Config {
	if c.MetadataBatchSize <= 0 {
		c.MetadataBatchSize = DefaultMetadataBatchSize
	}
	if c.RecordingBatchSize <= 0 {
		c.RecordingBatchSize = DefaultRecordingBatchSize
	}
	if c.RecordingWorkers <= 0 {
		c.RecordingWorkers = DefaultRecordingWorkers
	}
	if c.UploadTimeout <= 0 {
		c.UploadTimeout = DefaultUploadTimeout
	}
	if c.StalenessWindow <= 0 {
		c.StalenessWindow = DefaultStalenessWindow
	}
	if c.AutoRetry.BatchSize <= 0 {
		c.AutoRetry.BatchSize = c.MetadataBatchSize
	}
	if c.WorkDir == "" {
		c.WorkDir = "compressed"
	}
	if c.ArtifactExt == "" {
		c.ArtifactExt = DefaultArtifactExt
	}
	return c
}
