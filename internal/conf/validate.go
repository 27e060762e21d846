// conf/validate.go

package conf

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation errors: %s", strings.Join(ve.Errors, "; "))
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	ve.Errors = append(ve.Errors, validateDatabaseSettings(&settings.Database)...)
	ve.Errors = append(ve.Errors, validateCompressionSettings(&settings.Compression)...)
	ve.Errors = append(ve.Errors, validateSyncSettings(&settings.Sync)...)
	ve.Errors = append(ve.Errors, validateUploadSettings(settings)...)

	if settings.Remote.BaseURL != "" {
		if u, err := url.Parse(settings.Remote.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			ve.Errors = append(ve.Errors, fmt.Sprintf("remote.base_url %q is not an absolute URL", settings.Remote.BaseURL))
		}
	}

	if settings.Sentry.Enabled && settings.Sentry.DSN == "" {
		ve.Errors = append(ve.Errors, "sentry.dsn is required when sentry is enabled")
	}

	if settings.Notify.Enabled && len(settings.Notify.URLs) == 0 {
		ve.Errors = append(ve.Errors, "notify.urls must contain at least one URL when notifications are enabled")
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateDatabaseSettings(db *DatabaseSettings) []string {
	var errs []string
	switch db.Type {
	case "sqlite":
		if db.SQLite.Path == "" {
			errs = append(errs, "database.sqlite.path must be set")
		}
	case "mysql":
		if db.MySQL.Host == "" || db.MySQL.Database == "" {
			errs = append(errs, "database.mysql.host and database.mysql.database must be set")
		}
	default:
		errs = append(errs, fmt.Sprintf("database.type %q is not supported (sqlite, mysql)", db.Type))
	}
	return errs
}

func validateCompressionSettings(c *CompressionSettings) []string {
	var errs []string
	if c.MinInputBytes < 0 {
		errs = append(errs, "compression.min_input_bytes must not be negative")
	}
	if c.MaxInputBytes <= c.MinInputBytes {
		errs = append(errs, "compression.max_input_bytes must be greater than min_input_bytes")
	}
	if c.Bitrate <= 0 || c.SampleRate <= 0 || c.Channels <= 0 {
		errs = append(errs, "compression.bitrate, sample_rate and channels must be positive")
	}
	if c.Timeout <= 0 {
		errs = append(errs, "compression.timeout must be positive")
	}
	if c.MinSavingsPercent < 0 || c.MinSavingsPercent >= 100 {
		errs = append(errs, "compression.min_savings_percent must be in [0, 100)")
	}
	return errs
}

func validateSyncSettings(s *SyncSettings) []string {
	var errs []string
	if s.Interval <= 0 {
		errs = append(errs, "sync.interval must be positive")
	}
	if s.MetadataBatchSize <= 0 || s.RecordingBatchSize <= 0 {
		errs = append(errs, "sync batch sizes must be positive")
	}
	if s.RecordingWorkers <= 0 {
		errs = append(errs, "sync.recording_workers must be positive")
	}
	if s.StalenessWindow <= 0 {
		errs = append(errs, "sync.staleness_window must be positive")
	}
	if s.UploadsPerSecond < 0 {
		errs = append(errs, "sync.uploads_per_second must not be negative")
	}
	if s.AutoRetry.Enabled && s.AutoRetry.After <= 0 {
		errs = append(errs, "sync.auto_retry.after must be positive when auto retry is enabled")
	}
	return errs
}

func validateUploadSettings(settings *Settings) []string {
	u := &settings.Upload
	var errs []string
	switch u.Target {
	case "http":
		// base_url is checked lazily; an empty remote disables syncing in dry setups
	case "local":
		if u.Local.Path == "" {
			errs = append(errs, "upload.local.path must be set")
		}
	case "ftp":
		if u.FTP.Host == "" {
			errs = append(errs, "upload.ftp.host must be set")
		}
	case "sftp":
		if u.SFTP.Host == "" || u.SFTP.Username == "" {
			errs = append(errs, "upload.sftp.host and username must be set")
		}
		if u.SFTP.Password == "" && u.SFTP.KeyFile == "" {
			errs = append(errs, "upload.sftp requires a password or key_file")
		}
	case "gcs":
		if u.GCS.Bucket == "" {
			errs = append(errs, "upload.gcs.bucket must be set")
		}
	default:
		errs = append(errs, fmt.Sprintf("upload.target %q is not supported (http, local, ftp, sftp, gcs)", u.Target))
	}
	return errs
}
