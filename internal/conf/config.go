// config.go: settings struct for callsync and functions to load and save it.
package conf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/callsync/internal/logger"
	"github.com/tphakala/callsync/internal/secrets"
)

// EnvPrefix prefixes environment overrides, e.g. CALLSYNC_SYNC_INTERVAL.
const EnvPrefix = "CALLSYNC"

// DatabaseSettings selects and configures the record store backend.
type DatabaseSettings struct {
	Type               string         `mapstructure:"type" yaml:"type"` // sqlite or mysql
	SQLite             SQLiteSettings `mapstructure:"sqlite" yaml:"sqlite"`
	MySQL              MySQLSettings  `mapstructure:"mysql" yaml:"mysql"`
	SlowQueryThreshold time.Duration  `mapstructure:"slow_query_threshold" yaml:"slow_query_threshold"`
}

// SQLiteSettings configures the embedded database.
type SQLiteSettings struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// MySQLSettings configures a shared MySQL database.
type MySQLSettings struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     string `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	Database string `mapstructure:"database" yaml:"database"`
}

// CompressionSettings controls the recording transcoder.
type CompressionSettings struct {
	FfmpegPath        string        `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
	FfprobePath       string        `mapstructure:"ffprobe_path" yaml:"ffprobe_path"`
	WorkDir           string        `mapstructure:"work_dir" yaml:"work_dir"` // compressed artifacts are written here
	MinInputBytes     int64         `mapstructure:"min_input_bytes" yaml:"min_input_bytes"`
	MaxInputBytes     int64         `mapstructure:"max_input_bytes" yaml:"max_input_bytes"`
	SampleRate        int           `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels          int           `mapstructure:"channels" yaml:"channels"`
	Bitrate           int           `mapstructure:"bitrate" yaml:"bitrate"` // bits per second
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MinSavingsPercent float64       `mapstructure:"min_savings_percent" yaml:"min_savings_percent"`
}

// AutoRetrySettings controls scheduler-driven retries of network failures.
type AutoRetrySettings struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	After       time.Duration `mapstructure:"after" yaml:"after"`               // minimum age of the failure
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"` // 0 = unlimited
	BatchSize   int           `mapstructure:"batch_size" yaml:"batch_size"`
}

// SyncSettings controls the orchestrator and its scheduler.
type SyncSettings struct {
	Interval           time.Duration     `mapstructure:"interval" yaml:"interval"`
	PassTimeout        time.Duration     `mapstructure:"pass_timeout" yaml:"pass_timeout"`
	MetadataBatchSize  int               `mapstructure:"metadata_batch_size" yaml:"metadata_batch_size"`
	RecordingBatchSize int               `mapstructure:"recording_batch_size" yaml:"recording_batch_size"`
	RecordingWorkers   int               `mapstructure:"recording_workers" yaml:"recording_workers"`
	UploadTimeout      time.Duration     `mapstructure:"upload_timeout" yaml:"upload_timeout"`
	UploadsPerSecond   float64           `mapstructure:"uploads_per_second" yaml:"uploads_per_second"` // 0 = unlimited
	StalenessWindow    time.Duration     `mapstructure:"staleness_window" yaml:"staleness_window"`
	AutoRetry          AutoRetrySettings `mapstructure:"auto_retry" yaml:"auto_retry"`
}

// RemoteSettings configures the remote call-log API.
type RemoteSettings struct {
	BaseURL   string        `mapstructure:"base_url" yaml:"base_url"`
	Token     string        `mapstructure:"token" yaml:"token"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	UserAgent string        `mapstructure:"user_agent" yaml:"user_agent"`
}

// UploadSettings selects where compressed recordings are uploaded.
type UploadSettings struct {
	Target string      `mapstructure:"target" yaml:"target"` // http, local, ftp, sftp or gcs
	Local  LocalTarget `mapstructure:"local" yaml:"local"`
	FTP    FTPTarget   `mapstructure:"ftp" yaml:"ftp"`
	SFTP   SFTPTarget  `mapstructure:"sftp" yaml:"sftp"`
	GCS    GCSTarget   `mapstructure:"gcs" yaml:"gcs"`
}

// LocalTarget copies recordings into a directory, e.g. a mounted share.
type LocalTarget struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// FTPTarget configures an FTP upload target.
type FTPTarget struct {
	Host     string        `mapstructure:"host" yaml:"host"`
	Port     int           `mapstructure:"port" yaml:"port"`
	Username string        `mapstructure:"username" yaml:"username"`
	Password string        `mapstructure:"password" yaml:"password"`
	Path     string        `mapstructure:"path" yaml:"path"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// SFTPTarget configures an SFTP upload target.
type SFTPTarget struct {
	Host           string        `mapstructure:"host" yaml:"host"`
	Port           int           `mapstructure:"port" yaml:"port"`
	Username       string        `mapstructure:"username" yaml:"username"`
	Password       string        `mapstructure:"password" yaml:"password"`
	KeyFile        string        `mapstructure:"key_file" yaml:"key_file"`
	KnownHostsFile string        `mapstructure:"known_hosts_file" yaml:"known_hosts_file"`
	Path           string        `mapstructure:"path" yaml:"path"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// GCSTarget configures a Google Cloud Storage bucket target.
type GCSTarget struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	Prefix          string `mapstructure:"prefix" yaml:"prefix"`
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file"`
}

// ImportSettings controls call-log import and the inbox watcher.
type ImportSettings struct {
	Source   string `mapstructure:"source" yaml:"source"` // default source discriminator for composite ids
	InboxDir string `mapstructure:"inbox_dir" yaml:"inbox_dir"`
	Watch    bool   `mapstructure:"watch" yaml:"watch"`
}

// APISettings controls the local control API.
type APISettings struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
}

// SentrySettings controls error telemetry.
type SentrySettings struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	DSN         string  `mapstructure:"dsn" yaml:"dsn"`
	Environment string  `mapstructure:"environment" yaml:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
}

// NotifySettings controls failure notifications.
type NotifySettings struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	URLs        []string      `mapstructure:"urls" yaml:"urls"`
	MinFailures int           `mapstructure:"min_failures" yaml:"min_failures"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Settings contains all configuration options for callsync.
type Settings struct {
	Debug       bool                 `mapstructure:"debug" yaml:"debug"`
	Version     string               `mapstructure:"-" yaml:"-"` // runtime value
	Logging     logger.LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Database    DatabaseSettings     `mapstructure:"database" yaml:"database"`
	Compression CompressionSettings  `mapstructure:"compression" yaml:"compression"`
	Sync        SyncSettings         `mapstructure:"sync" yaml:"sync"`
	Remote      RemoteSettings       `mapstructure:"remote" yaml:"remote"`
	Upload      UploadSettings       `mapstructure:"upload" yaml:"upload"`
	Import      ImportSettings       `mapstructure:"import" yaml:"import"`
	API         APISettings          `mapstructure:"api" yaml:"api"`
	Sentry      SentrySettings       `mapstructure:"sentry" yaml:"sentry"`
	Notify      NotifySettings       `mapstructure:"notify" yaml:"notify"`
}

// Load reads configuration from configPath (or the default search paths
// when empty), applies defaults and CALLSYNC_* environment overrides, and
// validates the result. Each call uses its own viper instance.
func Load(configPath string) (*Settings, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := resolveSecrets(settings); err != nil {
		return nil, fmt.Errorf("error resolving credentials: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	return settings, nil
}

// resolveSecrets replaces ${VAR} and file: references in credential fields.
func resolveSecrets(s *Settings) error {
	fields := map[string]*string{
		"remote.token":            &s.Remote.Token,
		"database.mysql.password": &s.Database.MySQL.Password,
		"upload.ftp.password":     &s.Upload.FTP.Password,
		"upload.sftp.password":    &s.Upload.SFTP.Password,
		"sentry.dsn":              &s.Sentry.DSN,
	}
	for i := range s.Notify.URLs {
		fields[fmt.Sprintf("notify.urls[%d]", i)] = &s.Notify.URLs[i]
	}
	return secrets.ResolveAll(fields)
}

// Defaults returns settings populated only from defaults.
func Defaults() *Settings {
	v := viper.New()
	setDefaults(v)
	settings := &Settings{}
	// Defaults are static values; decoding them cannot fail.
	_ = v.Unmarshal(settings)
	return settings
}

func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("fatal error reading config file %s: %w", configPath, err)
		}
		return v, nil
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, path := range DefaultConfigPaths() {
		v.AddConfigPath(path)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("fatal error reading config file: %w", err)
		}
	}

	return v, nil
}

// DefaultConfigPaths returns the directories searched for config.yaml.
func DefaultConfigPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "callsync"))
	}
	return append(paths, "/etc/callsync")
}

// SaveYAMLConfig writes settings to configPath. It overwrites the existing
// file through a temporary file and rename.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tempFileName := tempFile.Name()
	defer os.Remove(tempFileName)

	if _, err := tempFile.Write(yamlData); err != nil {
		tempFile.Close()
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}

	if err := os.Rename(tempFileName, configPath); err != nil {
		return fmt.Errorf("error replacing config file: %w", err)
	}

	return nil
}
