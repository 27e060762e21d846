// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Sets default values for the configuration. Every key that may be
// overridden from the environment needs a default here.
func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("logging.default_level", "info")
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.console.enabled", true)
	v.SetDefault("logging.console.level", "info")
	v.SetDefault("logging.file_output.enabled", true)
	v.SetDefault("logging.file_output.path", "logs/callsync.log")
	v.SetDefault("logging.file_output.level", "info")
	v.SetDefault("logging.file_output.max_size", 50)
	v.SetDefault("logging.file_output.max_age", 30)
	v.SetDefault("logging.file_output.max_rotated_files", 10)
	v.SetDefault("logging.file_output.compress", false)
	v.SetDefault("logging.module_levels", map[string]string{})

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.sqlite.path", "callsync.db")
	v.SetDefault("database.mysql.host", "localhost")
	v.SetDefault("database.mysql.port", "3306")
	v.SetDefault("database.mysql.username", "")
	v.SetDefault("database.mysql.password", "")
	v.SetDefault("database.mysql.database", "callsync")
	v.SetDefault("database.slow_query_threshold", 200*time.Millisecond)

	v.SetDefault("compression.ffmpeg_path", "ffmpeg")
	v.SetDefault("compression.ffprobe_path", "ffprobe")
	v.SetDefault("compression.work_dir", "compressed")
	v.SetDefault("compression.min_input_bytes", 50*1024)
	v.SetDefault("compression.max_input_bytes", 50*1024*1024)
	v.SetDefault("compression.sample_rate", 16000)
	v.SetDefault("compression.channels", 1)
	v.SetDefault("compression.bitrate", 48000)
	v.SetDefault("compression.timeout", 60*time.Second)
	v.SetDefault("compression.min_savings_percent", 10.0)

	v.SetDefault("sync.interval", 15*time.Minute)
	v.SetDefault("sync.pass_timeout", 10*time.Minute)
	v.SetDefault("sync.metadata_batch_size", 100)
	v.SetDefault("sync.recording_batch_size", 10)
	v.SetDefault("sync.recording_workers", 2)
	v.SetDefault("sync.upload_timeout", 5*time.Minute)
	v.SetDefault("sync.uploads_per_second", 2.0)
	v.SetDefault("sync.staleness_window", 30*time.Minute)
	v.SetDefault("sync.auto_retry.enabled", true)
	v.SetDefault("sync.auto_retry.after", time.Hour)
	v.SetDefault("sync.auto_retry.max_attempts", 5)
	v.SetDefault("sync.auto_retry.batch_size", 50)

	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.timeout", 45*time.Second)
	v.SetDefault("remote.user_agent", "callsync")

	v.SetDefault("upload.target", "http")
	v.SetDefault("upload.local.path", "uploads")
	v.SetDefault("upload.ftp.host", "")
	v.SetDefault("upload.ftp.port", 21)
	v.SetDefault("upload.ftp.username", "")
	v.SetDefault("upload.ftp.password", "")
	v.SetDefault("upload.ftp.path", "/")
	v.SetDefault("upload.ftp.timeout", 30*time.Second)
	v.SetDefault("upload.sftp.host", "")
	v.SetDefault("upload.sftp.port", 22)
	v.SetDefault("upload.sftp.username", "")
	v.SetDefault("upload.sftp.password", "")
	v.SetDefault("upload.sftp.key_file", "")
	v.SetDefault("upload.sftp.known_hosts_file", "")
	v.SetDefault("upload.sftp.path", "/")
	v.SetDefault("upload.sftp.timeout", 30*time.Second)
	v.SetDefault("upload.gcs.bucket", "")
	v.SetDefault("upload.gcs.prefix", "recordings")
	v.SetDefault("upload.gcs.credentials_file", "")

	v.SetDefault("import.source", "device")
	v.SetDefault("import.inbox_dir", "inbox")
	v.SetDefault("import.watch", false)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", "127.0.0.1:8089")

	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "production")
	v.SetDefault("sentry.sample_rate", 1.0)

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.urls", []string{})
	v.SetDefault("notify.min_failures", 1)
	v.SetDefault("notify.timeout", 10*time.Second)
}
