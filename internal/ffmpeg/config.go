package ffmpeg

import "time"

type Config struct {
	FfmpegBinaryPath    string `yaml:"ffmpeg_binary_path" env:"FFMPEG_BINARY_PATH" env-default:"ffmpeg" validate:"required"`
	FfprobeBinaryPath   string `yaml:"ffprobe_binary_path" env:"FFPROBE_BINARY_PATH" env-default:"ffprobe" validate:"required"`
	TimeoutSeconds      int    `yaml:"timeout_seconds" env:"TRANSCODE_TIMEOUT_SECONDS" env-default:"1800" validate:"gte=0"`
	ProbeTimeoutSeconds int    `yaml:"probe_timeout_seconds" env:"PROBE_TIMEOUT_SECONDS" env-default:"60" validate:"gte=0"`
}

// JobTimeout returns the maximum time a single transcoding job may
// run for. Zero means no limit.
func (config *Config) JobTimeout() time.Duration {
	return time.Duration(config.TimeoutSeconds) * time.Second
}

// ProbeTimeout returns the maximum time a single probe may run for.
// Zero means no limit.
func (config *Config) ProbeTimeout() time.Duration {
	return time.Duration(config.ProbeTimeoutSeconds) * time.Second
}
