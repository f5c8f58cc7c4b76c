package ingest

import "time"

// WatchConfig contains configuration options that allow customization of
// how files dropped in to the watch folder are detected and ingested.
type WatchConfig struct {
	// Enabled controls whether the watch folder is monitored at all.
	Enabled bool `yaml:"enabled" env:"WATCH_ENABLED" env-default:"false"`

	// The path to the directory the service should monitor for new files.
	// Files must be placed inside of a directory named after the project
	// they should be ingested in to, e.g. {Path}/{projectID}/clip.mp4
	Path string `yaml:"path" env:"WATCH_PATH" env-default:"~/mvideo/inbox" validate:"required_if=Enabled true"`

	// The watch folder uses a directory watcher, but a 'force' sync can be
	// performed on a regular interval to protect against the watcher failing.
	ForceSyncSeconds int `yaml:"force_sync_seconds" env:"WATCH_FORCE_SYNC_SECONDS" env-default:"120" validate:"min=1"`

	// An array of regular expressions that can be used to RESTRICT
	// the files processed by this service. If any expression matches
	// the name of the file, it is ignored.
	Blacklist []string `yaml:"blacklist" env:"WATCH_BLACKLIST" env-separator:","`

	// When a new file is detected, it's likely to still be in the process of
	// being copied in. As we cannot KNOW when the copy is complete, we instead
	// wait for the 'modtime' of the item to be at least this long in the past
	// before processing.
	RequiredModTimeAgeSeconds int `yaml:"required_modtime_age_seconds" env:"WATCH_REQUIRED_MODTIME_AGE_SECONDS" env-default:"10" validate:"min=0"`

	// Controls the number of workers that can perform ingestions. Reducing
	// to 1 means one ingestion at a time. Each ingestion spawns its own
	// transcoding processes, so this should be kept modest.
	Parallelism int `yaml:"parallelism" env:"WATCH_PARALLELISM" env-default:"2" validate:"min=1"`
}

func (config *WatchConfig) RequiredModTimeAgeDuration() time.Duration {
	return time.Duration(config.RequiredModTimeAgeSeconds) * time.Second
}

func (config *WatchConfig) ForceSyncDuration() time.Duration {
	return time.Duration(config.ForceSyncSeconds) * time.Second
}
