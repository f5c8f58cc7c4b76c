package internal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/isomoes/mvideo/internal/api"
	"github.com/isomoes/mvideo/internal/derive"
	"github.com/isomoes/mvideo/internal/ffmpeg"
	"github.com/isomoes/mvideo/internal/ingest"
	"github.com/isomoes/mvideo/pkg/logger"
	"github.com/mitchellh/go-homedir"
)

// Config is the struct used to contain the various user config
// supplied by file and/or environment variables.
type Config struct {
	// StorageRoot is the directory under which every project's assets are
	// stored, as {StorageRoot}/projects/{projectId}/assets/{assetId}/.
	StorageRoot string             `yaml:"storage_root" env:"STORAGE_ROOT,ASSET_STORAGE_ROOT" env-default:"~/mvideo/storage" validate:"required"`
	LogLevel    string             `yaml:"log_level" env:"LOG_LEVEL" env-default:"INFO"`
	Ffmpeg      ffmpeg.Config      `yaml:"ffmpeg"`
	Derive      derive.Config      `yaml:"derive"`
	Watch       ingest.WatchConfig `yaml:"watch"`
	RestConfig  api.RestConfig     `yaml:"api"`
}

// LoadConfig reads the configuration from the YAML file at the path given,
// with environment variables taking precedence over the values in the file.
// If the path is empty, or the file does not exist, the configuration is
// read from the environment alone. Paths are expanded (~) and the result
// is validated before being returned.
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}
	if err := config.read(configPath); err != nil {
		return nil, err
	}

	if err := config.expandPaths(); err != nil {
		return nil, err
	}

	if err := validator.New().Struct(config); err != nil {
		return nil, fmt.Errorf("configuration is invalid: %w", err)
	}

	return config, nil
}

func (config *Config) read(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := cleanenv.ReadConfig(configPath, config); err != nil {
				return fmt.Errorf("failed to load configuration from %s: %w", configPath, err)
			}

			return nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to stat configuration file %s: %w", configPath, err)
		}

		log.Emit(logger.WARNING, "Configuration file %s does not exist, using environment only\n", configPath)
	}

	if err := cleanenv.ReadEnv(config); err != nil {
		return fmt.Errorf("failed to load configuration from environment: %w", err)
	}

	return nil
}

func (config *Config) expandPaths() error {
	for _, path := range []*string{&config.StorageRoot, &config.Watch.Path} {
		if *path == "" {
			continue
		}

		expanded, err := homedir.Expand(*path)
		if err != nil {
			return fmt.Errorf("failed to expand path %s: %w", *path, err)
		}

		*path = filepath.Clean(expanded)
	}

	return nil
}

// Level returns the minimum logging level configured.
func (config *Config) Level() logger.LogStatus {
	return logger.ParseLevel(config.LogLevel)
}
