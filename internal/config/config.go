package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the persisted application configuration.
type Config struct {
	OutputDir          string `yaml:"output_dir"`
	PublishRoot        string `yaml:"publish_root,omitempty"`
	TmpDir             string `yaml:"tmp_dir"`
	WorkerLimit        int    `yaml:"worker_limit"`
	CompletedJobsLimit int    `yaml:"completed_jobs_limit"`
	SyncIntervalMin    int    `yaml:"sync_interval_minutes"`
	YtdlpPath          string `yaml:"ytdlp_path"`
	FfmpegPath         string `yaml:"ffmpeg_path"`
	YtdlpExtraArgs     string `yaml:"ytdlp_extra_args,omitempty"`
	FfmpegExtraArgs    string `yaml:"ffmpeg_extra_args,omitempty"`
	VideoCodec         string `yaml:"video_codec"`
	CRF                int    `yaml:"crf"`
	LogLevel           string `yaml:"log_level"`
}

// Defaults returns the baseline configuration used on first run.
func Defaults() Config {
	home, _ := os.UserHomeDir()
	return Config{
		OutputDir:          filepath.Join(home, "Shows"),
		TmpDir:             os.TempDir(),
		WorkerLimit:        1,
		CompletedJobsLimit: 10,
		SyncIntervalMin:    60,
		YtdlpPath:          "yt-dlp",
		FfmpegPath:         "ffmpeg",
		VideoCodec:         "libx265",
		CRF:                28,
		LogLevel:           "info",
	}
}

// Ensure loads configuration from the provided path, creating it from
// defaults (plus environment overrides) if it does not yet exist.
func Ensure(path string) (Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return Config{}, err
	}

	cfg = Defaults()
	if fromEnv := strings.TrimSpace(os.Getenv("TUBARR_OUTPUT_DIR")); fromEnv != "" {
		resolved, err := expandPath(fromEnv)
		if err != nil {
			return Config{}, err
		}
		cfg.OutputDir = resolved
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return Config{}, fmt.Errorf("create output directory: %w", err)
	}
	if err := Save(path, cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads configuration from disk, falling back to defaults for values
// that are missing or out of range.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	defaults := Defaults()
	if cfg.WorkerLimit <= 0 {
		cfg.WorkerLimit = defaults.WorkerLimit
	}
	if cfg.CompletedJobsLimit <= 0 {
		cfg.CompletedJobsLimit = defaults.CompletedJobsLimit
	}
	if cfg.SyncIntervalMin <= 0 {
		cfg.SyncIntervalMin = defaults.SyncIntervalMin
	}
	if strings.TrimSpace(cfg.YtdlpPath) == "" {
		cfg.YtdlpPath = defaults.YtdlpPath
	}
	if strings.TrimSpace(cfg.FfmpegPath) == "" {
		cfg.FfmpegPath = defaults.FfmpegPath
	}
	if strings.TrimSpace(cfg.VideoCodec) == "" {
		cfg.VideoCodec = defaults.VideoCodec
	}
	if cfg.CRF <= 0 {
		cfg.CRF = defaults.CRF
	}
	if strings.TrimSpace(cfg.TmpDir) == "" {
		cfg.TmpDir = defaults.TmpDir
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	return cfg, nil
}

// Save writes configuration back to disk, ensuring directory permissions are
// restrictive.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	temp := path + ".tmp"
	if err := os.WriteFile(temp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(temp, path)
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
