package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// FileName is the per-repository config file looked up under the root.
	FileName = ".storygate.yaml"

	envPrefix = "STORYGATE_"
)

// Load loads configuration for the repository at root.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (STORYGATE_LOCK_DEFAULT_TIMEOUT, STORYGATE_DRIFT_CRITICAL, ...)
//  2. YAML config file (configPath, or <root>/.storygate.yaml when empty)
//  3. Hardcoded defaults (see Default)
//
// A missing config file is not an error. An explicit configPath must live
// inside root or ~/.config/storygate/ and be smaller than 1MB.
//
// # Environment Variable Mapping
//
// The prefix is stripped, the remainder lowercased, and the first underscore
// becomes the section separator:
//
//	STORYGATE_LOCK_DEFAULT_TIMEOUT -> lock.default_timeout
//	STORYGATE_DRIFT_UNLISTED_HIGH_THRESHOLD -> drift.unlisted_high_threshold
//
// List values are comma separated.
func Load(root, configPath string) (*Config, error) {
	if root == "" {
		root = "."
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root: %w", err)
	}

	explicit := configPath != ""
	if !explicit {
		configPath = filepath.Join(absRoot, FileName)
	}
	if err := validateConfigPath(absRoot, configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	k := koanf.New(".")

	if err := loadFile(k, configPath); err != nil {
		if !os.IsNotExist(err) || explicit {
			return nil, err
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Paths.Root == "" || cfg.Paths.Root == "." {
		cfg.Paths.Root = absRoot
	} else if !filepath.IsAbs(cfg.Paths.Root) {
		cfg.Paths.Root = filepath.Join(absRoot, cfg.Paths.Root)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFile reads the YAML file through a single descriptor and feeds the
// bytes to koanf. Returns an os.IsNotExist error when the file is absent.
func loadFile(k *koanf.Koanf, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return err
		}
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	return nil
}

// envKey maps STORYGATE_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// validateConfigPath checks the config file lives in root or the user's
// storygate config directory. Symlinks are resolved first.
func validateConfigPath(root, path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		// Allows validation of paths that dont exist yet
		resolvedPath = absPath
	}
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		resolvedRoot = root
	}

	allowedDirs := []string{resolvedRoot, root}
	if home, err := os.UserHomeDir(); err == nil {
		allowedDirs = append(allowedDirs, filepath.Join(home, ".config", "storygate"))
	}

	for _, dir := range allowedDirs {
		if resolvedPath == dir || strings.HasPrefix(resolvedPath, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be inside %s or ~/.config/storygate/", root)
}

// applyDefaults restores defaults for values a file or env var zeroed out.
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Paths.StateDir == "" {
		cfg.Paths.StateDir = def.Paths.StateDir
	}
	if cfg.Paths.ArtifactsDir == "" {
		cfg.Paths.ArtifactsDir = def.Paths.ArtifactsDir
	}
	if cfg.Lock.DefaultTimeout == 0 {
		cfg.Lock.DefaultTimeout = def.Lock.DefaultTimeout
	}
	if cfg.Lock.RetryInterval == 0 {
		cfg.Lock.RetryInterval = def.Lock.RetryInterval
	}
	if cfg.Drift.UnlistedHighThreshold == 0 {
		cfg.Drift.UnlistedHighThreshold = def.Drift.UnlistedHighThreshold
	}
	if cfg.Drift.UnexpectedHighThreshold == 0 {
		cfg.Drift.UnexpectedHighThreshold = def.Drift.UnexpectedHighThreshold
	}
	if cfg.Drift.WatchDebounce == 0 {
		cfg.Drift.WatchDebounce = def.Drift.WatchDebounce
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = def.Server.Host
	}
	if cfg.Gate.SignedBy == "" {
		cfg.Gate.SignedBy = def.Gate.SignedBy
	}
}
