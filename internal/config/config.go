// Package config provides configuration loading for storygate.
//
// Configuration is resolved from hardcoded defaults, an optional YAML file and
// STORYGATE_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// Config holds the complete storygate configuration.
type Config struct {
	Paths     PathsConfig     `koanf:"paths"`
	Lock      LockConfig      `koanf:"lock"`
	Snapshot  SnapshotConfig  `koanf:"snapshot"`
	Drift     DriftConfig     `koanf:"drift"`
	Rollback  RollbackConfig  `koanf:"rollback"`
	Gate      GateConfig      `koanf:"gate"`
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// PathsConfig locates the repository and storygate's state on disk.
type PathsConfig struct {
	// Root is the repository checkout all stories operate on.
	Root string `koanf:"root"`
	// StateDir holds locks, snapshots, reports and ledgers (relative to Root).
	StateDir string `koanf:"state_dir"`
	// ArtifactsDir holds planning and per-story JSON artifacts (relative to Root).
	ArtifactsDir string `koanf:"artifacts_dir"`
}

// LockConfig holds lease settings for the file lock manager.
type LockConfig struct {
	DefaultTimeout Duration `koanf:"default_timeout"`
	// RetryInterval and WaitTimeout drive caller-side retries (CLI --wait, executor).
	RetryInterval Duration `koanf:"retry_interval"`
	WaitTimeout   Duration `koanf:"wait_timeout"`
}

// SnapshotConfig holds snapshot retention settings.
type SnapshotConfig struct {
	RetentionDays int `koanf:"retention_days"`
}

// DriftConfig controls the tree scan and severity thresholds.
type DriftConfig struct {
	Extensions              []string `koanf:"extensions"`
	Include                 []string `koanf:"include"`
	Ignore                  []string `koanf:"ignore"`
	Critical                []string `koanf:"critical"`
	UnlistedHighThreshold   int      `koanf:"unlisted_high_threshold"`
	UnexpectedHighThreshold int      `koanf:"unexpected_high_threshold"`
	WatchDebounce           Duration `koanf:"watch_debounce"`
}

// RollbackConfig holds defaults for rollback options.
type RollbackConfig struct {
	CleanupArtifacts bool     `koanf:"cleanup_artifacts"`
	RestoreVCS       bool     `koanf:"restore_vcs"`
	Artifacts        []string `koanf:"artifacts"`
}

// GateConfig holds gate enforcement settings.
type GateConfig struct {
	// SchemaDir overrides embedded schemas by file name when set.
	SchemaDir  string `koanf:"schema_dir"`
	SecretScan bool   `koanf:"secret_scan"`
	// SignedBy is recorded when a patch plan is auto-signed.
	SignedBy string `koanf:"signed_by"`
}

// ServerConfig holds the status API settings.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig is the subset of logging settings exposed to users.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig is the subset of OpenTelemetry settings exposed to users.
type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled"`
	Endpoint     string  `koanf:"endpoint"`
	Protocol     string  `koanf:"protocol"`
	Insecure     bool    `koanf:"insecure"`
	SamplingRate float64 `koanf:"sampling_rate"`
}

// Lower bounds Validate enforces on durations.
const (
	MinLockTimeout   = time.Second
	MinRetryInterval = 10 * time.Millisecond
	MinWatchDebounce = 10 * time.Millisecond
)

// Default returns a configuration populated with storygate's defaults.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			Root:         ".",
			StateDir:     ".storygate",
			ArtifactsDir: filepath.Join("docs", "storygate"),
		},
		Lock: LockConfig{
			DefaultTimeout: Duration(30 * time.Second),
			RetryInterval:  Duration(500 * time.Millisecond),
			WaitTimeout:    0,
		},
		Snapshot: SnapshotConfig{
			RetentionDays: 7,
		},
		Drift: DriftConfig{
			Extensions: []string{
				".go", ".js", ".jsx", ".ts", ".tsx", ".mjs", ".cjs", ".json",
				".py", ".rb", ".rs", ".java", ".kt", ".css", ".scss", ".html",
				".md", ".yaml", ".yml", ".toml", ".sql", ".sh",
			},
			Include: []string{"Makefile", "Dockerfile", "go.mod", "go.sum"},
			Ignore: []string{
				".git/", "node_modules/", "vendor/", "dist/", "build/", "coverage/",
			},
			Critical: []string{
				"/package.json", "/package-lock.json", "/yarn.lock", "/pnpm-lock.yaml",
				"/go.mod", "/go.sum", "/Cargo.toml", "/Cargo.lock",
				"/tsconfig.json", "/.storygate.yaml", "/.github/", "/Dockerfile",
				".env", ".env.*",
			},
			UnlistedHighThreshold:   3,
			UnexpectedHighThreshold: 5,
			WatchDebounce:           Duration(500 * time.Millisecond),
		},
		Rollback: RollbackConfig{
			CleanupArtifacts: true,
			RestoreVCS:       false,
			Artifacts:        []string{"patch-plan.json", "test-results.json", "test.log"},
		},
		Gate: GateConfig{
			SecretScan: true,
			SignedBy:   "storygate",
		},
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9797,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			Endpoint:     "localhost:4317",
			Protocol:     "grpc",
			Insecure:     true,
			SamplingRate: 1.0,
		},
	}
}

// StatePath joins elem onto the absolute state directory.
func (c *Config) StatePath(elem ...string) string {
	return filepath.Join(append([]string{c.resolve(c.Paths.StateDir)}, elem...)...)
}

// ArtifactPath joins elem onto the absolute artifacts directory.
func (c *Config) ArtifactPath(elem ...string) string {
	return filepath.Join(append([]string{c.resolve(c.Paths.ArtifactsDir)}, elem...)...)
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Paths.Root, p)
}

// Validate validates the configuration.
//
// Returns an error if:
//   - Root or StateDir is empty
//   - Lock default timeout is not positive
//   - Severity thresholds are below 1
//   - Server port is not between 1 and 65535
func (c *Config) Validate() error {
	if c.Paths.Root == "" {
		return errors.New("paths.root is required")
	}
	if c.Paths.StateDir == "" {
		return errors.New("paths.state_dir is required")
	}
	if err := c.Lock.DefaultTimeout.atLeast("lock.default_timeout", MinLockTimeout); err != nil {
		return err
	}
	if err := c.Lock.RetryInterval.atLeast("lock.retry_interval", MinRetryInterval); err != nil {
		return err
	}
	if c.Snapshot.RetentionDays < 0 {
		return fmt.Errorf("snapshot.retention_days must be >= 0, got %d", c.Snapshot.RetentionDays)
	}
	if c.Drift.UnlistedHighThreshold < 1 {
		return fmt.Errorf("drift.unlisted_high_threshold must be >= 1, got %d", c.Drift.UnlistedHighThreshold)
	}
	if c.Drift.UnexpectedHighThreshold < 1 {
		return fmt.Errorf("drift.unexpected_high_threshold must be >= 1, got %d", c.Drift.UnexpectedHighThreshold)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if err := c.Drift.WatchDebounce.atLeast("drift.watch_debounce", MinWatchDebounce); err != nil {
		return err
	}
	if err := c.Server.ShutdownTimeout.atLeast("server.shutdown_timeout", time.Second); err != nil {
		return err
	}
	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		return fmt.Errorf("telemetry.sampling_rate must be between 0 and 1, got %f", c.Telemetry.SamplingRate)
	}
	return nil
}
