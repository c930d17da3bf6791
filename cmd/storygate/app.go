package main

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/storygate/internal/config"
	"github.com/fyrsmithlabs/storygate/internal/drift"
	"github.com/fyrsmithlabs/storygate/internal/executor"
	"github.com/fyrsmithlabs/storygate/internal/gate"
	"github.com/fyrsmithlabs/storygate/internal/lock"
	"github.com/fyrsmithlabs/storygate/internal/logging"
	"github.com/fyrsmithlabs/storygate/internal/metrics"
	"github.com/fyrsmithlabs/storygate/internal/preflight"
	"github.com/fyrsmithlabs/storygate/internal/rollback"
	"github.com/fyrsmithlabs/storygate/internal/snapshot"
	"github.com/fyrsmithlabs/storygate/internal/telemetry"
)

// app holds the wired services for one command invocation.
type app struct {
	cfg     *config.Config
	owner   string
	log     *logging.Logger
	tel     *telemetry.Telemetry
	metrics *metrics.Metrics

	locks     *lock.Manager
	snapshots *snapshot.Manager
	scanner   *drift.Scanner
	detector  *drift.Detector
	rollbacks *rollback.Orchestrator
	gates     *gate.Enforcer
	executor  *executor.Executor
}

// newApp loads configuration and wires every service.
func newApp(cmd *cobra.Command, opts *globalOptions) (*app, error) {
	ctx := cmd.Context()

	cfg, err := config.Load(opts.root, opts.configPath)
	if err != nil {
		return nil, err
	}
	level := cfg.Logging.Level
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	logCfg, err := logging.FromSettings(level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	log, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
	if err != nil {
		return nil, err
	}
	if degraded, terr := tel.Degraded(); degraded {
		log.Warn(ctx, "telemetry degraded", zap.Error(terr))
	}

	a := &app{
		cfg:     cfg,
		owner:   ownerID(opts.owner),
		log:     log,
		tel:     tel,
		metrics: metrics.NewMetrics(),
	}
	if err := a.wire(); err != nil {
		_ = a.close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	cfg := a.cfg
	zl := a.log.Underlying()
	root := cfg.Paths.Root
	lease := cfg.Lock.DefaultTimeout.Duration()

	var err error
	a.locks, err = lock.NewManager(&lock.Config{
		Root:           root,
		Dir:            cfg.StatePath("locks"),
		DefaultTimeout: lease,
	}, zl.Named("lock"), lock.WithMetrics(a.metrics))
	if err != nil {
		return err
	}

	ignore := append([]string(nil), cfg.Drift.Ignore...)
	if rel, err := filepath.Rel(root, cfg.ArtifactPath()); err == nil && !strings.HasPrefix(rel, "..") && rel != "." {
		ignore = append(ignore, "/"+filepath.ToSlash(rel)+"/")
	}
	a.scanner, err = drift.NewScanner(drift.ScannerConfig{
		Root:       root,
		StateDir:   cfg.Paths.StateDir,
		Extensions: cfg.Drift.Extensions,
		Include:    cfg.Drift.Include,
		Ignore:     ignore,
	})
	if err != nil {
		return err
	}

	a.snapshots, err = snapshot.NewManager(&snapshot.Config{
		Root:      root,
		Dir:       cfg.StatePath("snapshots"),
		Structure: a.scanner.Structure,
	}, zl.Named("snapshot"))
	if err != nil {
		return err
	}

	a.detector, err = drift.NewDetector(&drift.Config{
		Dir:      cfg.StatePath("drift"),
		Critical: cfg.Drift.Critical,
		Thresholds: drift.Thresholds{
			UnlistedHigh:   cfg.Drift.UnlistedHighThreshold,
			UnexpectedHigh: cfg.Drift.UnexpectedHighThreshold,
		},
	}, a.scanner, a.snapshots, zl.Named("drift"), drift.WithMetrics(a.metrics), drift.WithLocks(a.locks))
	if err != nil {
		return err
	}

	a.rollbacks, err = rollback.NewOrchestrator(&rollback.Config{
		Root:         root,
		Dir:          cfg.StatePath("rollback"),
		StateDir:     cfg.StatePath(),
		ArtifactsDir: cfg.ArtifactPath("stories"),
		Artifacts:    cfg.Rollback.Artifacts,
	}, a.locks, a.snapshots, zl.Named("rollback"), rollback.WithMetrics(a.metrics))
	if err != nil {
		return err
	}

	gateOpts := []gate.Option{gate.WithMetrics(a.metrics)}
	if cfg.Gate.SecretScan {
		allow, err := preflight.LoadAllowlists(root, "")
		if err != nil {
			return err
		}
		gateOpts = append(gateOpts, gate.WithCheck(preflight.SecretScanName,
			preflight.SecretScan(preflight.GitleaksDetector(allow), allow)))
	}
	a.gates, err = gate.NewEnforcer(&gate.Config{
		Root:          root,
		StateDir:      cfg.StatePath(),
		ArtifactsDir:  cfg.ArtifactPath(),
		SchemaDir:     schemaDir(cfg),
		SignedBy:      cfg.Gate.SignedBy,
		OwnerID:       a.owner,
		LockTimeout:   lease,
		RetryInterval: cfg.Lock.RetryInterval.Duration(),
		WaitTimeout:   cfg.Lock.WaitTimeout.Duration(),
	}, a.locks, a.detector, zl.Named("gate"), gateOpts...)
	if err != nil {
		return err
	}

	a.executor, err = a.newExecutor(true)
	return err
}

// newExecutor builds the story executor over the wired services.
func (a *app) newExecutor(autoRollback bool) (*executor.Executor, error) {
	cfg := a.cfg
	lease := cfg.Lock.DefaultTimeout.Duration()
	return executor.New(&executor.Config{
		Root:          cfg.Paths.Root,
		StateDir:      cfg.StatePath(),
		ArtifactsDir:  cfg.ArtifactPath(),
		OwnerID:       a.owner,
		LockTimeout:   lease,
		RetryInterval: cfg.Lock.RetryInterval.Duration(),
		WaitTimeout:   cfg.Lock.WaitTimeout.Duration(),
		AutoRollback:  autoRollback,
		Rollback: rollback.Options{
			OwnerID:          a.owner,
			LockTimeout:      lease,
			CleanupArtifacts: cfg.Rollback.CleanupArtifacts,
			RestoreVCS:       cfg.Rollback.RestoreVCS,
		},
	}, a.locks, a.snapshots, a.scanner, a.gates, a.rollbacks, a.log.Underlying().Named("executor"))
}

func (a *app) close(ctx context.Context) error {
	if a.tel != nil {
		if err := a.tel.Shutdown(ctx); err != nil {
			a.log.Warn(ctx, "telemetry shutdown failed", zap.Error(err))
		}
	}
	return a.log.Sync()
}

// withApp wires the services, runs fn and shuts them down.
func withApp(opts *globalOptions, fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, opts)
		if err != nil {
			return err
		}
		defer a.close(context.WithoutCancel(cmd.Context()))

		ctx := logging.WithOwnerID(cmd.Context(), a.owner)
		cmd.SetContext(ctx)
		return fn(cmd, a, args)
	}
}

func schemaDir(cfg *config.Config) string {
	if cfg.Gate.SchemaDir == "" || filepath.IsAbs(cfg.Gate.SchemaDir) {
		return cfg.Gate.SchemaDir
	}
	return filepath.Join(cfg.Paths.Root, cfg.Gate.SchemaDir)
}

// ownerID resolves the lock owner. It must be stable across the separate
// processes of one pipeline run, so the pid is not part of it.
func ownerID(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv("STORYGATE_OWNER"); env != "" {
		return env
	}
	name := "storygate"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return name
	}
	return name + "@" + host
}
