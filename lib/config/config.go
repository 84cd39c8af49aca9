// Copyright 2026 The Crucible Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Crucible components.
//
// Configuration is loaded from a single file specified by:
//   - CRUCIBLE_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures deterministic,
// auditable configuration with no hidden overrides.
//
// The config file may contain environment-specific sections (development,
// staging, production) that override base values when the environment matches.
package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for validator-grade deployments.
	Production Environment = "production"
)

// Secure mode policies. The policy decides what happens when the host
// cannot fully sandbox its workers.
const (
	// SecureModeRequire refuses to start unless every mandatory
	// sandbox capability is available.
	SecureModeRequire = "require"

	// SecureModeAttempt enables whatever capabilities are available
	// and logs the rest as warnings.
	SecureModeAttempt = "attempt"

	// SecureModeDisabled skips the capability probe entirely.
	SecureModeDisabled = "disabled"
)

// DefaultWorkerBinary is the preparation worker binary name resolved
// through PATH when the config does not pin an explicit path.
const DefaultWorkerBinary = "crucible-worker"

// Config is the master configuration for Crucible.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Paths configures directory and binary locations.
	Paths PathsConfig `yaml:"paths"`

	// Prepare configures preparation job limits.
	Prepare PrepareConfig `yaml:"prepare"`

	// Security configures the sandbox capability policy.
	Security SecurityConfig `yaml:"security"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Paths    *PathsConfig    `yaml:"paths,omitempty"`
	Prepare  *PrepareConfig  `yaml:"prepare,omitempty"`
	Security *SecurityConfig `yaml:"security,omitempty"`
}

// PathsConfig configures directory and binary locations.
type PathsConfig struct {
	// Root is the base directory for Crucible data.
	Root string `yaml:"root"`

	// WorkerDir is where per-worker scratch directories and control
	// sockets are created.
	WorkerDir string `yaml:"worker_dir"`

	// ArtifactDir is where compiled artifact containers are stored.
	ArtifactDir string `yaml:"artifact_dir"`

	// WorkerBinary is the preparation worker binary. A bare name is
	// resolved through PATH; a path is used as-is. This provides
	// hermetic binary paths independent of user PATH.
	WorkerBinary string `yaml:"worker_binary"`
}

// PrepareConfig configures preparation job limits.
type PrepareConfig struct {
	// PrecheckTimeout is the CPU time budget for prechecking jobs.
	// Default: 60s
	PrecheckTimeout string `yaml:"precheck_timeout"`

	// PrepareTimeout is the CPU time budget for preparation jobs
	// submitted for execution. Default: 360s
	PrepareTimeout string `yaml:"prepare_timeout"`

	// MemoryLimitBytes caps tracked allocator usage inside a worker.
	// Zero disables the cap; usage is still tracked for reporting.
	MemoryLimitBytes int64 `yaml:"memory_limit_bytes"`

	// BombLimitBytes caps code blobs in both compressed and
	// decompressed form. Zero selects the built-in default.
	BombLimitBytes int64 `yaml:"bomb_limit_bytes"`
}

// SecurityConfig configures the sandbox capability policy.
type SecurityConfig struct {
	// Mode is the secure mode policy: require, attempt, or disabled.
	// Default: attempt (development), require (production)
	Mode string `yaml:"mode"`

	// AuditLogs lists kernel audit log locations to scan for seccomp
	// violations, in preference order. Empty means the built-in
	// defaults (/var/log/audit/audit.log, then /var/log/syslog).
	AuditLogs []string `yaml:"audit_logs"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// They exist primarily to ensure all fields have sensible zero-values,
// not as a fallback - the config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "crucible")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:         defaultRoot,
			WorkerDir:    filepath.Join(defaultRoot, "workers"),
			ArtifactDir:  filepath.Join(defaultRoot, "artifacts"),
			WorkerBinary: DefaultWorkerBinary,
		},
		Prepare: PrepareConfig{
			PrecheckTimeout:  "60s",
			PrepareTimeout:   "360s",
			MemoryLimitBytes: 0,
			BombLimitBytes:   0,
		},
		Security: SecurityConfig{
			Mode:      SecureModeAttempt,
			AuditLogs: nil,
		},
	}
}

// Load loads configuration from the CRUCIBLE_CONFIG environment variable.
//
// This is the only way to load configuration without an explicit path.
// There are no fallbacks or defaults - if CRUCIBLE_CONFIG is not set, this
// fails. This ensures deterministic, auditable configuration with no hidden
// overrides.
func Load() (*Config, error) {
	configPath := os.Getenv("CRUCIBLE_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("CRUCIBLE_CONFIG environment variable not set; " +
			"set it to the path of your crucible.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables do
// not override config values. The only expansion performed is ${HOME} and
// similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	// Apply environment-specific overrides (development/staging/production
	// sections in the file).
	cfg.applyEnvironmentOverrides()

	// Expand ${HOME} and similar variables in paths for portability.
	cfg.expandVariables()

	return cfg, nil
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		// Production defaults: workers must be fully sandboxed.
		if overrides == nil {
			overrides = &ConfigOverrides{
				Security: &SecurityConfig{
					Mode: SecureModeRequire,
				},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		if overrides.Paths.Root != "" {
			c.Paths.Root = overrides.Paths.Root
		}
		if overrides.Paths.WorkerDir != "" {
			c.Paths.WorkerDir = overrides.Paths.WorkerDir
		}
		if overrides.Paths.ArtifactDir != "" {
			c.Paths.ArtifactDir = overrides.Paths.ArtifactDir
		}
		if overrides.Paths.WorkerBinary != "" {
			c.Paths.WorkerBinary = overrides.Paths.WorkerBinary
		}
	}

	if overrides.Prepare != nil {
		if overrides.Prepare.PrecheckTimeout != "" {
			c.Prepare.PrecheckTimeout = overrides.Prepare.PrecheckTimeout
		}
		if overrides.Prepare.PrepareTimeout != "" {
			c.Prepare.PrepareTimeout = overrides.Prepare.PrepareTimeout
		}
		if overrides.Prepare.MemoryLimitBytes != 0 {
			c.Prepare.MemoryLimitBytes = overrides.Prepare.MemoryLimitBytes
		}
		if overrides.Prepare.BombLimitBytes != 0 {
			c.Prepare.BombLimitBytes = overrides.Prepare.BombLimitBytes
		}
	}

	if overrides.Security != nil {
		if overrides.Security.Mode != "" {
			c.Security.Mode = overrides.Security.Mode
		}
		if len(overrides.Security.AuditLogs) > 0 {
			c.Security.AuditLogs = overrides.Security.AuditLogs
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"CRUCIBLE_ROOT": c.Paths.Root,
		"HOME":          os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["CRUCIBLE_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.WorkerDir = expandVars(c.Paths.WorkerDir, vars)
	c.Paths.ArtifactDir = expandVars(c.Paths.ArtifactDir, vars)
	c.Paths.WorkerBinary = expandVars(c.Paths.WorkerBinary, vars)
	for i, path := range c.Security.AuditLogs {
		c.Security.AuditLogs[i] = expandVars(path, vars)
	}
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.Paths.WorkerDir == "" {
		errs = append(errs, fmt.Errorf("paths.worker_dir is required"))
	}
	if c.Paths.WorkerBinary == "" {
		errs = append(errs, fmt.Errorf("paths.worker_binary is required"))
	}

	for _, timeout := range []struct{ key, value string }{
		{"prepare.precheck_timeout", c.Prepare.PrecheckTimeout},
		{"prepare.prepare_timeout", c.Prepare.PrepareTimeout},
	} {
		d, err := time.ParseDuration(timeout.value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", timeout.key, err))
		} else if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", timeout.key, d))
		}
	}

	if c.Prepare.MemoryLimitBytes < 0 {
		errs = append(errs, fmt.Errorf("prepare.memory_limit_bytes must not be negative"))
	}
	if c.Prepare.BombLimitBytes < 0 {
		errs = append(errs, fmt.Errorf("prepare.bomb_limit_bytes must not be negative"))
	}

	switch c.Security.Mode {
	case SecureModeRequire, SecureModeAttempt, SecureModeDisabled:
	default:
		errs = append(errs, fmt.Errorf("security.mode must be one of: require, attempt, disabled"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// PrecheckDuration returns the parsed prechecking timeout. Call
// Validate first; a config that passed validation always parses.
func (c *Config) PrecheckDuration() time.Duration {
	d, _ := time.ParseDuration(c.Prepare.PrecheckTimeout)
	return d
}

// PrepareDuration returns the parsed preparation timeout.
func (c *Config) PrepareDuration() time.Duration {
	d, _ := time.ParseDuration(c.Prepare.PrepareTimeout)
	return d
}

// EnsurePaths creates all configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.Root,
		c.Paths.WorkerDir,
		c.Paths.ArtifactDir,
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}

// WorkerBinaryPath resolves the preparation worker binary. An explicit
// path in the config is used as-is after checking it exists; a bare
// name falls back to PATH lookup. This provides hermetic binary
// resolution when a path is configured.
func (c *Config) WorkerBinaryPath() (string, error) {
	name := c.Paths.WorkerBinary
	if name == "" {
		name = DefaultWorkerBinary
	}

	if strings.ContainsRune(name, os.PathSeparator) {
		if _, err := os.Stat(name); err != nil {
			return "", fmt.Errorf("worker binary %s: %w", name, err)
		}
		return name, nil
	}

	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("worker binary %s not found in PATH", name)
	}
	return path, nil
}
