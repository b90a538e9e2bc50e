// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/mitchellh/copystructure"

	"github.com/buntime/buntime/manifest"
)

const (
	defaultLogLevel          = "info"
	defaultHTTPBindAddress   = "127.0.0.1"
	defaultHTTPBindPort      = 8080
	defaultPluginDirSuffix   = "/plugins"
	defaultEnvironment       = "development"
	defaultRuntime           = "bun"
	defaultPoolSize          = 8
	defaultPoolSweepInterval = 10 * time.Second
	defaultShutdownGrace     = 10 * time.Second
)

// Agent is the overall configuration of a runtime agent and includes all
// required information for it to start successfully.
//
// All time.Duration values should have two parts:
//   - a string field tagged with an hcl:"foo" and json:"-"
//   - a time.Duration field in the same struct which is populated within
//     parseFile if the HCL param is populated.
type Agent struct {

	// LogLevel is the level of the logs to emit.
	LogLevel string `hcl:"log_level,optional"`

	// LogJson enables log output in JSON format.
	LogJson bool `hcl:"log_json,optional"`

	// EnableDebug is used to enable debugging HTTP endpoints.
	EnableDebug bool `hcl:"enable_debug,optional"`

	// PluginDirs are the directories scanned for plugin manifests.
	PluginDirs []string `hcl:"plugin_dirs,optional"`

	// WorkerDirs are the directories holding worker applications. At least
	// one is required.
	WorkerDirs []string `hcl:"worker_dirs,optional"`

	// HomepageApp names the worker app serving the root path and any path
	// whose first segment is not a known app.
	HomepageApp string `hcl:"homepage_app,optional"`

	// Environment is the runtime environment name handed to workers as
	// NODE_ENV and used to gate policy seeding.
	Environment string `hcl:"environment,optional"`

	// HTTP is the configuration used to set up the HTTP server.
	HTTP *HTTP `hcl:"http,block"`

	// Pool configures the worker pool.
	Pool *Pool `hcl:"pool,block"`

	// Guard configures the request entry guards.
	Guard *Guard `hcl:"guard,block"`

	// Shell selects the plugin whose app renders navigations and 404s.
	Shell *Shell `hcl:"shell,block"`

	// Telemetry is the configuration used to set up metrics collection.
	Telemetry *Telemetry `hcl:"telemetry,block"`

	// VirtualHosts map Host headers onto worker apps.
	VirtualHosts []*VirtualHost `hcl:"virtual_host,block"`
}

// HTTP contains all configuration details for the running of the agent HTTP
// server.
type HTTP struct {

	// BindAddress is the tcp address to bind to.
	BindAddress string `hcl:"bind_address,optional"`

	// BindPort is the port used to run the HTTP server.
	BindPort int `hcl:"bind_port,optional"`
}

// Pool holds the worker pool configuration.
type Pool struct {

	// Size caps the number of live worker processes.
	Size int `hcl:"size,optional"`

	// Runtime is the command used to execute worker entrypoints.
	Runtime string `hcl:"runtime,optional"`

	// SweepInterval is how often expired idle workers are reaped.
	SweepInterval    time.Duration
	SweepIntervalHCL string `hcl:"sweep_interval,optional" json:"-"`

	// ShutdownGrace bounds how long shutdown waits for in-flight requests.
	ShutdownGrace    time.Duration
	ShutdownGraceHCL string `hcl:"shutdown_grace,optional" json:"-"`
}

// Guard holds the entry guard configuration.
type Guard struct {

	// MaxBodySize is the global request body ceiling, accepting bytes or
	// size strings such as "10mb". Per-app manifests may set lower limits.
	MaxBodySize string `hcl:"max_body_size,optional"`

	// MaxBodySizeBytes is the parsed form of MaxBodySize.
	MaxBodySizeBytes int64 `json:"-"`
}

// Shell selects the shell plugin.
type Shell struct {

	// Plugin is the name of the plugin whose served app is the shell.
	Plugin string `hcl:"plugin,optional"`
}

// Telemetry holds the user specified configuration for metrics collection.
type Telemetry struct {

	// DisableHostname specifies if gauge values should not be prefixed with
	// the local hostname.
	DisableHostname bool `hcl:"disable_hostname,optional"`

	// EnableHostnameLabel adds the hostname to metric labels instead.
	EnableHostnameLabel bool `hcl:"enable_hostname_label,optional"`

	// StatsiteAddr is the address of a statsite aggregation server.
	StatsiteAddr string `hcl:"statsite_address,optional"`

	// StatsdAddr is the address of a statsd aggregation server.
	StatsdAddr string `hcl:"statsd_address,optional"`

	// PrometheusMetrics indicates whether the agent should make Prometheus
	// formatted metrics available.
	PrometheusMetrics bool `hcl:"prometheus_metrics,optional"`

	// PrometheusRetentionTime is the time to retain Prometheus metrics
	// before they are expired and untracked.
	PrometheusRetentionTime    time.Duration
	PrometheusRetentionTimeHCL string `hcl:"prometheus_retention_time,optional" json:"-"`
}

// VirtualHost maps one host pattern onto an app. The pattern label is an
// exact host or a "*.domain" wildcard.
type VirtualHost struct {
	Pattern    string `hcl:"pattern,label"`
	App        string `hcl:"app"`
	PathPrefix string `hcl:"path_prefix,optional"`
}

// Default returns the base agent configuration prior to file, environment
// and CLI merging.
func Default() (*Agent, error) {

	// Get the current working directory, so we can create the default
	// plugin_dirs path.
	pwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	return &Agent{
		LogLevel:    defaultLogLevel,
		PluginDirs:  []string{pwd + defaultPluginDirSuffix},
		Environment: defaultEnvironment,
		HTTP: &HTTP{
			BindAddress: defaultHTTPBindAddress,
			BindPort:    defaultHTTPBindPort,
		},
		Pool: &Pool{
			Size:          defaultPoolSize,
			Runtime:       defaultRuntime,
			SweepInterval: defaultPoolSweepInterval,
			ShutdownGrace: defaultShutdownGrace,
		},
		Guard: &Guard{
			MaxBodySizeBytes: manifest.DefaultLimits().MaxBodySize,
		},
		Shell:     &Shell{},
		Telemetry: &Telemetry{},
	}, nil
}

// Merge is used to merge two agent configurations.
func (a *Agent) Merge(b *Agent) *Agent {
	if a == nil {
		return b
	}

	result := *a

	if b.LogLevel != "" {
		result.LogLevel = b.LogLevel
	}
	if b.LogJson {
		result.LogJson = true
	}
	if b.EnableDebug {
		result.EnableDebug = true
	}
	if len(b.PluginDirs) != 0 {
		result.PluginDirs = append([]string{}, b.PluginDirs...)
	}
	if len(b.WorkerDirs) != 0 {
		result.WorkerDirs = append([]string{}, b.WorkerDirs...)
	}
	if b.HomepageApp != "" {
		result.HomepageApp = b.HomepageApp
	}
	if b.Environment != "" {
		result.Environment = b.Environment
	}

	if b.HTTP != nil {
		result.HTTP = result.HTTP.merge(b.HTTP)
	}
	if b.Pool != nil {
		result.Pool = result.Pool.merge(b.Pool)
	}
	if b.Guard != nil {
		result.Guard = result.Guard.merge(b.Guard)
	}
	if b.Shell != nil {
		result.Shell = result.Shell.merge(b.Shell)
	}
	if b.Telemetry != nil {
		result.Telemetry = result.Telemetry.merge(b.Telemetry)
	}

	if len(b.VirtualHosts) != 0 {
		result.VirtualHosts = virtualHostSetMerge(result.VirtualHosts, b.VirtualHosts)
	}

	return &result
}

// Validate checks the merged configuration for fatal problems.
func (a *Agent) Validate() error {
	var mErr *multierror.Error

	if len(a.WorkerDirs) == 0 {
		mErr = multierror.Append(mErr, fmt.Errorf(
			"no worker directories configured: set worker_dirs or WORKER_DIRS"))
	}
	if a.Pool != nil && a.Pool.Size <= 0 {
		mErr = multierror.Append(mErr, fmt.Errorf("pool size must be positive, got %d", a.Pool.Size))
	}

	seen := make(map[string]bool)
	for _, vh := range a.VirtualHosts {
		if vh.App == "" {
			mErr = multierror.Append(mErr, fmt.Errorf("virtual_host %q: app is required", vh.Pattern))
		}
		if seen[vh.Pattern] {
			mErr = multierror.Append(mErr, fmt.Errorf("virtual_host %q declared twice", vh.Pattern))
		}
		seen[vh.Pattern] = true
	}

	return mErr.ErrorOrNil()
}

func (h *HTTP) merge(b *HTTP) *HTTP {
	if h == nil {
		return b
	}

	result := *h

	if b.BindAddress != "" {
		result.BindAddress = b.BindAddress
	}
	if b.BindPort != 0 {
		result.BindPort = b.BindPort
	}

	return &result
}

func (p *Pool) merge(b *Pool) *Pool {
	if p == nil {
		return b
	}

	result := *p

	if b.Size != 0 {
		result.Size = b.Size
	}
	if b.Runtime != "" {
		result.Runtime = b.Runtime
	}
	if b.SweepInterval != 0 {
		result.SweepInterval = b.SweepInterval
	}
	if b.SweepIntervalHCL != "" {
		result.SweepIntervalHCL = b.SweepIntervalHCL
	}
	if b.ShutdownGrace != 0 {
		result.ShutdownGrace = b.ShutdownGrace
	}
	if b.ShutdownGraceHCL != "" {
		result.ShutdownGraceHCL = b.ShutdownGraceHCL
	}

	return &result
}

func (g *Guard) merge(b *Guard) *Guard {
	if g == nil {
		return b
	}

	result := *g

	if b.MaxBodySize != "" {
		result.MaxBodySize = b.MaxBodySize
	}
	if b.MaxBodySizeBytes != 0 {
		result.MaxBodySizeBytes = b.MaxBodySizeBytes
	}

	return &result
}

func (s *Shell) merge(b *Shell) *Shell {
	if s == nil {
		return b
	}

	result := *s

	if b.Plugin != "" {
		result.Plugin = b.Plugin
	}

	return &result
}

func (t *Telemetry) merge(b *Telemetry) *Telemetry {
	if t == nil {
		return b
	}

	result := *t

	if b.DisableHostname {
		result.DisableHostname = true
	}
	if b.EnableHostnameLabel {
		result.EnableHostnameLabel = true
	}
	if b.StatsiteAddr != "" {
		result.StatsiteAddr = b.StatsiteAddr
	}
	if b.StatsdAddr != "" {
		result.StatsdAddr = b.StatsdAddr
	}
	if b.PrometheusMetrics {
		result.PrometheusMetrics = true
	}
	if b.PrometheusRetentionTime != 0 {
		result.PrometheusRetentionTime = b.PrometheusRetentionTime
	}
	if b.PrometheusRetentionTimeHCL != "" {
		result.PrometheusRetentionTimeHCL = b.PrometheusRetentionTimeHCL
	}

	return &result
}

func (v *VirtualHost) copy() *VirtualHost {
	if v == nil {
		return nil
	}

	c, err := copystructure.Copy(v)
	if err != nil {
		// The struct is plain data; a copy failure means a programming
		// error.
		panic(err)
	}
	return c.(*VirtualHost)
}

// virtualHostSetMerge merges two virtual host lists, later declarations of
// the same pattern replacing earlier ones.
func virtualHostSetMerge(first, second []*VirtualHost) []*VirtualHost {
	byPattern := make(map[string]*VirtualHost)
	for _, vh := range first {
		byPattern[vh.Pattern] = vh
	}
	for _, vh := range second {
		byPattern[vh.Pattern] = vh
	}

	patterns := make([]string, 0, len(byPattern))
	for p := range byPattern {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)

	out := make([]*VirtualHost, 0, len(byPattern))
	for _, p := range patterns {
		out = append(out, byPattern[p].copy())
	}
	return out
}

// ApplyEnv overlays the well-known environment variables onto the
// configuration. Environment beats files, CLI flags beat both.
func (a *Agent) ApplyEnv() error {
	var mErr *multierror.Error

	if v := os.Getenv("WORKER_DIRS"); v != "" {
		a.WorkerDirs = splitList(v)
	}
	if v := os.Getenv("PLUGIN_DIRS"); v != "" {
		a.PluginDirs = splitList(v)
	}
	if v := os.Getenv("HOMEPAGE_APP"); v != "" {
		a.HomepageApp = v
	}
	if v := os.Getenv("NODE_ENV"); v != "" {
		a.Environment = v
	}
	if v := os.Getenv("POOL_SIZE"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil {
			mErr = multierror.Append(mErr, fmt.Errorf("invalid POOL_SIZE %q: %v", v, err))
		} else {
			a.Pool.Size = size
		}
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			mErr = multierror.Append(mErr, fmt.Errorf("invalid PORT %q: %v", v, err))
		} else {
			a.HTTP.BindPort = port
		}
	}

	return mErr.ErrorOrNil()
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseFile parses the given file into the config object, resolving the
// dual string/typed fields.
func parseFile(file string, cfg *Agent) error {
	if err := hclsimple.DecodeFile(file, nil, cfg); err != nil {
		return err
	}

	if cfg.Pool != nil {
		if cfg.Pool.SweepIntervalHCL != "" {
			d, err := time.ParseDuration(cfg.Pool.SweepIntervalHCL)
			if err != nil {
				return fmt.Errorf("invalid pool sweep_interval: %v", err)
			}
			cfg.Pool.SweepInterval = d
		}
		if cfg.Pool.ShutdownGraceHCL != "" {
			d, err := time.ParseDuration(cfg.Pool.ShutdownGraceHCL)
			if err != nil {
				return fmt.Errorf("invalid pool shutdown_grace: %v", err)
			}
			cfg.Pool.ShutdownGrace = d
		}
	}

	if cfg.Guard != nil && cfg.Guard.MaxBodySize != "" {
		bytes, err := manifest.ParseSize(cfg.Guard.MaxBodySize)
		if err != nil {
			return fmt.Errorf("invalid guard max_body_size: %v", err)
		}
		cfg.Guard.MaxBodySizeBytes = bytes
	}

	if cfg.Telemetry != nil && cfg.Telemetry.PrometheusRetentionTimeHCL != "" {
		d, err := time.ParseDuration(cfg.Telemetry.PrometheusRetentionTimeHCL)
		if err != nil {
			return fmt.Errorf("invalid telemetry prometheus_retention_time: %v", err)
		}
		cfg.Telemetry.PrometheusRetentionTime = d
	}

	return nil
}

// Load loads the configuration at the given path, regardless of its format.
func Load(path string) (*Agent, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if fi.IsDir() {
		return loadDir(path)
	}

	cfg := &Agent{}
	if err := parseFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadPaths loads and merges a list of config files and directories in
// order.
func LoadPaths(paths []string) (*Agent, error) {
	agent := &Agent{}

	for _, path := range paths {
		current, err := Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration from %s: %v", path, err)
		}
		agent = agent.Merge(current)
	}

	return agent, nil
}

// loadDir loads all the HCL configuration files within the given directory
// in lexical order.
func loadDir(dir string) (*Agent, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.hcl"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	agent := &Agent{}
	for _, file := range files {
		current := &Agent{}
		if err := parseFile(file, current); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %v", file, err)
		}
		agent = agent.Merge(current)
	}

	return agent, nil
}
