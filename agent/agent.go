// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"

	"github.com/buntime/buntime/agent/config"
	"github.com/buntime/buntime/dispatch"
	"github.com/buntime/buntime/manifest"
	"github.com/buntime/buntime/plugins"
	"github.com/buntime/buntime/plugins/registry"
	"github.com/buntime/buntime/vhost"
	"github.com/buntime/buntime/workerpool"
)

type Agent struct {
	logger      hclog.Logger
	config      *config.Agent
	configPaths []string

	registry   *registry.Registry
	pool       *workerpool.Pool
	dispatcher *dispatch.Dispatcher
	inMemSink  *metrics.InmemSink
}

func NewAgent(c *config.Agent, configPaths []string, logger hclog.Logger) *Agent {
	return &Agent{
		logger:      logger,
		config:      c,
		configPaths: configPaths,
	}
}

// Setup initializes every subsystem: telemetry, the plugin registry, the
// worker pool and the dispatcher. It must be called before Run.
func (a *Agent) Setup(ctx context.Context) error {

	// Setup the telemetry sinks.
	inMem, err := a.setupTelemetry(a.config.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %v", err)
	}
	a.inMemSink = inMem

	// Load and initialize plugins.
	if err := a.setupPlugins(ctx); err != nil {
		return fmt.Errorf("failed to setup plugins: %v", err)
	}

	// Launch the worker pool.
	launcher := workerpool.NewExecLauncher(a.logger, a.config.Pool.Runtime, a.config.Environment)
	a.pool = workerpool.NewPool(&workerpool.Config{
		Logger:        a.logger,
		Launcher:      launcher,
		Size:          a.config.Pool.Size,
		SweepInterval: a.config.Pool.SweepInterval,
		ShutdownGrace: a.config.Pool.ShutdownGrace,
	})
	go a.pool.Run(ctx)

	// Compose the dispatcher.
	return a.setupDispatcher()
}

// Run blocks handling signals until the context closes, then tears the
// agent down.
func (a *Agent) Run(ctx context.Context) error {
	defer a.stop()
	a.handleSignals(ctx)
	return nil
}

// Handler returns the request pipeline for the HTTP server's catch-all
// route.
func (a *Agent) Handler() http.Handler {
	return a.dispatcher
}

func (a *Agent) setupPlugins(ctx context.Context) error {
	set, err := plugins.Load(a.logger.Named("plugins"), a.config.PluginDirs)
	if err != nil {
		return err
	}

	reg, err := registry.New(a.logger, set)
	if err != nil {
		return err
	}
	if err := reg.Init(ctx); err != nil {
		return err
	}

	a.registry = reg
	return nil
}

// appLimits derives the worker manifest limits from the agent config: the
// configured guard ceiling caps per-app maxBodySize declarations and lowers
// the default when it sits below it.
func (a *Agent) appLimits() *manifest.Limits {
	limits := manifest.DefaultLimits()
	if a.config.Guard != nil && a.config.Guard.MaxBodySizeBytes > 0 {
		limits.MaxBodySize = a.config.Guard.MaxBodySizeBytes
		if limits.DefaultBodySize > limits.MaxBodySize {
			limits.DefaultBodySize = limits.MaxBodySize
		}
	}
	return limits
}

func (a *Agent) setupDispatcher() error {
	apps, err := dispatch.DiscoverApps(a.logger.Named("apps"), a.config.WorkerDirs, a.appLimits())
	if err != nil {
		return err
	}

	var matcher *vhost.Matcher
	if len(a.config.VirtualHosts) > 0 {
		hosts := make(map[string]vhost.Target, len(a.config.VirtualHosts))
		for _, vh := range a.config.VirtualHosts {
			hosts[vh.Pattern] = vhost.Target{App: vh.App, PathPrefix: vh.PathPrefix}
		}
		matcher, err = vhost.NewMatcher(hosts)
		if err != nil {
			return err
		}
	}

	a.dispatcher = dispatch.New(&dispatch.Config{
		Logger:      a.logger,
		Pool:        a.pool,
		Registry:    a.registry,
		VHosts:      matcher,
		Apps:        apps,
		HomepageApp: a.config.HomepageApp,
		ShellPlugin: a.config.Shell.Plugin,
		BodyLimit:   a.config.Guard.MaxBodySizeBytes,
	})
	return nil
}

// reload rescans the worker directories so new and changed apps are picked
// up without a restart. Plugins are fixed for the process lifetime.
func (a *Agent) reload() {
	a.logger.Info("reloading agent")

	apps, err := dispatch.DiscoverApps(a.logger.Named("apps"), a.config.WorkerDirs, a.appLimits())
	if err != nil {
		a.logger.Error("failed to rescan worker directories", "error", err)
		return
	}
	a.dispatcher.ReloadApps(apps)
}

// handleSignals blocks until the context closes or a termination signal
// arrives; SIGHUP triggers a reload instead of an exit.
func (a *Agent) handleSignals(ctx context.Context) {
	signalCh := make(chan os.Signal, 3)
	signal.Notify(signalCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalCh)

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("context closed, shutting down")
			return
		case sig := <-signalCh:
			switch sig {
			case syscall.SIGHUP:
				a.reload()
			default:
				a.logger.Info("caught signal", "signal", sig.String())
				return
			}
		}
	}
}

func (a *Agent) stop() {
	if a.pool != nil {
		a.pool.Shutdown()
	}
	if a.registry != nil {
		a.registry.Shutdown()
	}
	a.logger.Info("agent stopped")
}
