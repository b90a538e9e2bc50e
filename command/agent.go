// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"context"
	"flag"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/buntime/buntime/agent"
	"github.com/buntime/buntime/agent/config"
	agentHTTP "github.com/buntime/buntime/agent/http"
	flaghelper "github.com/buntime/buntime/sdk/helper/flag"
	"github.com/buntime/buntime/version"
)

type AgentCommand struct {
	Ctx  context.Context
	args []string

	agent      *agent.Agent
	httpServer *agentHTTP.Server
}

// Help should return long-form help text that includes the command-line
// usage, a brief few sentences explaining the function of the command,
// and the complete list of flags the command accepts.
func (c *AgentCommand) Help() string {
	helpText := `
Usage: buntime agent [options] [args]

  Starts the runtime agent and runs until an interrupt is received.

  The agent's configuration primarily comes from the config files used,
  but a subset of the options may also be passed directly as CLI arguments
  or environment variables, listed below.

Options:

  -config=<path>
    The path to either a single config file or a directory of config
    files to use for configuring the agent. This may be specified
    multiple times.

  -log-level=<level>
    Specify the verbosity level of the agent's logs. Valid values include
    DEBUG, INFO, and WARN, in decreasing order of verbosity. The default
    is INFO.

  -log-json
    Output logs in a JSON format. The default is false.

  -enable-debug
    Enable the agent debugging HTTP endpoints. The default is false.

  -plugin-dir=<path>
    A directory scanned for plugin manifests. May be specified multiple
    times. If not specified, the plugin directory defaults to be that of
    <current-dir>/plugins/.

  -worker-dir=<path>
    A directory holding worker applications. May be specified multiple
    times. At least one worker directory is required, either here, in the
    config file, or via the WORKER_DIRS environment variable.

  -homepage-app=<name>
    The worker app which serves the root path.

  -environment=<name>
    The runtime environment name handed to workers as NODE_ENV. The
    default is development.

HTTP Options:

  -http-bind-address=<addr>
    The HTTP address that the server will bind to. The default is
    127.0.0.1.

  -http-bind-port=<port>
    The port that the server will bind to. The default is 8080.

Pool Options:

  -pool-size=<num>
    The maximum number of live worker processes. The default is 8.

  -pool-runtime=<cmd>
    The command used to execute worker entrypoints. The default is bun.

Telemetry Options:

  -telemetry-disable-hostname
    Specifies whether gauge values should be prefixed with the local
    hostname.

  -telemetry-enable-hostname-label
    Enable adding hostname to metric labels.

  -telemetry-statsite-address=<addr>
    The address of the statsite aggregation server.

  -telemetry-statsd-address=<addr>
    The address of the statsd aggregation server.

  -telemetry-prometheus-metrics
    Indicates whether the agent should make Prometheus formatted metrics
    available. Defaults to false.

  -telemetry-prometheus-retention-time=<dur>
    The time to retain Prometheus metrics before they are expired and
    untracked.
`
	return strings.TrimSpace(helpText)
}

// Synopsis should return a one-line, short synopsis of the command.
// This should be less than 50 characters ideally.
func (c *AgentCommand) Synopsis() string {
	return "Runs a runtime agent"
}

// Run should run the actual command with the given CLI instance and
// command-line arguments. It should return the exit status when it is
// finished.
func (c *AgentCommand) Run(args []string) int {

	c.args = args

	parsedConfig, configPaths := c.readConfig()
	if parsedConfig == nil {
		fmt.Println("Run 'buntime agent --help' for more information.")
		return 1
	}

	// Create the agent logger.
	logger := hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:       "agent",
		Level:      hclog.LevelFromString(parsedConfig.LogLevel),
		JSONFormat: parsedConfig.LogJson,
	})

	logger.Info("Starting runtime agent")

	// Compile agent information for output later
	info := make(map[string]string)
	info["bind addrs"] = fmt.Sprintf("%s:%d", parsedConfig.HTTP.BindAddress, parsedConfig.HTTP.BindPort)
	info["log level"] = parsedConfig.LogLevel
	info["version"] = version.GetHumanVersion()
	info["plugins"] = strings.Join(parsedConfig.PluginDirs, ",")
	info["workers"] = strings.Join(parsedConfig.WorkerDirs, ",")
	info["environment"] = parsedConfig.Environment

	// Sort the keys for output
	infoKeys := make([]string, 0, len(info))
	for key := range info {
		infoKeys = append(infoKeys, key)
	}
	sort.Strings(infoKeys)

	// Agent configuration output
	padding := 18
	logger.Info("Runtime agent configuration:")
	logger.Info("")
	for _, k := range infoKeys {
		logger.Info(fmt.Sprintf(
			"%s%s: %s",
			strings.Repeat(" ", padding-len(k)),
			strings.Title(k),
			info[k]))
	}
	logger.Info("")
	logger.Info("Runtime agent started! Log data will stream in below:")

	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	// Create and set up the agent, then attach the HTTP server.
	c.agent = agent.NewAgent(parsedConfig, configPaths, logger)
	if err := c.agent.Setup(ctx); err != nil {
		logger.Error("failed to setup agent", "error", err)
		return 1
	}

	httpServer, err := agentHTTP.NewHTTPServer(
		parsedConfig.EnableDebug, parsedConfig.Telemetry.PrometheusMetrics,
		parsedConfig.HTTP, logger, c.agent, c.agent.Handler())
	if err != nil {
		logger.Error("failed to setup HTTP server", "error", err)
		return 1
	}

	c.httpServer = httpServer
	go c.httpServer.Start()
	defer c.httpServer.Stop()

	if err := c.agent.Run(ctx); err != nil {
		logger.Error("agent exited with error", "error", err)
		return 1
	}
	return 0
}

func (c *AgentCommand) readConfig() (*config.Agent, []string) {
	var configPath []string

	// cmdConfig is used to store any passed CLI flags.
	cmdConfig := &config.Agent{
		HTTP:      &config.HTTP{},
		Pool:      &config.Pool{},
		Guard:     &config.Guard{},
		Shell:     &config.Shell{},
		Telemetry: &config.Telemetry{},
	}

	var pluginDirs, workerDirs flaghelper.StringFlag

	flags := flag.NewFlagSet("agent", flag.ContinueOnError)
	flags.Usage = func() { c.Help() }

	// Specify our top level CLI flags.
	flags.Var((*flaghelper.StringFlag)(&configPath), "config", "")
	flags.StringVar(&cmdConfig.LogLevel, "log-level", "", "")
	flags.BoolVar(&cmdConfig.LogJson, "log-json", false, "")
	flags.BoolVar(&cmdConfig.EnableDebug, "enable-debug", false, "")
	flags.Var(&pluginDirs, "plugin-dir", "")
	flags.Var(&workerDirs, "worker-dir", "")
	flags.StringVar(&cmdConfig.HomepageApp, "homepage-app", "", "")
	flags.StringVar(&cmdConfig.Environment, "environment", "", "")

	// Specify our HTTP bind flags.
	flags.StringVar(&cmdConfig.HTTP.BindAddress, "http-bind-address", "", "")
	flags.IntVar(&cmdConfig.HTTP.BindPort, "http-bind-port", 0, "")

	// Specify our pool flags.
	flags.IntVar(&cmdConfig.Pool.Size, "pool-size", 0, "")
	flags.StringVar(&cmdConfig.Pool.Runtime, "pool-runtime", "", "")

	// Specify our Telemetry CLI flags.
	flags.BoolVar(&cmdConfig.Telemetry.DisableHostname, "telemetry-disable-hostname", false, "")
	flags.BoolVar(&cmdConfig.Telemetry.EnableHostnameLabel, "telemetry-enable-hostname-label", false, "")
	flags.StringVar(&cmdConfig.Telemetry.StatsiteAddr, "telemetry-statsite-address", "", "")
	flags.StringVar(&cmdConfig.Telemetry.StatsdAddr, "telemetry-statsd-address", "", "")
	flags.BoolVar(&cmdConfig.Telemetry.PrometheusMetrics, "telemetry-prometheus-metrics", false, "")
	flags.Var((flaghelper.FuncDurationVar)(func(d time.Duration) error {
		cmdConfig.Telemetry.PrometheusRetentionTime = d
		return nil
	}), "telemetry-prometheus-retention-time", "")

	if err := flags.Parse(c.args); err != nil {
		return nil, nil
	}

	cmdConfig.PluginDirs = pluginDirs
	cmdConfig.WorkerDirs = workerDirs

	// Start with the default config and merge in the files, the
	// environment, and finally the CLI flags.
	cfg, err := config.Default()
	if err != nil {
		fmt.Printf("Error generating default agent config: %v\n", err)
		return nil, nil
	}

	if len(configPath) > 0 {
		fileConfig, err := config.LoadPaths(configPath)
		if err != nil {
			fmt.Printf("Error loading config: %v\n", err)
			return nil, nil
		}
		cfg = cfg.Merge(fileConfig)
	}

	if err := cfg.ApplyEnv(); err != nil {
		fmt.Printf("Error applying environment config: %v\n", err)
		return nil, nil
	}

	cfg = cfg.Merge(cmdConfig)

	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid agent config: %v\n", err)
		return nil, nil
	}

	return cfg, configPath
}
