// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"fmt"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/armon/go-metrics/prometheus"

	"github.com/buntime/buntime/agent/config"
)

// setupTelemetry is used to setup the telemetry sub-systems and returns the
// in-memory sink to be used in http configuration.
func (a *Agent) setupTelemetry(cfg *config.Telemetry) (*metrics.InmemSink, error) {

	// Setup telemetry using an aggregate of 10 second intervals for 1 minute.
	// Expose the metrics over stderr when there is a SIGUSR1 received.
	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.DefaultInmemSignal(inm)

	telConfig := cfg
	if telConfig == nil {
		telConfig = &config.Telemetry{}
	}

	metricsConf := metrics.DefaultConfig("buntime")
	metricsConf.EnableHostname = !telConfig.DisableHostname
	metricsConf.EnableHostnameLabel = telConfig.EnableHostnameLabel

	// Configure the statsite sink.
	var fanout metrics.FanoutSink
	if telConfig.StatsiteAddr != "" {
		sink, err := metrics.NewStatsiteSink(telConfig.StatsiteAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to setup statsite sink: %v", err)
		}
		fanout = append(fanout, sink)
	}

	// Configure the statsd sink.
	if telConfig.StatsdAddr != "" {
		sink, err := metrics.NewStatsdSink(telConfig.StatsdAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to setup statsd sink: %v", err)
		}
		fanout = append(fanout, sink)
	}

	// Configure the Prometheus sink.
	if telConfig.PrometheusMetrics || telConfig.PrometheusRetentionTime != 0 {
		prometheusOpts := prometheus.PrometheusOpts{
			Expiration: telConfig.PrometheusRetentionTime,
		}

		sink, err := prometheus.NewPrometheusSinkFrom(prometheusOpts)
		if err != nil {
			return nil, fmt.Errorf("failed to setup Prometheus sink: %v", err)
		}
		fanout = append(fanout, sink)
	}

	// Add the in-memory sink to the fanout.
	fanout = append(fanout, inm)

	// Initialize the global sink.
	if _, err := metrics.NewGlobal(metricsConf, fanout); err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %v", err)
	}
	return inm, nil
}
