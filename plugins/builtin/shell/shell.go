// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package shell is the builtin shell plugin. It serves the chrome
// application under its base path; the dispatcher additionally routes
// top-level navigations and 404 fallbacks through it.
package shell

import (
	"fmt"
	"path/filepath"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/mitchellh/mapstructure"

	"github.com/buntime/buntime/manifest"
	"github.com/buntime/buntime/plugins"
)

func init() {
	plugins.RegisterFactory("shell", New)
}

// Config is the plugin-specific manifest surface.
type Config struct {
	// AppDir is the shell application directory, relative to the plugin
	// directory. Empty means the plugin directory itself.
	AppDir string `mapstructure:"appDir"`
}

// New builds the shell plugin from its manifest.
func New(log hclog.Logger, m *manifest.Plugin) (*plugins.Plugin, error) {
	var cfg Config
	if err := mapstructure.Decode(m.Config, &cfg); err != nil {
		return nil, fmt.Errorf("invalid shell config: %v", err)
	}

	if m.Base == "" {
		return nil, fmt.Errorf("shell plugin requires a base path")
	}

	appDir := m.Dir
	if cfg.AppDir != "" {
		appDir = filepath.Join(m.Dir, cfg.AppDir)
	}

	worker, err := manifest.LoadWorker(appDir, manifest.DefaultLimits(), log)
	if err != nil {
		return nil, fmt.Errorf("invalid shell app in %s: %v", appDir, err)
	}

	log.Debug("shell app configured", "dir", appDir, "base", m.Base)

	return &plugins.Plugin{
		Name:                 m.Name,
		Base:                 m.Base,
		Dir:                  m.Dir,
		Dependencies:         m.Dependencies,
		OptionalDependencies: m.OptionalDependencies,
		PublicRoutes:         m.PublicRoutes,
		Config:               m.Config,
		App: &plugins.ServedApp{
			Dir:    appDir,
			Config: worker,
		},
	}, nil
}
