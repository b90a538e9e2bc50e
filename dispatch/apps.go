// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/buntime/buntime/manifest"
)

// App is one discovered worker application.
type App struct {
	Name   string
	Dir    string
	Config *manifest.Worker
}

// DiscoverApps scans the worker directories and loads each subdirectory as
// an application. A missing manifest yields defaults, so any subdirectory
// is an app; an invalid manifest is fatal. When the same name appears in
// multiple directories the first one wins.
func DiscoverApps(log hclog.Logger, dirs []string, limits *manifest.Limits) (map[string]*App, error) {
	if limits == nil {
		limits = manifest.DefaultLimits()
	}
	apps := make(map[string]*App)

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				log.Warn("worker directory does not exist, skipping", "dir", dir)
				continue
			}
			return nil, fmt.Errorf("failed to read worker directory %s: %v", dir, err)
		}

		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			name := entry.Name()
			appDir := filepath.Join(dir, name)

			if existing, ok := apps[name]; ok {
				log.Warn("duplicate worker app name, keeping first",
					"app", name, "kept", existing.Dir, "ignored", appDir)
				continue
			}

			cfg, err := manifest.LoadWorker(appDir, limits, log)
			if err != nil {
				return nil, fmt.Errorf("invalid worker manifest in %s: %v", appDir, err)
			}

			apps[name] = &App{Name: name, Dir: appDir, Config: cfg}
			log.Debug("discovered worker app", "app", name, "dir", appDir,
				"visibility", cfg.Visibility)
		}
	}

	return apps, nil
}
