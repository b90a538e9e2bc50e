// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package plugins

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/buntime/buntime/manifest"
)

// Factory builds a plugin from its loaded manifest. Builtin plugin packages
// register their factories at process start; the catalog is read-only once
// loading begins.
type Factory func(log hclog.Logger, m *manifest.Plugin) (*Plugin, error)

var catalog = map[string]Factory{}

// RegisterFactory adds a builtin factory to the catalog. It is intended to
// be called from package init functions and panics on duplicates.
func RegisterFactory(name string, f Factory) {
	if _, ok := catalog[name]; ok {
		panic(fmt.Sprintf("plugin factory %q registered twice", name))
	}
	catalog[name] = f
}

// Load scans the plugin directories, reads each subdirectory's manifest and
// instantiates enabled plugins via the factory catalog. Directories without
// a manifest are skipped; a manifest naming an unknown plugin is an error.
func Load(log hclog.Logger, dirs []string) ([]*Plugin, error) {
	var out []*Plugin

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				log.Debug("plugin directory does not exist, skipping", "dir", dir)
				continue
			}
			return nil, fmt.Errorf("failed to read plugin directory %s: %v", dir, err)
		}

		// Deterministic load order keeps boot logs stable.
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			pluginDir := filepath.Join(dir, entry.Name())

			m, err := manifest.LoadPlugin(pluginDir)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return nil, fmt.Errorf("invalid plugin manifest in %s: %v", pluginDir, err)
			}
			if !m.Enabled {
				log.Debug("plugin disabled, skipping", "plugin", m.Name, "dir", pluginDir)
				continue
			}

			factory, ok := catalog[m.Name]
			if !ok {
				return nil, fmt.Errorf("unknown plugin %q in %s", m.Name, pluginDir)
			}

			p, err := factory(log.Named(m.Name), m)
			if err != nil {
				return nil, fmt.Errorf("failed to build plugin %q: %v", m.Name, err)
			}
			out = append(out, p)
		}
	}

	return out, nil
}
