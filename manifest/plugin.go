// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// pluginManifestNames are the accepted manifest file names inside a plugin
// directory, probed in order.
var pluginManifestNames = []string{"plugin.yaml", "plugin.yml", "plugin.json"}

// reservedPluginKeys are manifest keys consumed by the registry itself;
// everything else becomes the plugin-specific configuration map.
var reservedPluginKeys = map[string]struct{}{
	"name":                 {},
	"base":                 {},
	"enabled":              {},
	"dependencies":         {},
	"optionalDependencies": {},
	"publicRoutes":         {},
}

// Plugin is a parsed plugin manifest. Config holds every manifest key which
// is not owned by the registry and is handed to the plugin factory verbatim.
type Plugin struct {
	Name                 string
	Base                 string
	Enabled              bool
	Dependencies         []string
	OptionalDependencies []string
	PublicRoutes         *PublicRoutes
	Dir                  string
	Config               map[string]interface{}
}

// LoadPlugin reads the plugin manifest from dir. Unlike worker manifests a
// plugin manifest is required: a directory without one is not a plugin.
func LoadPlugin(dir string) (*Plugin, error) {
	var data []byte
	var err error
	found := false

	for _, name := range pluginManifestNames {
		data, err = os.ReadFile(filepath.Join(dir, name))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read plugin manifest in %s: %v", dir, err)
		}
		found = true
		break
	}
	if !found {
		return nil, os.ErrNotExist
	}

	raw := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse plugin manifest in %s: %v", dir, err)
	}

	return normalizePlugin(raw, dir)
}

func normalizePlugin(raw map[string]interface{}, dir string) (*Plugin, error) {
	p := &Plugin{
		Enabled: true,
		Dir:     dir,
		Config:  make(map[string]interface{}),
	}

	name, _ := raw["name"].(string)
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("plugin manifest in %s is missing the required name", dir)
	}
	p.Name = name

	if base, ok := raw["base"].(string); ok {
		if base != "" && !strings.HasPrefix(base, "/") {
			return nil, fmt.Errorf("plugin %s: base %q must start with /", name, base)
		}
		p.Base = strings.TrimSuffix(base, "/")
	}

	if enabled, ok := raw["enabled"].(bool); ok {
		p.Enabled = enabled
	}

	deps, err := optStringSlice(raw["dependencies"])
	if err != nil {
		return nil, fmt.Errorf("plugin %s: dependencies: %v", name, err)
	}
	p.Dependencies = deps

	optDeps, err := optStringSlice(raw["optionalDependencies"])
	if err != nil {
		return nil, fmt.Errorf("plugin %s: optionalDependencies: %v", name, err)
	}
	p.OptionalDependencies = optDeps

	routes, err := ParsePublicRoutes(raw["publicRoutes"])
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %v", name, err)
	}
	p.PublicRoutes = routes

	for k, v := range raw {
		if _, reserved := reservedPluginKeys[k]; !reserved {
			p.Config[k] = v
		}
	}

	return p, nil
}

func optStringSlice(raw interface{}) ([]string, error) {
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected an array of strings, got %T", raw)
	}
	return stringSlice(list)
}
