// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package plugins

import (
	"os"
	"path/filepath"
	"testing"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buntime/buntime/manifest"
)

func writePluginDir(t *testing.T, root, name, manifestBody string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.Nil(t, os.MkdirAll(dir, 0o755))
	require.Nil(t, os.WriteFile(filepath.Join(dir, "plugin.yaml"), []byte(manifestBody), 0o644))
}

func withFactory(t *testing.T, name string, f Factory) {
	t.Helper()
	RegisterFactory(name, f)
	t.Cleanup(func() { delete(catalog, name) })
}

func nopFactory(log hclog.Logger, m *manifest.Plugin) (*Plugin, error) {
	return &Plugin{Name: m.Name, Base: m.Base, Config: m.Config}, nil
}

func TestRegisterFactory_duplicatePanics(t *testing.T) {
	withFactory(t, "dup-test", nopFactory)
	assert.Panics(t, func() { RegisterFactory("dup-test", nopFactory) })
}

func TestLoad(t *testing.T) {
	withFactory(t, "alpha", nopFactory)
	withFactory(t, "beta", nopFactory)

	root := t.TempDir()
	writePluginDir(t, root, "alpha", "name: alpha\nbase: /alpha\nlimit: 5\n")
	writePluginDir(t, root, "beta", "name: beta\n")
	// A directory without a manifest is not a plugin.
	require.Nil(t, os.MkdirAll(filepath.Join(root, "assets"), 0o755))
	// Plain files are ignored.
	require.Nil(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644))

	list, err := Load(hclog.NewNullLogger(), []string{root})
	require.Nil(t, err)
	require.Len(t, list, 2)

	// Load order follows directory names.
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "/alpha", list[0].Base)
	assert.Equal(t, 5, list[0].Config["limit"])
	assert.Equal(t, "beta", list[1].Name)
}

func TestLoad_disabledSkipped(t *testing.T) {
	withFactory(t, "alpha", nopFactory)

	root := t.TempDir()
	writePluginDir(t, root, "alpha", "name: alpha\nenabled: false\n")

	list, err := Load(hclog.NewNullLogger(), []string{root})
	require.Nil(t, err)
	assert.Empty(t, list)
}

func TestLoad_unknownPlugin(t *testing.T) {
	root := t.TempDir()
	writePluginDir(t, root, "mystery", "name: mystery\n")

	_, err := Load(hclog.NewNullLogger(), []string{root})
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), `unknown plugin "mystery"`)
}

func TestLoad_invalidManifest(t *testing.T) {
	root := t.TempDir()
	writePluginDir(t, root, "broken", "base: /broken\n")

	_, err := Load(hclog.NewNullLogger(), []string{root})
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), "invalid plugin manifest")
}

func TestLoad_missingDirSkipped(t *testing.T) {
	list, err := Load(hclog.NewNullLogger(), []string{"/does/not/exist"})
	require.Nil(t, err)
	assert.Empty(t, list)
}

func TestLoad_factoryError(t *testing.T) {
	withFactory(t, "fussy", func(log hclog.Logger, m *manifest.Plugin) (*Plugin, error) {
		return nil, os.ErrInvalid
	})

	root := t.TempDir()
	writePluginDir(t, root, "fussy", "name: fussy\n")

	_, err := Load(hclog.NewNullLogger(), []string{root})
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), `failed to build plugin "fussy"`)
}
