package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorcontext/guestpull/internal/config"
	"github.com/majorcontext/guestpull/internal/pull"
)

func TestNewBackend_ExternalToolWhenExecutable(t *testing.T) {
	dir := t.TempDir()
	skopeo := filepath.Join(dir, "skopeo")
	require.NoError(t, os.WriteFile(skopeo, []byte("#!/bin/sh\n"), 0o755))

	cfg := config.DefaultConfig()
	cfg.Paths.Skopeo = skopeo

	b, err := newBackend(cfg)
	require.NoError(t, err)
	tool, ok := b.(*pull.RegistryTool)
	require.True(t, ok, "got %T", b)
	assert.Equal(t, skopeo, tool.Skopeo)
	assert.Equal(t, cfg.Paths.ContainerBase, tool.BundleBase)
	assert.Equal(t, pull.ExternalTool.String(), b.Name())
}

func TestNewBackend_EmbeddedWhenToolMissing(t *testing.T) {
	t.Setenv("DOCKER_HOST", "unix:///nonexistent/docker.sock")
	cfg := config.DefaultConfig()
	cfg.Paths.Skopeo = filepath.Join(t.TempDir(), "skopeo")

	b, err := newBackend(cfg)
	require.NoError(t, err)
	assert.Equal(t, pull.EmbeddedClient.String(), b.Name())
}

func TestPlural(t *testing.T) {
	assert.Equal(t, "y", plural(1, "y", "ies"))
	assert.Equal(t, "ies", plural(0, "y", "ies"))
	assert.Equal(t, "ies", plural(3, "y", "ies"))
}
