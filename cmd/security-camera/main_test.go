package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunReturnsStartupErrors(t *testing.T) {
	dir := t.TempDir()
	noEnv := filepath.Join(dir, "none.env")

	err := run(filepath.Join(dir, "missing.yaml"), noEnv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load configuration")

	bad := filepath.Join(dir, "seccam.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("logging:\n  level: loud\nrecording:\n  clip_dir: "+filepath.Join(dir, "clips")+"\n"), 0o644))
	err = run(bad, noEnv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}
