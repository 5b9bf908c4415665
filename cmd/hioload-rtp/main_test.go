package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-rtp/control"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestConfigCmd_PrintsOverrides(t *testing.T) {
	out, err := runCmd(t, "config", "--listen", "127.0.0.1:7000", "--workers", "3")
	require.NoError(t, err)

	var cfg control.Config
	_, err = toml.Decode(out, &cfg)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.ListenAddr)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, control.DefaultConfig().AgeLimit, cfg.AgeLimit)
}

func TestConfigCmd_ReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtp.toml")
	require.NoError(t, os.WriteFile(path, []byte("rtp_dest = \"10.1.1.1:5004\"\nage_limit = \"750ms\"\n"), 0o600))

	out, err := runCmd(t, "config", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, `rtp_dest = "10.1.1.1:5004"`)
	assert.Contains(t, out, `age_limit = "750ms"`)
}

func TestConfigCmd_RejectsBadOverride(t *testing.T) {
	_, err := runCmd(t, "config", "--dest", "nowhere")
	assert.Error(t, err)
}
