package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	t.Run("should expose the expected subcommands", func(t *testing.T) {
		names := []string{}
		for _, cmd := range GetRootCmd().Commands() {
			names = append(names, cmd.Name())
		}
		assert.Contains(t, names, "start")
		assert.Contains(t, names, "config")
	})

	t.Run("should report its version", func(t *testing.T) {
		assert.Equal(t, version, GetVersion())
	})
}

func TestConfigCommands(t *testing.T) {
	t.Run("should initialize then show a config", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "keel.json")

		cfgFile = path
		defer func() { cfgFile = "" }()

		out := &bytes.Buffer{}
		configInitCmd.SetOut(out)
		require.NoError(t, configInitCmd.RunE(configInitCmd, nil))

		_, err := os.Stat(path)
		require.NoError(t, err)

		// A second init must not overwrite.
		assert.Error(t, configInitCmd.RunE(configInitCmd, nil))

		out.Reset()
		configShowCmd.SetOut(out)
		require.NoError(t, configShowCmd.RunE(configShowCmd, nil))
		assert.Contains(t, out.String(), "worker_pool_size")
	})
}

func TestConfigPath(t *testing.T) {
	t.Run("should prefer the explicit flag", func(t *testing.T) {
		cfgFile = "/tmp/explicit.json"
		defer func() { cfgFile = "" }()
		assert.Equal(t, "/tmp/explicit.json", configPath())
	})

	t.Run("should fall back to the home directory", func(t *testing.T) {
		cfgFile = ""
		assert.Contains(t, configPath(), ".keel")
	})
}
