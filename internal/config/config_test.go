package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gobeaver/metafs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.True(t, cfg.AllowUserResources)
	assert.False(t, cfg.AllowHidden)
	assert.Equal(t, ".", cfg.HiddenPrefix)
	assert.Equal(t, string(metafs.SelectorHash), cfg.SelectorStrategy)
	assert.True(t, cfg.ProtectServerResources)
	assert.Equal(t, "sha256", cfg.HashAlgorithm)
	assert.Empty(t, cfg.Resources)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "metafs", cfg.Logging.Service)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.ListenAddr)
	assert.Equal(t, 45*time.Second, cfg.Server.DrainDuration)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.ListenAddr)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "metafs.yaml", `
allow_user_resources: false
allow_hidden: true
selector_strategy: counter
hash_algorithm: xxhash
resource_validators:
  - "mem://.*"
  - "osfs:///srv/.*"
resources:
  - name: scratch
    url: mem://scratch
  - name: data
    url: osfs:///srv/data
    read_only: true
    only_dirs: true
  - name: bucket
    url: "s3://{{KEY}}:{{SECRET}}@bucket"
    auth: ask
snippets:
  - label: Read CSV
    caption: Load into a DataFrame
    pattern: '\.csv$'
    template: pd.read_csv("{{path}}")
  - label: Open
    template: open("{{path}}")
server:
  listen_addr: 0.0.0.0:9000
  drain_duration: 5s
logging:
  level: debug
  json: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.False(t, cfg.AllowUserResources)
	assert.True(t, cfg.AllowHidden)
	assert.Equal(t, "counter", cfg.SelectorStrategy)
	assert.Equal(t, "xxhash", cfg.HashAlgorithm)
	assert.Equal(t, []string{"mem://.*", "osfs:///srv/.*"}, cfg.ResourceValidators)

	require.Len(t, cfg.Resources, 3)
	assert.Equal(t, metafs.ResourceConfig{Name: "scratch", URL: "mem://scratch"}, cfg.Resources[0])
	assert.True(t, cfg.Resources[1].ReadOnly)
	assert.True(t, cfg.Resources[1].OnlyDirs)
	assert.Equal(t, metafs.TokenAuthAsk, cfg.Resources[2].Auth)

	require.Len(t, cfg.Snippets, 2)
	assert.Equal(t, metafs.Snippet{
		Label:    "Read CSV",
		Caption:  "Load into a DataFrame",
		Pattern:  `\.csv$`,
		Template: `pd.read_csv("{{path}}")`,
	}, cfg.Snippets[0])
	assert.Empty(t, cfg.Snippets[1].Pattern)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.ListenAddr)
	assert.Equal(t, 5*time.Second, cfg.Server.DrainDuration)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.JSON)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "metafs.yaml", `
allow_hidden: false
server:
  listen_addr: 127.0.0.1:7000
`)
	t.Setenv("METAFS_ALLOW_HIDDEN", "true")
	t.Setenv("METAFS_SERVER_LISTEN_ADDR", ":8181")
	t.Setenv("METAFS_SERVER_SHUTDOWN_TIMEOUT", "2s")
	t.Setenv("METAFS_LOGGING_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.AllowHidden)
	assert.Equal(t, ":8181", cfg.Server.ListenAddr)
	assert.Equal(t, 2*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "metafs.json", `{"hidden_prefix": "_", "resources": [{"name": "m", "url": "mem://m"}]}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "_", cfg.HiddenPrefix)
	require.Len(t, cfg.Resources, 1)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errPart string
	}{
		{
			name:    "broken yaml",
			content: "resources: [unclosed",
			errPart: "failed to read config file",
		},
		{
			name:    "missing url",
			content: "resources:\n  - name: x\n",
			errPart: "URL",
		},
		{
			name:    "duplicate names",
			content: "resources:\n  - name: x\n    url: mem://a\n  - name: x\n    url: mem://b\n",
			errPart: "duplicate resource name",
		},
		{
			name:    "bad validator regex",
			content: "resource_validators: ['mem://(']\n",
			errPart: "resource_validators[0]",
		},
		{
			name:    "bad snippet pattern",
			content: "snippets:\n  - label: x\n    template: y\n    pattern: '('\n",
			errPart: "snippets[0]",
		},
		{
			name:    "snippet without template",
			content: "snippets:\n  - label: x\n",
			errPart: "Template",
		},
		{
			name:    "unknown selector strategy",
			content: "selector_strategy: random\n",
			errPart: "SelectorStrategy",
		},
		{
			name:    "unknown log level",
			content: "logging:\n  level: loud\n",
			errPart: "Level",
		},
		{
			name:    "bad auth mode",
			content: "resources:\n  - name: x\n    url: mem://x\n    auth: maybe\n",
			errPart: "Auth",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "metafs.yaml", tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errPart)
		})
	}
}

func TestStringToSliceHook(t *testing.T) {
	t.Setenv("METAFS_RESOURCE_VALIDATORS", "mem://.*,osfs://.*")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"mem://.*", "osfs://.*"}, cfg.ResourceValidators)
}
