package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/sessioncore/pkg/types"
)

// isolate points HOME and the XDG directories at a fresh temp dir and clears
// the variables Load reads.
func isolate(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmpDir, ".config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(tmpDir, ".local", "share"))
	for _, key := range []string{
		"SESSIONCORE_CONFIG", "SESSIONCORE_CONFIG_CONTENT", "SESSIONCORE_MODEL",
		"SESSIONCORE_SMALL_MODEL", "SESSIONCORE_STORAGE", "SESSIONCORE_PORT",
		"SESSIONCORE_LOG_LEVEL", "ANTHROPIC_API_KEY", "OPENAI_API_KEY", "ARK_API_KEY",
	} {
		t.Setenv(key, "")
	}
	return tmpDir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestLoadProjectConfig(t *testing.T) {
	tmpDir := isolate(t)

	writeFile(t, filepath.Join(tmpDir, ".sessioncore", "sessioncore.json"), `{
		"$schema": "https://example.com/sessioncore.json",
		"model": "openai/gpt-4o",
		"small_model": "openai/gpt-4o-mini",
		"provider": {
			"openai": {
				"apiKey": "sk-openai-test",
				"baseURL": "https://api.openai.com/v1"
			}
		},
		"storage": {"backend": "sqlite", "retention": 10},
		"monitor": {"firstPassMaxMs": 5000, "autoReply": true}
	}`)

	cfg, err := Load(tmpDir)
	require.NoError(t, err)

	assert.Equal(t, "https://example.com/sessioncore.json", cfg.Schema)
	assert.Equal(t, "openai/gpt-4o", cfg.Model)
	assert.Equal(t, "openai/gpt-4o-mini", cfg.SmallModel)
	assert.Equal(t, "sk-openai-test", cfg.Provider["openai"].APIKey)
	assert.Equal(t, "https://api.openai.com/v1", cfg.Provider["openai"].BaseURL)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, 10, cfg.Storage.Retention)
	require.NotNil(t, cfg.Monitor)
	assert.Equal(t, 5000, cfg.Monitor.FirstPassMaxMs)
	assert.True(t, cfg.Monitor.AutoReply)
}

func TestJSONCComments(t *testing.T) {
	tmpDir := isolate(t)

	writeFile(t, filepath.Join(tmpDir, ".sessioncore", "sessioncore.jsonc"), `{
		// This is a single-line comment
		"model": "anthropic/claude-sonnet-4-20250514",
		/* This is a
		   multi-line comment */
		"provider": {
			"anthropic": {
				"apiKey": "test-key", // inline comment
			},
		},
	}`)

	cfg, err := Load(tmpDir)
	require.NoError(t, err)

	assert.Equal(t, "anthropic/claude-sonnet-4-20250514", cfg.Model)
	assert.Equal(t, "test-key", cfg.Provider["anthropic"].APIKey)
}

func TestYAMLConfig(t *testing.T) {
	tmpDir := isolate(t)
	t.Setenv("TEST_ARK_KEY", "ark-key")

	writeFile(t, filepath.Join(tmpDir, "sessioncore.yaml"), `
model: ark/doubao-pro
provider:
  ark:
    apiKey: "{env:TEST_ARK_KEY}"
    maxTokens: 2048
server:
  port: 5000
  cors: false
log:
  level: debug
  pretty: true
`)

	cfg, err := Load(tmpDir)
	require.NoError(t, err)

	assert.Equal(t, "ark/doubao-pro", cfg.Model)
	assert.Equal(t, "ark-key", cfg.Provider["ark"].APIKey)
	assert.Equal(t, 2048, cfg.Provider["ark"].MaxTokens)
	require.NotNil(t, cfg.Server)
	assert.Equal(t, 5000, cfg.Server.Port)
	assert.False(t, CORSEnabled(cfg))
	require.NotNil(t, cfg.Log)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Pretty)
}

func TestEnvInterpolation(t *testing.T) {
	tmpDir := isolate(t)
	t.Setenv("TEST_API_KEY", "interpolated-key")

	writeFile(t, filepath.Join(tmpDir, ".sessioncore", "sessioncore.json"), `{
		"model": "anthropic/claude-sonnet-4",
		"provider": {
			"anthropic": {
				"apiKey": "{env:TEST_API_KEY}"
			}
		}
	}`)

	cfg, err := Load(tmpDir)
	require.NoError(t, err)

	assert.Equal(t, "interpolated-key", cfg.Provider["anthropic"].APIKey)
}

func TestFileInterpolation(t *testing.T) {
	tmpDir := isolate(t)
	configDir := filepath.Join(tmpDir, ".sessioncore")

	// Quotes and backslashes must survive JSON escaping.
	writeFile(t, filepath.Join(configDir, "key.txt"), "sk-\"quoted\\key\"\n")
	writeFile(t, filepath.Join(tmpDir, "home-key.txt"), "home-key")
	writeFile(t, filepath.Join(configDir, "sessioncore.json"), `{
		"provider": {
			"anthropic": {"apiKey": "{file:key.txt}"},
			"openai": {"apiKey": "{file:~/home-key.txt}"},
			"ark": {"apiKey": "{file:missing.txt}"}
		}
	}`)

	cfg, err := Load(tmpDir)
	require.NoError(t, err)

	assert.Equal(t, `sk-"quoted\key"`, cfg.Provider["anthropic"].APIKey)
	assert.Equal(t, "home-key", cfg.Provider["openai"].APIKey)
	assert.Equal(t, "{file:missing.txt}", cfg.Provider["ark"].APIKey)
}

func TestConfigMerge(t *testing.T) {
	tmpDir := isolate(t)

	// Global config
	writeFile(t, filepath.Join(tmpDir, ".config", "sessioncore", "sessioncore.json"), `{
		"model": "anthropic/claude-3-5-haiku",
		"provider": {"anthropic": {"apiKey": "global-key"}},
		"storage": {"backend": "sqlite", "retention": 5}
	}`)

	// Project config overrides the model and the storage path only
	writeFile(t, filepath.Join(tmpDir, ".sessioncore", "sessioncore.json"), `{
		"model": "anthropic/claude-sonnet-4",
		"provider": {"openai": {"apiKey": "project-key"}},
		"storage": {"path": "/tmp/sessions.db"}
	}`)

	cfg, err := Load(tmpDir)
	require.NoError(t, err)

	assert.Equal(t, "anthropic/claude-sonnet-4", cfg.Model)
	assert.Equal(t, "global-key", cfg.Provider["anthropic"].APIKey)
	assert.Equal(t, "project-key", cfg.Provider["openai"].APIKey)
	assert.Equal(t, types.StorageConfig{Backend: "sqlite", Path: "/tmp/sessions.db", Retention: 5}, *cfg.Storage)
}

func TestEnvVarOverride(t *testing.T) {
	tmpDir := isolate(t)

	writeFile(t, filepath.Join(tmpDir, ".sessioncore", "sessioncore.json"), `{
		"model": "anthropic/claude-3-5-haiku",
		"provider": {"openai": {"apiKey": "configured"}}
	}`)

	t.Setenv("SESSIONCORE_MODEL", "openai/gpt-4o")
	t.Setenv("SESSIONCORE_SMALL_MODEL", "openai/gpt-4o-mini")
	t.Setenv("SESSIONCORE_STORAGE", "sqlite")
	t.Setenv("SESSIONCORE_PORT", "7000")
	t.Setenv("SESSIONCORE_LOG_LEVEL", "warn")
	t.Setenv("ANTHROPIC_API_KEY", "env-anthropic")
	t.Setenv("OPENAI_API_KEY", "env-openai")

	cfg, err := Load(tmpDir)
	require.NoError(t, err)

	assert.Equal(t, "openai/gpt-4o", cfg.Model)
	assert.Equal(t, "openai/gpt-4o-mini", cfg.SmallModel)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "env-anthropic", cfg.Provider["anthropic"].APIKey)
	// Keys from files win over the environment.
	assert.Equal(t, "configured", cfg.Provider["openai"].APIKey)
}

func TestSESSIONCORE_CONFIG(t *testing.T) {
	tmpDir := isolate(t)

	customPath := filepath.Join(tmpDir, "custom", "my-config.yml")
	writeFile(t, customPath, "model: custom/model\n")
	t.Setenv("SESSIONCORE_CONFIG", customPath)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "custom/model", cfg.Model)
}

func TestSESSIONCORE_CONFIG_CONTENT(t *testing.T) {
	tmpDir := isolate(t)

	writeFile(t, filepath.Join(tmpDir, ".sessioncore", "sessioncore.json"), `{"model": "file/model"}`)
	t.Setenv("SESSIONCORE_CONFIG_CONTENT", `{"model": "inline/model", "storage": {"retention": 3}}`)

	cfg, err := Load(tmpDir)
	require.NoError(t, err)

	assert.Equal(t, "inline/model", cfg.Model)
	assert.Equal(t, 3, cfg.Storage.Retention)
}

func TestLoadReportsMalformedFile(t *testing.T) {
	tmpDir := isolate(t)

	writeFile(t, filepath.Join(tmpDir, ".sessioncore", "sessioncore.json"), `{"model": `)

	_, err := Load(tmpDir)
	assert.Error(t, err)

	t.Setenv("SESSIONCORE_CONFIG_CONTENT", "not json")
	require.NoError(t, os.Remove(filepath.Join(tmpDir, ".sessioncore", "sessioncore.json")))
	_, err = Load(tmpDir)
	assert.Error(t, err)
}

func TestLoadEmpty(t *testing.T) {
	tmpDir := isolate(t)

	cfg, err := Load(tmpDir)
	require.NoError(t, err)
	assert.Empty(t, cfg.Model)
	assert.NotNil(t, cfg.Provider)
	assert.Nil(t, cfg.Storage)
}

func TestSaveRoundTrip(t *testing.T) {
	tmpDir := isolate(t)
	cors := false
	cfg := &types.Config{
		Model:   "anthropic/claude-sonnet-4",
		Storage: &types.StorageConfig{Backend: "file", Retention: 12},
		Server:  &types.ServerConfig{Port: 4200, CORS: &cors},
	}

	jsonPath := filepath.Join(tmpDir, "out", "sessioncore.json")
	require.NoError(t, Save(cfg, jsonPath))
	data, err := os.ReadFile(jsonPath)
	require.NoError(t, err)
	var decoded types.Config
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, cfg.Model, decoded.Model)
	assert.Equal(t, 12, decoded.Storage.Retention)

	t.Setenv("SESSIONCORE_CONFIG", filepath.Join(tmpDir, "out", "sessioncore.yaml"))
	require.NoError(t, Save(cfg, os.Getenv("SESSIONCORE_CONFIG")))
	loaded, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 4200, loaded.Server.Port)
	assert.False(t, CORSEnabled(loaded))
}

func TestStorageSettings(t *testing.T) {
	isolate(t)

	s, err := StorageSettings(&types.Config{})
	require.NoError(t, err)
	assert.Equal(t, BackendFile, s.Backend)
	assert.Equal(t, GetPaths().StoragePath(), s.Path)

	s, err = StorageSettings(&types.Config{Storage: &types.StorageConfig{Backend: "sqlite"}})
	require.NoError(t, err)
	assert.Equal(t, GetPaths().DatabasePath(), s.Path)

	_, err = StorageSettings(&types.Config{Storage: &types.StorageConfig{Backend: "redis"}})
	assert.Error(t, err)

	_, err = StorageSettings(&types.Config{Storage: &types.StorageConfig{Retention: -1}})
	assert.Error(t, err)
}

func TestServerAddress(t *testing.T) {
	assert.Equal(t, "127.0.0.1:4096", ServerAddress(nil, 0))
	assert.Equal(t, "0.0.0.0:5000", ServerAddress(&types.Config{Server: &types.ServerConfig{Hostname: "0.0.0.0", Port: 5000}}, 0))
	assert.Equal(t, "127.0.0.1:9000", ServerAddress(&types.Config{Server: &types.ServerConfig{Port: 5000}}, 9000))
	assert.True(t, CORSEnabled(nil))
}

func TestGetPaths(t *testing.T) {
	tmpDir := isolate(t)

	paths := GetPaths()
	assert.Equal(t, filepath.Join(tmpDir, ".config", "sessioncore"), paths.Config)
	assert.Equal(t, filepath.Join(tmpDir, ".local", "share", "sessioncore", "storage"), paths.StoragePath())
	assert.Equal(t, filepath.Join(tmpDir, ".local", "share", "sessioncore", "sessioncore.db"), paths.DatabasePath())
	assert.Equal(t, filepath.Join(paths.Config, "sessioncore.json"), GlobalConfigPath())
	assert.Equal(t, filepath.Join("proj", ".sessioncore", "sessioncore.json"), ProjectConfigPath("proj"))
}
