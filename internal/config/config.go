package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/opencode-ai/sessioncore/pkg/types"
)

const appName = "sessioncore"

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// Load loads configuration from multiple sources (priority order):
// 1. Global config (~/.config/sessioncore/)
// 2. Project config (.sessioncore/)
// 3. SESSIONCORE_CONFIG file
// 4. SESSIONCORE_CONFIG_CONTENT inline JSON
// 5. Environment variables
func Load(directory string) (*types.Config, error) {
	config := &types.Config{
		Provider: make(map[string]types.ProviderConfig),
	}

	// Track loaded files to avoid duplicates
	loaded := make(map[string]bool)

	loadOnce := func(path string, baseDir string) error {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil
		}
		if loaded[absPath] {
			return nil
		}
		err = loadConfigFile(path, config, baseDir)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("config %s: %w", path, err)
		}
		loaded[absPath] = true
		return nil
	}

	var candidates [][2]string

	// 1. XDG global config
	globalPath := GetPaths().Config
	for _, name := range fileNames() {
		candidates = append(candidates, [2]string{filepath.Join(globalPath, name), globalPath})
	}

	// 2. Project config
	if directory != "" {
		projectConfigDir := filepath.Join(directory, "."+appName)
		for _, name := range fileNames() {
			candidates = append(candidates, [2]string{filepath.Join(directory, name), directory})
		}
		for _, name := range fileNames() {
			candidates = append(candidates, [2]string{filepath.Join(projectConfigDir, name), projectConfigDir})
		}
	}

	// 3. SESSIONCORE_CONFIG file override
	if configPath := os.Getenv("SESSIONCORE_CONFIG"); configPath != "" {
		candidates = append(candidates, [2]string{configPath, filepath.Dir(configPath)})
	}

	for _, c := range candidates {
		if err := loadOnce(c[0], c[1]); err != nil {
			return nil, err
		}
	}

	// 4. SESSIONCORE_CONFIG_CONTENT inline JSON
	if configContent := os.Getenv("SESSIONCORE_CONFIG_CONTENT"); configContent != "" {
		var inlineConfig types.Config
		data := interpolate(jsonc.ToJSON([]byte(configContent)), ".", true)
		if err := json.Unmarshal(data, &inlineConfig); err != nil {
			return nil, fmt.Errorf("SESSIONCORE_CONFIG_CONTENT: %w", err)
		}
		mergeConfig(config, &inlineConfig)
	}

	// 5. Environment variables (highest priority)
	applyEnvOverrides(config)

	return config, nil
}

func fileNames() []string {
	return []string{appName + ".json", appName + ".jsonc", appName + ".yaml", appName + ".yml"}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// loadConfigFile loads a single config file with interpolation support.
func loadConfigFile(path string, config *types.Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var fileConfig types.Config
	if isYAML(path) {
		data = interpolate(data, baseDir, false)
		if err := yaml.Unmarshal(data, &fileConfig); err != nil {
			return err
		}
	} else {
		// Strip JSONC comments using tidwall/jsonc
		data = interpolate(jsonc.ToJSON(data), baseDir, true)
		if err := json.Unmarshal(data, &fileConfig); err != nil {
			return err
		}
	}

	mergeConfig(config, &fileConfig)
	return nil
}

// interpolate processes {env:VAR} and {file:path} placeholders. File
// contents are escaped for a JSON string when escapeJSON is set.
func interpolate(data []byte, baseDir string, escapeJSON bool) []byte {
	str := string(data)

	str = envPattern.ReplaceAllStringFunc(str, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]

		if strings.HasPrefix(filePath, "~/") {
			filePath = filepath.Join(os.Getenv("HOME"), filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return match // Keep original if file not found
		}
		text := strings.TrimRight(string(content), "\r\n")
		if !escapeJSON {
			return text
		}
		quoted, _ := json.Marshal(text)
		return string(quoted[1 : len(quoted)-1])
	})

	return []byte(str)
}

// mergeConfig merges source config into target.
func mergeConfig(target, source *types.Config) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}
	if source.Model != "" {
		target.Model = source.Model
	}
	if source.SmallModel != "" {
		target.SmallModel = source.SmallModel
	}

	// Merge providers
	if source.Provider != nil {
		if target.Provider == nil {
			target.Provider = make(map[string]types.ProviderConfig)
		}
		for k, v := range source.Provider {
			target.Provider[k] = v
		}
	}

	if source.Storage != nil {
		if target.Storage == nil {
			target.Storage = &types.StorageConfig{}
		}
		mergeStorage(target.Storage, source.Storage)
	}
	if source.Monitor != nil {
		target.Monitor = source.Monitor
	}
	if source.Server != nil {
		if target.Server == nil {
			target.Server = &types.ServerConfig{}
		}
		if source.Server.Port != 0 {
			target.Server.Port = source.Server.Port
		}
		if source.Server.Hostname != "" {
			target.Server.Hostname = source.Server.Hostname
		}
		if source.Server.CORS != nil {
			target.Server.CORS = source.Server.CORS
		}
	}
	if source.Log != nil {
		target.Log = source.Log
	}
}

func mergeStorage(target, source *types.StorageConfig) {
	if source.Backend != "" {
		target.Backend = source.Backend
	}
	if source.Path != "" {
		target.Path = source.Path
	}
	if source.Retention != 0 {
		target.Retention = source.Retention
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *types.Config) {
	// Provider API keys
	providerEnvMap := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"ark":       "ARK_API_KEY",
	}

	for provider, envVar := range providerEnvMap {
		if apiKey := os.Getenv(envVar); apiKey != "" {
			if config.Provider == nil {
				config.Provider = make(map[string]types.ProviderConfig)
			}
			p := config.Provider[provider]
			if p.APIKey == "" {
				p.APIKey = apiKey
				config.Provider[provider] = p
			}
		}
	}

	if model := os.Getenv("SESSIONCORE_MODEL"); model != "" {
		config.Model = model
	}
	if smallModel := os.Getenv("SESSIONCORE_SMALL_MODEL"); smallModel != "" {
		config.SmallModel = smallModel
	}

	if backend := os.Getenv("SESSIONCORE_STORAGE"); backend != "" {
		if config.Storage == nil {
			config.Storage = &types.StorageConfig{}
		}
		config.Storage.Backend = backend
	}

	if port, err := strconv.Atoi(os.Getenv("SESSIONCORE_PORT")); err == nil && port > 0 {
		if config.Server == nil {
			config.Server = &types.ServerConfig{}
		}
		config.Server.Port = port
	}

	if level := os.Getenv("SESSIONCORE_LOG_LEVEL"); level != "" {
		if config.Log == nil {
			config.Log = &types.LogConfig{}
		}
		config.Log.Level = level
	}
}

// Save saves the configuration to a file. A .yaml or .yml path is written as
// YAML, anything else as JSON.
func Save(config *types.Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(config)
	} else {
		data, err = json.MarshalIndent(config, "", "  ")
	}
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetConfigDir returns the config directory to use.
// Prefers SESSIONCORE_CONFIG_DIR, then ~/.config/sessioncore.
func GetConfigDir() string {
	if dir := os.Getenv("SESSIONCORE_CONFIG_DIR"); dir != "" {
		return dir
	}
	return GetPaths().Config
}
