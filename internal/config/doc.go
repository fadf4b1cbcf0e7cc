// Package config provides configuration loading, merging, and path management for sessioncore.
//
// # Configuration Loading
//
// Load merges configuration from these sources, later ones winning:
//
//  1. Global config (~/.config/sessioncore/ - XDG compatible)
//  2. Project config (sessioncore.* in the directory, then .sessioncore/sessioncore.*)
//  3. SESSIONCORE_CONFIG file
//  4. SESSIONCORE_CONFIG_CONTENT inline JSON
//  5. Environment variables
//
// Missing files are skipped. A file that exists but does not parse is an error.
//
// # Supported Formats
//
//   - sessioncore.json - Standard JSON configuration
//   - sessioncore.jsonc - JSON with comments, processed using tidwall/jsonc
//   - sessioncore.yaml / sessioncore.yml - YAML, decoded with gopkg.in/yaml.v3
//
// # Variable Interpolation
//
// Configuration files support two types of variable interpolation:
//   - {env:VAR_NAME} - Expands to environment variable values
//   - {file:path} - Expands to file contents (escaped for JSON files)
//
// Relative {file:} paths resolve against the directory of the config file;
// ~/ expands to HOME.
//
//	{
//	  "model": "anthropic/claude-sonnet-4",
//	  "provider": {
//	    "anthropic": {"apiKey": "{env:ANTHROPIC_API_KEY}"}
//	  },
//	  "storage": {"backend": "sqlite", "retention": 50},
//	  "monitor": {"firstPassMaxMs": 30000}
//	}
//
// # Configuration Merging
//
// Scalars are overwritten by later sources, providers are merged by name, and
// the storage and server sections are merged field by field. The monitor and
// log sections are replaced whole.
//
// # Path Management
//
// Paths follow the XDG Base Directory Specification:
//   - Data: ~/.local/share/sessioncore (XDG_DATA_HOME), holding storage/ and sessioncore.db
//   - Config: ~/.config/sessioncore (XDG_CONFIG_HOME)
//   - Cache: ~/.cache/sessioncore (XDG_CACHE_HOME)
//   - State: ~/.local/state/sessioncore (XDG_STATE_HOME), holding log/
//
// On Windows, these paths are adapted to use APPDATA as appropriate.
//
// # Environment Variable Overrides
//
//   - SESSIONCORE_MODEL, SESSIONCORE_SMALL_MODEL - Model selection
//   - SESSIONCORE_STORAGE - Storage backend (file or sqlite)
//   - SESSIONCORE_PORT - HTTP server port
//   - SESSIONCORE_LOG_LEVEL - Log level
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, ARK_API_KEY - Provider keys, used when no file sets one
//   - SESSIONCORE_CONFIG_DIR - Override the config directory location
package config
