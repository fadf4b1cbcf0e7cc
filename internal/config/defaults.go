package config

import (
	"fmt"
	"net"
	"strconv"

	"github.com/opencode-ai/sessioncore/pkg/types"
)

const (
	DefaultPort     = 4096
	DefaultHostname = "127.0.0.1"

	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// StorageSettings returns the storage section with defaults filled in. The
// path defaults to the XDG storage directory for the file backend and to the
// database file for sqlite. A zero retention means the store default.
func StorageSettings(cfg *types.Config) (types.StorageConfig, error) {
	var s types.StorageConfig
	if cfg != nil && cfg.Storage != nil {
		s = *cfg.Storage
	}
	if s.Backend == "" {
		s.Backend = BackendFile
	}
	switch s.Backend {
	case BackendFile:
		if s.Path == "" {
			s.Path = GetPaths().StoragePath()
		}
	case BackendSQLite:
		if s.Path == "" {
			s.Path = GetPaths().DatabasePath()
		}
	default:
		return s, fmt.Errorf("unknown storage backend %q", s.Backend)
	}
	if s.Retention < 0 {
		return s, fmt.Errorf("storage retention must not be negative")
	}
	return s, nil
}

// ServerAddress returns host:port for the HTTP server. port overrides the
// configured port when non-zero.
func ServerAddress(cfg *types.Config, port int) string {
	host, p := DefaultHostname, DefaultPort
	if cfg != nil && cfg.Server != nil {
		if cfg.Server.Hostname != "" {
			host = cfg.Server.Hostname
		}
		if cfg.Server.Port != 0 {
			p = cfg.Server.Port
		}
	}
	if port != 0 {
		p = port
	}
	return net.JoinHostPort(host, strconv.Itoa(p))
}

// CORSEnabled reports whether the server should send CORS headers. It
// defaults to true.
func CORSEnabled(cfg *types.Config) bool {
	if cfg == nil || cfg.Server == nil || cfg.Server.CORS == nil {
		return true
	}
	return *cfg.Server.CORS
}
