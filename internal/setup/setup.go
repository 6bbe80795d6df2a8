// Package setup registers the KFRE MCP server with desktop MCP clients.
package setup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// ServerKey is the entry name used in the client configuration.
const ServerKey = "kfre-risk"

// ClientConfig is the MCP client configuration file structure.
type ClientConfig struct {
	MCPServers map[string]MCPServerConfig `json:"mcpServers"`
	// other top-level keys are kept as-is
	Extra map[string]json.RawMessage `json:"-"`
}

// MCPServerConfig represents a single MCP server configuration.
type MCPServerConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Options contains options for the setup process.
type Options struct {
	ConfigPath string // client config file; DefaultConfigPath when empty
	BinaryPath string // path to the kfre-mcp binary
	DataDir    string // KFRE_DATA_DIR for the server, omitted when empty
}

// Status represents the current setup status.
type Status struct {
	ConfigPath   string
	Configured   bool
	BinaryPath   string
	BinaryExists bool
	DataDir      string
	AuditDB      bool
}

// DefaultConfigPath returns the desktop client's config file for this OS.
func DefaultConfigPath() (string, error) {
	var configDir string

	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, "Library", "Application Support", "Claude")
	case "linux":
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			configDir = filepath.Join(xdg, "Claude")
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			configDir = filepath.Join(home, ".config", "Claude")
		}
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		configDir = filepath.Join(appData, "Claude")
	default:
		return "", fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}

	return filepath.Join(configDir, "claude_desktop_config.json"), nil
}

// LoadConfig reads a client configuration. A missing file gives an empty one.
func LoadConfig(path string) (*ClientConfig, error) {
	cfg := &ClientConfig{
		MCPServers: make(map[string]MCPServerConfig),
		Extra:      make(map[string]json.RawMessage),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, &cfg.Extra); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if raw, ok := cfg.Extra["mcpServers"]; ok {
		if err := json.Unmarshal(raw, &cfg.MCPServers); err != nil {
			return nil, fmt.Errorf("failed to parse mcpServers: %w", err)
		}
		delete(cfg.Extra, "mcpServers")
	}
	if cfg.MCPServers == nil {
		cfg.MCPServers = make(map[string]MCPServerConfig)
	}

	return cfg, nil
}

// SaveConfig writes the configuration, creating its directory.
func SaveConfig(path string, cfg *ClientConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	out := make(map[string]any, len(cfg.Extra)+1)
	for k, v := range cfg.Extra {
		out[k] = v
	}
	out["mcpServers"] = cfg.MCPServers

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Configure adds or replaces the KFRE entry and returns the config path.
func Configure(opts Options) (string, error) {
	path, err := resolvePath(opts.ConfigPath)
	if err != nil {
		return "", err
	}

	binary := opts.BinaryPath
	if binary == "" {
		if binary, err = os.Executable(); err != nil {
			return "", fmt.Errorf("failed to locate server binary: %w", err)
		}
	}
	if abs, err := filepath.Abs(binary); err == nil {
		binary = abs
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		return "", err
	}

	entry := MCPServerConfig{Command: binary}
	if opts.DataDir != "" {
		entry.Env = map[string]string{"KFRE_DATA_DIR": opts.DataDir}
	}
	cfg.MCPServers[ServerKey] = entry

	return path, SaveConfig(path, cfg)
}

// Remove deletes the KFRE entry. It reports whether one was present.
func Remove(configPath string) (bool, error) {
	path, err := resolvePath(configPath)
	if err != nil {
		return false, err
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		return false, err
	}
	if _, ok := cfg.MCPServers[ServerKey]; !ok {
		return false, nil
	}
	delete(cfg.MCPServers, ServerKey)
	return true, SaveConfig(path, cfg)
}

// GetStatus inspects the client configuration and the server's data directory.
// defaultDataDir is reported when the entry sets no KFRE_DATA_DIR.
func GetStatus(configPath, defaultDataDir string) (*Status, error) {
	path, err := resolvePath(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	status := &Status{ConfigPath: path, DataDir: defaultDataDir}
	if entry, ok := cfg.MCPServers[ServerKey]; ok {
		status.Configured = true
		status.BinaryPath = entry.Command
		if _, err := os.Stat(entry.Command); err == nil {
			status.BinaryExists = true
		}
		if dir := entry.Env["KFRE_DATA_DIR"]; dir != "" {
			status.DataDir = dir
		}
	}
	if _, err := os.Stat(filepath.Join(status.DataDir, "audit.db")); err == nil {
		status.AuditDB = true
	}

	return status, nil
}

func resolvePath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	return DefaultConfigPath()
}
