// Package config persists a node's local mesh configuration: its
// display identity, default relay/STUN endpoints, and the set of
// workspaces it has joined (so it can rejoin them automatically on
// startup). Identity key material and document/workspace metadata
// themselves are out of scope here — they belong to the identity
// service and the CRDT engine, both external collaborators.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/kuuji/nightjar/pkg/overlay"
)

// DefaultSTUNServers are the public STUN servers used when none are configured.
var DefaultSTUNServers = []string{
	"stun:stun.cloudflare.com:3478",
	"stun:stun.l.google.com:19302",
}

// DefaultConfigDir is the system-wide config directory for nightjar.
const DefaultConfigDir = "/etc/nightjar"

// secretsFileName is the name of the secrets file within the config directory.
const secretsFileName = "secrets.toml"

// Config is the top-level configuration for a nightjar node. It is
// persisted as a TOML file pair at DefaultConfigPath() /
// DefaultSecretsPath(): config.toml (world-readable) and secrets.toml
// (workspace keys and TURN secret, restricted permissions).
type Config struct {
	Node       NodeConfig               `toml:"node"`
	Relay      RelayConfig              `toml:"relay"`
	STUN       STUNConfig               `toml:"stun"`
	Workspaces map[string]WorkspaceEntry `toml:"workspaces,omitempty"`
}

// NodeConfig identifies this node to peers it connects to.
type NodeConfig struct {
	// Name is a human-readable display name advertised to peers
	// (protocol.PeerInfo.DisplayName).
	Name string `toml:"name"`

	// Color is a UI accent hint advertised alongside Name.
	Color string `toml:"color,omitempty"`
}

// RelayConfig holds the default rendezvous server used when a workspace
// entry doesn't specify its own.
type RelayConfig struct {
	// ServerURL is the default relay (rendezvous) server's WSS URL.
	ServerURL string `toml:"server_url,omitempty"`

	// TURNSecret is the shared secret used to derive time-limited TURN
	// credentials for the direct transport's ICE fallback.
	TURNSecret string `toml:"turn_secret,omitempty"`

	// TURNServerURL is the TURN server's URI (e.g. "turn:turn.example.dev:3478").
	// Only meaningful when TURNSecret is also set.
	TURNServerURL string `toml:"turn_server_url,omitempty"`
}

// STUNConfig lists the STUN servers used for ICE NAT traversal by the
// direct transport.
type STUNConfig struct {
	// Servers is a list of STUN server URIs (e.g. "stun:stun.cloudflare.com:3478").
	Servers []string `toml:"servers"`
}

// WorkspaceEntry is a joined workspace's rejoin-on-startup state: its
// symmetric key and, if it differs from the node default, its relay.
type WorkspaceEntry struct {
	// Name is a human-readable label for this workspace.
	Name string `toml:"name"`

	// Key is the workspace's symmetric key, used by pkg/meshcrypto to
	// encrypt/decrypt sync payloads.
	Key overlay.WorkspaceKey `toml:"key"`

	// RelayURL overrides RelayConfig.ServerURL for this workspace, if set.
	RelayURL string `toml:"relay_url,omitempty"`
}

// configFile is the TOML representation for config.toml (world-readable, no secrets).
type configFile struct {
	Node  NodeConfig `toml:"node"`
	Relay struct {
		ServerURL     string `toml:"server_url,omitempty"`
		TURNServerURL string `toml:"turn_server_url,omitempty"`
	} `toml:"relay"`
	STUN       STUNConfig                     `toml:"stun"`
	Workspaces map[string]workspaceConfigFile `toml:"workspaces,omitempty"`
}

type workspaceConfigFile struct {
	Name     string `toml:"name"`
	RelayURL string `toml:"relay_url,omitempty"`
}

// secretsFile is the TOML representation for secrets.toml (0660, root + invoking user).
type secretsFile struct {
	Relay struct {
		TURNSecret string `toml:"turn_secret,omitempty"`
	} `toml:"relay"`
	Workspaces map[string]workspaceSecretsFile `toml:"workspaces,omitempty"`
}

type workspaceSecretsFile struct {
	Key overlay.WorkspaceKey `toml:"key"`
}

// toConfigFile extracts the non-secret fields from a Config for config.toml.
func toConfigFile(cfg *Config) *configFile {
	out := &configFile{
		Node: cfg.Node,
		STUN: cfg.STUN,
	}
	out.Relay.ServerURL = cfg.Relay.ServerURL
	out.Relay.TURNServerURL = cfg.Relay.TURNServerURL
	if len(cfg.Workspaces) > 0 {
		out.Workspaces = make(map[string]workspaceConfigFile, len(cfg.Workspaces))
		for id, ws := range cfg.Workspaces {
			out.Workspaces[id] = workspaceConfigFile{Name: ws.Name, RelayURL: ws.RelayURL}
		}
	}
	return out
}

// toSecretsFile extracts the secret fields from a Config for secrets.toml.
func toSecretsFile(cfg *Config) *secretsFile {
	out := &secretsFile{}
	out.Relay.TURNSecret = cfg.Relay.TURNSecret
	if len(cfg.Workspaces) > 0 {
		out.Workspaces = make(map[string]workspaceSecretsFile, len(cfg.Workspaces))
		for id, ws := range cfg.Workspaces {
			out.Workspaces[id] = workspaceSecretsFile{Key: ws.Key}
		}
	}
	return out
}

// mergeSecrets overlays secret fields from a secretsFile onto a Config.
// Config.Workspaces is already populated (by the public-config load) with
// Name/RelayURL; this fills in each entry's Key.
func mergeSecrets(cfg *Config, s *secretsFile) {
	cfg.Relay.TURNSecret = s.Relay.TURNSecret
	for id, sec := range s.Workspaces {
		ws, ok := cfg.Workspaces[id]
		if !ok {
			continue
		}
		ws.Key = sec.Key
		cfg.Workspaces[id] = ws
	}
}

// mergePublic reconstructs Config.Workspaces from the public config file,
// leaving Key at its zero value until mergeSecrets fills it in.
func mergePublic(cfg *Config, f *configFile) {
	cfg.Node = f.Node
	cfg.Relay.ServerURL = f.Relay.ServerURL
	cfg.Relay.TURNServerURL = f.Relay.TURNServerURL
	cfg.STUN = f.STUN
	if len(f.Workspaces) > 0 {
		cfg.Workspaces = make(map[string]WorkspaceEntry, len(f.Workspaces))
		for id, ws := range f.Workspaces {
			cfg.Workspaces[id] = WorkspaceEntry{Name: ws.Name, RelayURL: ws.RelayURL}
		}
	}
}

// DefaultConfig returns a Config populated with sensible defaults. Node
// name, relay server URL, and workspace entries are left empty and must
// be filled in by the user or by a join/invite command.
func DefaultConfig() *Config {
	return &Config{
		STUN: STUNConfig{
			Servers: append([]string(nil), DefaultSTUNServers...),
		},
	}
}

// DefaultConfigPath returns the default path for the nightjar config file.
func DefaultConfigPath() (string, error) {
	return filepath.Join(DefaultConfigDir, "config.toml"), nil
}

// DefaultSecretsPath returns the default path for the nightjar secrets file.
func DefaultSecretsPath() string {
	return filepath.Join(DefaultConfigDir, secretsFileName)
}

// SecretsPathFromConfig derives the secrets.toml path from a config.toml path.
// It replaces the filename, keeping secrets.toml alongside config.toml.
func SecretsPathFromConfig(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), secretsFileName)
}

// LoadConfig reads config.toml and secrets.toml from the config directory,
// merging them into a single Config. If config.toml does not exist, it
// returns an error wrapping fs.ErrNotExist. If secrets.toml does not
// exist, workspace keys and the TURN secret are left at their zero values.
//
// For commands that explicitly do not need secrets (and should work
// without root), use LoadPublicConfig instead.
func LoadConfig(path string) (*Config, error) {
	cfg, err := LoadPublicConfig(path)
	if err != nil {
		return nil, err
	}

	secretsPath := SecretsPathFromConfig(path)
	var sec secretsFile
	if _, err := toml.DecodeFile(secretsPath, &sec); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading secrets file %s: %w", secretsPath, err)
		}
		// secrets.toml missing — leave secret fields at zero values.
	} else {
		mergeSecrets(cfg, &sec)
	}

	return cfg, nil
}

// LoadPublicConfig reads only config.toml (the world-readable, non-secret
// portion of the configuration). Use this for commands that do not need
// workspace keys and should work without root (e.g. "nightjar-node status").
func LoadPublicConfig(path string) (*Config, error) {
	var f configFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	cfg := DefaultConfig()
	mergePublic(cfg, &f)
	applyDefaults(cfg)
	return cfg, nil
}

// SaveConfig writes both config.toml and secrets.toml to the directory
// containing path. Parent directories are created with mode 0755 if they
// don't exist.
//
// When running via sudo, both files are chowned to root:<invoking-user-gid>
// so the invoking user can read and write them without sudo:
//   - config.toml:  0664 (world-readable, group-writable — no secrets)
//   - secrets.toml: 0660 (group-readable + group-writable — contains secrets)
func SaveConfig(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}
	if err := os.Chmod(dir, 0755); err != nil {
		return fmt.Errorf("setting directory permissions on %s: %w", dir, err)
	}

	if err := writeFile(path, 0664, toConfigFile(cfg)); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	applyUserOwnership(path)

	secretsPath := SecretsPathFromConfig(path)
	if err := writeFile(secretsPath, 0660, toSecretsFile(cfg)); err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}
	applyUserOwnership(secretsPath)

	return nil
}

// SaveSecrets writes only the secrets.toml file for the given config path.
// Use this when only secret fields have changed (e.g. a newly joined
// workspace's key) and re-writing config.toml is unnecessary.
func SaveSecrets(configPath string, cfg *Config) error {
	secretsPath := SecretsPathFromConfig(configPath)
	if err := writeFile(secretsPath, 0660, toSecretsFile(cfg)); err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}
	applyUserOwnership(secretsPath)
	return nil
}

// applyUserOwnership sets group ownership on a config file so the user who
// ran sudo can read and write it without elevation. When running as root via
// sudo, the SUDO_GID environment variable identifies the invoking user's
// primary group. The file is chowned to root:<sudo-gid>.
//
// Best-effort: errors are silently ignored because the file is already
// written successfully and root can always access it.
func applyUserOwnership(path string) {
	if os.Getuid() != 0 {
		return
	}
	gidStr := os.Getenv("SUDO_GID")
	if gidStr == "" {
		return
	}
	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return
	}
	_ = os.Chown(path, 0, gid)
}

// writeFile encodes v as TOML and writes it to path with the given file mode.
func writeFile(path string, mode os.FileMode, v interface{}) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("encoding TOML: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), mode); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	// Ensure permissions are correct even if the file already existed
	// with different permissions (WriteFile only sets mode on creation).
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("setting permissions on %s: %w", path, err)
	}
	return nil
}

// ParseTOML decodes a public TOML config from a string, for a config that
// arrives inline rather than as a file path.
func ParseTOML(s string) (*Config, error) {
	var f configFile
	if _, err := toml.Decode(s, &f); err != nil {
		return nil, fmt.Errorf("decoding TOML config: %w", err)
	}
	cfg := DefaultConfig()
	mergePublic(cfg, &f)
	applyDefaults(cfg)
	return cfg, nil
}

// FixPermissions ensures the config directory and files have the correct
// permissions for the split config model. Call this from commands that
// run as root.
func FixPermissions(configPath string) error {
	dir := filepath.Dir(configPath)
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		if err := os.Chmod(dir, 0755); err != nil {
			return fmt.Errorf("setting directory permissions on %s: %w", dir, err)
		}
	}
	if _, err := os.Stat(configPath); err == nil {
		_ = os.Chmod(configPath, 0664)
		applyUserOwnership(configPath)
	}
	secretsPath := SecretsPathFromConfig(configPath)
	if _, err := os.Stat(secretsPath); err == nil {
		_ = os.Chmod(secretsPath, 0660)
		applyUserOwnership(secretsPath)
	}
	return nil
}

// applyDefaults fills in default values for optional fields that are
// zero-valued after TOML decoding.
func applyDefaults(cfg *Config) {
	if len(cfg.STUN.Servers) == 0 {
		cfg.STUN.Servers = append([]string(nil), DefaultSTUNServers...)
	}
}
