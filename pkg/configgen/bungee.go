package configgen

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/cubeforge/minefleet/pkg/types"
)

// BungeeConfigFile is the BungeeCord/Waterfall config filename
const BungeeConfigFile = "config.yml"

// BungeeConfig models the subset of config.yml the control plane owns.
// Unknown keys written by the proxy itself are not preserved across a
// full rewrite, which only happens on instance creation.
type BungeeConfig struct {
	Listeners   []BungeeListener        `yaml:"listeners"`
	Servers     map[string]BungeeServer `yaml:"servers"`
	OnlineMode  bool                    `yaml:"online_mode"`
	IPForward   bool                    `yaml:"ip_forward"`
	Permissions map[string][]string     `yaml:"permissions"`
	Groups      map[string][]string     `yaml:"groups"`
}

// BungeeListener is a single frontend listener block
type BungeeListener struct {
	Host               string   `yaml:"host"`
	MOTD               string   `yaml:"motd"`
	MaxPlayers         int      `yaml:"max_players"`
	Priorities         []string `yaml:"priorities"`
	ForceDefaultServer bool     `yaml:"force_default_server"`
	TabList            string   `yaml:"tab_list"`
	PingPassthrough    bool     `yaml:"ping_passthrough"`
	QueryEnabled       bool     `yaml:"query_enabled"`
	QueryPort          int      `yaml:"query_port"`
}

// BungeeServer is one backend entry in the servers map
type BungeeServer struct {
	Address    string `yaml:"address"`
	MOTD       string `yaml:"motd"`
	Restricted bool   `yaml:"restricted"`
}

// PlaceholderBackend is the backend name seeded into fresh proxy configs.
// Both proxy families refuse to route without at least one entry; the
// topology coordinator swaps it out when the first real backend arrives.
const PlaceholderBackend = "lobby"

// placeholderAddress points nowhere routable on purpose
const placeholderAddress = "127.0.0.1:30066"

// WriteBungeeConfig writes a fresh config.yml for a bungeecord or
// waterfall instance, seeded with a placeholder default backend.
func WriteBungeeConfig(dir string, inst *types.Instance) error {
	cfg := &BungeeConfig{
		Listeners: []BungeeListener{
			{
				Host:               fmt.Sprintf("%s:%d", inst.Host, inst.Port),
				MOTD:               inst.Name,
				MaxPlayers:         500,
				Priorities:         []string{PlaceholderBackend},
				ForceDefaultServer: false,
				TabList:            "GLOBAL_PING",
				PingPassthrough:    false,
				QueryEnabled:       false,
				QueryPort:          25577,
			},
		},
		Servers: map[string]BungeeServer{
			PlaceholderBackend: {
				Address:    placeholderAddress,
				MOTD:       "Placeholder backend",
				Restricted: false,
			},
		},
		OnlineMode: true,
		IPForward:  true,
		Permissions: map[string][]string{
			"default": {"bungeecord.command.server", "bungeecord.command.list"},
			"admin": {
				"bungeecord.command.alert",
				"bungeecord.command.end",
				"bungeecord.command.ip",
				"bungeecord.command.reload",
			},
		},
		Groups: map[string][]string{},
	}

	return SaveBungeeConfig(dir, cfg)
}

// LoadBungeeConfig reads config.yml from a proxy workspace.
func LoadBungeeConfig(dir string) (*BungeeConfig, error) {
	data, err := os.ReadFile(filepath.Join(dir, BungeeConfigFile))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", BungeeConfigFile, err)
	}
	var cfg BungeeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", BungeeConfigFile, err)
	}
	if cfg.Servers == nil {
		cfg.Servers = map[string]BungeeServer{}
	}
	return &cfg, nil
}

// SaveBungeeConfig writes config.yml back to a proxy workspace.
func SaveBungeeConfig(dir string, cfg *BungeeConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", BungeeConfigFile, err)
	}
	return os.WriteFile(filepath.Join(dir, BungeeConfigFile), data, 0644)
}

// SpigotConfigFile carries the bungee forwarding switch for backends
const SpigotConfigFile = "spigot.yml"

// WriteSpigotForwarding writes a minimal spigot.yml enabling BungeeCord
// IP forwarding on a backend game server.
func WriteSpigotForwarding(dir string) error {
	doc := map[string]any{
		"settings": map[string]any{
			"bungeecord": true,
		},
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", SpigotConfigFile, err)
	}
	return os.WriteFile(filepath.Join(dir, SpigotConfigFile), data, 0644)
}

// PaperGlobalFile carries the velocity forwarding settings for backends
const PaperGlobalFile = "config/paper-global.yml"

// WritePaperGlobal writes config/paper-global.yml with modern (velocity)
// forwarding enabled and the given shared secret.
func WritePaperGlobal(dir, secret string) error {
	doc := map[string]any{
		"proxies": map[string]any{
			"velocity": map[string]any{
				"enabled":        true,
				"online-mode":    true,
				"secret":         secret,
				"bungee-cord":    false,
				"proxy-protocol": false,
			},
		},
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", PaperGlobalFile, err)
	}
	path := filepath.Join(dir, PaperGlobalFile)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	return os.WriteFile(path, data, 0644)
}

// ReadPaperGlobalSecret reads the velocity forwarding secret out of a
// backend's config/paper-global.yml.
func ReadPaperGlobalSecret(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, PaperGlobalFile))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", PaperGlobalFile, err)
	}
	var doc struct {
		Proxies struct {
			Velocity struct {
				Secret string `yaml:"secret"`
			} `yaml:"velocity"`
		} `yaml:"proxies"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("parse %s: %w", PaperGlobalFile, err)
	}
	return doc.Proxies.Velocity.Secret, nil
}
