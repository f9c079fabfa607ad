package configgen

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/cubeforge/minefleet/pkg/types"
)

// VelocityConfigFile is the Velocity proxy config filename
const VelocityConfigFile = "velocity.toml"

// ForwardingSecretFile is written by Velocity on first boot and shared
// with trusted backends.
const ForwardingSecretFile = "forwarding.secret"

// WriteVelocityConfig writes a fresh velocity.toml seeded with a
// placeholder backend and an empty try list. The coordinator fills the
// try list when the first real backend is adopted.
func WriteVelocityConfig(dir string, inst *types.Instance) error {
	doc := map[string]any{
		"config-version":                 "2.7",
		"bind":                           fmt.Sprintf("%s:%d", inst.Host, inst.Port),
		"motd":                           inst.Name,
		"show-max-players":               500,
		"online-mode":                    true,
		"force-key-authentication":       true,
		"prevent-client-proxy-connections": false,
		"player-info-forwarding-mode":    "modern",
		"forwarding-secret-file":         ForwardingSecretFile,
		"announce-forge":                 false,
		"servers": map[string]any{
			PlaceholderBackend: placeholderAddress,
			"try":              []string{},
		},
		"forced-hosts": map[string]any{},
		"advanced": map[string]any{
			"compression-threshold":                    256,
			"compression-level":                        -1,
			"login-ratelimit":                          3000,
			"connection-timeout":                       5000,
			"read-timeout":                             30000,
			"haproxy-protocol":                         false,
			"tcp-fast-open":                            false,
			"bungee-plugin-message-channel":            true,
			"show-ping-requests":                       false,
			"failover-on-unexpected-server-disconnect": true,
			"announce-proxy-commands":                  true,
			"log-command-executions":                   false,
		},
		"query": map[string]any{
			"enabled": false,
			"port":    int(inst.Port),
		},
	}

	return SaveVelocityConfig(dir, doc)
}

// LoadVelocityConfig reads velocity.toml into a generic document.
func LoadVelocityConfig(dir string) (map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(dir, VelocityConfigFile))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", VelocityConfigFile, err)
	}
	doc := map[string]any{}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", VelocityConfigFile, err)
	}
	return doc, nil
}

// SaveVelocityConfig writes the document back to velocity.toml.
func SaveVelocityConfig(dir string, doc map[string]any) error {
	data, err := toml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", VelocityConfigFile, err)
	}
	return os.WriteFile(filepath.Join(dir, VelocityConfigFile), data, 0644)
}

// VelocityServers returns the [servers] table of a velocity document,
// creating it when absent. The "try" key lives inside the same table and
// is not a server.
func VelocityServers(doc map[string]any) map[string]any {
	if servers, ok := doc["servers"].(map[string]any); ok {
		return servers
	}
	servers := map[string]any{}
	doc["servers"] = servers
	return servers
}

// VelocityServerNames lists the backend names in the [servers] table.
func VelocityServerNames(doc map[string]any) []string {
	servers := VelocityServers(doc)
	names := make([]string, 0, len(servers))
	for name := range servers {
		if name == "try" {
			continue
		}
		names = append(names, name)
	}
	return names
}

// VelocityTry returns the try list of a velocity document.
func VelocityTry(doc map[string]any) []string {
	servers := VelocityServers(doc)
	raw, ok := servers["try"].([]any)
	if !ok {
		// A fresh marshal round-trips []string unchanged.
		if tried, ok := servers["try"].([]string); ok {
			return tried
		}
		return nil
	}
	try := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			try = append(try, s)
		}
	}
	return try
}

// SetVelocityTry replaces the try list of a velocity document.
func SetVelocityTry(doc map[string]any, try []string) {
	VelocityServers(doc)["try"] = try
}

// ReadForwardingSecret returns the trimmed contents of the proxy's
// forwarding.secret, or ErrNotFound when Velocity has not written one yet.
func ReadForwardingSecret(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, ForwardingSecretFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%s: %w", ForwardingSecretFile, types.ErrNotFound)
		}
		return "", fmt.Errorf("read %s: %w", ForwardingSecretFile, err)
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", fmt.Errorf("%s is empty: %w", ForwardingSecretFile, types.ErrNotFound)
	}
	return secret, nil
}

// FixupVelocityConfig repairs velocity.toml before launch: folds the
// forwarding secret into the document when the proxy has already written
// one, and prunes try entries and forced-hosts targets that no longer
// name a server in the [servers] table. Velocity refuses to boot on a
// dangling reference.
func FixupVelocityConfig(dir string) error {
	doc, err := LoadVelocityConfig(dir)
	if err != nil {
		return err
	}

	if secret, err := ReadForwardingSecret(dir); err == nil {
		doc["forwarding-secret"] = secret
	}

	known := map[string]bool{}
	for _, name := range VelocityServerNames(doc) {
		known[name] = true
	}

	pruned := make([]string, 0)
	for _, name := range VelocityTry(doc) {
		if known[name] {
			pruned = append(pruned, name)
		}
	}
	SetVelocityTry(doc, pruned)

	if forced, ok := doc["forced-hosts"].(map[string]any); ok {
		for host, raw := range forced {
			targets, ok := raw.([]any)
			if !ok {
				continue
			}
			kept := make([]string, 0, len(targets))
			for _, t := range targets {
				if s, ok := t.(string); ok && known[s] {
					kept = append(kept, s)
				}
			}
			if len(kept) == 0 {
				delete(forced, host)
			} else {
				forced[host] = kept
			}
		}
	}

	return SaveVelocityConfig(dir, doc)
}
