package configgen

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/magiconair/properties"

	"github.com/cubeforge/minefleet/pkg/types"
)

// ServerPropertiesFile is the game server config filename
const ServerPropertiesFile = "server.properties"

// WriteServerProperties writes a fresh server.properties for a game
// instance. Existing content is overwritten, never merged.
func WriteServerProperties(dir string, inst *types.Instance) error {
	p := properties.NewProperties()
	p.DisableExpansion = true

	set := func(key, value string) {
		// Set only fails on circular expansion, which is disabled.
		_, _, _ = p.Set(key, value)
	}

	set("server-ip", inst.Host)
	set("server-port", fmt.Sprintf("%d", inst.Port))
	set("rcon.port", fmt.Sprintf("%d", inst.RconPort))
	set("rcon.password", inst.RconPassword)
	set("enable-rcon", "true")
	set("online-mode", "true")
	set("motd", inst.Name)
	set("difficulty", "normal")
	set("gamemode", "survival")
	set("view-distance", "10")
	set("max-players", "20")
	set("spawn-protection", "16")
	set("level-name", "world")
	set("pvp", "true")
	set("white-list", "false")
	set("enable-command-block", "false")

	return writeProperties(filepath.Join(dir, ServerPropertiesFile), p)
}

// SetServerProperty patches a single key in an existing server.properties,
// preserving all other keys and their comments. The file is created if
// it does not exist.
func SetServerProperty(dir, key, value string) error {
	path := filepath.Join(dir, ServerPropertiesFile)

	p, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", path, err)
		}
		p = properties.NewProperties()
	}
	p.DisableExpansion = true

	if _, _, err := p.Set(key, value); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}

	return writeProperties(path, p)
}

// GetServerProperty reads a single key from server.properties.
func GetServerProperty(dir, key string) (string, error) {
	p, err := properties.LoadFile(filepath.Join(dir, ServerPropertiesFile), properties.UTF8)
	if err != nil {
		return "", fmt.Errorf("load server.properties: %w", err)
	}
	v, ok := p.Get(key)
	if !ok {
		return "", fmt.Errorf("property %s: %w", key, types.ErrNotFound)
	}
	return v, nil
}

func writeProperties(path string, p *properties.Properties) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := p.WriteComment(f, "# ", properties.UTF8); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// WriteEULA writes the Mojang EULA acceptance file. Game servers refuse
// to boot without it; proxies never read it.
func WriteEULA(dir string) error {
	return os.WriteFile(filepath.Join(dir, "eula.txt"), []byte("eula=true\n"), 0644)
}
