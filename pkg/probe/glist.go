package probe

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// glist output shapes across the proxy family. BungeeCord prints one
// "[name] (n): players" line per backend followed by a total line;
// Velocity's "glist all" prints the same per-backend lines with a
// "Total players online: n" footer.
var (
	glistServerPattern   = regexp.MustCompile(`\[(\S+)\] \((\d+)\): ?(.*)`)
	glistTotalPattern    = regexp.MustCompile(`(?i)total players online:? (\d+)`)
	glistThereArePattern = regexp.MustCompile(`(?i)there are (\d+)`)
)

// PlayerCount returns the global player count seen by the proxy.
func (p *Prober) PlayerCount(proxyID string) (int, error) {
	reply, err := p.glist(proxyID)
	if err != nil {
		return 0, err
	}
	return parsePlayerCount(reply)
}

// PlayerList returns the per-backend player name lists seen by the
// proxy.
func (p *Prober) PlayerList(proxyID string) (map[string][]string, error) {
	reply, err := p.glist(proxyID)
	if err != nil {
		return nil, err
	}
	return parsePlayerList(reply), nil
}

func (p *Prober) glist(proxyID string) (string, error) {
	inst, err := p.registry.Get(proxyID)
	if err != nil {
		return "", err
	}
	return p.rcon.ExecInstance(inst, "glist all")
}

func parsePlayerCount(reply string) (int, error) {
	if m := glistTotalPattern.FindStringSubmatch(reply); m != nil {
		return strconv.Atoi(m[1])
	}
	if m := glistThereArePattern.FindStringSubmatch(reply); m != nil {
		return strconv.Atoi(m[1])
	}

	// No footer; sum the per-backend counts instead.
	total := 0
	matched := false
	for _, m := range glistServerPattern.FindAllStringSubmatch(reply, -1) {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		matched = true
		total += n
	}
	if !matched {
		return 0, fmt.Errorf("unrecognized glist reply %q", reply)
	}
	return total, nil
}

func parsePlayerList(reply string) map[string][]string {
	out := make(map[string][]string)
	for _, m := range glistServerPattern.FindAllStringSubmatch(reply, -1) {
		var players []string
		for _, name := range strings.Split(m[3], ",") {
			if name = strings.TrimSpace(name); name != "" {
				players = append(players, name)
			}
		}
		out[m[1]] = players
	}
	return out
}
