package notifier

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cubeforge/minefleet/pkg/types"
)

// discordStyle maps each event kind to its embed title and color.
var discordStyle = map[types.WebhookEvent]struct {
	title string
	color int
}{
	types.EventStart:          {"🟢 Server Started", 0x57F287},
	types.EventStop:           {"⚫ Server Stopped", 0x95A5A6},
	types.EventCrash:          {"🔴 Server Crashed", 0xED4245},
	types.EventPlayerJoin:     {"➡️ Player Joined", 0x3498DB},
	types.EventPlayerLeave:    {"⬅️ Player Left", 0xE67E22},
	types.EventBackupComplete: {"💾 Backup Complete", 0x2ECC71},
	types.EventBackupFailed:   {"⚠️ Backup Failed", 0xE74C3C},
}

// buildPayload renders the outbound body for a dialect.
func buildPayload(dialect types.WebhookDialect, kind types.WebhookEvent, name string, instKind types.Kind, data map[string]any) ([]byte, string, error) {
	switch dialect {
	case types.DialectDiscord:
		body, err := buildDiscordEmbed(kind, name, instKind, data)
		return body, "application/json", err
	case types.DialectGeneric:
		body, err := json.Marshal(map[string]any{
			"event": kind,
			"server": map[string]any{
				"name": name,
				"kind": instKind,
			},
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"data":      data,
		})
		return body, "application/json", err
	default:
		return nil, "", fmt.Errorf("dialect %q: %w", dialect, types.ErrInvalidArgument)
	}
}

func buildDiscordEmbed(kind types.WebhookEvent, name string, instKind types.Kind, data map[string]any) ([]byte, error) {
	style, ok := discordStyle[kind]
	if !ok {
		return nil, fmt.Errorf("event %q: %w", kind, types.ErrInvalidArgument)
	}

	fields := []map[string]any{
		{"name": "Server", "value": name, "inline": true},
		{"name": "Type", "value": string(instKind), "inline": true},
	}
	if player, ok := data["player"]; ok {
		fields = append(fields, map[string]any{"name": "Player", "value": player, "inline": true})
	}
	if code, ok := data["exitCode"]; ok {
		fields = append(fields, map[string]any{"name": "Exit Code", "value": fmt.Sprint(code), "inline": true})
	}
	if errMsg, ok := data["error"]; ok {
		fields = append(fields, map[string]any{"name": "Error", "value": errMsg, "inline": false})
	}

	return json.Marshal(map[string]any{
		"embeds": []map[string]any{{
			"title":     style.title,
			"color":     style.color,
			"fields":    fields,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}},
	})
}
