package notifier

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cubeforge/minefleet/pkg/types"
)

// load reads the persisted subscription table. A missing file is an
// empty table.
func (n *Notifier) load() error {
	path := filepath.Join(n.dataDir, WebhooksFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", WebhooksFile, err)
	}

	var subs []*types.WebhookSubscription
	if err := json.Unmarshal(data, &subs); err != nil {
		return fmt.Errorf("parse %s: %w", WebhooksFile, err)
	}
	for _, sub := range subs {
		n.subs[sub.ID] = sub
	}
	return nil
}

// saveLocked writes the subscription table atomically. Caller holds the
// lock.
func (n *Notifier) saveLocked() error {
	subs := make([]*types.WebhookSubscription, 0, len(n.subs))
	for _, sub := range n.subs {
		subs = append(subs, sub)
	}

	data, err := json.MarshalIndent(subs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", WebhooksFile, err)
	}

	path := filepath.Join(n.dataDir, WebhooksFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", WebhooksFile, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", WebhooksFile, err)
	}
	return nil
}
