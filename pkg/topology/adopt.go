package topology

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cubeforge/minefleet/pkg/configgen"
	"github.com/cubeforge/minefleet/pkg/types"
)

// AdoptSpec describes a backend to provision behind a proxy
type AdoptSpec struct {
	Name    string     `json:"name"`
	Kind    types.Kind `json:"kind"`
	Version string     `json:"version"`
	Port    uint16     `json:"port"`
}

// rconPortOffset places an adopted backend's RCON port relative to its
// game port.
const rconPortOffset = 1000

// CreateAndAdopt provisions a new backend instance, fetches its jar,
// rewires it for proxied play (online-mode off, forwarding enabled),
// registers it as a backend edge, and bounces the proxy so it picks the
// edge up. For velocity proxies the real forwarding secret only exists
// after the proxy has re-initialized, so the backend's paper-global.yml
// is rewritten once the secret appears on disk.
func (c *Coordinator) CreateAndAdopt(proxyID string, spec AdoptSpec) (*types.Instance, error) {
	proxy, err := c.proxy(proxyID)
	if err != nil {
		return nil, err
	}
	if spec.Kind.IsProxy() {
		return nil, fmt.Errorf("cannot adopt a proxy as a backend: %w", types.ErrInvalidArgument)
	}
	if spec.Port < 1024 {
		return nil, fmt.Errorf("port %d below 1024: %w", spec.Port, types.ErrInvalidArgument)
	}
	rconPort := uint32(spec.Port) + rconPortOffset
	if rconPort > 65535 {
		return nil, fmt.Errorf("port %d leaves no room for rcon: %w", spec.Port, types.ErrInvalidArgument)
	}

	backend, err := c.registry.Create(types.InstanceSpec{
		Name:         spec.Name,
		Kind:         spec.Kind,
		Version:      spec.Version,
		Port:         spec.Port,
		RconPort:     uint16(rconPort),
		RconPassword: uuid.New().String(),
		Memory:       "2G",
	}, proxy.OwnerID)
	if err != nil {
		return nil, err
	}

	if err := c.downloader.Download(spec.Kind, spec.Version, backend.Workspace); err != nil {
		// Roll the row back; a half-provisioned backend helps nobody.
		_ = c.registry.Delete(backend.ID)
		return nil, fmt.Errorf("%w: %v", types.ErrDownload, err)
	}

	// Proxied backends must not authenticate players themselves.
	if err := configgen.SetServerProperty(backend.Workspace, "online-mode", "false"); err != nil {
		return nil, err
	}

	if proxy.Kind.IsBungeeFamily() {
		if err := configgen.WriteSpigotForwarding(backend.Workspace); err != nil {
			return nil, err
		}
	} else {
		if err := configgen.WritePaperGlobal(backend.Workspace, placeholderSecret); err != nil {
			return nil, err
		}
	}

	edge := types.BackendEdge{
		Name:    spec.Name,
		Address: fmt.Sprintf("%s:%d", backend.Host, backend.Port),
	}
	if err := c.AddBackend(proxyID, edge); err != nil {
		return nil, err
	}

	if c.lifecycle.IsRunning(proxyID) {
		if err := c.lifecycle.Restart(proxyID); err != nil {
			return backend, fmt.Errorf("proxy restart: %w", err)
		}
		if proxy.Kind == types.KindVelocity {
			if err := c.syncForwardingSecret(proxy, backend); err != nil {
				c.logger.Warn().Err(err).
					Str("proxy_id", proxyID).
					Str("backend_id", backend.ID).
					Msg("forwarding secret not synced")
			}
		}
	}

	return backend, nil
}

// syncForwardingSecret waits for velocity to re-initialize, copies its
// forwarding.secret into the backend's paper-global.yml, and bounces
// the backend when it is already running.
func (c *Coordinator) syncForwardingSecret(proxy, backend *types.Instance) error {
	time.Sleep(c.secretSyncDelay)

	secret, err := configgen.ReadForwardingSecret(proxy.Workspace)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return fmt.Errorf("proxy has not written %s yet: %w", configgen.ForwardingSecretFile, err)
		}
		return err
	}

	if err := configgen.WritePaperGlobal(backend.Workspace, secret); err != nil {
		return err
	}

	if c.lifecycle.IsRunning(backend.ID) {
		return c.lifecycle.Restart(backend.ID)
	}
	return nil
}
