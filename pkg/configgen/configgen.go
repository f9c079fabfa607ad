package configgen

import (
	"fmt"

	"github.com/cubeforge/minefleet/pkg/types"
)

// WriteInitialConfig generates the kind-specific configuration for a
// freshly provisioned instance workspace. Every file is overwritten.
// The EULA acceptance file is written for game kinds only; proxies
// never read it.
func WriteInitialConfig(inst *types.Instance) error {
	switch {
	case inst.Kind.IsBungeeFamily():
		return WriteBungeeConfig(inst.Workspace, inst)
	case inst.Kind == types.KindVelocity:
		return WriteVelocityConfig(inst.Workspace, inst)
	case inst.Kind.Valid():
		if err := WriteServerProperties(inst.Workspace, inst); err != nil {
			return err
		}
		return WriteEULA(inst.Workspace)
	default:
		return fmt.Errorf("kind %q: %w", inst.Kind, types.ErrInvalidArgument)
	}
}
