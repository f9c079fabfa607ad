package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cubeforge/minefleet/pkg/configgen"
	"github.com/cubeforge/minefleet/pkg/log"
	"github.com/cubeforge/minefleet/pkg/types"
)

// CatalogFile is the instance catalog filename under the data root
const CatalogFile = "servers.json"

// WorkspacesDir is the directory under the servers root that holds one
// workspace per instance.
const WorkspacesDir = "minecraft_servers"

// DefaultHost is the bind host applied when a spec or legacy row omits one
const DefaultHost = "0.0.0.0"

// Store is the authoritative catalog of managed instances
type Store struct {
	mu          sync.Mutex
	dataDir     string
	serversRoot string
	instances   map[string]*types.Instance
}

// catalogFileFormat is the persisted shape of servers.json
type catalogFileFormat struct {
	Servers []*types.Instance `json:"servers"`
}

// Open loads (or initializes) the catalog under dataDir. Workspaces are
// allocated under serversRoot. A corrupted catalog is a hard error: the
// caller is expected to refuse startup rather than run against a
// truncated fleet.
func Open(dataDir, serversRoot string) (*Store, error) {
	s := &Store{
		dataDir:     dataDir,
		serversRoot: serversRoot,
		instances:   make(map[string]*types.Instance),
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(serversRoot, WorkspacesDir), 0755); err != nil {
		return nil, fmt.Errorf("create servers root: %w", err)
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) catalogPath() string {
	return filepath.Join(s.dataDir, CatalogFile)
}

// load reads servers.json, normalizes statuses to stopped, and applies
// one-shot migrations.
func (s *Store) load() error {
	data, err := os.ReadFile(s.catalogPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read catalog: %w", err)
	}

	var file catalogFileFormat
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("catalog %s is corrupted: %w", s.catalogPath(), err)
	}

	for _, inst := range file.Servers {
		// Status is derived: no process survives a control-plane restart.
		inst.Status = types.StatusStopped
		if inst.Host == "" {
			inst.Host = DefaultHost
		}
		s.instances[inst.ID] = inst
	}

	logger := log.WithComponent("registry")
	logger.Info().
		Int("instances", len(s.instances)).
		Msg("catalog loaded")
	return nil
}

// save writes the whole catalog atomically. Callers hold s.mu.
func (s *Store) save() error {
	file := catalogFileFormat{Servers: s.sorted()}
	data, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal catalog: %w", err)
	}

	tmp := s.catalogPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write catalog: %w", err)
	}
	if err := os.Rename(tmp, s.catalogPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace catalog: %w", err)
	}
	return nil
}

func (s *Store) sorted() []*types.Instance {
	out := make([]*types.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// validatePort rejects privileged and out-of-range ports. The upper
// bound is enforced by uint16 at the type level.
func validatePort(port uint16) error {
	if port < 1024 {
		return fmt.Errorf("port %d below 1024: %w", port, types.ErrInvalidArgument)
	}
	return nil
}

// Create provisions a new instance: allocates an identifier and a
// workspace directory, writes the kind-specific configuration, and
// persists the row. Port collisions with any declared row fail with
// ErrConflict.
func (s *Store) Create(spec types.InstanceSpec, ownerID string) (*types.Instance, error) {
	if !spec.Kind.Valid() {
		return nil, fmt.Errorf("kind %q: %w", spec.Kind, types.ErrInvalidArgument)
	}
	if spec.Name == "" {
		return nil, fmt.Errorf("name required: %w", types.ErrInvalidArgument)
	}
	if err := validatePort(spec.Port); err != nil {
		return nil, err
	}
	if err := validatePort(spec.RconPort); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, other := range s.instances {
		if other.Name == spec.Name {
			return nil, fmt.Errorf("name %q already exists: %w", spec.Name, types.ErrConflict)
		}
		if other.Port == spec.Port || other.RconPort == spec.Port ||
			other.Port == spec.RconPort || other.RconPort == spec.RconPort {
			return nil, fmt.Errorf("port conflict with instance %s: %w", other.ID, types.ErrConflict)
		}
	}

	host := spec.Host
	if host == "" {
		host = DefaultHost
	}

	inst := &types.Instance{
		ID:           uuid.New().String(),
		Name:         spec.Name,
		Kind:         spec.Kind,
		Version:      spec.Version,
		Host:         host,
		Port:         spec.Port,
		RconPort:     spec.RconPort,
		RconPassword: spec.RconPassword,
		Memory:       spec.Memory,
		OwnerID:      ownerID,
		CreatedAt:    time.Now().UTC(),
		Status:       types.StatusStopped,
	}
	inst.Workspace = filepath.Join(s.serversRoot, WorkspacesDir, inst.ID)

	if err := os.MkdirAll(inst.Workspace, 0755); err != nil {
		return nil, fmt.Errorf("allocate workspace: %w", err)
	}
	if err := configgen.WriteInitialConfig(inst); err != nil {
		os.RemoveAll(inst.Workspace)
		return nil, fmt.Errorf("write initial config: %w", err)
	}

	s.instances[inst.ID] = inst
	if err := s.save(); err != nil {
		delete(s.instances, inst.ID)
		os.RemoveAll(inst.Workspace)
		return nil, err
	}

	return copyInstance(inst), nil
}

// Get returns the instance by id.
func (s *Store) Get(id string) (*types.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", id, types.ErrNotFound)
	}
	return copyInstance(inst), nil
}

// Exists reports whether an instance id is present in the catalog.
func (s *Store) Exists(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.instances[id]
	return ok
}

// GetByPort returns the instance whose declared game port matches.
func (s *Store) GetByPort(port uint16) (*types.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, inst := range s.instances {
		if inst.Port == port {
			return copyInstance(inst), nil
		}
	}
	return nil, fmt.Errorf("instance with port %d: %w", port, types.ErrNotFound)
}

// List returns instances visible to the principal: admins see all, other
// principals only rows they own.
func (s *Store) List(principal types.Principal) []*types.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*types.Instance, 0, len(s.instances))
	for _, inst := range s.sorted() {
		if principal.Role == types.RoleAdmin || inst.OwnerID == principal.ID {
			out = append(out, copyInstance(inst))
		}
	}
	return out
}

// CanAccess reports whether the principal may operate on the instance.
func (s *Store) CanAccess(id string, principal types.Principal) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return false
	}
	return principal.Role == types.RoleAdmin || inst.OwnerID == principal.ID
}

// Update applies the mutable field subset. Kind and version are
// immutable after creation and deliberately absent from the patch type.
func (s *Store) Update(id string, patch types.InstancePatch) (*types.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", id, types.ErrNotFound)
	}

	prev := *inst
	if patch.Name != nil {
		for _, other := range s.instances {
			if other.ID != id && other.Name == *patch.Name {
				return nil, fmt.Errorf("name %q already exists: %w", *patch.Name, types.ErrConflict)
			}
		}
		inst.Name = *patch.Name
	}
	if patch.Host != nil {
		inst.Host = *patch.Host
	}
	if patch.Memory != nil {
		inst.Memory = *patch.Memory
	}
	if patch.RconPassword != nil {
		inst.RconPassword = *patch.RconPassword
	}

	if err := s.save(); err != nil {
		*inst = prev
		return nil, err
	}
	return copyInstance(inst), nil
}

// SetStatus records an observed lifecycle transition and persists it.
func (s *Store) SetStatus(id string, status types.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("instance %s: %w", id, types.ErrNotFound)
	}

	prev := *inst
	inst.Status = status
	if status == types.StatusRunning {
		now := time.Now().UTC()
		inst.LastStarted = &now
	}

	if err := s.save(); err != nil {
		*inst = prev
		return err
	}
	return nil
}

// Delete removes a stopped instance and its workspace. Running rows are
// rejected; the supervisor owns the stop-then-delete composite.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("instance %s: %w", id, types.ErrNotFound)
	}
	if inst.Status != types.StatusStopped && inst.Status != types.StatusCrashed {
		return fmt.Errorf("instance %s is %s: %w", id, inst.Status, types.ErrConflict)
	}

	if err := os.RemoveAll(inst.Workspace); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}

	delete(s.instances, id)
	if err := s.save(); err != nil {
		s.instances[id] = inst
		return err
	}
	return nil
}

// Save forces a catalog write. Used by shutdown paths that batch status
// flips through SetStatus already; kept for symmetry with the contract.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

func copyInstance(inst *types.Instance) *types.Instance {
	c := *inst
	if inst.LastStarted != nil {
		t := *inst.LastStarted
		c.LastStarted = &t
	}
	return &c
}
