package types

import (
	"time"
)

// Kind is the flavor of server software an instance runs
type Kind string

const (
	KindVanilla    Kind = "vanilla"
	KindPaper      Kind = "paper"
	KindSpigot     Kind = "spigot"
	KindFabric     Kind = "fabric"
	KindForge      Kind = "forge"
	KindBungeecord Kind = "bungeecord"
	KindWaterfall  Kind = "waterfall"
	KindVelocity   Kind = "velocity"
)

// IsProxy reports whether the kind is a proxy frontend rather than a
// game server.
func (k Kind) IsProxy() bool {
	switch k {
	case KindBungeecord, KindWaterfall, KindVelocity:
		return true
	}
	return false
}

// IsBungeeFamily reports whether the kind uses the BungeeCord config.yml
// format (BungeeCord itself and its Waterfall fork).
func (k Kind) IsBungeeFamily() bool {
	return k == KindBungeecord || k == KindWaterfall
}

// Valid reports whether the kind names a supported server flavor.
func (k Kind) Valid() bool {
	switch k {
	case KindVanilla, KindPaper, KindSpigot, KindFabric, KindForge,
		KindBungeecord, KindWaterfall, KindVelocity:
		return true
	}
	return false
}

// JarName returns the expected jar filename inside an instance workspace.
func (k Kind) JarName() string {
	switch k {
	case KindVelocity:
		return "velocity.jar"
	case KindBungeecord:
		return "bungeecord.jar"
	case KindWaterfall:
		return "waterfall.jar"
	}
	return "server.jar"
}

// Status represents the observed lifecycle state of an instance
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusCrashed  Status = "crashed"
)

// Role of an authenticated principal
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Principal identifies the caller of an access-checked operation
type Principal struct {
	ID   string
	Role Role
}

// Instance is a managed game-server or proxy-server row in the registry
type Instance struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Kind         Kind       `json:"kind"`
	Version      string     `json:"version"`
	Host         string     `json:"host"`
	Port         uint16     `json:"port"`
	RconPort     uint16     `json:"rconPort"`
	RconPassword string     `json:"rconPassword"`
	Memory       string     `json:"memory"`
	Workspace    string     `json:"workspace"`
	OwnerID      string     `json:"ownerId,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastStarted  *time.Time `json:"lastStarted,omitempty"`
	Status       Status     `json:"status"`
}

// InstanceSpec carries the caller-supplied fields for provisioning a
// new instance. Kind and Version become immutable after creation.
type InstanceSpec struct {
	Name         string `json:"name"`
	Kind         Kind   `json:"kind"`
	Version      string `json:"version"`
	Host         string `json:"host,omitempty"`
	Port         uint16 `json:"port"`
	RconPort     uint16 `json:"rconPort"`
	RconPassword string `json:"rconPassword"`
	Memory       string `json:"memory"`
}

// InstancePatch holds the mutable subset of instance fields. Nil fields
// are left unchanged.
type InstancePatch struct {
	Name         *string `json:"name,omitempty"`
	Host         *string `json:"host,omitempty"`
	Memory       *string `json:"memory,omitempty"`
	RconPassword *string `json:"rconPassword,omitempty"`
}

// BackendEdge is a logical reference inside a proxy's config to another
// server reachable at host:port. Edges are reconstructed from the proxy
// config on disk on every query and are never cached across mutations.
type BackendEdge struct {
	Name       string `json:"name"`
	Address    string `json:"address"`
	MOTD       string `json:"motd,omitempty"`
	Restricted bool   `json:"restricted"`
	Default    bool   `json:"default"`
}

// BackendStatus is the probed liveness of a single backend edge
type BackendStatus struct {
	Name      string        `json:"name"`
	Address   string        `json:"address"`
	Online    bool          `json:"online"`
	Latency   time.Duration `json:"latency"`
	CheckedAt time.Time     `json:"checkedAt"`
}

// TaskKind is the action a scheduled task performs when it fires
type TaskKind string

const (
	TaskBackup  TaskKind = "backup"
	TaskRestart TaskKind = "restart"
	TaskCommand TaskKind = "command"
	TaskStart   TaskKind = "start"
	TaskStop    TaskKind = "stop"
)

// Valid reports whether the task kind is supported.
func (t TaskKind) Valid() bool {
	switch t {
	case TaskBackup, TaskRestart, TaskCommand, TaskStart, TaskStop:
		return true
	}
	return false
}

// ScheduledTask is a persisted cron-driven maintenance task
type ScheduledTask struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Kind      TaskKind   `json:"kind"`
	TargetID  string     `json:"targetId"`
	Cron      string     `json:"cron"`
	Command   string     `json:"command,omitempty"`
	Enabled   bool       `json:"enabled"`
	CreatedAt time.Time  `json:"createdAt"`
	LastRun   *time.Time `json:"lastRun,omitempty"`
}

// Execution records one completed (or failed) task run. Executions live
// in an in-memory ring and are not persisted.
type Execution struct {
	ID        string        `json:"id"`
	TaskID    string        `json:"taskId"`
	TaskName  string        `json:"taskName"`
	Kind      TaskKind      `json:"kind"`
	TargetID  string        `json:"targetId"`
	StartedAt time.Time     `json:"startedAt"`
	EndedAt   time.Time     `json:"endedAt"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Result    string        `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// WebhookEvent names an event kind a webhook subscription can select
type WebhookEvent string

const (
	EventCrash          WebhookEvent = "crash"
	EventStart          WebhookEvent = "start"
	EventStop           WebhookEvent = "stop"
	EventPlayerJoin     WebhookEvent = "player_join"
	EventPlayerLeave    WebhookEvent = "player_leave"
	EventBackupComplete WebhookEvent = "backup_complete"
	EventBackupFailed   WebhookEvent = "backup_failed"
)

// WebhookDialect selects the outbound payload format
type WebhookDialect string

const (
	DialectDiscord WebhookDialect = "discord"
	DialectGeneric WebhookDialect = "generic"
)

// WebhookSubscription is a persisted outbound notification target
type WebhookSubscription struct {
	ID        string         `json:"id"`
	TargetID  string         `json:"targetId"`
	URL       string         `json:"url"`
	Dialect   WebhookDialect `json:"dialect"`
	Events    []WebhookEvent `json:"events"`
	Enabled   bool           `json:"enabled"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Wants reports whether the subscription selects the given event kind.
func (w *WebhookSubscription) Wants(ev WebhookEvent) bool {
	for _, e := range w.Events {
		if e == ev {
			return true
		}
	}
	return false
}

// BackupRecord describes one archived workspace snapshot
type BackupRecord struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instanceId"`
	Path       string    `json:"path"`
	SizeBytes  int64     `json:"sizeBytes"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ProcessStats is a single per-PID resource sample
type ProcessStats struct {
	PID        int32   `json:"pid"`
	CPUPercent float64 `json:"cpuPercent"`
	Cores      int     `json:"cores"`
	RSSBytes   uint64  `json:"rssBytes"`
	RSSPercent float64 `json:"rssPercent"`
}

// SystemStats is an on-demand snapshot of host-wide resource usage
type SystemStats struct {
	CPUPercent  float64     `json:"cpuPercent"`
	MemTotal    uint64      `json:"memTotal"`
	MemUsed     uint64      `json:"memUsed"`
	MemFree     uint64      `json:"memFree"`
	Disks       []DiskStats `json:"disks"`
	CollectedAt time.Time   `json:"collectedAt"`
}

// DiskStats is per-mount disk usage
type DiskStats struct {
	Mount       string  `json:"mount"`
	TotalBytes  uint64  `json:"totalBytes"`
	UsedBytes   uint64  `json:"usedBytes"`
	FreeBytes   uint64  `json:"freeBytes"`
	UsedPercent float64 `json:"usedPercent"`
}
