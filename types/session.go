package types

import "time"

// SessionState represents the lifecycle state of a VM session as recorded
// by the hypervisor backend.
type SessionState string

const (
	SessionStateCreated SessionState = "created" // allocated, never started
	SessionStateRunning SessionState = "running"
	SessionStatePaused  SessionState = "paused"
	SessionStateSaved   SessionState = "saved" // hibernated to disk
	SessionStateStopped SessionState = "stopped"
	SessionStateError   SessionState = "error"
)

// SessionConfig describes the machine requested by a VMCP endpoint.
type SessionConfig struct {
	Name   string `json:"name"`
	CPUs   int    `json:"cpus,omitempty"`
	Memory int64  `json:"memory,omitempty"` // bytes
	Disk   int64  `json:"disk,omitempty"`   // bytes

	Version      string `json:"version,omitempty"`
	DiskURL      string `json:"disk_url,omitempty"`
	DiskChecksum string `json:"disk_checksum,omitempty"`
	Flags        int64  `json:"flags,omitempty"`
	APIPort      int    `json:"api_port,omitempty"`
}

// SessionInfo is the record for a session, persisted by the hypervisor backend.
type SessionInfo struct {
	ID     string        `json:"id"`
	State  SessionState  `json:"state"`
	Config SessionConfig `json:"config"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	OpenedAt  *time.Time `json:"opened_at,omitempty"`
}
