package models

import (
	"time"

	"gorm.io/datatypes"
)

// SessionRecord represents the cwmp_sessions table.
// It is the durable side of a live session, keyed by cookie, used to
// rehydrate the session on another worker or after a restart.
type SessionRecord struct {
	Cookie         string    `gorm:"primaryKey" json:"cookie"`
	OrgID          string    `gorm:"not null" json:"org_id"`
	DeviceKey      string    `gorm:"not null;index" json:"device_key"`
	Owner          string    `json:"owner"`
	CwmpVersion    string    `json:"cwmp_version"`
	NextMessageID  uint64    `json:"next_message_id"`
	State          string    `json:"state"`
	Triggered      bool      `json:"triggered"`
	Continuation   bool      `json:"continuation"`
	Events         string    `json:"events"` // Inform event codes, comma separated
	CurrentOpID    string    `json:"current_op_id,omitempty"`
	OutstandingID  string    `json:"outstanding_id,omitempty"`
	OutstandingRPC string    `json:"outstanding_rpc,omitempty"`
	ExpiresAt      time.Time `gorm:"not null;index" json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (SessionRecord) TableName() string { return "cwmp_sessions" }

// SessionInfo is a point-in-time view of a live session.
type SessionInfo struct {
	DeviceKey   string    `json:"device_key"`
	Cookie      string    `json:"cookie"`
	State       string    `json:"state"`
	Triggered   bool      `json:"triggered"`
	QueuedOps   int       `json:"queued_ops"`
	CurrentOpID string    `json:"current_op_id,omitempty"`
	StartedAt   time.Time `json:"started_at"`
}

// QueueEntry represents the device_op_queue table: one operation waiting
// for its device to check in. FIFO per device by ID.
type QueueEntry struct {
	ID            int64                               `gorm:"primaryKey;autoIncrement"`
	DeviceKey     string                              `gorm:"not null;index"`
	CorrelationID string                              `gorm:"not null;index"`
	Record        datatypes.JSONType[OperationRecord] `gorm:"not null"`
	CreatedAt     time.Time
}

func (QueueEntry) TableName() string { return "device_op_queue" }

// CommLog represents the comm_logs table.
type CommLog struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	DeviceKey string    `gorm:"not null;index" json:"device_key"`
	Kind      string    `gorm:"not null" json:"kind"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

func (CommLog) TableName() string { return "comm_logs" }
