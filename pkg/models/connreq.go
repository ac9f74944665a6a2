package models

import (
	"time"

	"gorm.io/datatypes"
)

// ConnReqState is the per-device connection-request state.
type ConnReqState string

const (
	ConnReqSession ConnReqState = "SESSION"
	ConnReqSending ConnReqState = "SENDING"
	ConnReqSent    ConnReqState = "SENT"
	ConnReqLocked  ConnReqState = "LOCKED"
	ConnReqFailed  ConnReqState = "FAILED"
)

// ConnReqRequest asks for a device to be woken up.
type ConnReqRequest struct {
	OrgID         string `json:"orgId" binding:"required"`
	DeviceKey     string `json:"deviceId" binding:"required"`
	URL           string `json:"wakeEndpoint" binding:"required"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	Proxy         string `json:"proxyOverride,omitempty"`
	CorrelationID string `json:"internalCorrelationId,omitempty"`
}

// ConnReqReply is the immediate answer to a ConnReqRequest.
type ConnReqReply struct {
	State              ConnReqState  `json:"state"`
	Error              string        `json:"error,omitempty"`
	ActiveSessionOwner string        `json:"activeSessionOwner,omitempty"`
	LockedBy           OperationType `json:"lockedBy,omitempty"`
	LockedByID         string        `json:"lockedByCorrelationId,omitempty"`
}

// ConnReqInfo represents the conn_req_states table. Rows expire at ExpiresAt.
type ConnReqInfo struct {
	DeviceKey string                               `gorm:"primaryKey" json:"device_key"`
	State     ConnReqState                         `gorm:"not null" json:"state"`
	Owner     string                               `json:"owner,omitempty"`
	Error     string                               `json:"error,omitempty"`
	Operation datatypes.JSONType[*OperationRecord] `json:"operation,omitempty"`
	ExpiresAt time.Time                            `gorm:"not null;index" json:"expires_at"`
	UpdatedAt time.Time                            `json:"updated_at"`
}

func (ConnReqInfo) TableName() string { return "conn_req_states" }

func (i *ConnReqInfo) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// LockedOperation returns the in-progress operation held by a LOCKED row.
func (i *ConnReqInfo) LockedOperation() *OperationRecord {
	if i == nil || i.State != ConnReqLocked {
		return nil
	}
	return i.Operation.Data()
}

// Reply converts stored state into the reply given to a caller that lost the claim.
func (i *ConnReqInfo) Reply() ConnReqReply {
	reply := ConnReqReply{State: i.State}
	switch i.State {
	case ConnReqSession:
		reply.ActiveSessionOwner = i.Owner
	case ConnReqLocked:
		if op := i.LockedOperation(); op != nil {
			reply.LockedBy = op.Type
			reply.LockedByID = op.CorrelationID
			reply.Error = "device is currently performing a " + string(op.Type) + " operation"
		} else {
			reply.Error = "device is locked by another operation"
		}
	case ConnReqFailed:
		reply.Error = i.Error
	}
	return reply
}

// ConnReqOutcome is published after a wake attempt completes.
type ConnReqOutcome struct {
	DeviceKey string
	State     ConnReqState
	Error     string
	Timestamp time.Time
}
