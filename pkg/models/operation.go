package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// OperationType is the closed set of device operations.
type OperationType string

const (
	OpTypeGetValues     OperationType = "get-values"
	OpTypeGetAttributes OperationType = "get-attributes"
	OpTypeSetValues     OperationType = "set-values"
	OpTypeSetAttributes OperationType = "set-attributes"
	OpTypeAddObject     OperationType = "add-object"
	OpTypeDeleteObject  OperationType = "delete-object"
	OpTypeReboot        OperationType = "reboot"
	OpTypeFactoryReset  OperationType = "factory-reset"
	OpTypeDownload      OperationType = "download"
	OpTypeUpload        OperationType = "upload"
	OpTypeDiagnostics   OperationType = "diagnostics"
)

// OperationTypes lists every supported operation type.
var OperationTypes = []OperationType{
	OpTypeGetValues, OpTypeGetAttributes, OpTypeSetValues, OpTypeSetAttributes,
	OpTypeAddObject, OpTypeDeleteObject, OpTypeReboot, OpTypeFactoryReset,
	OpTypeDownload, OpTypeUpload, OpTypeDiagnostics,
}

func (t OperationType) Valid() bool {
	for _, known := range OperationTypes {
		if t == known {
			return true
		}
	}
	return false
}

// MultiSession reports whether the outcome of the operation arrives in a later session.
func (t OperationType) MultiSession() bool {
	switch t {
	case OpTypeReboot, OpTypeFactoryReset, OpTypeDownload, OpTypeUpload, OpTypeDiagnostics:
		return true
	}
	return false
}

// OperationState is the lifecycle state of an operation record.
type OperationState string

const (
	OpStatePending       OperationState = "pending"
	OpStateInProgress    OperationState = "in-progress"
	OpStateSucceeded     OperationState = "succeeded"
	OpStateFailed        OperationState = "failed"
	OpStateInternalError OperationState = "internal-error"
)

func (s OperationState) Terminal() bool {
	return s == OpStateSucceeded || s == OpStateFailed || s == OpStateInternalError
}

// ErrorKind classifies an operation failure.
type ErrorKind string

const (
	ErrAuthenticationFailure ErrorKind = "AuthenticationFailure"
	ErrProtocolViolation     ErrorKind = "ProtocolViolation"
	ErrPersistenceFailure    ErrorKind = "PersistenceFailure"
	ErrDeviceFault           ErrorKind = "DeviceFault"
	ErrTimeout               ErrorKind = "Timeout"
	ErrBusy                  ErrorKind = "Busy"
	ErrInvalidRequest        ErrorKind = "InvalidRequest"
	ErrCancelled             ErrorKind = "Cancelled"
)

// Retryable reports whether the dispatcher may re-attempt after this kind of failure.
func (k ErrorKind) Retryable() bool {
	return k == ErrBusy || k == ErrTimeout
}

// OpError is a structured operation failure.
type OpError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func NewOpError(kind ErrorKind, format string, args ...any) *OpError {
	return &OpError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ExecPolicy controls timeout and retry behaviour of one operation.
type ExecPolicy struct {
	TimeoutSeconds       int  `json:"timeout_seconds" binding:"min=0"`
	MaxRetries           int  `json:"max_retries" binding:"min=0"`
	RetryIntervalSeconds int  `json:"retry_interval_seconds" binding:"min=0"`
	WaitWhenLocked       bool `json:"wait_when_locked"`
}

func (p ExecPolicy) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

func (p ExecPolicy) RetryInterval() time.Duration {
	return time.Duration(p.RetryIntervalSeconds) * time.Second
}

// OperationRecord represents the operation_records table
type OperationRecord struct {
	ID              int64          `gorm:"primaryKey;autoIncrement" json:"-"`
	CorrelationID   string         `gorm:"not null;uniqueIndex" json:"internal_correlation_id"`
	OrgID           string         `gorm:"not null" json:"org_id"`
	DeviceKey       string         `gorm:"not null;index" json:"device_key"`
	Type            OperationType  `gorm:"not null" json:"operation_type"`
	Payload         datatypes.JSON `json:"payload,omitempty"`
	Policy          ExecPolicy     `gorm:"embedded;embeddedPrefix:policy_" json:"exec_policy"`
	CallbackAddress string         `json:"callback_address,omitempty"`
	State           OperationState `gorm:"not null;default:'pending';index" json:"state"`
	ErrorKind       ErrorKind      `json:"error_kind,omitempty"`
	Error           string         `json:"error,omitempty"`
	Result          datatypes.JSON `json:"result,omitempty"`
	Attempts        int            `gorm:"default:0" json:"attempts"`
	CreatedAt       time.Time      `gorm:"default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"default:CURRENT_TIMESTAMP" json:"updated_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

func (OperationRecord) TableName() string { return "operation_records" }

func (r *OperationRecord) Identity() DeviceIdentity {
	return DeviceIdentity{OrgID: r.OrgID, DeviceKey: r.DeviceKey}
}

// Clone returns a deep copy so that a record can cross goroutines.
func (r *OperationRecord) Clone() *OperationRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Payload = append(datatypes.JSON(nil), r.Payload...)
	c.Result = append(datatypes.JSON(nil), r.Result...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// DecodePayload unmarshals the payload into v.
func (r *OperationRecord) DecodePayload(v any) error {
	if len(r.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", r.Type, err)
	}
	return nil
}

// Succeed marks the record succeeded with the given result.
func (r *OperationRecord) Succeed(result any, now time.Time) error {
	r.State = OpStateSucceeded
	r.ErrorKind = ""
	r.Error = ""
	r.CompletedAt = &now
	if result == nil {
		r.Result = nil
		return nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		r.State = OpStateInternalError
		r.Error = fmt.Sprintf("failed to encode result: %v", err)
		return err
	}
	r.Result = data
	return nil
}

// Fail marks the record failed. PersistenceFailure is reported as an internal error.
func (r *OperationRecord) Fail(opErr *OpError, now time.Time) {
	r.State = OpStateFailed
	if opErr.Kind == ErrPersistenceFailure {
		r.State = OpStateInternalError
	}
	r.ErrorKind = opErr.Kind
	r.Error = opErr.Message
	r.CompletedAt = &now
}

// Callback builds the payload delivered on the callback address.
func (r *OperationRecord) Callback() CallbackPayload {
	return CallbackPayload{
		InternalCorrelationID: r.CorrelationID,
		State:                 r.State,
		ErrorKind:             r.ErrorKind,
		Error:                 r.Error,
		Result:                json.RawMessage(r.Result),
	}
}

// CallbackPayload is the terminal result of an operation.
type CallbackPayload struct {
	InternalCorrelationID string          `json:"internalCorrelationId"`
	State                 OperationState  `json:"state"`
	ErrorKind             ErrorKind       `json:"errorKind,omitempty"`
	Error                 string          `json:"error,omitempty"`
	Result                json.RawMessage `json:"result,omitempty"`
}

// OperationRequest is the north-bound submission body.
type OperationRequest struct {
	OrgID           string          `json:"orgId" binding:"required"`
	DeviceKey       string          `json:"deviceKey"`
	SerialNumber    string          `json:"serialNumber"`
	OUI             string          `json:"oui"`
	OperationType   OperationType   `json:"operationType" binding:"required"`
	Payload         json.RawMessage `json:"payload"`
	ExecPolicy      *ExecPolicy     `json:"execPolicy"`
	CallbackAddress string          `json:"callbackAddress"`
	CorrelationID   string          `json:"internalCorrelationId" binding:"omitempty,uuid"`
}

// Record converts the submission to a pending operation record.
func (req *OperationRequest) Record() (*OperationRecord, error) {
	key := req.DeviceKey
	if key == "" {
		if req.OUI == "" || req.SerialNumber == "" {
			return nil, fmt.Errorf("deviceKey or oui and serialNumber are required")
		}
		key = NewDeviceIdentity(req.OrgID, req.OUI, req.SerialNumber).DeviceKey
	}
	rec := &OperationRecord{
		CorrelationID:   req.CorrelationID,
		OrgID:           req.OrgID,
		DeviceKey:       key,
		Type:            req.OperationType,
		Payload:         datatypes.JSON(req.Payload),
		CallbackAddress: req.CallbackAddress,
		State:           OpStatePending,
	}
	if req.ExecPolicy != nil {
		rec.Policy = *req.ExecPolicy
	}
	return rec, nil
}
