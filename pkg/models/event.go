package models

import "time"

// EventType defines the type of event.
type EventType string

const (
	EventCreate   EventType = "create"
	EventUpdate   EventType = "update"
	EventDelete   EventType = "delete"
	EventAnything EventType = "*"

	// Connection request outcomes
	EventConnReqSent   EventType = "conn_req_sent"
	EventConnReqFailed EventType = "conn_req_failed"

	// Session milestones
	EventSessionStarted EventType = "session_started"
	EventSessionEnded   EventType = "session_ended"
	EventOperationDone  EventType = "operation_done"
)

// Event represents a message published on a topic channel.
type Event struct {
	Type    EventType   `json:"type"`
	Payload interface{} `json:"payload"`
}

// SessionMilestone is the payload of session events.
type SessionMilestone struct {
	DeviceKey string
	Cookie    string
	State     string
	Detail    string
	Timestamp time.Time
}

// CommLogFromEvent converts a published event into a communication log row.
// Returns false for events that are not logged.
func CommLogFromEvent(event Event) (CommLog, bool) {
	switch payload := event.Payload.(type) {
	case *ConnReqOutcome:
		detail := string(payload.State)
		if payload.Error != "" {
			detail += ": " + payload.Error
		}
		return CommLog{DeviceKey: payload.DeviceKey, Kind: string(event.Type), Detail: detail, CreatedAt: payload.Timestamp}, true
	case *SessionMilestone:
		detail := payload.State
		if payload.Detail != "" {
			detail += ": " + payload.Detail
		}
		return CommLog{DeviceKey: payload.DeviceKey, Kind: string(event.Type), Detail: detail, CreatedAt: payload.Timestamp}, true
	case *Device:
		at := payload.UpdatedAt
		if at.IsZero() {
			at = time.Now()
		}
		return CommLog{DeviceKey: payload.DeviceKey, Kind: "device_" + string(event.Type), Detail: payload.Status, CreatedAt: at}, true
	case *OperationRecord:
		detail := string(payload.Type) + " " + payload.CorrelationID + " " + string(payload.State)
		if payload.Error != "" {
			detail += ": " + payload.Error
		}
		at := time.Now()
		if payload.CompletedAt != nil {
			at = *payload.CompletedAt
		}
		return CommLog{DeviceKey: payload.DeviceKey, Kind: string(event.Type), Detail: detail, CreatedAt: at}, true
	}
	return CommLog{}, false
}
