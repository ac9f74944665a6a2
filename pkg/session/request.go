package session

import (
	"slices"

	"acs/pkg/cwmp"
	"acs/pkg/models"
)

// Requester tags who asked for a protocol request.
type Requester string

const (
	RequesterNorthBound Requester = "north-bound"
	RequesterInternal   Requester = "internal"
)

// Handlers interpret what happened to a request. They run on the session
// goroutine and must not block.
type Handlers struct {
	OnResponse func(msg *cwmp.Envelope) Outcome
	OnFault    func(fault *cwmp.Fault) Outcome
	OnTimeout  func() Outcome
	// OnDrain runs when the request is discarded without an answer.
	OnDrain func(reason *models.OpError) Outcome
}

// ProtocolRequest is one server-to-device RPC together with its handlers.
type ProtocolRequest struct {
	Requester     Requester
	Method        string
	Body          any
	CorrelationID string
	Handlers      Handlers

	messageID string
}

// MessageID returns the id the request was sent with, empty until sent.
func (r *ProtocolRequest) MessageID() string { return r.messageID }

// Outcome is what an operation step produced.
type Outcome struct {
	// Requests are sent next, in order.
	Requests []*ProtocolRequest
	// Final is the terminal record of the operation.
	Final *models.OperationRecord
	// InProgress is set when a multi-session operation was accepted and
	// completes in a later session.
	InProgress *models.OperationRecord
}

func (o Outcome) empty() bool {
	return len(o.Requests) == 0 && o.Final == nil && o.InProgress == nil
}

// Report is what the device told the server during the current session.
// Multi-session operations are resumed against it.
type Report struct {
	Events          []string
	CommandKeys     map[string]string
	Parameters      map[string]string
	SoftwareVersion string
	Transfer        *cwmp.TransferComplete
}

// Has reports whether the Inform carried the event code.
func (r Report) Has(code string) bool {
	return slices.Contains(r.Events, code)
}

// CommandKey returns the command key sent with the event code.
func (r Report) CommandKey(code string) string {
	return r.CommandKeys[code]
}

// Continuation reports whether the Inform announced the completion of an earlier operation.
func (r Report) Continuation() bool {
	for _, code := range []string{
		cwmp.EventMReboot, cwmp.EventMDownload, cwmp.EventMUpload,
		cwmp.EventTransferComplete, cwmp.EventDiagnosticsComplete,
		cwmp.EventBoot, cwmp.EventBootstrap,
	} {
		if r.Has(code) {
			return true
		}
	}
	return r.Transfer != nil
}

func newReport(inform *cwmp.Inform) Report {
	r := Report{
		Events:      inform.EventCodes(),
		CommandKeys: make(map[string]string),
		Parameters:  make(map[string]string, len(inform.ParameterList)),
	}
	if inform.Event != nil {
		for _, ev := range inform.Event.Events {
			r.CommandKeys[ev.EventCode] = ev.CommandKey
		}
	}
	for _, p := range inform.ParameterList {
		r.Parameters[p.Name] = p.Value.Value
	}
	r.SoftwareVersion, _ = inform.Parameter("DeviceInfo.SoftwareVersion")
	return r
}
