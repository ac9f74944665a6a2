package deviceop

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"acs/pkg/cwmp"
	"acs/pkg/models"
	"acs/pkg/session"
)

// strategy turns one operation type into protocol requests and interprets
// what comes back.
type strategy struct {
	// payload returns a pointer to a fresh payload value, nil when the type takes none.
	payload func() any
	build   func(rec *models.OperationRecord, payload any, dev *models.Device) session.Outcome
	// resume is set for types that complete in a later session.
	resume func(rec *models.OperationRecord, payload any, report session.Report) session.Outcome
	// followUps lists requests sent after resume, so a restored session can re-attach them.
	followUps func(rec *models.OperationRecord, payload any) []*session.ProtocolRequest
}

var strategies = map[models.OperationType]strategy{
	models.OpTypeGetValues: {
		payload: func() any { return &models.ParameterNamesPayload{} },
		build: func(rec *models.OperationRecord, payload any, _ *models.Device) session.Outcome {
			return steps(getValues(rec, payload.(*models.ParameterNamesPayload).Names, session.RequesterNorthBound))
		},
	},
	models.OpTypeGetAttributes: {
		payload: func() any { return &models.ParameterNamesPayload{} },
		build: func(rec *models.OperationRecord, payload any, _ *models.Device) session.Outcome {
			names := payload.(*models.ParameterNamesPayload).Names
			body := &cwmp.GetParameterAttributes{ParameterNames: cwmp.NewStringList(names)}
			return steps(request(rec, cwmp.MethodGetParameterAttributes, body, func(msg *cwmp.Envelope) session.Outcome {
				resp, _ := msg.Body.(*cwmp.GetParameterAttributesResponse)
				if resp == nil {
					return succeed(rec, []models.ParameterAttribute{})
				}
				attrs := make([]models.ParameterAttribute, 0, len(resp.ParameterList))
				for _, a := range resp.ParameterList {
					attrs = append(attrs, models.ParameterAttribute{Name: a.Name, Notification: a.Notification, AccessList: a.AccessList})
				}
				return succeed(rec, attrs)
			}))
		},
	},
	models.OpTypeSetValues: {
		payload: func() any { return &models.SetValuesPayload{} },
		build: func(rec *models.OperationRecord, payload any, _ *models.Device) session.Outcome {
			p := payload.(*models.SetValuesPayload)
			return steps(request(rec, cwmp.MethodSetParameterValues, setValues(p.Values, parameterKey(p.ParameterKey, rec)), func(msg *cwmp.Envelope) session.Outcome {
				resp, _ := msg.Body.(*cwmp.SetParameterValuesResponse)
				result := models.SetValuesResult{}
				if resp != nil {
					result.Status = resp.Status
				}
				return succeed(rec, result)
			}))
		},
	},
	models.OpTypeSetAttributes: {
		payload: func() any { return &models.SetAttributesPayload{} },
		build: func(rec *models.OperationRecord, payload any, _ *models.Device) session.Outcome {
			p := payload.(*models.SetAttributesPayload)
			items := make([]cwmp.SetParameterAttributesStruct, 0, len(p.Attributes))
			for _, a := range p.Attributes {
				items = append(items, cwmp.SetParameterAttributesStruct{
					Name:               a.Name,
					NotificationChange: a.NotificationChange,
					Notification:       a.Notification,
					AccessListChange:   a.AccessListChange,
					AccessList:         cwmp.NewStringList(a.AccessList),
				})
			}
			return steps(request(rec, cwmp.MethodSetParameterAttributes, cwmp.NewSetParameterAttributes(items), func(*cwmp.Envelope) session.Outcome {
				return succeed(rec, nil)
			}))
		},
	},
	models.OpTypeAddObject: {
		payload: func() any { return &models.ObjectPayload{} },
		build: func(rec *models.OperationRecord, payload any, _ *models.Device) session.Outcome {
			p := payload.(*models.ObjectPayload)
			body := &cwmp.AddObject{ObjectName: p.ObjectName, ParameterKey: parameterKey(p.ParameterKey, rec)}
			return steps(request(rec, cwmp.MethodAddObject, body, func(msg *cwmp.Envelope) session.Outcome {
				result := models.AddObjectResult{}
				if resp, ok := msg.Body.(*cwmp.AddObjectResponse); ok {
					result = models.AddObjectResult{InstanceNumber: resp.InstanceNumber, Status: resp.Status}
				}
				return succeed(rec, result)
			}))
		},
	},
	models.OpTypeDeleteObject: {
		payload: func() any { return &models.ObjectPayload{} },
		build: func(rec *models.OperationRecord, payload any, _ *models.Device) session.Outcome {
			p := payload.(*models.ObjectPayload)
			body := &cwmp.DeleteObject{ObjectName: p.ObjectName, ParameterKey: parameterKey(p.ParameterKey, rec)}
			return steps(request(rec, cwmp.MethodDeleteObject, body, func(msg *cwmp.Envelope) session.Outcome {
				result := models.DeleteObjectResult{}
				if resp, ok := msg.Body.(*cwmp.DeleteObjectResponse); ok {
					result.Status = resp.Status
				}
				return succeed(rec, result)
			}))
		},
	},
	models.OpTypeReboot: {
		build: func(rec *models.OperationRecord, _ any, _ *models.Device) session.Outcome {
			body := &cwmp.Reboot{CommandKey: rec.CorrelationID}
			return steps(request(rec, cwmp.MethodReboot, body, func(*cwmp.Envelope) session.Outcome {
				return inProgress(rec)
			}))
		},
		resume: func(rec *models.OperationRecord, _ any, report session.Report) session.Outcome {
			if report.CommandKey(cwmp.EventMReboot) == rec.CorrelationID || report.Has(cwmp.EventBoot) {
				return succeed(rec, nil)
			}
			return session.Outcome{}
		},
	},
	models.OpTypeFactoryReset: {
		build: func(rec *models.OperationRecord, _ any, _ *models.Device) session.Outcome {
			return steps(request(rec, cwmp.MethodFactoryReset, &cwmp.FactoryReset{}, func(*cwmp.Envelope) session.Outcome {
				return inProgress(rec)
			}))
		},
		resume: func(rec *models.OperationRecord, _ any, report session.Report) session.Outcome {
			if report.Has(cwmp.EventBootstrap) {
				return succeed(rec, nil)
			}
			return session.Outcome{}
		},
	},
	models.OpTypeDownload: {
		payload: func() any { return &models.FilePayload{} },
		build: func(rec *models.OperationRecord, payload any, dev *models.Device) session.Outcome {
			p := payload.(*models.FilePayload)
			if p.ExpectedVersion != "" && dev != nil && dev.SoftwareVersion == p.ExpectedVersion {
				return succeed(rec, models.TransferResult{Version: dev.SoftwareVersion})
			}
			body := &cwmp.Download{
				CommandKey:     rec.CorrelationID,
				FileType:       p.FileType,
				URL:            p.URL,
				Username:       p.Username,
				Password:       p.Password,
				FileSize:       p.FileSize,
				TargetFileName: p.TargetFileName,
				DelaySeconds:   p.DelaySeconds,
			}
			return steps(request(rec, cwmp.MethodDownload, body, func(msg *cwmp.Envelope) session.Outcome {
				resp, _ := msg.Body.(*cwmp.DownloadResponse)
				if resp != nil && resp.Status == 0 && p.ExpectedVersion == "" {
					return succeed(rec, models.TransferResult{StartTime: resp.StartTime, CompleteTime: resp.CompleteTime})
				}
				return inProgress(rec)
			}))
		},
		resume: func(rec *models.OperationRecord, payload any, report session.Report) session.Outcome {
			p := payload.(*models.FilePayload)
			tc := report.Transfer
			if tc == nil || tc.CommandKey != rec.CorrelationID {
				// Image downloads may only show up as a new version after the reboot.
				if p.ExpectedVersion != "" && report.Has(cwmp.EventBoot) && report.SoftwareVersion == p.ExpectedVersion {
					return succeed(rec, models.TransferResult{Version: report.SoftwareVersion})
				}
				return session.Outcome{}
			}
			if tc.FaultStruct.FaultCode != 0 {
				return fail(rec, models.ErrDeviceFault, "transfer failed: %d %s", tc.FaultStruct.FaultCode, tc.FaultStruct.FaultString)
			}
			if p.ExpectedVersion != "" && report.SoftwareVersion != p.ExpectedVersion {
				if !report.Has(cwmp.EventBoot) {
					return session.Outcome{} // applied on the next boot
				}
				return fail(rec, models.ErrDeviceFault, "device reports software version %q, expected %q", report.SoftwareVersion, p.ExpectedVersion)
			}
			return succeed(rec, models.TransferResult{StartTime: tc.StartTime, CompleteTime: tc.CompleteTime, Version: report.SoftwareVersion})
		},
	},
	models.OpTypeUpload: {
		payload: func() any { return &models.FilePayload{} },
		build: func(rec *models.OperationRecord, payload any, _ *models.Device) session.Outcome {
			p := payload.(*models.FilePayload)
			body := &cwmp.Upload{
				CommandKey:   rec.CorrelationID,
				FileType:     p.FileType,
				URL:          p.URL,
				Username:     p.Username,
				Password:     p.Password,
				DelaySeconds: p.DelaySeconds,
			}
			return steps(request(rec, cwmp.MethodUpload, body, func(msg *cwmp.Envelope) session.Outcome {
				if resp, ok := msg.Body.(*cwmp.UploadResponse); ok && resp.Status == 0 {
					return succeed(rec, models.TransferResult{StartTime: resp.StartTime, CompleteTime: resp.CompleteTime})
				}
				return inProgress(rec)
			}))
		},
		resume: func(rec *models.OperationRecord, _ any, report session.Report) session.Outcome {
			tc := report.Transfer
			if tc == nil || tc.CommandKey != rec.CorrelationID {
				return session.Outcome{}
			}
			if tc.FaultStruct.FaultCode != 0 {
				return fail(rec, models.ErrDeviceFault, "transfer failed: %d %s", tc.FaultStruct.FaultCode, tc.FaultStruct.FaultString)
			}
			return succeed(rec, models.TransferResult{StartTime: tc.StartTime, CompleteTime: tc.CompleteTime})
		},
	},
	models.OpTypeDiagnostics: {
		payload: func() any { return &models.DiagnosticsPayload{} },
		build: func(rec *models.OperationRecord, payload any, _ *models.Device) session.Outcome {
			p := payload.(*models.DiagnosticsPayload)
			values := append([]models.ParameterValue{}, p.Parameters...)
			for i := range values {
				if !strings.HasPrefix(values[i].Name, p.Object) {
					values[i].Name = p.Object + values[i].Name
				}
			}
			values = append(values, models.ParameterValue{Name: p.Object + "DiagnosticsState", Value: "Requested", Type: "string"})
			return steps(request(rec, cwmp.MethodSetParameterValues, setValues(values, rec.CorrelationID), func(*cwmp.Envelope) session.Outcome {
				return inProgress(rec)
			}))
		},
		resume: func(rec *models.OperationRecord, payload any, report session.Report) session.Outcome {
			if !report.Has(cwmp.EventDiagnosticsComplete) {
				return session.Outcome{}
			}
			return steps(diagnosticsResults(rec, payload.(*models.DiagnosticsPayload)))
		},
		followUps: func(rec *models.OperationRecord, payload any) []*session.ProtocolRequest {
			return []*session.ProtocolRequest{diagnosticsResults(rec, payload.(*models.DiagnosticsPayload))}
		},
	},
}

func diagnosticsResults(rec *models.OperationRecord, p *models.DiagnosticsPayload) *session.ProtocolRequest {
	names := p.ResultNames
	if len(names) == 0 {
		names = []string{p.Object}
	}
	return getValues(rec, names, session.RequesterInternal)
}

func getValues(rec *models.OperationRecord, names []string, requester session.Requester) *session.ProtocolRequest {
	body := &cwmp.GetParameterValues{ParameterNames: cwmp.NewStringList(names)}
	req := request(rec, cwmp.MethodGetParameterValues, body, func(msg *cwmp.Envelope) session.Outcome {
		values := []models.ParameterValue{}
		if resp, ok := msg.Body.(*cwmp.GetParameterValuesResponse); ok {
			for _, pv := range resp.ParameterList {
				values = append(values, models.ParameterValue{
					Name:  pv.Name,
					Value: pv.Value.Value,
					Type:  strings.TrimPrefix(pv.Value.Type, "xsd:"),
				})
			}
		}
		return succeed(rec, values)
	})
	req.Requester = requester
	return req
}

func setValues(values []models.ParameterValue, key string) *cwmp.SetParameterValues {
	list := make([]cwmp.ParameterValueStruct, 0, len(values))
	for _, v := range values {
		typ := v.Type
		if typ == "" {
			typ = "string"
		}
		list = append(list, cwmp.ParameterValueStruct{Name: v.Name, Value: cwmp.ParamValue{Type: typ, Value: v.Value}})
	}
	return cwmp.NewSetParameterValues(list, key)
}

func parameterKey(key string, rec *models.OperationRecord) string {
	if key != "" {
		return key
	}
	return rec.CorrelationID
}

// request wraps one RPC with the handlers every operation shares; only the
// response handler differs per type.
func request(rec *models.OperationRecord, method string, body any, onResponse func(*cwmp.Envelope) session.Outcome) *session.ProtocolRequest {
	return &session.ProtocolRequest{
		Requester:     session.RequesterNorthBound,
		Method:        method,
		Body:          body,
		CorrelationID: rec.CorrelationID,
		Handlers: session.Handlers{
			OnResponse: onResponse,
			OnFault: func(f *cwmp.Fault) session.Outcome {
				return fail(rec, models.ErrDeviceFault, "%s", faultMessage(f))
			},
			OnTimeout: func() session.Outcome {
				return fail(rec, models.ErrTimeout, "device did not answer %s", method)
			},
			OnDrain: func(reason *models.OpError) session.Outcome {
				if reason == nil {
					reason = models.NewOpError(models.ErrTimeout, "%s was discarded", method)
				}
				return fail(rec, reason.Kind, "%s", reason.Message)
			},
		},
	}
}

func faultMessage(f *cwmp.Fault) string {
	msg := fmt.Sprintf("%d %s", f.FaultCode, f.FaultString)
	if len(f.SetParameterValuesFault) == 0 {
		return msg
	}
	details := make([]string, 0, len(f.SetParameterValuesFault))
	for _, pf := range f.SetParameterValuesFault {
		details = append(details, fmt.Sprintf("%s: %d %s", pf.ParameterName, pf.FaultCode, pf.FaultString))
	}
	return msg + " (" + strings.Join(details, "; ") + ")"
}

func steps(reqs ...*session.ProtocolRequest) session.Outcome {
	return session.Outcome{Requests: reqs}
}

func succeed(rec *models.OperationRecord, result any) session.Outcome {
	final := rec.Clone()
	if err := final.Succeed(result, time.Now()); err != nil {
		slog.Error("Failed to encode operation result", "component", "Dispatcher", "correlation_id", rec.CorrelationID, "error", err)
	}
	return session.Outcome{Final: final}
}

func fail(rec *models.OperationRecord, kind models.ErrorKind, format string, args ...any) session.Outcome {
	final := rec.Clone()
	final.Fail(models.NewOpError(kind, format, args...), time.Now())
	return session.Outcome{Final: final}
}

func inProgress(rec *models.OperationRecord) session.Outcome {
	c := rec.Clone()
	c.State = models.OpStateInProgress
	return session.Outcome{InProgress: c}
}
