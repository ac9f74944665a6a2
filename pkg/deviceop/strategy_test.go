package deviceop

import (
	"encoding/json"
	"testing"

	"acs/pkg/cwmp"
	"acs/pkg/models"
	"acs/pkg/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func running(typ models.OperationType, payload any) (*models.OperationRecord, any) {
	rec := newRecord(typ, payload)
	rec.CorrelationID = "op-1"
	rec.State = models.OpStateInProgress
	d := NewDispatcher(testConfig(), Deps{})
	p, err := d.decode(rec)
	if err != nil {
		panic(err)
	}
	return rec, p
}

func respond(req *session.ProtocolRequest, body any) session.Outcome {
	return req.Handlers.OnResponse(&cwmp.Envelope{ID: "1", Method: cwmp.ResponseTo(req.Method), Body: body})
}

func TestBuildFirstRequest(t *testing.T) {
	tests := []struct {
		name    string
		typ     models.OperationType
		payload any
		method  string
		check   func(t *testing.T, body any)
	}{
		{
			name:    "get values",
			typ:     models.OpTypeGetValues,
			payload: models.ParameterNamesPayload{Names: []string{"Device.DeviceInfo."}},
			method:  cwmp.MethodGetParameterValues,
			check: func(t *testing.T, body any) {
				assert.Equal(t, []string{"Device.DeviceInfo."}, body.(*cwmp.GetParameterValues).ParameterNames.Items)
			},
		},
		{
			name: "set values defaults the parameter key",
			typ:  models.OpTypeSetValues,
			payload: models.SetValuesPayload{Values: []models.ParameterValue{
				{Name: "Device.WiFi.SSID.1.SSID", Value: "home"},
				{Name: "Device.WiFi.Radio.1.Channel", Value: "6", Type: "unsignedInt"},
			}},
			method: cwmp.MethodSetParameterValues,
			check: func(t *testing.T, body any) {
				spv := body.(*cwmp.SetParameterValues)
				assert.Equal(t, "op-1", spv.ParameterKey)
				require.Len(t, spv.ParameterList.Items, 2)
				assert.Equal(t, "string", spv.ParameterList.Items[0].Value.Type)
				assert.Equal(t, "unsignedInt", spv.ParameterList.Items[1].Value.Type)
			},
		},
		{
			name:    "set attributes",
			typ:     models.OpTypeSetAttributes,
			payload: models.SetAttributesPayload{Attributes: []models.ParameterAttribute{{Name: "Device.DeviceInfo.SoftwareVersion", NotificationChange: true, Notification: 2}}},
			method:  cwmp.MethodSetParameterAttributes,
			check: func(t *testing.T, body any) {
				items := body.(*cwmp.SetParameterAttributes).ParameterList.Items
				require.Len(t, items, 1)
				assert.Equal(t, 2, items[0].Notification)
			},
		},
		{
			name:    "add object keeps the given key",
			typ:     models.OpTypeAddObject,
			payload: models.ObjectPayload{ObjectName: "Device.WiFi.SSID.", ParameterKey: "k1"},
			method:  cwmp.MethodAddObject,
			check: func(t *testing.T, body any) {
				assert.Equal(t, "k1", body.(*cwmp.AddObject).ParameterKey)
			},
		},
		{
			name:   "reboot uses the correlation id as command key",
			typ:    models.OpTypeReboot,
			method: cwmp.MethodReboot,
			check: func(t *testing.T, body any) {
				assert.Equal(t, "op-1", body.(*cwmp.Reboot).CommandKey)
			},
		},
		{
			name:    "diagnostics requests the test",
			typ:     models.OpTypeDiagnostics,
			payload: models.DiagnosticsPayload{Object: "Device.IP.Diagnostics.IPPing.", Parameters: []models.ParameterValue{{Name: "Host", Value: "8.8.8.8"}}},
			method:  cwmp.MethodSetParameterValues,
			check: func(t *testing.T, body any) {
				items := body.(*cwmp.SetParameterValues).ParameterList.Items
				require.Len(t, items, 2)
				assert.Equal(t, "Device.IP.Diagnostics.IPPing.Host", items[0].Name)
				assert.Equal(t, "Device.IP.Diagnostics.IPPing.DiagnosticsState", items[1].Name)
				assert.Equal(t, "Requested", items[1].Value.Value)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, p := running(tt.typ, tt.payload)
			out := strategies[tt.typ].build(rec, p, nil)
			require.Len(t, out.Requests, 1)
			req := out.Requests[0]
			assert.Equal(t, tt.method, req.Method)
			assert.Equal(t, "op-1", req.CorrelationID)
			assert.Equal(t, session.RequesterNorthBound, req.Requester)
			tt.check(t, req.Body)
		})
	}
}

func TestResponsesSettleOperation(t *testing.T) {
	t.Run("get values", func(t *testing.T) {
		rec, p := running(models.OpTypeGetValues, models.ParameterNamesPayload{Names: []string{"Device.DeviceInfo."}})
		req := strategies[rec.Type].build(rec, p, nil).Requests[0]

		out := respond(req, &cwmp.GetParameterValuesResponse{ParameterList: []cwmp.ParameterValueStruct{
			{Name: "Device.DeviceInfo.UpTime", Value: cwmp.ParamValue{Type: "xsd:unsignedInt", Value: "42"}},
		}})
		require.NotNil(t, out.Final)
		assert.Equal(t, models.OpStateSucceeded, out.Final.State)
		var values []models.ParameterValue
		require.NoError(t, json.Unmarshal(out.Final.Result, &values))
		assert.Equal(t, []models.ParameterValue{{Name: "Device.DeviceInfo.UpTime", Value: "42", Type: "unsignedInt"}}, values)
		assert.Equal(t, models.OpStateInProgress, rec.State, "the running record is not mutated")
	})

	t.Run("add object", func(t *testing.T) {
		rec, p := running(models.OpTypeAddObject, models.ObjectPayload{ObjectName: "Device.WiFi.SSID."})
		req := strategies[rec.Type].build(rec, p, nil).Requests[0]

		out := respond(req, &cwmp.AddObjectResponse{InstanceNumber: 3})
		require.NotNil(t, out.Final)
		assert.JSONEq(t, `{"instanceNumber":3,"status":0}`, string(out.Final.Result))
	})

	t.Run("device fault", func(t *testing.T) {
		rec, p := running(models.OpTypeSetValues, models.SetValuesPayload{Values: []models.ParameterValue{{Name: "A.B", Value: "1"}}})
		req := strategies[rec.Type].build(rec, p, nil).Requests[0]

		out := req.Handlers.OnFault(&cwmp.Fault{FaultCode: 9003, FaultString: "Invalid arguments",
			SetParameterValuesFault: []cwmp.SetParameterValuesFault{{ParameterName: "A.B", FaultCode: 9007, FaultString: "Invalid value"}}})
		require.NotNil(t, out.Final)
		assert.Equal(t, models.ErrDeviceFault, out.Final.ErrorKind)
		assert.Equal(t, "9003 Invalid arguments (A.B: 9007 Invalid value)", out.Final.Error)
	})

	t.Run("timeout and drain", func(t *testing.T) {
		rec, p := running(models.OpTypeGetValues, models.ParameterNamesPayload{Names: []string{"A."}})
		req := strategies[rec.Type].build(rec, p, nil).Requests[0]

		out := req.Handlers.OnTimeout()
		assert.Equal(t, models.ErrTimeout, out.Final.ErrorKind)

		out = req.Handlers.OnDrain(models.NewOpError(models.ErrProtocolViolation, "unexpected message"))
		assert.Equal(t, models.ErrProtocolViolation, out.Final.ErrorKind)
		assert.Equal(t, "unexpected message", out.Final.Error)

		out = req.Handlers.OnDrain(nil)
		assert.Equal(t, models.ErrTimeout, out.Final.ErrorKind)
	})
}

func TestRebootAcrossSessions(t *testing.T) {
	rec, p := running(models.OpTypeReboot, nil)
	s := strategies[rec.Type]
	req := s.build(rec, p, nil).Requests[0]

	out := respond(req, &cwmp.RebootResponse{})
	require.NotNil(t, out.InProgress)
	assert.Nil(t, out.Final)

	tests := []struct {
		name   string
		report session.Report
		done   bool
	}{
		{"periodic inform", session.Report{Events: []string{cwmp.EventPeriodic}}, false},
		{"other reboot", session.Report{Events: []string{cwmp.EventMReboot}, CommandKeys: map[string]string{cwmp.EventMReboot: "op-2"}}, false},
		{"matching reboot", session.Report{Events: []string{cwmp.EventMReboot}, CommandKeys: map[string]string{cwmp.EventMReboot: "op-1"}}, true},
		{"boot", session.Report{Events: []string{cwmp.EventBoot}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := s.resume(rec, p, tt.report)
			if !tt.done {
				assert.Nil(t, out.Final)
				return
			}
			require.NotNil(t, out.Final)
			assert.Equal(t, models.OpStateSucceeded, out.Final.State)
		})
	}
}

func TestDownload(t *testing.T) {
	payload := models.FilePayload{FileType: "1 Firmware Upgrade Image", URL: "http://files/fw-2.0.bin", ExpectedVersion: "2.0"}

	t.Run("already on the expected version", func(t *testing.T) {
		rec, p := running(models.OpTypeDownload, payload)
		out := strategies[rec.Type].build(rec, p, &models.Device{SoftwareVersion: "2.0"})
		require.NotNil(t, out.Final)
		assert.Empty(t, out.Requests)
		assert.Equal(t, models.OpStateSucceeded, out.Final.State)
	})

	t.Run("accepted download waits for the new version", func(t *testing.T) {
		rec, p := running(models.OpTypeDownload, payload)
		req := strategies[rec.Type].build(rec, p, &models.Device{SoftwareVersion: "1.0"}).Requests[0]
		assert.Equal(t, "op-1", req.Body.(*cwmp.Download).CommandKey)

		out := respond(req, &cwmp.DownloadResponse{Status: 0})
		assert.NotNil(t, out.InProgress)
	})

	tests := []struct {
		name      string
		report    session.Report
		wantState models.OperationState
		wantKind  models.ErrorKind
	}{
		{
			name:   "unrelated inform",
			report: session.Report{Events: []string{cwmp.EventPeriodic}, SoftwareVersion: "1.0"},
		},
		{
			name: "transfer fault",
			report: session.Report{
				Events:   []string{cwmp.EventTransferComplete},
				Transfer: &cwmp.TransferComplete{CommandKey: "op-1", FaultStruct: cwmp.FaultStruct{FaultCode: 9010, FaultString: "Download failed"}},
			},
			wantState: models.OpStateFailed,
			wantKind:  models.ErrDeviceFault,
		},
		{
			name: "transfer before reboot",
			report: session.Report{
				Events:          []string{cwmp.EventTransferComplete},
				Transfer:        &cwmp.TransferComplete{CommandKey: "op-1"},
				SoftwareVersion: "1.0",
			},
		},
		{
			name: "booted into the wrong version",
			report: session.Report{
				Events:          []string{cwmp.EventBoot, cwmp.EventTransferComplete},
				Transfer:        &cwmp.TransferComplete{CommandKey: "op-1"},
				SoftwareVersion: "1.0",
			},
			wantState: models.OpStateFailed,
			wantKind:  models.ErrDeviceFault,
		},
		{
			name: "booted into the new version",
			report: session.Report{
				Events:          []string{cwmp.EventBoot, cwmp.EventMDownload, cwmp.EventTransferComplete},
				Transfer:        &cwmp.TransferComplete{CommandKey: "op-1", StartTime: "t0", CompleteTime: "t1"},
				SoftwareVersion: "2.0",
			},
			wantState: models.OpStateSucceeded,
		},
		{
			name:      "new version without transfer complete",
			report:    session.Report{Events: []string{cwmp.EventBoot}, SoftwareVersion: "2.0"},
			wantState: models.OpStateSucceeded,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, p := running(models.OpTypeDownload, payload)
			out := strategies[rec.Type].resume(rec, p, tt.report)
			if tt.wantState == "" {
				assert.Nil(t, out.Final)
				return
			}
			require.NotNil(t, out.Final)
			assert.Equal(t, tt.wantState, out.Final.State)
			assert.Equal(t, tt.wantKind, out.Final.ErrorKind)
		})
	}
}

func TestDiagnosticsReadsResults(t *testing.T) {
	rec, p := running(models.OpTypeDiagnostics, models.DiagnosticsPayload{
		Object:      "Device.IP.Diagnostics.IPPing.",
		ResultNames: []string{"Device.IP.Diagnostics.IPPing.AverageResponseTime"},
	})
	s := strategies[rec.Type]

	out := respond(s.build(rec, p, nil).Requests[0], &cwmp.SetParameterValuesResponse{Status: 0})
	require.NotNil(t, out.InProgress)

	assert.Empty(t, s.resume(rec, p, session.Report{Events: []string{cwmp.EventPeriodic}}).Requests)

	out = s.resume(rec, p, session.Report{Events: []string{cwmp.EventDiagnosticsComplete}})
	require.Len(t, out.Requests, 1)
	req := out.Requests[0]
	assert.Equal(t, session.RequesterInternal, req.Requester)
	assert.Equal(t, []string{"Device.IP.Diagnostics.IPPing.AverageResponseTime"}, req.Body.(*cwmp.GetParameterValues).ParameterNames.Items)

	out = respond(req, &cwmp.GetParameterValuesResponse{ParameterList: []cwmp.ParameterValueStruct{
		{Name: "Device.IP.Diagnostics.IPPing.AverageResponseTime", Value: cwmp.ParamValue{Value: "12"}},
	}})
	require.NotNil(t, out.Final)
	assert.Equal(t, models.OpStateSucceeded, out.Final.State)
	assert.Contains(t, string(out.Final.Result), `"value":"12"`)
}

func TestEveryTypeHasStrategy(t *testing.T) {
	for _, typ := range models.OperationTypes {
		s, ok := strategies[typ]
		require.True(t, ok, typ)
		assert.NotNil(t, s.build, typ)
		assert.Equal(t, typ.MultiSession(), s.resume != nil, typ)
	}
}
