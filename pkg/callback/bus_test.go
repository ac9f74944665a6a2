package callback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"acs/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doneRecord() *models.OperationRecord {
	rec := &models.OperationRecord{
		CorrelationID: "c-1",
		OrgID:         "org",
		DeviceKey:     "org-00D09E-SN1",
		Type:          models.OpTypeReboot,
	}
	_ = rec.Succeed(nil, time.Now())
	return rec
}

func TestBusLocalDelivery(t *testing.T) {
	bus := NewBus(time.Second, nil)
	ch, unregister := bus.Register("wait:c-1", 1)
	defer unregister()

	next := &models.OperationRecord{CorrelationID: "c-2"}
	go func() {
		d := <-ch
		assert.Equal(t, "c-1", d.Payload.InternalCorrelationID)
		assert.Equal(t, models.OpStateSucceeded, d.Payload.State)
		d.Ack(next)
		d.Ack(nil) // second ack is ignored
	}()

	got, err := bus.Send(context.Background(), "wait:c-1", doneRecord())
	require.NoError(t, err)
	assert.Equal(t, "c-2", got.CorrelationID)
}

func TestBusErrors(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(b *Bus)
		addr    string
		wantErr error
	}{
		{name: "no handler", addr: "local:none", wantErr: ErrNoHandler},
		{
			name: "never acknowledged",
			addr: "local:slow",
			setup: func(b *Bus) {
				b.Register("local:slow", 1)
			},
			wantErr: ErrReplyTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := NewBus(50*time.Millisecond, nil)
			if tt.setup != nil {
				tt.setup(bus)
			}
			_, err := bus.Send(context.Background(), tt.addr, doneRecord())
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestBusEmptyAddress(t *testing.T) {
	next, err := NewBus(time.Second, nil).Send(context.Background(), "", doneRecord())
	assert.NoError(t, err)
	assert.Nil(t, next)
}

func TestBusUnregister(t *testing.T) {
	bus := NewBus(50*time.Millisecond, nil)
	_, unregister := bus.Register("local:a", 1)
	unregister()

	_, err := bus.Send(context.Background(), "local:a", doneRecord())
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestBusHTTPDelivery(t *testing.T) {
	var received models.CallbackPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"operationType":"get-values","payload":{"names":["Device.DeviceInfo."]}}`))
	}))
	defer srv.Close()

	next, err := NewBus(time.Second, nil).Send(context.Background(), srv.URL, doneRecord())
	require.NoError(t, err)

	assert.Equal(t, "c-1", received.InternalCorrelationID)
	assert.Equal(t, models.OpStateSucceeded, received.State)
	require.NotNil(t, next)
	assert.Equal(t, models.OpTypeGetValues, next.Type)
	assert.Equal(t, "org-00D09E-SN1", next.DeviceKey)
}

func TestBusHTTPFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewBus(time.Second, nil).Send(context.Background(), srv.URL, doneRecord())
	assert.Error(t, err)
}
