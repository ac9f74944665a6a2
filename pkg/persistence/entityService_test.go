package persistence

import (
	"context"
	"testing"
	"time"

	"acs/pkg/database"
	"acs/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memRepo is an in-memory database.Repository. key reads the natural key of a row.
type memRepo[T any] struct {
	rows   map[int64]*T
	nextID int64
	setID  func(*T, int64)
	key    func(*T) string
	apply  func(*T, map[string]any)
}

func (r *memRepo[T]) List(ctx context.Context, page models.Page) ([]*T, error) {
	out := make([]*T, 0, len(r.rows))
	for id := int64(1); id <= r.nextID; id++ {
		if row, ok := r.rows[id]; ok {
			out = append(out, row)
		}
	}
	if page.Limit <= 0 {
		return out, nil
	}
	out = out[min(page.Offset, len(out)):]
	return out[:min(page.Limit, len(out))], nil
}

func (r *memRepo[T]) Get(ctx context.Context, id int64) (*T, error) {
	row, ok := r.rows[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return row, nil
}

func (r *memRepo[T]) GetByKey(ctx context.Context, key string) (*T, error) {
	for _, row := range r.rows {
		if r.key(row) == key {
			return row, nil
		}
	}
	return nil, database.ErrNotFound
}

func (r *memRepo[T]) Create(ctx context.Context, entity *T) (*T, error) {
	r.nextID++
	r.setID(entity, r.nextID)
	r.rows[r.nextID] = entity
	return entity, nil
}

func (r *memRepo[T]) Update(ctx context.Context, id int64, entity *T) (*T, error) {
	if _, ok := r.rows[id]; !ok {
		return nil, database.ErrNotFound
	}
	r.setID(entity, id)
	r.rows[id] = entity
	return entity, nil
}

func (r *memRepo[T]) UpdateByKey(ctx context.Context, key string, updates map[string]any) (int64, error) {
	var n int64
	for _, row := range r.rows {
		if r.key(row) == key {
			r.apply(row, updates)
			n++
		}
	}
	return n, nil
}

func (r *memRepo[T]) Delete(ctx context.Context, id int64) error {
	if _, ok := r.rows[id]; !ok {
		return database.ErrNotFound
	}
	delete(r.rows, id)
	return nil
}

func newService(t *testing.T) (chan<- models.Request, <-chan models.Event, *memRepo[models.OperationRecord]) {
	t.Helper()
	requests := make(chan models.Request)
	events := make(chan models.Event, 10)
	ops := &memRepo[models.OperationRecord]{
		rows:   map[int64]*models.OperationRecord{},
		setID:  func(r *models.OperationRecord, id int64) { r.ID = id },
		key:    func(r *models.OperationRecord) string { return r.CorrelationID },
	}
	svc := &EntityService{
		requestsChan: requests,
		deviceRepo: &memRepo[models.Device]{
			rows:   map[int64]*models.Device{},
			setID:  func(d *models.Device, id int64) { d.ID = id },
			key:    func(d *models.Device) string { return d.DeviceKey },
			apply: func(d *models.Device, updates map[string]any) {
				if s, ok := updates["status"].(string); ok {
					d.Status = s
				}
			},
		},
		opRepo:       ops,
		deviceEvents: events,
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go svc.Run(ctx)
	return requests, events, ops
}

func call(t *testing.T, requests chan<- models.Request, req models.Request) models.Response {
	t.Helper()
	req.ReplyCh = make(chan models.Response, 1)
	requests <- req
	select {
	case resp := <-req.ReplyCh:
		return resp
	case <-time.After(time.Second):
		t.Fatal("no reply from entity service")
		return models.Response{}
	}
}

func TestDeviceCreateDerivesKey(t *testing.T) {
	requests, events, _ := newService(t)

	resp := call(t, requests, models.Request{
		Operation:  models.OpCreate,
		EntityType: "Device",
		Payload:    &models.Device{OrgID: "org1", OUI: "00D09E", SerialNumber: "SN1", ConnReqPassword: "c2VjcmV0"},
	})
	require.NoError(t, resp.Error)
	dev := resp.Data.(*models.Device)
	assert.Equal(t, "org1-00D09E-SN1", dev.DeviceKey)
	assert.Equal(t, models.DeviceStatusNew, dev.Status)
	assert.Empty(t, dev.ConnReqPassword, "password is not echoed")

	ev := <-events
	assert.Equal(t, models.EventCreate, ev.Type)

	resp = call(t, requests, models.Request{Operation: models.OpGetByKey, EntityType: "Device", Key: "org1-00D09E-SN1"})
	require.NoError(t, resp.Error)
	assert.Equal(t, dev.ID, resp.Data.(*models.Device).ID)
}

func TestDeviceCreateRejectsMissingIdentity(t *testing.T) {
	requests, _, _ := newService(t)

	resp := call(t, requests, models.Request{
		Operation:  models.OpCreate,
		EntityType: "Device",
		Payload:    &models.Device{OrgID: "org1", SerialNumber: "SN1"},
	})
	assert.ErrorIs(t, resp.Error, ErrInvalidDevice)
}

func TestMarkUnreachable(t *testing.T) {
	requests, events, _ := newService(t)
	resp := call(t, requests, models.Request{
		Operation:  models.OpCreate,
		EntityType: "Device",
		Payload:    &models.Device{OrgID: "org1", OUI: "00D09E", SerialNumber: "SN1"},
	})
	require.NoError(t, resp.Error)
	<-events

	tests := []struct {
		name    string
		key     string
		wantErr error
	}{
		{"known device", "org1-00D09E-SN1", nil},
		{"unknown device", "org1-00D09E-SN2", database.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := call(t, requests, models.Request{Operation: models.OpMarkUnreachable, EntityType: "Device", Key: tt.key})
			if tt.wantErr != nil {
				assert.ErrorIs(t, resp.Error, tt.wantErr)
				return
			}
			require.NoError(t, resp.Error)
			ev := <-events
			assert.Equal(t, models.DeviceStatusUnreachable, ev.Payload.(*models.Device).Status)

			got := call(t, requests, models.Request{Operation: models.OpGetByKey, EntityType: "Device", Key: tt.key})
			assert.Equal(t, models.DeviceStatusUnreachable, got.Data.(*models.Device).Status)
		})
	}
}

func TestOperationRecordsAreReadOnly(t *testing.T) {
	requests, _, ops := newService(t)
	_, err := ops.Create(context.Background(), &models.OperationRecord{CorrelationID: "op-1", DeviceKey: "k1"})
	require.NoError(t, err)

	resp := call(t, requests, models.Request{Operation: models.OpGetByKey, EntityType: "OperationRecord", Key: "op-1"})
	require.NoError(t, resp.Error)
	assert.Equal(t, "k1", resp.Data.(*models.OperationRecord).DeviceKey)

	resp = call(t, requests, models.Request{Operation: models.OpGetByKey, EntityType: "OperationRecord", Key: "op-2"})
	assert.ErrorIs(t, resp.Error, database.ErrNotFound)

	resp = call(t, requests, models.Request{Operation: models.OpDelete, EntityType: "OperationRecord", ID: 1})
	assert.Error(t, resp.Error)

	resp = call(t, requests, models.Request{Operation: models.OpList, EntityType: "Unknown"})
	assert.Error(t, resp.Error)
}

func TestListPaging(t *testing.T) {
	requests, _, ops := newService(t)
	for _, id := range []string{"op-1", "op-2", "op-3"} {
		_, err := ops.Create(context.Background(), &models.OperationRecord{CorrelationID: id, DeviceKey: "k1"})
		require.NoError(t, err)
	}

	tests := []struct {
		name string
		page *models.Page
		want []string
	}{
		{"no page", nil, []string{"op-1", "op-2", "op-3"}},
		{"first page", &models.Page{Limit: 2}, []string{"op-1", "op-2"}},
		{"second page", &models.Page{Limit: 2, Offset: 2}, []string{"op-3"}},
		{"past the end", &models.Page{Limit: 2, Offset: 5}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := models.Request{Operation: models.OpList, EntityType: "OperationRecord"}
			if tt.page != nil {
				req.Payload = tt.page
			}
			resp := call(t, requests, req)
			require.NoError(t, resp.Error)

			got := []string{}
			for _, rec := range resp.Data.([]*models.OperationRecord) {
				got = append(got, rec.CorrelationID)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}
