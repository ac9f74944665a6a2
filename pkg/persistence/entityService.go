package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"acs/pkg/database"
	"acs/pkg/models"

	"gorm.io/gorm"
)

// ErrInvalidDevice is returned when a device cannot be identified.
var ErrInvalidDevice = errors.New("invalid device")

// sendEvent sends an event to a channel without blocking.
// If the channel is full, it logs a warning and drops the event.
func sendEvent(ch chan<- models.Event, event models.Event) {
	if ch == nil {
		return
	}
	select {
	case ch <- event:
	default:
		slog.Warn("Channel full, dropping event", "component", "EntityService", "event_type", event.Type)
	}
}

// EntityService serves device and operation record requests coming from the
// API and the health monitor.
type EntityService struct {
	requestsChan <-chan models.Request

	deviceRepo database.Repository[models.Device]
	opRepo     database.Repository[models.OperationRecord]

	// Device lifecycle events (comm log)
	deviceEvents chan<- models.Event
}

// NewEntityService creates a new entity service.
func NewEntityService(
	requests <-chan models.Request,
	db *gorm.DB,
	deviceEvents chan<- models.Event,
) *EntityService {
	return &EntityService{
		requestsChan: requests,
		deviceRepo:   database.NewGormRepository[models.Device](db, "device_key", "org_id", "oui", "serial_number"),
		opRepo:       database.NewGormRepository[models.OperationRecord](db, "correlation_id"),
		deviceEvents: deviceEvents,
	}
}

// Run starts the entity service's main loop.
func (writer *EntityService) Run(ctx context.Context) {
	slog.Info("Starting entity service", "component", "EntityService")

	for {
		select {
		case <-ctx.Done():
			slog.Info("Stopping entity service", "component", "EntityService")
			return
		case req := <-writer.requestsChan:
			writer.handleRequest(ctx, req)
		}
	}
}

// handleRequest routes requests to the repository of the entity type.
func (writer *EntityService) handleRequest(ctx context.Context, req models.Request) {
	var resp models.Response

	switch req.EntityType {
	case "Device":
		resp = writer.handleDevice(ctx, req)
	case "OperationRecord":
		resp = writer.handleOperationRecord(ctx, req)
	default:
		resp.Error = fmt.Errorf("unknown entity type: %s", req.EntityType)
	}

	req.ReplyCh <- resp
}

// handleCRUD is a generic CRUD handler that works with any repository type.
func handleCRUD[T any](
	ctx context.Context,
	req models.Request,
	repo database.Repository[T],
	eventCh chan<- models.Event,
) models.Response {
	var resp models.Response

	switch req.Operation {
	case models.OpList:
		var page models.Page
		if p, ok := req.Payload.(*models.Page); ok {
			page = *p
		}
		data, err := repo.List(ctx, page)
		resp.Data, resp.Error = data, err

	case models.OpGet:
		data, err := repo.Get(ctx, req.ID)
		resp.Data, resp.Error = data, err

	case models.OpCreate:
		entity, ok := req.Payload.(*T)
		if !ok {
			resp.Error = fmt.Errorf("invalid payload type")
			return resp
		}
		data, err := repo.Create(ctx, entity)
		if err == nil {
			sendEvent(eventCh, models.Event{Type: models.EventCreate, Payload: data})
		}
		resp.Data, resp.Error = data, err

	case models.OpUpdate:
		entity, ok := req.Payload.(*T)
		if !ok {
			resp.Error = fmt.Errorf("invalid payload type")
			return resp
		}
		data, err := repo.Update(ctx, req.ID, entity)
		if err == nil {
			sendEvent(eventCh, models.Event{Type: models.EventUpdate, Payload: data})
		}
		resp.Data, resp.Error = data, err

	case models.OpDelete:
		// Fetch entity before delete for event payload
		entity, _ := repo.Get(ctx, req.ID)
		err := repo.Delete(ctx, req.ID)
		if err == nil && entity != nil {
			sendEvent(eventCh, models.Event{Type: models.EventDelete, Payload: entity})
		}
		resp.Error = err

	default:
		resp.Error = fmt.Errorf("unknown operation: %s", req.Operation)
	}

	return resp
}

// handleDevice handles device CRUD, lookups by device key and the health
// monitor verdict. Passwords never leave the service.
func (writer *EntityService) handleDevice(ctx context.Context, req models.Request) models.Response {
	var resp models.Response

	switch req.Operation {
	case models.OpGetByKey:
		resp.Data, resp.Error = writer.deviceRepo.GetByKey(ctx, req.Key)
	case models.OpMarkUnreachable:
		resp = writer.markUnreachable(ctx, req.Key)
	case models.OpCreate:
		dev, ok := req.Payload.(*models.Device)
		if !ok {
			resp.Error = fmt.Errorf("invalid payload type")
			return resp
		}
		id := dev.Identity()
		if !id.Valid() {
			resp.Error = fmt.Errorf("%w: cannot derive a device key from org %q, oui %q and serial %q", ErrInvalidDevice, dev.OrgID, dev.OUI, dev.SerialNumber)
			return resp
		}
		dev.DeviceKey = id.DeviceKey
		if dev.Status == "" {
			dev.Status = models.DeviceStatusNew
		}
		resp = handleCRUD(ctx, req, writer.deviceRepo, writer.deviceEvents)
	default:
		resp = handleCRUD(ctx, req, writer.deviceRepo, writer.deviceEvents)
	}

	resp.Data = redact(resp.Data)
	return resp
}

// markUnreachable flips a device to unreachable. Called by HealthMonitor when
// the failure threshold is exceeded; the next Inform marks it online again.
func (writer *EntityService) markUnreachable(ctx context.Context, deviceKey string) models.Response {
	n, err := writer.deviceRepo.UpdateByKey(ctx, deviceKey, map[string]any{
		"status":     models.DeviceStatusUnreachable,
		"updated_at": time.Now(),
	})
	if err != nil {
		return models.Response{Error: fmt.Errorf("failed to mark %s unreachable: %w", deviceKey, err)}
	}
	if n == 0 {
		return models.Response{Error: fmt.Errorf("device %s: %w", deviceKey, database.ErrNotFound)}
	}

	sendEvent(writer.deviceEvents, models.Event{
		Type:    models.EventUpdate,
		Payload: &models.Device{DeviceKey: deviceKey, Status: models.DeviceStatusUnreachable, UpdatedAt: time.Now()},
	})
	slog.Info("Device marked unreachable", "component", "EntityService", "device_key", deviceKey)
	return models.Response{Data: n}
}

// handleOperationRecord serves read-only views of operation records. Writes
// belong to the dispatcher.
func (writer *EntityService) handleOperationRecord(ctx context.Context, req models.Request) models.Response {
	var resp models.Response

	switch req.Operation {
	case models.OpGetByKey:
		resp.Data, resp.Error = writer.opRepo.GetByKey(ctx, req.Key)
	case models.OpList, models.OpGet:
		resp = handleCRUD(ctx, req, writer.opRepo, nil)
	default:
		resp.Error = fmt.Errorf("operation %s not allowed on operation records", req.Operation)
	}
	return resp
}

func redact(data any) any {
	switch v := data.(type) {
	case *models.Device:
		if v != nil {
			v.ConnReqPassword = ""
		}
	case []*models.Device:
		for _, dev := range v {
			dev.ConnReqPassword = ""
		}
	}
	return data
}
