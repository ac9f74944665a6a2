package health

import (
	"context"
	"log/slog"
	"time"

	"acs/pkg/models"
)

// FailureRecord tracks failure state for a single device.
type FailureRecord struct {
	LastTime time.Time
	Count    int
}

// HealthMonitor counts failed connection requests per device and marks a
// device unreachable once it exceeds the threshold inside the window.
// It only communicates via channels.
type HealthMonitor struct {
	failures      map[string]FailureRecord
	failureChan   <-chan models.Event   // Input: connection request outcomes
	entityReqChan chan<- models.Request // Output: mark-unreachable requests to EntityService
	window        time.Duration
	threshold     int
}

// NewHealthMonitor creates a new HealthMonitor instance.
func NewHealthMonitor(
	failureChan <-chan models.Event,
	entityReqChan chan<- models.Request,
	windowMin int,
	threshold int,
) *HealthMonitor {
	return &HealthMonitor{
		failures:      make(map[string]FailureRecord),
		failureChan:   failureChan,
		entityReqChan: entityReqChan,
		window:        time.Duration(windowMin) * time.Minute,
		threshold:     threshold,
	}
}

// Run starts the health monitor's main loop.
func (hm *HealthMonitor) Run(ctx context.Context) {
	slog.Info("Starting health monitor", "component", "HealthMonitor", "window", hm.window.String(), "threshold", hm.threshold)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Stopping health monitor", "component", "HealthMonitor")
			return
		case event := <-hm.failureChan:
			payload, ok := event.Payload.(*models.ConnReqOutcome)
			if !ok {
				continue
			}
			switch event.Type {
			case models.EventConnReqFailed:
				hm.handleFailure(ctx, payload)
			case models.EventConnReqSent:
				delete(hm.failures, payload.DeviceKey)
			}
		}
	}
}

// handleFailure processes a failure event and updates the failure count.
func (hm *HealthMonitor) handleFailure(ctx context.Context, event *models.ConnReqOutcome) {
	record := hm.failures[event.DeviceKey]

	if event.Timestamp.Sub(record.LastTime) < hm.window {
		record.Count++
		slog.Debug("Failure count increased",
			"component", "HealthMonitor",
			"device_key", event.DeviceKey,
			"reason", event.Error,
			"count", record.Count,
			"threshold", hm.threshold,
		)

		if record.Count >= hm.threshold {
			slog.Warn("Device exceeded failure threshold, marking unreachable",
				"component", "HealthMonitor",
				"device_key", event.DeviceKey,
				"count", record.Count,
			)
			hm.markUnreachable(ctx, event.DeviceKey)
			delete(hm.failures, event.DeviceKey)
			return
		}
	} else {
		// Outside window: reset count to 1
		record.Count = 1
		slog.Debug("Failure window reset",
			"component", "HealthMonitor",
			"device_key", event.DeviceKey,
			"reason", event.Error,
		)
	}

	record.LastTime = event.Timestamp
	hm.failures[event.DeviceKey] = record
}

// markUnreachable sends a status request to EntityService.
func (hm *HealthMonitor) markUnreachable(ctx context.Context, deviceKey string) {
	replyCh := make(chan models.Response, 1)
	req := models.Request{
		Operation:  models.OpMarkUnreachable,
		EntityType: "Device",
		Key:        deviceKey,
		ReplyCh:    replyCh,
	}
	select {
	case hm.entityReqChan <- req:
	case <-ctx.Done():
		return
	}

	// Wait for response (non-blocking in terms of other failures)
	go func() {
		resp := <-replyCh
		if resp.Error != nil {
			slog.Error("Failed to mark device unreachable",
				"component", "HealthMonitor",
				"device_key", deviceKey,
				"error", resp.Error,
			)
		} else {
			slog.Info("Device marked unreachable",
				"component", "HealthMonitor",
				"device_key", deviceKey,
			)
		}
	}()
}
