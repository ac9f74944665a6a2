package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"acs/pkg/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/gorm"
)

const defaultCommLogLimit = 100

// CommLogQuery selects the most recent log rows of one device.
type CommLogQuery struct {
	DeviceKey string
	Limit     int
}

// CommLogWriter batches connection-request outcomes, session milestones and
// operation results into the comm_logs table. It runs in its own goroutine
// and uses COPY for the inserts to keep the session hot path free.
type CommLogWriter struct {
	events        <-chan models.Event
	requests      <-chan models.Request
	sqlDB         *sql.DB
	db            *gorm.DB
	batchSize     int
	flushInterval time.Duration

	pending []models.CommLog
	write   func(ctx context.Context, rows []models.CommLog) error
}

// NewCommLogWriter creates a new communication log writer.
func NewCommLogWriter(
	events <-chan models.Event,
	requests <-chan models.Request,
	db *gorm.DB,
	batchSize int,
	flushInterval time.Duration,
) *CommLogWriter {
	sqlDB, err := db.DB()
	if err != nil {
		slog.Error("Failed to get sql.DB from gorm.DB", "component", "CommLogWriter", "error", err)
	}
	writer := &CommLogWriter{
		events:        events,
		requests:      requests,
		sqlDB:         sqlDB,
		db:            db,
		batchSize:     max(batchSize, 1),
		flushInterval: flushInterval,
	}
	writer.write = writer.copyRows
	return writer
}

// Run starts the writer's main loop. Pending rows are flushed on shutdown.
func (writer *CommLogWriter) Run(ctx context.Context) {
	slog.Info("Starting comm log writer", "component", "CommLogWriter", "batch_size", writer.batchSize, "flush_interval", writer.flushInterval.String())

	ticker := time.NewTicker(writer.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Parent context is gone; give the final batch its own deadline.
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			writer.flush(flushCtx)
			cancel()
			slog.Info("Stopping comm log writer", "component", "CommLogWriter")
			return
		case event := <-writer.events:
			row, ok := models.CommLogFromEvent(event)
			if !ok {
				continue
			}
			writer.pending = append(writer.pending, row)
			if len(writer.pending) >= writer.batchSize {
				writer.flush(ctx)
			}
		case <-ticker.C:
			writer.flush(ctx)
		case req := <-writer.requests:
			writer.handleQuery(ctx, req)
		}
	}
}

// flush writes the pending batch. A failed batch is dropped.
func (writer *CommLogWriter) flush(ctx context.Context) {
	if len(writer.pending) == 0 {
		return
	}
	rows := writer.pending
	writer.pending = nil

	if err := writer.write(ctx, rows); err != nil {
		slog.Error("Batch insert failed", "component", "CommLogWriter", "dropped", len(rows), "error", err)
		return
	}
	slog.Debug("Batch inserted comm logs", "component", "CommLogWriter", "count", len(rows))
}

// copyRows bulk inserts rows through the pgx connection underneath database/sql.
func (writer *CommLogWriter) copyRows(ctx context.Context, logs []models.CommLog) error {
	rows := make([][]any, 0, len(logs))
	for _, l := range logs {
		rows = append(rows, []any{l.DeviceKey, l.Kind, l.Detail, l.CreatedAt})
	}

	conn, err := writer.sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	return conn.Raw(func(driverConn any) error {
		pgxConn := driverConn.(*stdlib.Conn).Conn()

		_, copyErr := pgxConn.CopyFrom(
			ctx,
			pgx.Identifier{"comm_logs"},
			[]string{"device_key", "kind", "detail", "created_at"},
			pgx.CopyFromRows(rows),
		)
		return copyErr
	})
}

// handleQuery answers comm log reads from the API.
func (writer *CommLogWriter) handleQuery(ctx context.Context, req models.Request) {
	var resp models.Response

	query, ok := req.Payload.(*CommLogQuery)
	if !ok {
		resp.Error = fmt.Errorf("invalid payload for comm log query")
		req.ReplyCh <- resp
		return
	}

	// Rows still in the batch are not visible yet.
	writer.flush(ctx)

	limit := query.Limit
	if limit <= 0 {
		limit = defaultCommLogLimit
	}
	var logs []models.CommLog
	err := writer.db.WithContext(ctx).
		Where("device_key = ?", query.DeviceKey).
		Order("created_at DESC").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		resp.Error = fmt.Errorf("comm log query failed: %w", err)
	} else {
		resp.Data = logs
	}

	req.ReplyCh <- resp
}
