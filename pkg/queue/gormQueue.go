package queue

import (
	"context"
	"errors"
	"fmt"

	"acs/pkg/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormQueue stores entries in the device_op_queue table. Pop locks the head
// row with FOR UPDATE SKIP LOCKED so concurrent workers never hand out the
// same entry twice.
type GormQueue struct {
	db *gorm.DB
}

func NewGormQueue(db *gorm.DB) *GormQueue {
	return &GormQueue{db: db}
}

func (q *GormQueue) Push(ctx context.Context, rec *models.OperationRecord) error {
	entry := models.QueueEntry{
		DeviceKey:     rec.DeviceKey,
		CorrelationID: rec.CorrelationID,
		Record:        datatypes.NewJSONType(*rec.Clone()),
	}
	if err := q.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("failed to queue %s: %w", rec.CorrelationID, err)
	}
	return nil
}

func (q *GormQueue) Pop(ctx context.Context, deviceKey string) (*models.OperationRecord, error) {
	var entry models.QueueEntry
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("device_key = ?", deviceKey).
			Order("id").
			First(&entry).Error
		if err != nil {
			return err
		}
		return tx.Delete(&models.QueueEntry{}, entry.ID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop queue for %s: %w", deviceKey, err)
	}
	rec := entry.Record.Data()
	return &rec, nil
}

func (q *GormQueue) Remove(ctx context.Context, deviceKey, correlationID string) (bool, error) {
	result := q.db.WithContext(ctx).
		Where("device_key = ? AND correlation_id = ?", deviceKey, correlationID).
		Delete(&models.QueueEntry{})
	if result.Error != nil {
		return false, fmt.Errorf("failed to remove %s from queue: %w", correlationID, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (q *GormQueue) Len(ctx context.Context, deviceKey string) (int, error) {
	var count int64
	err := q.db.WithContext(ctx).Model(&models.QueueEntry{}).Where("device_key = ?", deviceKey).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count queue for %s: %w", deviceKey, err)
	}
	return int(count), nil
}
