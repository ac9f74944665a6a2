package database

import (
	"context"
	"fmt"

	"acs/pkg/models"

	"gorm.io/gorm"
)

var terminalStates = []models.OperationState{models.OpStateSucceeded, models.OpStateFailed, models.OpStateInternalError}

// OperationStore persists operation records. Claim and Finish are conditional
// so that two processes never both start or both complete the same operation.
type OperationStore struct {
	db *gorm.DB
}

func NewOperationStore(db *gorm.DB) *OperationStore {
	return &OperationStore{db: db}
}

func (s *OperationStore) Create(ctx context.Context, rec *models.OperationRecord) error {
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to store operation %s: %w", rec.CorrelationID, err)
	}
	return nil
}

func (s *OperationStore) Get(ctx context.Context, correlationID string) (*models.OperationRecord, error) {
	var rec models.OperationRecord
	if err := s.db.WithContext(ctx).Where("correlation_id = ?", correlationID).First(&rec).Error; err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

// Claim moves a pending record to in-progress and counts the attempt.
// It reports false when another process claimed or completed it first.
func (s *OperationStore) Claim(ctx context.Context, correlationID string) (bool, error) {
	result := s.db.WithContext(ctx).Model(&models.OperationRecord{}).
		Where("correlation_id = ? AND state = ?", correlationID, models.OpStatePending).
		Updates(map[string]any{
			"state":    models.OpStateInProgress,
			"attempts": gorm.Expr("attempts + 1"),
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to claim operation %s: %w", correlationID, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Finish writes the terminal outcome unless the record is already terminal.
func (s *OperationStore) Finish(ctx context.Context, rec *models.OperationRecord) (bool, error) {
	result := s.db.WithContext(ctx).Model(&models.OperationRecord{}).
		Where("correlation_id = ? AND state NOT IN ?", rec.CorrelationID, terminalStates).
		Updates(map[string]any{
			"state":        rec.State,
			"error_kind":   rec.ErrorKind,
			"error":        rec.Error,
			"result":       rec.Result,
			"completed_at": rec.CompletedAt,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to finish operation %s: %w", rec.CorrelationID, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Requeue returns a non-terminal record to pending, e.g. before a retry.
func (s *OperationStore) Requeue(ctx context.Context, correlationID string) error {
	result := s.db.WithContext(ctx).Model(&models.OperationRecord{}).
		Where("correlation_id = ? AND state NOT IN ?", correlationID, terminalStates).
		Update("state", models.OpStatePending)
	if result.Error != nil {
		return fmt.Errorf("failed to requeue operation %s: %w", correlationID, result.Error)
	}
	return nil
}
