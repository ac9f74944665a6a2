package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"acs/pkg/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConnReqStore is the shared per-device connection-request state.
// Rows carry their own expiry; expired rows are treated as absent.
type ConnReqStore struct {
	db *gorm.DB
}

func NewConnReqStore(db *gorm.DB) *ConnReqStore {
	return &ConnReqStore{db: db}
}

// SetIfAbsent inserts info unless a live row exists for the device.
func (s *ConnReqStore) SetIfAbsent(ctx context.Context, info models.ConnReqInfo, ttl time.Duration) (bool, error) {
	now := time.Now()
	info.ExpiresAt = now.Add(ttl)
	info.UpdatedAt = now

	var inserted bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("device_key = ? AND expires_at <= ?", info.DeviceKey, now).Delete(&models.ConnReqInfo{}).Error; err != nil {
			return err
		}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&info)
		if result.Error != nil {
			return result.Error
		}
		inserted = result.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to claim conn-req state for %s: %w", info.DeviceKey, err)
	}
	return inserted, nil
}

// Get returns the live row for the device, or nil when there is none.
func (s *ConnReqStore) Get(ctx context.Context, deviceKey string) (*models.ConnReqInfo, error) {
	var info models.ConnReqInfo
	err := s.db.WithContext(ctx).Where("device_key = ? AND expires_at > ?", deviceKey, time.Now()).First(&info).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read conn-req state for %s: %w", deviceKey, err)
	}
	return &info, nil
}

func (s *ConnReqStore) Set(ctx context.Context, info models.ConnReqInfo, ttl time.Duration) error {
	now := time.Now()
	info.ExpiresAt = now.Add(ttl)
	info.UpdatedAt = now
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_key"}},
		UpdateAll: true,
	}).Create(&info).Error
	if err != nil {
		return fmt.Errorf("failed to set conn-req state for %s: %w", info.DeviceKey, err)
	}
	return nil
}

func (s *ConnReqStore) Delete(ctx context.Context, deviceKey string) error {
	return s.db.WithContext(ctx).Where("device_key = ?", deviceKey).Delete(&models.ConnReqInfo{}).Error
}

// DeleteIf removes the row only while it is still in the given state and owned by owner.
func (s *ConnReqStore) DeleteIf(ctx context.Context, deviceKey string, state models.ConnReqState, owner string) (bool, error) {
	result := s.db.WithContext(ctx).
		Where("device_key = ? AND state = ? AND owner = ?", deviceKey, state, owner).
		Delete(&models.ConnReqInfo{})
	if result.Error != nil {
		return false, fmt.Errorf("failed to release conn-req state for %s: %w", deviceKey, result.Error)
	}
	return result.RowsAffected > 0, nil
}
