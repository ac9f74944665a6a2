package database

import (
	"context"
	"fmt"
	"time"

	"acs/pkg/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SessionStore keeps the cookie-keyed session bookkeeping.
type SessionStore struct {
	db *gorm.DB
}

func NewSessionStore(db *gorm.DB) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) Save(ctx context.Context, rec *models.SessionRecord) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cookie"}},
		UpdateAll: true,
	}).Create(rec).Error
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", rec.Cookie, err)
	}
	return nil
}

// Get returns the live record for the cookie, or ErrNotFound when it is unknown or expired.
func (s *SessionStore) Get(ctx context.Context, cookie string) (*models.SessionRecord, error) {
	var rec models.SessionRecord
	err := s.db.WithContext(ctx).Where("cookie = ? AND expires_at > ?", cookie, time.Now()).First(&rec).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

func (s *SessionStore) Delete(ctx context.Context, cookie string) error {
	return s.db.WithContext(ctx).Where("cookie = ?", cookie).Delete(&models.SessionRecord{}).Error
}

// PurgeExpired removes expired session rows and returns how many were removed.
func (s *SessionStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&models.SessionRecord{})
	return result.RowsAffected, result.Error
}
