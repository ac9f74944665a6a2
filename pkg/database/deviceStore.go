package database

import (
	"context"
	"fmt"
	"time"

	"acs/pkg/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DeviceStore is the device document store used by sessions and the dispatcher.
type DeviceStore struct {
	db     *gorm.DB
	secret string
}

func NewDeviceStore(db *gorm.DB, secret string) *DeviceStore {
	return &DeviceStore{db: db, secret: secret}
}

// RecordInform upserts the device from an Inform and returns the stored row.
// Reported parameters are merged into the cached parameter map.
func (s *DeviceStore) RecordInform(ctx context.Context, inf models.InformRecord) (*models.Device, error) {
	dev := models.Device{
		OrgID:           inf.Identity.OrgID,
		DeviceKey:       inf.Identity.DeviceKey,
		Manufacturer:    inf.Manufacturer,
		OUI:             inf.OUI,
		ProductClass:    inf.ProductClass,
		SerialNumber:    inf.SerialNumber,
		SoftwareVersion: inf.SoftwareVersion,
		ConnReqURL:      inf.ConnReqURL,
		LastInformAt:    &inf.At,
		Status:          models.DeviceStatusOnline,
		Parameters:      toJSONMap(inf.Parameters),
	}
	columns := []string{"manufacturer", "oui", "product_class", "serial_number", "software_version", "last_inform_at", "status", "updated_at"}
	if inf.ConnReqURL != "" {
		columns = append(columns, "conn_req_url")
	}
	if inf.PeriodicInformEnabled != nil {
		dev.PeriodicInformEnabled = *inf.PeriodicInformEnabled
		columns = append(columns, "periodic_inform_enabled")
	}
	if inf.PeriodicInformIntervalSeconds != nil {
		dev.PeriodicInformIntervalSeconds = *inf.PeriodicInformIntervalSeconds
		columns = append(columns, "periodic_inform_interval_seconds")
	}

	updates := clause.AssignmentColumns(columns)
	updates = append(updates, clause.Assignment{
		Column: clause.Column{Name: "parameters"},
		Value:  gorm.Expr("COALESCE(devices.parameters, '{}'::jsonb) || COALESCE(EXCLUDED.parameters, '{}'::jsonb)"),
	})

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "device_key"}},
			DoUpdates: updates,
		}).Create(&dev).Error
		if err != nil {
			return err
		}
		return tx.Where("device_key = ?", dev.DeviceKey).First(&dev).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record inform for %s: %w", inf.Identity.DeviceKey, err)
	}
	return DecryptDevice(&dev, s.secret), nil
}

// FindByKey returns the device with a clear-text connection-request password.
func (s *DeviceStore) FindByKey(ctx context.Context, deviceKey string) (*models.Device, error) {
	var dev models.Device
	if err := s.db.WithContext(ctx).Where("device_key = ?", deviceKey).First(&dev).Error; err != nil {
		return nil, notFound(err)
	}
	return DecryptDevice(&dev, s.secret), nil
}

// MergeParameters merges values into the cached parameter map of the device.
func (s *DeviceStore) MergeParameters(ctx context.Context, deviceKey string, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	result := s.db.WithContext(ctx).Model(&models.Device{}).
		Where("device_key = ?", deviceKey).
		Updates(map[string]any{
			"parameters": gorm.Expr("COALESCE(parameters, '{}'::jsonb) || ?", toJSONMap(values)),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to cache parameters for %s: %w", deviceKey, result.Error)
	}
	return nil
}

func toJSONMap(values map[string]string) datatypes.JSONMap {
	if len(values) == 0 {
		return nil
	}
	m := make(datatypes.JSONMap, len(values))
	for k, v := range values {
		m[k] = v
	}
	return m
}
