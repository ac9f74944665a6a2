package database

import (
	"context"
	"os"
	"testing"
	"time"

	"acs/pkg/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// openTestDB connects to the database named by ACS_TEST_DSN, skipping otherwise.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("ACS_TEST_DSN")
	if dsn == "" {
		t.Skip("ACS_TEST_DSN not set")
	}
	db, err := Open(dsn, logger.Silent)
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	return db
}

func uniqueKey() string {
	return "test-00D09E-" + uuid.NewString()[:8]
}

func TestDeviceStoreRecordInform(t *testing.T) {
	db := openTestDB(t)
	store := NewDeviceStore(db, testKey)
	ctx := context.Background()
	key := uniqueKey()

	enabled, interval := true, 300
	inf := models.InformRecord{
		Identity:                      models.DeviceIdentity{OrgID: "test", DeviceKey: key},
		OUI:                           "00D09E",
		SerialNumber:                  key,
		SoftwareVersion:               "1.0",
		ConnReqURL:                    "http://10.0.0.1:7547/",
		PeriodicInformEnabled:         &enabled,
		PeriodicInformIntervalSeconds: &interval,
		Parameters:                    map[string]string{"Device.DeviceInfo.UpTime": "10"},
		At:                            time.Now(),
	}
	dev, err := store.RecordInform(ctx, inf)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusOnline, dev.Status)
	assert.Equal(t, 300, dev.PeriodicInformIntervalSeconds)

	inf.SoftwareVersion = "2.0"
	inf.ConnReqURL = ""
	inf.PeriodicInformEnabled = nil
	inf.Parameters = map[string]string{"Device.DeviceInfo.SoftwareVersion": "2.0"}
	dev, err = store.RecordInform(ctx, inf)
	require.NoError(t, err)
	assert.Equal(t, "2.0", dev.SoftwareVersion)
	assert.Equal(t, "http://10.0.0.1:7547/", dev.ConnReqURL, "an absent URL keeps the stored one")
	assert.True(t, dev.PeriodicInformEnabled)
	assert.Equal(t, "10", dev.Parameters["Device.DeviceInfo.UpTime"])
	assert.Equal(t, "2.0", dev.Parameters["Device.DeviceInfo.SoftwareVersion"])

	_, err = store.FindByKey(ctx, "missing-"+key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOperationStoreClaimAndFinish(t *testing.T) {
	db := openTestDB(t)
	store := NewOperationStore(db)
	ctx := context.Background()

	rec := &models.OperationRecord{
		CorrelationID: uuid.NewString(),
		OrgID:         "test",
		DeviceKey:     uniqueKey(),
		Type:          models.OpTypeReboot,
		State:         models.OpStatePending,
	}
	require.NoError(t, store.Create(ctx, rec))

	ok, err := store.Claim(ctx, rec.CorrelationID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Claim(ctx, rec.CorrelationID)
	require.NoError(t, err)
	assert.False(t, ok, "a claimed record cannot be claimed again")

	require.NoError(t, rec.Succeed(nil, time.Now()))
	ok, err = store.Finish(ctx, rec)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Finish(ctx, rec)
	require.NoError(t, err)
	assert.False(t, ok, "completion is written once")

	got, err := store.Get(ctx, rec.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, models.OpStateSucceeded, got.State)
	assert.Equal(t, 1, got.Attempts)
}

func TestConnReqStoreSetIfAbsent(t *testing.T) {
	db := openTestDB(t)
	store := NewConnReqStore(db)
	ctx := context.Background()
	key := uniqueKey()

	ok, err := store.SetIfAbsent(ctx, models.ConnReqInfo{DeviceKey: key, State: models.ConnReqSending, Owner: "a"}, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetIfAbsent(ctx, models.ConnReqInfo{DeviceKey: key, State: models.ConnReqSending, Owner: "b"}, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	info, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "a", info.Owner)

	released, err := store.DeleteIf(ctx, key, models.ConnReqSending, "b")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = store.DeleteIf(ctx, key, models.ConnReqSending, "a")
	require.NoError(t, err)
	assert.True(t, released)

	info, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestSessionStoreExpiry(t *testing.T) {
	db := openTestDB(t)
	store := NewSessionStore(db)
	ctx := context.Background()

	rec := &models.SessionRecord{Cookie: uuid.NewString(), OrgID: "test", DeviceKey: uniqueKey(), ExpiresAt: time.Now().Add(time.Minute)}
	require.NoError(t, store.Save(ctx, rec))

	got, err := store.Get(ctx, rec.Cookie)
	require.NoError(t, err)
	assert.Equal(t, rec.DeviceKey, got.DeviceKey)

	rec.ExpiresAt = time.Now().Add(-time.Second)
	require.NoError(t, store.Save(ctx, rec))
	_, err = store.Get(ctx, rec.Cookie)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGormRepositoryNaturalKey(t *testing.T) {
	db := openTestDB(t)
	repo := NewGormRepository[models.Device](db, "device_key", "org_id", "oui", "serial_number")
	ctx := context.Background()
	key := uniqueKey()

	dev, err := repo.Create(ctx, &models.Device{OrgID: "test", DeviceKey: key, OUI: "00D09E", SerialNumber: key, Status: models.DeviceStatusNew})
	require.NoError(t, err)

	got, err := repo.GetByKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, dev.ID, got.ID)

	_, err = repo.GetByKey(ctx, key+"-missing")
	assert.ErrorIs(t, err, ErrNotFound)

	// Identity columns survive an update that tries to change them.
	updated, err := repo.Update(ctx, dev.ID, &models.Device{DeviceKey: "other", OrgID: "other", Manufacturer: "Acme"})
	require.NoError(t, err)
	assert.Equal(t, key, updated.DeviceKey)
	assert.Equal(t, "test", updated.OrgID)
	assert.Equal(t, "Acme", updated.Manufacturer)

	n, err := repo.UpdateByKey(ctx, key, map[string]any{"status": models.DeviceStatusUnreachable})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	_, err = repo.UpdateByKey(ctx, key, map[string]any{"device_key": "other"})
	assert.Error(t, err)

	page, err := repo.List(ctx, models.Page{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, page, 1)

	require.NoError(t, repo.Delete(ctx, dev.ID))
	assert.ErrorIs(t, repo.Delete(ctx, dev.ID), ErrNotFound)
}
