package fleet

import (
	"fmt"
	"testing"
	"time"

	"droidpool/internal/events"
	"droidpool/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.TargetDevice{}))
	return db
}

func intPtr(n int) *int { return &n }

func TestApplyHeartbeatRegistersNewDevice(t *testing.T) {
	db := newTestDB(t)
	rec := &events.Recorder{}
	rc := NewReconciler(NewRepo(db), rec, nil)

	res, err := rc.ApplyHeartbeat("gw-1", []ReportedDevice{{
		Name:         "pixel-7",
		SerialNumber: "SN001",
		DeviceType:   models.DevicePhysical,
		ADBStatus:    true,
		SerialStatus: true,
		HealthScore:  intPtr(95),
	}}, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Registered)

	d, found, err := NewRepo(db).FindBySerial("SN001")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, models.DeviceAvailable, d.Status)
	assert.Equal(t, "gw-1", d.GatewayID)
	require.NotNil(t, d.LastHeartbeat)
	assert.Len(t, rec.OfType(events.TargetRegistered), 1)
}

func TestApplyHeartbeatMatchesBySerialThenName(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepo(db)
	rc := NewReconciler(repo, events.Discard{}, nil)
	now := time.Now().UTC()

	_, err := rc.ApplyHeartbeat("gw-1", []ReportedDevice{
		{Name: "pixel-7", SerialNumber: "SN001", ADBStatus: true},
		{Name: "no-serial", ADBStatus: true},
	}, now)
	require.NoError(t, err)

	// тот же серийник с другого шлюза под другим именем — та же запись
	_, err = rc.ApplyHeartbeat("gw-2", []ReportedDevice{
		{Name: "pixel-7-moved", SerialNumber: "SN001", ADBStatus: true},
	}, now)
	require.NoError(t, err)

	d, found, err := repo.FindBySerial("SN001")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "gw-2", d.GatewayID)
	assert.Equal(t, "pixel-7-moved", d.Name)

	var count int64
	require.NoError(t, db.Model(&models.TargetDevice{}).Count(&count).Error)
	assert.EqualValues(t, 2, count, "serial match must not duplicate")

	// без серийника сопоставление по (gateway, name)
	_, err = rc.ApplyHeartbeat("gw-1", []ReportedDevice{
		{Name: "no-serial", ADBStatus: true, IPAddress: "10.0.0.9"},
	}, now)
	require.NoError(t, err)
	d2, found, err := repo.FindByGatewayAndName("gw-1", "no-serial")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "10.0.0.9", d2.IPAddress)
}

func TestApplyHeartbeatIdempotent(t *testing.T) {
	db := newTestDB(t)
	rec := &events.Recorder{}
	rc := NewReconciler(NewRepo(db), rec, nil)
	now := time.Now().UTC()

	batch := []ReportedDevice{
		{Name: "a", SerialNumber: "A", ADBStatus: true},
		{Name: "b", SerialNumber: "B", ADBStatus: true},
	}
	_, err := rc.ApplyHeartbeat("gw-1", batch, now)
	require.NoError(t, err)
	after := rec.Len()

	// тот же снимок ещё раз: статусы не меняются, событий не прибавляется
	res, err := rc.ApplyHeartbeat("gw-1", batch, now.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Updated)
	assert.Equal(t, 0, res.Registered)
	assert.Equal(t, 0, res.Offline)
	assert.Equal(t, after, rec.Len(), "identical snapshot must not emit events")
}

func TestApplyHeartbeatSetDifferenceOffline(t *testing.T) {
	db := newTestDB(t)
	rec := &events.Recorder{}
	rc := NewReconciler(NewRepo(db), rec, nil)
	now := time.Now().UTC()

	_, err := rc.ApplyHeartbeat("gw-1", []ReportedDevice{
		{Name: "a", SerialNumber: "A", ADBStatus: true},
		{Name: "b", SerialNumber: "B", ADBStatus: true},
	}, now)
	require.NoError(t, err)

	res, err := rc.ApplyHeartbeat("gw-1", []ReportedDevice{
		{Name: "a", SerialNumber: "A", ADBStatus: true},
	}, now.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Offline)

	d, _, err := NewRepo(db).FindBySerial("B")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceOffline, d.Status)
	assert.Len(t, rec.OfType(events.TargetDisconnected), 1)
}

func TestApplyHeartbeatNeverTouchesReservedOrMaintenance(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepo(db)
	rc := NewReconciler(repo, events.Discard{}, nil)
	now := time.Now().UTC()

	reserved := &models.TargetDevice{Name: "r", GatewayID: "gw-1", SerialNumber: "R",
		Status: models.DeviceReserved, IsActive: true}
	maint := &models.TargetDevice{Name: "m", GatewayID: "gw-1", SerialNumber: "M",
		Status: models.DeviceMaintenance, IsActive: true}
	require.NoError(t, repo.Create(reserved))
	require.NoError(t, repo.Create(maint))

	// присутствуют в снимке — статус не перетирается
	_, err := rc.ApplyHeartbeat("gw-1", []ReportedDevice{
		{Name: "r", SerialNumber: "R", ADBStatus: true},
		{Name: "m", SerialNumber: "M", ADBStatus: true},
	}, now)
	require.NoError(t, err)
	d, _ := repo.Get(reserved.ID)
	assert.Equal(t, models.DeviceReserved, d.Status)
	d, _ = repo.Get(maint.ID)
	assert.Equal(t, models.DeviceMaintenance, d.Status)

	// отсутствуют в снимке — тоже не уходят в offline
	_, err = rc.ApplyHeartbeat("gw-1", nil, now.Add(10*time.Second))
	require.NoError(t, err)
	d, _ = repo.Get(reserved.ID)
	assert.Equal(t, models.DeviceReserved, d.Status)
	d, _ = repo.Get(maint.ID)
	assert.Equal(t, models.DeviceMaintenance, d.Status)

	// телеметрия при этом обновляется
	require.NotNil(t, d.LastHeartbeat)
}

func TestSweepStaleRespectsReserved(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepo(db)
	now := time.Now().UTC()
	old := now.Add(-5 * time.Minute)

	mk := func(name string, status models.DeviceStatus) *models.TargetDevice {
		d := &models.TargetDevice{Name: name, GatewayID: "gw-1", Status: status,
			IsActive: true, HeartbeatIntervalSeconds: 10, LastHeartbeat: &old}
		require.NoError(t, repo.Create(d))
		return d
	}
	stale := mk("stale", models.DeviceAvailable)
	reserved := mk("reserved", models.DeviceReserved)
	fresh := &models.TargetDevice{Name: "fresh", GatewayID: "gw-1",
		Status: models.DeviceAvailable, IsActive: true,
		HeartbeatIntervalSeconds: 10, LastHeartbeat: &now}
	require.NoError(t, repo.Create(fresh))

	rec := &events.Recorder{}
	sw := NewSweeper(repo, rec, nil, 3)
	n, err := sw.SweepStale(now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	d, _ := repo.Get(stale.ID)
	assert.Equal(t, models.DeviceOffline, d.Status)
	d, _ = repo.Get(reserved.ID)
	assert.Equal(t, models.DeviceReserved, d.Status)
	d, _ = repo.Get(fresh.ID)
	assert.Equal(t, models.DeviceAvailable, d.Status)
	assert.Len(t, rec.OfType(events.TargetDisconnected), 1)
}

func TestRemoveStaleDeactivates(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepo(db)
	now := time.Now().UTC()
	old := now.Add(-48 * time.Hour)

	d := &models.TargetDevice{Name: "gone", GatewayID: "gw-1",
		Status: models.DeviceOffline, IsActive: true, LastHeartbeat: &old}
	require.NoError(t, repo.Create(d))

	sw := NewSweeper(repo, events.Discard{}, nil, 3)
	removed, err := sw.RemoveStale(now, 24*time.Hour, "")
	require.NoError(t, err)
	require.Len(t, removed, 1)

	got, err := repo.Get(d.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
}
