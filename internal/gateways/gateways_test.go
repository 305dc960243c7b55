package gateways

import (
	"fmt"
	"testing"
	"time"

	"droidpool/internal/events"
	"droidpool/internal/fault"
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
	require.NoError(t, db.AutoMigrate(
		&models.Gateway{},
		&models.GatewayAuditLog{},
		&models.TargetDevice{},
		&models.TargetGatewayAssociation{},
	))
	return db
}

func mkGateway(t *testing.T, repo *Repo, id string, parent *string) *models.Gateway {
	t.Helper()
	g := &models.Gateway{GatewayID: id, Name: id}
	if parent != nil {
		require.NoError(t, repo.SetParent(g, parent))
	}
	require.NoError(t, repo.Create(g, nil))
	return g
}

func strPtr(s string) *string { return &s }

func TestCreateRejectsDuplicateGatewayID(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepo(db, events.Discard{})

	mkGateway(t, repo, "gw-1", nil)
	err := repo.Create(&models.Gateway{GatewayID: "gw-1", Name: "other"}, nil)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.Conflict))
}

func TestSetParentRejectsCycles(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepo(db, events.Discard{})

	// master ← region ← site
	master := mkGateway(t, repo, "master", nil)
	mkGateway(t, repo, "region", strPtr("master"))
	mkGateway(t, repo, "site", strPtr("region"))

	err := repo.SetParent(master, strPtr("site"))
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.Conflict))

	err = repo.SetParent(master, strPtr("master"))
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.Conflict))

	err = repo.SetParent(master, strPtr("nope"))
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.NotFound))
}

func TestHierarchyOrphansBecomeRoots(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepo(db, events.Discard{})

	mkGateway(t, repo, "master", nil)
	mkGateway(t, repo, "region", strPtr("master"))
	orphan := &models.Gateway{GatewayID: "orphan", Name: "orphan"}
	missing := "vanished"
	orphan.ParentGatewayID = &missing
	require.NoError(t, db.Create(orphan).Error)

	roots, err := repo.Hierarchy()
	require.NoError(t, err)
	require.Len(t, roots, 2, "master and the orphan")

	byID := map[string]*HierarchyNode{}
	for _, r := range roots {
		byID[r.Gateway.GatewayID] = r
	}
	require.Contains(t, byID, "master")
	require.Contains(t, byID, "orphan")
	assert.Len(t, byID["master"].Children, 1)
}

func TestGatewayHeartbeatEmitsStatusChangeOnlyOnChange(t *testing.T) {
	db := newTestDB(t)
	rec := &events.Recorder{}
	repo := NewRepo(db, rec)
	mkGateway(t, repo, "gw-1", nil) // offline по умолчанию
	now := time.Now().UTC()

	_, err := repo.ApplyHeartbeat("gw-1", HeartbeatReport{Status: models.GatewayOnline}, now)
	require.NoError(t, err)
	assert.Len(t, rec.OfType(events.GatewayStatusChanged), 1)

	// тот же статус ещё раз — события нет
	_, err = repo.ApplyHeartbeat("gw-1", HeartbeatReport{Status: models.GatewayOnline}, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, rec.OfType(events.GatewayStatusChanged), 1)

	_, err = repo.ApplyHeartbeat("unknown", HeartbeatReport{}, now)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.NotFound))
}

func newAssocFixture(t *testing.T) (*gorm.DB, *Repo, *Associations, *events.Recorder) {
	db := newTestDB(t)
	rec := &events.Recorder{}
	repo := NewRepo(db, rec)
	return db, repo, NewAssociations(db, repo, rec, nil), rec
}

func mkDevice(t *testing.T, db *gorm.DB, name string) *models.TargetDevice {
	t.Helper()
	d := &models.TargetDevice{Name: name, GatewayID: "gw-1",
		Status: models.DeviceAvailable, IsActive: true}
	require.NoError(t, db.Create(d).Error)
	return d
}

func TestAssociateExclusivity(t *testing.T) {
	db, repo, assocs, _ := newAssocFixture(t)
	mkGateway(t, repo, "gw-1", nil)
	mkGateway(t, repo, "gw-2", nil)
	dev := mkDevice(t, db, "d1")

	first, err := assocs.Associate(dev.ID, "gw-1", false)
	require.NoError(t, err)

	_, err = assocs.Associate(dev.ID, "gw-2", false)
	require.Error(t, err, "one live association per device")
	assert.True(t, fault.IsKind(err, fault.Conflict))

	// мёртвая ассоциация эксклюзивность не держит
	_, err = assocs.UpdateStatus(first.ID, models.AssocFailed, nil)
	require.NoError(t, err)
	_, err = assocs.Associate(dev.ID, "gw-2", false)
	require.NoError(t, err)
}

func TestTunnelPortAllocation(t *testing.T) {
	db, repo, assocs, _ := newAssocFixture(t)
	g := &models.Gateway{GatewayID: "gw-1", Name: "gw-1", TunnelPortBase: 30000, TunnelPortCount: 2}
	require.NoError(t, repo.Create(g, nil))

	d1 := mkDevice(t, db, "d1")
	d2 := mkDevice(t, db, "d2")
	d3 := mkDevice(t, db, "d3")

	a1, err := assocs.Associate(d1.ID, "gw-1", true)
	require.NoError(t, err)
	assert.Equal(t, 30000, a1.TunnelPort)
	assert.NotEmpty(t, a1.TunnelID)

	a2, err := assocs.Associate(d2.ID, "gw-1", true)
	require.NoError(t, err)
	assert.Equal(t, 30001, a2.TunnelPort)

	_, err = assocs.Associate(d3.ID, "gw-1", true)
	require.Error(t, err, "range exhausted")
	assert.True(t, fault.IsKind(err, fault.Conflict))

	// освобождённый порт переиспользуется
	require.NoError(t, assocs.Disassociate(a1.ID, false))
	a3, err := assocs.Associate(d3.ID, "gw-1", true)
	require.NoError(t, err)
	assert.Equal(t, 30000, a3.TunnelPort)
}

func TestCheckHealthThresholds(t *testing.T) {
	db, repo, assocs, _ := newAssocFixture(t)
	mkGateway(t, repo, "gw-1", nil)

	cases := []struct {
		score int
		want  models.AssociationStatus
	}{
		{0, models.AssocFailed},
		{29, models.AssocFailed},
		{30, models.AssocDisconnected},
		{59, models.AssocDisconnected},
		{60, models.AssocConnected},
		{100, models.AssocConnected},
	}
	now := time.Now().UTC()
	for i, c := range cases {
		dev := mkDevice(t, db, fmt.Sprintf("d%d", i))
		a, err := assocs.Associate(dev.ID, "gw-1", false)
		require.NoError(t, err)
		got, err := assocs.CheckHealth(a.ID, c.score, now)
		require.NoError(t, err)
		assert.Equal(t, c.want, got.Status, "score %d", c.score)
	}
}

func TestCheckHealthSkipsFreshRecheck(t *testing.T) {
	db, repo, assocs, _ := newAssocFixture(t)
	mkGateway(t, repo, "gw-1", nil)
	dev := mkDevice(t, db, "d1")
	a, err := assocs.Associate(dev.ID, "gw-1", false)
	require.NoError(t, err)

	now := time.Now().UTC()
	got, err := assocs.CheckHealth(a.ID, 10, now)
	require.NoError(t, err)
	require.Equal(t, models.AssocFailed, got.Status)

	// свежее значение не пересчитывается
	got, err = assocs.CheckHealth(a.ID, 100, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.AssocFailed, got.Status)

	// после окна — пересчитывается
	got, err = assocs.CheckHealth(a.ID, 100, now.Add(RecheckAfter+time.Second))
	require.NoError(t, err)
	assert.Equal(t, models.AssocConnected, got.Status)
}

func TestAutoCleanupRemovesInactiveDeadAssociations(t *testing.T) {
	db, repo, assocs, rec := newAssocFixture(t)
	mkGateway(t, repo, "gw-1", nil)
	now := time.Now().UTC()
	old := now.Add(-48 * time.Hour)

	dead := &models.TargetGatewayAssociation{
		TargetID: mkDevice(t, db, "dead").ID, GatewayID: "gw-1",
		Status: models.AssocFailed, LastHealthCheck: &old,
	}
	recent := &models.TargetGatewayAssociation{
		TargetID: mkDevice(t, db, "recent").ID, GatewayID: "gw-1",
		Status: models.AssocDisconnected, LastHealthCheck: &now,
	}
	live := &models.TargetGatewayAssociation{
		TargetID: mkDevice(t, db, "live").ID, GatewayID: "gw-1",
		Status: models.AssocConnected, LastHealthCheck: &old,
	}
	for _, a := range []*models.TargetGatewayAssociation{dead, recent, live} {
		require.NoError(t, db.Create(a).Error)
	}

	n, err := assocs.AutoCleanup(now, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = assocs.Get(dead.ID)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.NotFound))
	_, err = assocs.Get(recent.ID)
	require.NoError(t, err)
	_, err = assocs.Get(live.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.OfType(events.AssociationRemoved))
}

func TestDisassociateForceDemotesDevice(t *testing.T) {
	db, repo, assocs, _ := newAssocFixture(t)
	mkGateway(t, repo, "gw-1", nil)
	dev := mkDevice(t, db, "d1")

	a, err := assocs.Associate(dev.ID, "gw-1", false)
	require.NoError(t, err)
	_, err = assocs.UpdateStatus(a.ID, models.AssocConnected, nil)
	require.NoError(t, err)

	err = assocs.Disassociate(a.ID, false)
	require.Error(t, err, "connected association needs force")
	assert.True(t, fault.IsKind(err, fault.Conflict))

	require.NoError(t, assocs.Disassociate(a.ID, true))
	var d models.TargetDevice
	require.NoError(t, db.First(&d, dev.ID).Error)
	assert.Equal(t, models.DeviceOffline, d.Status)
}

func TestDisassociateReservedDeviceNeedsForce(t *testing.T) {
	db, repo, assocs, _ := newAssocFixture(t)
	mkGateway(t, repo, "gw-1", nil)
	dev := mkDevice(t, db, "d1")

	a, err := assocs.Associate(dev.ID, "gw-1", false)
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.TargetDevice{}).Where("id = ?", dev.ID).
		Update("status", models.DeviceReserved).Error)

	err = assocs.Disassociate(a.ID, false)
	require.Error(t, err, "reserved device needs force")
	assert.True(t, fault.IsKind(err, fault.Conflict))

	// force снимает привязку, но занятое устройство в offline не уводит
	require.NoError(t, assocs.Disassociate(a.ID, true))
	_, err = assocs.Get(a.ID)
	require.Error(t, err)
	var d models.TargetDevice
	require.NoError(t, db.First(&d, dev.ID).Error)
	assert.Equal(t, models.DeviceReserved, d.Status)
}

func TestSweepHealthScoresFromHeartbeat(t *testing.T) {
	db, repo, assocs, _ := newAssocFixture(t)
	mkGateway(t, repo, "gw-1", nil)
	now := time.Now().UTC()

	fresh := mkDevice(t, db, "fresh")
	hb := now.Add(-5 * time.Second)
	require.NoError(t, db.Model(fresh).Update("last_heartbeat", hb).Error)
	silent := mkDevice(t, db, "silent")

	aFresh, err := assocs.Associate(fresh.ID, "gw-1", false)
	require.NoError(t, err)
	_, err = assocs.UpdateStatus(aFresh.ID, models.AssocConnecting, nil)
	require.NoError(t, err)
	aSilent, err := assocs.Associate(silent.ID, "gw-1", false)
	require.NoError(t, err)
	_, err = assocs.UpdateStatus(aSilent.ID, models.AssocConnecting, nil)
	require.NoError(t, err)

	n, err := assocs.SweepHealth(now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := assocs.Get(aFresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AssocConnected, got.Status)
	got, err = assocs.Get(aSilent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AssocFailed, got.Status, "ни одного heartbeat — канал мёртв")
}

func TestSweepHealthHonoursRecheckInterval(t *testing.T) {
	db, repo, assocs, _ := newAssocFixture(t)
	assocs.Recheck = time.Hour
	mkGateway(t, repo, "gw-1", nil)
	dev := mkDevice(t, db, "d1")

	a, err := assocs.Associate(dev.ID, "gw-1", false)
	require.NoError(t, err)
	now := time.Now().UTC()
	_, err = assocs.CheckHealth(a.ID, 100, now)
	require.NoError(t, err)

	n, err := assocs.SweepHealth(now.Add(30 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "fresh check is not recomputed")

	// окно прошло, молчащее устройство понижается
	n, err = assocs.SweepHealth(now.Add(2 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := assocs.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AssocFailed, got.Status)
}

func TestDeleteGatewayGuards(t *testing.T) {
	db, repo, assocs, _ := newAssocFixture(t)
	parent := mkGateway(t, repo, "parent", nil)
	mkGateway(t, repo, "child", strPtr("parent"))

	err := repo.Delete(parent.ID, nil)
	require.Error(t, err, "children present")
	assert.True(t, fault.IsKind(err, fault.Conflict))

	solo := mkGateway(t, repo, "solo", nil)
	dev := mkDevice(t, db, "d1")
	a, err := assocs.Associate(dev.ID, "solo", false)
	require.NoError(t, err)

	err = repo.Delete(solo.ID, nil)
	require.Error(t, err, "live association present")
	assert.True(t, fault.IsKind(err, fault.Conflict))

	require.NoError(t, assocs.Disassociate(a.ID, false))
	require.NoError(t, repo.Delete(solo.ID, nil))
}
