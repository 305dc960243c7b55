package reservations

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"droidpool/internal/events"
	"droidpool/internal/fault"
	"droidpool/internal/models"
	"droidpool/internal/policy"

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
		&models.User{},
		&models.TargetDevice{},
		&models.Reservation{},
		&models.ReservationPolicy{},
		&models.TargetPolicy{},
		&models.UserPolicy{},
	))
	return db
}

type fixture struct {
	db      *gorm.DB
	repo    *Repo
	mgr     *Manager
	sweeper *Sweeper
	rec     *events.Recorder
	polRepo *policy.Repo
}

func newFixture(t *testing.T) *fixture {
	db := newTestDB(t)
	rec := &events.Recorder{}
	polRepo := policy.NewRepo(db)
	resolver := policy.NewResolver(polRepo)
	repo := NewRepo(db)
	adm := NewAdmission(resolver)
	return &fixture{
		db:      db,
		repo:    repo,
		mgr:     NewManager(db, repo, adm, resolver, rec, nil),
		sweeper: NewSweeper(db, repo, resolver, rec, nil),
		rec:     rec,
		polRepo: polRepo,
	}
}

func (f *fixture) device(t *testing.T, status models.DeviceStatus) *models.TargetDevice {
	t.Helper()
	d := &models.TargetDevice{
		Name: fmt.Sprintf("dev-%d", time.Now().UnixNano()), GatewayID: "gw-1",
		DeviceType: models.DevicePhysical, Status: status, IsActive: true,
	}
	require.NoError(t, f.db.Create(d).Error)
	return d
}

func (f *fixture) user(t *testing.T, role models.Role) *models.User {
	t.Helper()
	u := &models.User{
		Username: fmt.Sprintf("u-%d-%s", time.Now().UnixNano(), role),
		Role:     role, IsActive: true,
	}
	require.NoError(t, f.db.Create(u).Error)
	return u
}

func (f *fixture) deviceStatus(t *testing.T, id uint) models.DeviceStatus {
	t.Helper()
	var d models.TargetDevice
	require.NoError(t, f.db.First(&d, id).Error)
	return d.Status
}

func futureWindow(hoursFromNow, durHours int) (time.Time, time.Time) {
	s := time.Now().UTC().Add(time.Duration(hoursFromNow) * time.Hour).Truncate(time.Second)
	return s, s.Add(time.Duration(durHours) * time.Hour)
}

func TestConcurrentDoubleBookingExactlyOneAccept(t *testing.T) {
	f := newFixture(t)
	dev := f.device(t, models.DeviceAvailable)
	start, end := futureWindow(2, 1)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		u := f.user(t, models.RoleTester)
		wg.Add(1)
		go func(i int, userID uint) {
			defer wg.Done()
			_, err := f.mgr.Create(userID, models.RoleTester, CreateInput{
				TargetID: dev.ID, StartTime: start, EndTime: end,
			})
			errs[i] = err
		}(i, u.ID)
	}
	wg.Wait()

	accepted, conflicts := 0, 0
	for _, err := range errs {
		if err == nil {
			accepted++
		} else if fault.IsKind(err, fault.Conflict) {
			conflicts++
		}
	}
	assert.Equal(t, 1, accepted, "exactly one request wins the window")
	assert.Equal(t, n-1, conflicts, "the rest see the conflict")
}

func TestCreateWindowContainingNowActivatesImmediately(t *testing.T) {
	f := newFixture(t)
	dev := f.device(t, models.DeviceAvailable)
	u := f.user(t, models.RoleTester)
	now := time.Now().UTC()

	res, err := f.mgr.Create(u.ID, models.RoleTester, CreateInput{
		TargetID: dev.ID, StartTime: now.Add(-time.Minute), EndTime: now.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, models.ReservationActive, res.Status)
	require.NotNil(t, res.LastAccessedAt)
	assert.Equal(t, models.DeviceReserved, f.deviceStatus(t, dev.ID))
	assert.Len(t, f.rec.OfType(events.ReservationStarted), 1)
}

// Разрешение лимитов идёт в той же транзакции, что и вставка брони:
// на однопоточном sqlite второй коннект повесил бы создание намертво.
func TestCreateWithAssignedPolicyCompletes(t *testing.T) {
	f := newFixture(t)
	dev := f.device(t, models.DeviceAvailable)
	u := f.user(t, models.RoleTester)
	pol := &models.ReservationPolicy{
		Name: "team-default", MaxDurationMinutes: 240,
		MaxReservationsPerDay: 10, MaxReservationDaysInAdvance: 14,
	}
	f.policyFor(t, pol, []uint{u.ID}, nil)

	done := make(chan struct{})
	var res *models.Reservation
	var err error
	go func() {
		defer close(done)
		start, end := futureWindow(2, 1)
		res, err = f.mgr.Create(u.ID, models.RoleTester, CreateInput{
			TargetID: dev.ID, StartTime: start, EndTime: end,
		})
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("create with an assigned policy did not finish")
	}
	require.NoError(t, err)
	require.NotNil(t, res.PolicyID)
	assert.Equal(t, pol.ID, *res.PolicyID)
}

func TestTerminalTransitionsReleaseDeviceUnlessMaintenance(t *testing.T) {
	for _, to := range []models.ReservationStatus{
		models.ReservationCompleted, models.ReservationCancelled, models.ReservationExpired,
	} {
		t.Run(string(to), func(t *testing.T) {
			f := newFixture(t)
			dev := f.device(t, models.DeviceAvailable)
			u := f.user(t, models.RoleTester)
			now := time.Now().UTC()

			res, err := f.mgr.Create(u.ID, models.RoleTester, CreateInput{
				TargetID: dev.ID, StartTime: now.Add(-time.Minute), EndTime: now.Add(time.Hour),
			})
			require.NoError(t, err)
			require.Equal(t, models.DeviceReserved, f.deviceStatus(t, dev.ID))

			_, err = f.mgr.UpdateStatus(res.ID, to, u.ID, false)
			require.NoError(t, err)
			assert.Equal(t, models.DeviceAvailable, f.deviceStatus(t, dev.ID))

			// терминальная запись дальше неизменяема
			_, err = f.mgr.UpdateStatus(res.ID, models.ReservationActive, u.ID, false)
			require.Error(t, err)
			assert.True(t, fault.IsKind(err, fault.Conflict))
		})
	}
}

func TestTerminalTransitionKeepsMaintenanceDevice(t *testing.T) {
	f := newFixture(t)
	dev := f.device(t, models.DeviceAvailable)
	u := f.user(t, models.RoleTester)
	now := time.Now().UTC()

	res, err := f.mgr.Create(u.ID, models.RoleTester, CreateInput{
		TargetID: dev.ID, StartTime: now.Add(-time.Minute), EndTime: now.Add(time.Hour),
	})
	require.NoError(t, err)

	// устройство ушло в обслуживание, пока бронь была активна
	require.NoError(t, f.db.Model(&models.TargetDevice{}).Where("id = ?", dev.ID).
		Update("status", models.DeviceMaintenance).Error)

	_, err = f.mgr.Cancel(res.ID, u.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceMaintenance, f.deviceStatus(t, dev.ID))
}

func TestDeleteOnlyBeforeActivation(t *testing.T) {
	f := newFixture(t)
	dev := f.device(t, models.DeviceAvailable)
	u := f.user(t, models.RoleTester)

	start, end := futureWindow(2, 1)
	pending, err := f.mgr.Create(u.ID, models.RoleTester, CreateInput{
		TargetID: dev.ID, StartTime: start, EndTime: end,
	})
	require.NoError(t, err)
	require.Equal(t, models.ReservationPending, pending.Status)
	require.NoError(t, f.mgr.Delete(pending.ID, u.ID, false))

	now := time.Now().UTC()
	active, err := f.mgr.Create(u.ID, models.RoleTester, CreateInput{
		TargetID: dev.ID, StartTime: now.Add(-time.Minute), EndTime: now.Add(time.Hour),
	})
	require.NoError(t, err)
	err = f.mgr.Delete(active.ID, u.ID, false)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.Conflict))
}

func TestUpdateWindowRechecksOverlap(t *testing.T) {
	f := newFixture(t)
	dev := f.device(t, models.DeviceAvailable)
	alice := f.user(t, models.RoleTester)
	bob := f.user(t, models.RoleTester)

	s1, e1 := futureWindow(2, 1)
	_, err := f.mgr.Create(alice.ID, models.RoleTester, CreateInput{
		TargetID: dev.ID, StartTime: s1, EndTime: e1,
	})
	require.NoError(t, err)

	s2, e2 := futureWindow(4, 1)
	mine, err := f.mgr.Create(bob.ID, models.RoleTester, CreateInput{
		TargetID: dev.ID, StartTime: s2, EndTime: e2,
	})
	require.NoError(t, err)

	// сдвиг на чужое окно — конфликт
	newStart := s1.Add(30 * time.Minute)
	newEnd := newStart.Add(time.Hour)
	_, err = f.mgr.Update(mine.ID, bob.ID, models.RoleTester, false, UpdateInput{
		StartTime: &newStart, EndTime: &newEnd,
	})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.Conflict))

	// сдвиг в свободное место проходит; собственное окно конфликтом не считается
	shifted := s2.Add(10 * time.Minute)
	shiftedEnd := shifted.Add(time.Hour)
	got, err := f.mgr.Update(mine.ID, bob.ID, models.RoleTester, false, UpdateInput{
		StartTime: &shifted, EndTime: &shiftedEnd,
	})
	require.NoError(t, err)
	assert.True(t, got.StartTime.Equal(shifted))
}

func TestTouchOnlyActiveAndOwner(t *testing.T) {
	f := newFixture(t)
	dev := f.device(t, models.DeviceAvailable)
	owner := f.user(t, models.RoleTester)
	other := f.user(t, models.RoleTester)
	now := time.Now().UTC()

	res, err := f.mgr.Create(owner.ID, models.RoleTester, CreateInput{
		TargetID: dev.ID, StartTime: now.Add(-time.Minute), EndTime: now.Add(time.Hour),
	})
	require.NoError(t, err)

	later := now.Add(5 * time.Minute)
	got, err := f.mgr.Touch(res.ID, owner.ID, false, later)
	require.NoError(t, err)
	assert.True(t, got.LastAccessedAt.Equal(later))

	_, err = f.mgr.Touch(res.ID, other.ID, false, later)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.NotFound), "foreign reservation looks like 404")

	_, err = f.mgr.Cancel(res.ID, owner.ID, false)
	require.NoError(t, err)
	_, err = f.mgr.Touch(res.ID, owner.ID, false, later)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.Conflict))
}

func TestAdminOverrideBypassesChecksAndQuota(t *testing.T) {
	f := newFixture(t)
	dev := f.device(t, models.DeviceMaintenance) // обычный допуск отказал бы
	admin := f.user(t, models.RoleAdmin)

	start, end := futureWindow(2, 1)
	_, err := f.mgr.CreateOverride(admin.ID, CreateInput{
		TargetID: dev.ID, StartTime: start, EndTime: end,
	}, "")
	require.Error(t, err, "reason is mandatory")

	res, err := f.mgr.CreateOverride(admin.ID, CreateInput{
		TargetID: dev.ID, StartTime: start, EndTime: end,
	}, "firmware rollout")
	require.NoError(t, err)
	assert.True(t, res.IsAdminOverride)
	assert.Equal(t, models.PriorityCritical, res.Priority)

	// переопределение не занимает слот дневной квоты
	n, err := countForDay(f.db, admin.ID, start)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}
