package policy

import (
	"fmt"
	"testing"

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
		&models.User{},
		&models.TargetDevice{},
		&models.Reservation{},
		&models.ReservationPolicy{},
		&models.TargetPolicy{},
		&models.UserPolicy{},
	))
	return db
}

func seed(t *testing.T, db *gorm.DB) (user *models.User, dev *models.TargetDevice) {
	t.Helper()
	user = &models.User{Username: "alice", Role: models.RoleTester, IsActive: true}
	require.NoError(t, db.Create(user).Error)
	dev = &models.TargetDevice{Name: "d1", GatewayID: "gw-1",
		Status: models.DeviceAvailable, IsActive: true}
	require.NoError(t, db.Create(dev).Error)
	return user, dev
}

func TestResolveNoPoliciesFallsBackToDefaults(t *testing.T) {
	db := newTestDB(t)
	user, dev := seed(t, db)

	lim, err := NewResolver(NewRepo(db)).Resolve(nil, user.ID, dev.ID)
	require.NoError(t, err)
	assert.Nil(t, lim.PolicyID)
	assert.Equal(t, models.DefaultMaxDurationMinutes, lim.MaxDurationMinutes)
	assert.Equal(t, models.DefaultCooldownMinutes, lim.CooldownMinutes)
	assert.Equal(t, models.DefaultMaxReservationsPerDay, lim.MaxPerDay)
	assert.Equal(t, models.DefaultMaxDaysInAdvance, lim.MaxDaysInAdvance)
	assert.True(t, lim.AutoExpireEnabled)
	assert.Equal(t, models.DefaultAutoExpireMinutes, lim.AutoExpireMinutes)
}

// Лимиты берутся целиком из выигравшей политики: ни одно поле
// проигравшей в итог не просачивается.
func TestResolveHighestPriorityWinsNoMerge(t *testing.T) {
	db := newTestDB(t)
	user, dev := seed(t, db)
	repo := NewRepo(db)

	loose := &models.ReservationPolicy{
		Name: "loose", PriorityLevel: 1,
		MaxDurationMinutes: 480, CooldownMinutes: 0,
		MaxReservationsPerDay: 10, MaxReservationDaysInAdvance: 30,
	}
	strict := &models.ReservationPolicy{
		Name: "strict", PriorityLevel: 5,
		MaxDurationMinutes: 60, CooldownMinutes: 120,
		MaxReservationsPerDay: 1, MaxReservationDaysInAdvance: 7,
	}
	require.NoError(t, repo.Create(loose))
	require.NoError(t, repo.Create(strict))
	require.NoError(t, repo.AssignToUsers(loose.ID, []uint{user.ID}))
	require.NoError(t, repo.AssignToTargets(strict.ID, []uint{dev.ID}))

	lim, err := NewResolver(repo).Resolve(nil, user.ID, dev.ID)
	require.NoError(t, err)
	require.NotNil(t, lim.PolicyID)
	assert.Equal(t, strict.ID, *lim.PolicyID)
	assert.Equal(t, 60, lim.MaxDurationMinutes)
	assert.Equal(t, 120, lim.CooldownMinutes)
	assert.Equal(t, 1, lim.MaxPerDay)
	assert.Equal(t, 7, lim.MaxDaysInAdvance, "no field borrowed from the losing policy")
}

func TestResolveTieBreaksOnNewerID(t *testing.T) {
	db := newTestDB(t)
	user, dev := seed(t, db)
	repo := NewRepo(db)

	older := &models.ReservationPolicy{Name: "older", PriorityLevel: 3, MaxDurationMinutes: 100}
	newer := &models.ReservationPolicy{Name: "newer", PriorityLevel: 3, MaxDurationMinutes: 200}
	require.NoError(t, repo.Create(older))
	require.NoError(t, repo.Create(newer))
	require.NoError(t, repo.AssignToUsers(older.ID, []uint{user.ID}))
	require.NoError(t, repo.AssignToUsers(newer.ID, []uint{user.ID}))

	lim, err := NewResolver(repo).Resolve(nil, user.ID, dev.ID)
	require.NoError(t, err)
	require.NotNil(t, lim.PolicyID)
	assert.Equal(t, newer.ID, *lim.PolicyID)
}

func TestResolveForReservationHonorsExplicitPolicy(t *testing.T) {
	db := newTestDB(t)
	user, dev := seed(t, db)
	repo := NewRepo(db)

	pinned := &models.ReservationPolicy{Name: "pinned", PriorityLevel: 0, MaxDurationMinutes: 45}
	require.NoError(t, repo.Create(pinned))

	res := &models.Reservation{UserID: user.ID, TargetID: dev.ID, PolicyID: &pinned.ID}
	lim, err := NewResolver(repo).ResolveForReservation(nil, res)
	require.NoError(t, err)
	assert.Equal(t, 45, lim.MaxDurationMinutes)

	// политику удалили — откат к обычному разрешению (дефолты)
	require.NoError(t, repo.Delete(pinned.ID))
	lim, err = NewResolver(repo).ResolveForReservation(nil, res)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultMaxDurationMinutes, lim.MaxDurationMinutes)
}

func TestRepoCreateRejectsDuplicateName(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepo(db)

	require.NoError(t, repo.Create(&models.ReservationPolicy{Name: "p"}))
	err := repo.Create(&models.ReservationPolicy{Name: "p"})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.Conflict))
}

func TestAssignIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	user, _ := seed(t, db)
	repo := NewRepo(db)

	p := &models.ReservationPolicy{Name: "p"}
	require.NoError(t, repo.Create(p))
	require.NoError(t, repo.AssignToUsers(p.ID, []uint{user.ID}))
	require.NoError(t, repo.AssignToUsers(p.ID, []uint{user.ID}))

	var n int64
	require.NoError(t, db.Model(&models.UserPolicy{}).
		Where("policy_id = ?", p.ID).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}
