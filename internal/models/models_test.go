package models

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Трёхчастная формула пересечения полуинтервалов, которой обычно пишут
// такие проверки "в лоб".
func overlapsThreeClause(aStart, aEnd, bStart, bEnd time.Time) bool {
	startsInside := (aStart.Equal(bStart) || aStart.After(bStart)) && aStart.Before(bEnd)
	endsInside := aEnd.After(bStart) && (aEnd.Before(bEnd) || aEnd.Equal(bEnd))
	covers := (aStart.Before(bStart) || aStart.Equal(bStart)) && (aEnd.After(bEnd) || aEnd.Equal(bEnd))
	return startsInside || endsInside || covers
}

func TestOverlapsEquivalentToThreeClauseForm(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		s1 := base.Add(time.Duration(rng.Intn(500)) * time.Minute)
		e1 := s1.Add(time.Duration(1+rng.Intn(300)) * time.Minute)
		s2 := base.Add(time.Duration(rng.Intn(500)) * time.Minute)
		e2 := s2.Add(time.Duration(1+rng.Intn(300)) * time.Minute)

		r := Reservation{StartTime: s1, EndTime: e1}
		require.Equal(t, overlapsThreeClause(s1, e1, s2, e2), r.Overlaps(s2, e2),
			"windows [%v,%v) vs [%v,%v)", s1, e1, s2, e2)
	}
}

func TestOverlapsTouchingWindowsDoNotConflict(t *testing.T) {
	s := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mid := s.Add(time.Hour)
	end := mid.Add(time.Hour)

	r := Reservation{StartTime: s, EndTime: mid}
	assert.False(t, r.Overlaps(mid, end), "back-to-back windows must not conflict")
	assert.True(t, r.Overlaps(mid.Add(-time.Minute), end))
}

func TestRoleSatisfies(t *testing.T) {
	cases := []struct {
		have, need Role
		ok         bool
	}{
		{RoleViewer, RoleViewer, true},
		{RoleViewer, RoleTester, false},
		{RoleTester, RoleViewer, true},
		{RoleTester, RoleDeveloper, false},
		{RoleDeveloper, RoleTester, true},
		{RoleAdmin, RoleViewer, true},
		{RoleAdmin, RoleAdmin, true},
		{Role("bogus"), RoleViewer, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, c.have.Satisfies(c.need), "%s satisfies %s", c.have, c.need)
	}
}

func TestReservationStatusTerminal(t *testing.T) {
	assert.False(t, ReservationPending.Terminal())
	assert.False(t, ReservationActive.Terminal())
	assert.True(t, ReservationCompleted.Terminal())
	assert.True(t, ReservationCancelled.Terminal())
	assert.True(t, ReservationExpired.Terminal())
}

func TestDeviceStatusBookable(t *testing.T) {
	assert.True(t, DeviceAvailable.Bookable())
	assert.True(t, DeviceReserved.Bookable())
	assert.False(t, DeviceOffline.Bookable())
	assert.False(t, DeviceMaintenance.Bookable())
	assert.False(t, DeviceUnhealthy.Bookable())
}

func TestAssociationStatusLive(t *testing.T) {
	assert.True(t, AssocPending.Live())
	assert.True(t, AssocConnecting.Live())
	assert.True(t, AssocConnected.Live())
	assert.False(t, AssocDisconnected.Live())
	assert.False(t, AssocFailed.Live())
}

// Все модели с JSONMap/StringList-полями должны мигрироваться: gorm
// обязан вывести текстовый тип колонки из GormDataType.
func TestJSONColumnsMigrateAndRoundTrip(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&User{},
		&TargetDevice{},
		&Reservation{},
		&ReservationPolicy{},
		&TargetPolicy{},
		&UserPolicy{},
		&Gateway{},
		&GatewayAuditLog{},
		&TargetGatewayAssociation{},
	))

	d := &TargetDevice{
		Name: "d1", GatewayID: "gw-1",
		Status: DeviceAvailable, IsActive: true,
		CPUInfo: JSONMap{"cores": float64(8)},
		Tags:    StringList{"lab", "ci"},
	}
	require.NoError(t, db.Create(d).Error)

	var back TargetDevice
	require.NoError(t, db.First(&back, d.ID).Error)
	assert.Equal(t, JSONMap{"cores": float64(8)}, back.CPUInfo)
	assert.Equal(t, StringList{"lab", "ci"}, back.Tags)
	assert.Nil(t, back.GPUInfo, "пустой JSONMap остаётся NULL")
}

func TestStringListRoundTrip(t *testing.T) {
	l := StringList{"wifi", "5g"}
	v, err := l.Value()
	require.NoError(t, err)

	var back StringList
	require.NoError(t, back.Scan(v))
	assert.Equal(t, l, back)
	assert.True(t, back.Contains("wifi"))
	assert.False(t, back.Contains("bt"))
}
