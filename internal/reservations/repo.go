package reservations

import (
	"errors"
	"time"

	"droidpool/internal/fault"
	"droidpool/internal/models"

	"gorm.io/gorm"
)

type Repo struct{ db *gorm.DB }

func NewRepo(db *gorm.DB) *Repo { return &Repo{db: db} }

func (r *Repo) DB() *gorm.DB { return r.db }

func (r *Repo) Get(id uint) (*models.Reservation, error) {
	var res models.Reservation
	if err := r.db.First(&res, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.Newf(fault.NotFound, "reservation %d not found", id)
		}
		return nil, err
	}
	return &res, nil
}

// Overlapping — pending/active брони устройства, пересекающие окно.
// Полуинтервалы: existing.start < new.end AND existing.end > new.start.
func overlapping(tx *gorm.DB, targetID uint, start, end time.Time, excludeID uint) ([]models.Reservation, error) {
	q := tx.Where("target_id = ? AND status IN ?", targetID,
		[]models.ReservationStatus{models.ReservationPending, models.ReservationActive}).
		Where("start_time < ? AND end_time > ?", end, start)
	if excludeID != 0 {
		q = q.Where("id <> ?", excludeID)
	}
	var out []models.Reservation
	err := q.Order("start_time").Find(&out).Error
	return out, err
}

func (r *Repo) Overlapping(targetID uint, start, end time.Time, excludeID uint) ([]models.Reservation, error) {
	return overlapping(r.db, targetID, start, end, excludeID)
}

// CountForDay — брони пользователя, стартующие в те же UTC-сутки, что и
// start. Отменённые и админ-переопределения не считаются.
func countForDay(tx *gorm.DB, userID uint, start time.Time) (int64, error) {
	day := start.UTC().Truncate(24 * time.Hour)
	next := day.Add(24 * time.Hour)
	var n int64
	err := tx.Model(&models.Reservation{}).
		Where("user_id = ? AND status <> ? AND is_admin_override = ?",
			userID, models.ReservationCancelled, false).
		Where("start_time >= ? AND start_time < ?", day, next).
		Count(&n).Error
	return n, err
}

// latestEndedBefore — последняя по end_time неотменённая бронь пользователя
// на любом устройстве, закончившаяся не позже start: cooldown считается по
// пользователю целиком, не по паре с устройством.
func latestEndedBefore(tx *gorm.DB, userID uint, start time.Time) (*models.Reservation, error) {
	var res models.Reservation
	err := tx.Where("user_id = ? AND status <> ? AND is_admin_override = ?",
		userID, models.ReservationCancelled, false).
		Where("end_time <= ?", start).
		Order("end_time DESC").
		First(&res).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

type ListFilter struct {
	UserID   uint
	TargetID uint
	Status   []models.ReservationStatus
	From     *time.Time
	To       *time.Time
	Offset   int
	Limit    int
}

func (r *Repo) List(f ListFilter) ([]models.Reservation, error) {
	q := r.db.Model(&models.Reservation{})
	if f.UserID != 0 {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.TargetID != 0 {
		q = q.Where("target_id = ?", f.TargetID)
	}
	if len(f.Status) > 0 {
		q = q.Where("status IN ?", f.Status)
	}
	if f.From != nil {
		q = q.Where("end_time > ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("start_time < ?", *f.To)
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var out []models.Reservation
	err := q.Order("start_time DESC").Offset(f.Offset).Limit(limit).Find(&out).Error
	return out, err
}

// ActiveNow — активные брони (для sweeper'а).
func (r *Repo) ActiveNow() ([]models.Reservation, error) {
	var out []models.Reservation
	err := r.db.Where("status = ?", models.ReservationActive).Find(&out).Error
	return out, err
}

// PendingDue — pending-брони, чьё окно уже наступило.
func (r *Repo) PendingDue(now time.Time) ([]models.Reservation, error) {
	var out []models.Reservation
	err := r.db.Where("status = ? AND start_time <= ? AND end_time > ?",
		models.ReservationPending, now, now).Find(&out).Error
	return out, err
}
