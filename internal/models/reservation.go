package models

import (
	"time"

	"gorm.io/gorm"
)

type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationActive    ReservationStatus = "active"
	ReservationCompleted ReservationStatus = "completed"
	ReservationCancelled ReservationStatus = "cancelled"
	ReservationExpired   ReservationStatus = "expired"
)

// Terminal — из терминального статуса переходов нет, запись не удаляется.
func (s ReservationStatus) Terminal() bool {
	return s == ReservationCompleted || s == ReservationCancelled || s == ReservationExpired
}

type ReservationPriority string

const (
	PriorityLow      ReservationPriority = "low"
	PriorityNormal   ReservationPriority = "normal"
	PriorityHigh     ReservationPriority = "high"
	PriorityCritical ReservationPriority = "critical"
)

// Reservation — эксклюзивная аренда устройства на окно [StartTime, EndTime).
type Reservation struct {
	gorm.Model
	UserID   uint `gorm:"index"`
	TargetID uint `gorm:"index"`

	StartTime time.Time `gorm:"index"`
	EndTime   time.Time

	Status   ReservationStatus   `gorm:"type:varchar(16);index"`
	Priority ReservationPriority `gorm:"type:varchar(16);default:normal"`

	PolicyID *uint

	IsAdminOverride bool
	OverrideReason  string

	// LastAccessedAt — маркер живости lease: клиент активной брони обязан
	// периодически дёргать touch, иначе sweep заберёт устройство.
	LastAccessedAt *time.Time

	IsRecurring       bool
	RecurrencePattern JSONMap
}

// Window — полуоткрытый интервал брони.
func (r *Reservation) Window() (time.Time, time.Time) { return r.StartTime, r.EndTime }

// Overlaps — пересечение полуинтервалов одним неравенством:
// [s1,e1) и [s2,e2) конфликтуют тогда и только тогда, когда s1 < e2 && s2 < e1.
func (r *Reservation) Overlaps(start, end time.Time) bool {
	return r.StartTime.Before(end) && start.Before(r.EndTime)
}
