package reservations

import (
	"time"

	"droidpool/internal/events"
	"droidpool/internal/logs"
	"droidpool/internal/metrics"
	"droidpool/internal/models"
	"droidpool/internal/policy"

	"gorm.io/gorm"
)

// Sweeper — возврат устройств из протухших броней. Каждая бронь
// обрабатывается в своей транзакции: падение на одной не трогает
// остальные, повторный проход идемпотентен.
type Sweeper struct {
	db       *gorm.DB
	repo     *Repo
	resolver *policy.Resolver
	sink     events.Sink
	met      *metrics.Set
}

func NewSweeper(db *gorm.DB, repo *Repo, resolver *policy.Resolver, sink events.Sink, met *metrics.Set) *Sweeper {
	return &Sweeper{db: db, repo: repo, resolver: resolver, sink: sink, met: met}
}

// SweepResult — итог одного прохода.
type SweepResult struct {
	Activated int `json:"activated"`
	Expired   int `json:"expired"`
	Completed int `json:"completed"`
	Errors    int `json:"errors"`
}

// Sweep — три фазы: активация наступивших pending-броней, закрытие
// просроченных окон, отъём заброшенных lease.
func (s *Sweeper) Sweep(now time.Time) SweepResult {
	var res SweepResult

	due, err := s.repo.PendingDue(now)
	if err != nil {
		logs.Logger.WithError(err).Error("sweep: pending query failed")
		res.Errors++
	}
	for i := range due {
		if s.activate(&due[i], now) {
			res.Activated++
		} else {
			res.Errors++
		}
	}

	active, err := s.repo.ActiveNow()
	if err != nil {
		logs.Logger.WithError(err).Error("sweep: active query failed")
		res.Errors++
		return res
	}
	for i := range active {
		r := &active[i]
		switch {
		case !r.EndTime.After(now):
			if s.finish(r, models.ReservationCompleted, now) {
				res.Completed++
			} else {
				res.Errors++
			}
		case s.leaseExpired(r, now):
			if s.finish(r, models.ReservationExpired, now) {
				res.Expired++
				if s.met != nil {
					s.met.ReservationsExpired.Inc()
				}
			} else {
				res.Errors++
			}
		}
	}
	return res
}

// leaseExpired — auto-expire из политики брони (дефолт: включён, 15 минут);
// якорь — last_accessed_at, а до первого touch — start_time.
// Админ-переопределения lease-контролю не подлежат.
func (s *Sweeper) leaseExpired(r *models.Reservation, now time.Time) bool {
	if r.IsAdminOverride {
		return false
	}
	limits, err := s.resolver.ResolveForReservation(s.db, r)
	if err != nil {
		logs.Logger.WithError(err).WithField("reservation_id", r.ID).
			Warn("sweep: policy resolution failed, using defaults")
		limits = policy.DefaultLimits()
	}
	if !limits.AutoExpireEnabled {
		return false
	}
	anchor := r.StartTime
	if r.LastAccessedAt != nil {
		anchor = *r.LastAccessedAt
	}
	deadline := anchor.Add(time.Duration(limits.AutoExpireMinutes) * time.Minute)
	return now.After(deadline)
}

func (s *Sweeper) activate(r *models.Reservation, now time.Time) bool {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		r.Status = models.ReservationActive
		t := now
		r.LastAccessedAt = &t
		if err := tx.Save(r).Error; err != nil {
			return err
		}
		return reserveDevice(tx, r.TargetID)
	})
	if err != nil {
		logs.Logger.WithError(err).WithField("reservation_id", r.ID).
			Error("sweep: activation failed")
		if s.met != nil {
			s.met.SweepErrors.WithLabelValues("reservation").Inc()
		}
		return false
	}
	s.publish(events.ReservationStarted, r, map[string]any{"by": "sweep"})
	return true
}

func (s *Sweeper) finish(r *models.Reservation, to models.ReservationStatus, now time.Time) bool {
	from := r.Status
	err := s.db.Transaction(func(tx *gorm.DB) error {
		r.Status = to
		if err := tx.Save(r).Error; err != nil {
			return err
		}
		return releaseDevice(tx, r.TargetID)
	})
	if err != nil {
		logs.Logger.WithError(err).WithField("reservation_id", r.ID).
			Error("sweep: transition failed")
		if s.met != nil {
			s.met.SweepErrors.WithLabelValues("reservation").Inc()
		}
		return false
	}
	t := events.ReservationEnded
	if to == models.ReservationExpired {
		t = events.ReservationExpired
	}
	s.publish(t, r, map[string]any{"from": string(from), "to": string(to), "by": "sweep", "at": now})
	return true
}

func (s *Sweeper) publish(t events.Type, r *models.Reservation, details map[string]any) {
	if s.sink == nil {
		return
	}
	s.sink.Publish(events.Event{
		Type: t,
		Subjects: events.Subjects{
			UserID:        r.UserID,
			TargetID:      r.TargetID,
			ReservationID: r.ID,
		},
		Details: details,
	})
}
