package reservations

import (
	"errors"
	"sync"
	"time"

	"droidpool/internal/events"
	"droidpool/internal/fault"
	"droidpool/internal/metrics"
	"droidpool/internal/models"
	"droidpool/internal/policy"

	"gorm.io/gorm"
)

const (
	admissionRetries = 3
	admissionBackoff = 50 * time.Millisecond
)

// Manager — жизненный цикл брони. Создание идёт под per-device замком и
// одной транзакцией: проверка допуска и вставка неразделимы, двум
// конкурентам одно окно не достаётся.
type Manager struct {
	db        *gorm.DB
	repo      *Repo
	admission *Admission
	resolver  *policy.Resolver
	sink      events.Sink
	met       *metrics.Set

	mu    sync.Mutex
	locks map[uint]*sync.Mutex
}

func NewManager(db *gorm.DB, repo *Repo, adm *Admission, resolver *policy.Resolver, sink events.Sink, met *metrics.Set) *Manager {
	return &Manager{
		db: db, repo: repo, admission: adm, resolver: resolver,
		sink: sink, met: met, locks: map[uint]*sync.Mutex{},
	}
}

func (m *Manager) targetLock(targetID uint) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[targetID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[targetID] = l
	}
	return l
}

// CreateInput — параметры новой брони.
type CreateInput struct {
	TargetID          uint                       `json:"target_id"`
	StartTime         time.Time                  `json:"start_time"`
	EndTime           time.Time                  `json:"end_time"`
	Priority          models.ReservationPriority `json:"priority"`
	IsRecurring       bool                       `json:"is_recurring"`
	RecurrencePattern models.JSONMap             `json:"recurrence_pattern"`
}

// Create — допуск + вставка атомарно; окно, содержащее "сейчас",
// активируется немедленно и резервирует устройство.
func (m *Manager) Create(userID uint, role models.Role, in CreateInput) (*models.Reservation, error) {
	lock := m.targetLock(in.TargetID)
	lock.Lock()
	defer lock.Unlock()

	var created *models.Reservation
	err := fault.Retry(admissionRetries, admissionBackoff, func() error {
		now := time.Now().UTC()
		return m.db.Transaction(func(tx *gorm.DB) error {
			dec, err := m.admission.Check(tx, Request{
				UserID: userID, Role: role, TargetID: in.TargetID,
				Start: in.StartTime, End: in.EndTime,
			}, now)
			if err != nil {
				return err
			}
			if m.met != nil {
				outcome := "accept"
				if !dec.Allowed {
					outcome = "reject"
				}
				m.met.AdmissionDecisions.WithLabelValues(outcome, dec.Kind.String()).Inc()
			}
			if !dec.Allowed {
				return dec.Err()
			}

			res := &models.Reservation{
				UserID:    userID,
				TargetID:  in.TargetID,
				StartTime: in.StartTime,
				EndTime:   in.EndTime,
				Status:    models.ReservationPending,
				Priority:  in.Priority,
				PolicyID:  dec.Limits.PolicyID,

				IsRecurring:       in.IsRecurring,
				RecurrencePattern: in.RecurrencePattern,
			}
			if res.Priority == "" {
				res.Priority = models.PriorityNormal
			}
			if !in.StartTime.After(now) && in.EndTime.After(now) {
				res.Status = models.ReservationActive
				t := now
				res.LastAccessedAt = &t
			}
			if err := tx.Create(res).Error; err != nil {
				return fault.Wrap(fault.Transient, "insert reservation", err)
			}
			if res.Status == models.ReservationActive {
				if err := reserveDevice(tx, res.TargetID); err != nil {
					return err
				}
			}
			created = res
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	m.publish(events.ReservationCreated, created, map[string]any{"status": string(created.Status)})
	if created.Status == models.ReservationActive {
		m.publish(events.ReservationStarted, created, nil)
	}
	return created, nil
}

// CreateOverride — админ-путь мимо всех проверок: priority=critical,
// обязательная причина; в квотах и cooldown такие брони не участвуют.
func (m *Manager) CreateOverride(adminID uint, in CreateInput, reason string) (*models.Reservation, error) {
	if reason == "" {
		return nil, fault.New(fault.PolicyViolation, "override reason required")
	}
	if !in.StartTime.Before(in.EndTime) {
		return nil, fault.New(fault.PolicyViolation, "start must be before end")
	}
	lock := m.targetLock(in.TargetID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	res := &models.Reservation{
		UserID:          adminID,
		TargetID:        in.TargetID,
		StartTime:       in.StartTime,
		EndTime:         in.EndTime,
		Status:          models.ReservationPending,
		Priority:        models.PriorityCritical,
		IsAdminOverride: true,
		OverrideReason:  reason,
	}
	err := m.db.Transaction(func(tx *gorm.DB) error {
		var target models.TargetDevice
		if err := tx.First(&target, in.TargetID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fault.Newf(fault.NotFound, "target %d not found", in.TargetID)
			}
			return fault.Wrap(fault.Transient, "target lookup", err)
		}
		if !in.StartTime.After(now) && in.EndTime.After(now) {
			res.Status = models.ReservationActive
			t := now
			res.LastAccessedAt = &t
		}
		if err := tx.Create(res).Error; err != nil {
			return fault.Wrap(fault.Transient, "insert reservation", err)
		}
		if res.Status == models.ReservationActive {
			return reserveDevice(tx, res.TargetID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.publish(events.ReservationCreated, res, map[string]any{"override": true, "reason": reason})
	if res.Status == models.ReservationActive {
		m.publish(events.ReservationStarted, res, nil)
	}
	return res, nil
}

// reserveDevice — устройство в reserved (maintenance активация не трогает:
// бронь живёт, но железо отдадут после обслуживания).
func reserveDevice(tx *gorm.DB, targetID uint) error {
	var target models.TargetDevice
	if err := tx.First(&target, targetID).Error; err != nil {
		return fault.Wrap(fault.Transient, "target lookup", err)
	}
	if target.Status == models.DeviceMaintenance {
		return nil
	}
	if target.Status != models.DeviceReserved {
		target.Status = models.DeviceReserved
		if err := tx.Save(&target).Error; err != nil {
			return fault.Wrap(fault.Transient, "reserve device", err)
		}
	}
	return nil
}

// releaseDevice — устройство из reserved обратно в available; maintenance
// остаётся как есть.
func releaseDevice(tx *gorm.DB, targetID uint) error {
	var target models.TargetDevice
	if err := tx.First(&target, targetID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return fault.Wrap(fault.Transient, "target lookup", err)
	}
	if target.Status == models.DeviceReserved {
		target.Status = models.DeviceAvailable
		if err := tx.Save(&target).Error; err != nil {
			return fault.Wrap(fault.Transient, "release device", err)
		}
	}
	return nil
}

// allowedTransitions — из терминальных статусов дороги нет.
var allowedTransitions = map[models.ReservationStatus][]models.ReservationStatus{
	models.ReservationPending: {models.ReservationActive, models.ReservationCancelled, models.ReservationExpired},
	models.ReservationActive:  {models.ReservationCompleted, models.ReservationCancelled, models.ReservationExpired},
}

func transitionAllowed(from, to models.ReservationStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// UpdateStatus — переход статуса с побочными эффектами на устройстве.
func (m *Manager) UpdateStatus(id uint, to models.ReservationStatus, actorID uint, admin bool) (*models.Reservation, error) {
	res, err := m.repo.Get(id)
	if err != nil {
		return nil, err
	}
	if res.UserID != actorID && !admin {
		return nil, fault.Newf(fault.NotFound, "reservation %d not found", id)
	}
	if res.Status == to {
		return res, nil
	}
	if res.Status.Terminal() {
		return nil, fault.Newf(fault.Conflict, "reservation %d is %s and immutable", id, res.Status)
	}
	if !transitionAllowed(res.Status, to) {
		return nil, fault.Newf(fault.Conflict, "cannot move reservation %d from %s to %s", id, res.Status, to)
	}
	from := res.Status
	err = m.db.Transaction(func(tx *gorm.DB) error {
		res.Status = to
		if to == models.ReservationActive {
			t := time.Now().UTC()
			res.LastAccessedAt = &t
		}
		if err := tx.Save(res).Error; err != nil {
			return fault.Wrap(fault.Transient, "save reservation", err)
		}
		switch {
		case to == models.ReservationActive:
			return reserveDevice(tx, res.TargetID)
		case from == models.ReservationActive && to.Terminal():
			return releaseDevice(tx, res.TargetID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.publishTransition(res, from, to)
	return res, nil
}

// UpdateInput — изменяемые поля брони.
type UpdateInput struct {
	StartTime *time.Time                  `json:"start_time"`
	EndTime   *time.Time                  `json:"end_time"`
	Priority  *models.ReservationPriority `json:"priority"`
}

// Update — смена окна перепроверяет пересечения против чужих броней;
// терминальные записи неизменяемы.
func (m *Manager) Update(id uint, actorID uint, role models.Role, admin bool, in UpdateInput) (*models.Reservation, error) {
	res, err := m.repo.Get(id)
	if err != nil {
		return nil, err
	}
	if res.UserID != actorID && !admin {
		return nil, fault.Newf(fault.NotFound, "reservation %d not found", id)
	}
	if res.Status.Terminal() {
		return nil, fault.Newf(fault.Conflict, "reservation %d is %s and immutable", id, res.Status)
	}

	newStart, newEnd := res.StartTime, res.EndTime
	if in.StartTime != nil {
		newStart = *in.StartTime
	}
	if in.EndTime != nil {
		newEnd = *in.EndTime
	}
	windowChanged := !newStart.Equal(res.StartTime) || !newEnd.Equal(res.EndTime)

	lock := m.targetLock(res.TargetID)
	lock.Lock()
	defer lock.Unlock()

	err = m.db.Transaction(func(tx *gorm.DB) error {
		if windowChanged && !res.IsAdminOverride {
			dec, err := m.admission.Check(tx, Request{
				UserID: res.UserID, Role: role, TargetID: res.TargetID,
				Start: newStart, End: newEnd, ExcludeID: res.ID,
			}, time.Now().UTC())
			if err != nil {
				return err
			}
			if !dec.Allowed {
				return dec.Err()
			}
		}
		if windowChanged && !newStart.Before(newEnd) {
			return fault.New(fault.PolicyViolation, "start must be before end")
		}
		res.StartTime = newStart
		res.EndTime = newEnd
		if in.Priority != nil {
			res.Priority = *in.Priority
		}
		if err := tx.Save(res).Error; err != nil {
			return fault.Wrap(fault.Transient, "save reservation", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.publish(events.ReservationUpdated, res, map[string]any{"window_changed": windowChanged})
	return res, nil
}

// Cancel — pending|active → cancelled; активная бронь освобождает устройство.
func (m *Manager) Cancel(id uint, actorID uint, admin bool) (*models.Reservation, error) {
	return m.UpdateStatus(id, models.ReservationCancelled, actorID, admin)
}

// Delete — удалить можно только ещё не активировавшуюся бронь; остальным —
// cancel.
func (m *Manager) Delete(id uint, actorID uint, admin bool) error {
	res, err := m.repo.Get(id)
	if err != nil {
		return err
	}
	if res.UserID != actorID && !admin {
		return fault.Newf(fault.NotFound, "reservation %d not found", id)
	}
	if res.Status != models.ReservationPending {
		return fault.Newf(fault.Conflict, "reservation %d is %s; cancel it instead", id, res.Status)
	}
	if err := m.db.Delete(res).Error; err != nil {
		return err
	}
	m.publish(events.ReservationDeleted, res, nil)
	return nil
}

// Touch — продление lease активной брони владельцем (или админом).
func (m *Manager) Touch(id uint, actorID uint, admin bool, now time.Time) (*models.Reservation, error) {
	res, err := m.repo.Get(id)
	if err != nil {
		return nil, err
	}
	if res.UserID != actorID && !admin {
		return nil, fault.Newf(fault.NotFound, "reservation %d not found", id)
	}
	if res.Status != models.ReservationActive {
		return nil, fault.Newf(fault.Conflict, "reservation %d is %s, not active", id, res.Status)
	}
	t := now
	res.LastAccessedAt = &t
	if err := m.repo.db.Save(res).Error; err != nil {
		return nil, err
	}
	return res, nil
}

func (m *Manager) publish(t events.Type, res *models.Reservation, details map[string]any) {
	if m.sink == nil {
		return
	}
	m.sink.Publish(events.Event{
		Type: t,
		Subjects: events.Subjects{
			UserID:        res.UserID,
			TargetID:      res.TargetID,
			ReservationID: res.ID,
		},
		Details: details,
	})
}

func (m *Manager) publishTransition(res *models.Reservation, from, to models.ReservationStatus) {
	details := map[string]any{"from": string(from), "to": string(to)}
	switch to {
	case models.ReservationActive:
		m.publish(events.ReservationStarted, res, details)
	case models.ReservationCompleted, models.ReservationCancelled:
		m.publish(events.ReservationEnded, res, details)
	case models.ReservationExpired:
		m.publish(events.ReservationExpired, res, details)
	default:
		m.publish(events.ReservationUpdated, res, details)
	}
}
