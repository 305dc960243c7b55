package reservations

import (
	"errors"
	"fmt"
	"time"

	"droidpool/internal/fault"
	"droidpool/internal/models"
	"droidpool/internal/policy"

	"gorm.io/gorm"
)

// Decision — результат проверки допуска. Rejected-решение несёт вид
// ошибки и нарушенный лимит; Conflicts заполняется целиком, не первым
// попавшимся.
type Decision struct {
	Allowed   bool                 `json:"allowed"`
	Reason    string               `json:"reason,omitempty"`
	Kind      fault.Kind           `json:"-"`
	Conflicts []models.Reservation `json:"conflicts,omitempty"`
	Limits    policy.Limits        `json:"-"`

	PolicyName string `json:"policy_name,omitempty"`
}

// Err — решение как ошибка ядра (nil для allowed).
func (d *Decision) Err() error {
	if d.Allowed {
		return nil
	}
	e := fault.New(d.Kind, d.Reason)
	if len(d.Conflicts) > 0 {
		e = e.With(d.Conflicts)
	}
	return e
}

func rejected(kind fault.Kind, format string, args ...any) *Decision {
	return &Decision{Allowed: false, Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Admission — упорядоченная цепочка проверок допуска брони. Каждая
// проверка отсекает сразу; до следующей дело не доходит.
type Admission struct {
	resolver *policy.Resolver
}

func NewAdmission(resolver *policy.Resolver) *Admission {
	return &Admission{resolver: resolver}
}

// Request — кандидат на бронь.
type Request struct {
	UserID   uint
	Role     models.Role
	TargetID uint
	Start    time.Time
	End      time.Time
	// ExcludeID — при изменении окна существующей брони она сама не
	// считается конфликтом.
	ExcludeID uint
}

// Check — полный прогон проверок в одном gorm-снимке (tx может быть и
// транзакцией создания — тогда проверка и вставка атомарны).
func (a *Admission) Check(tx *gorm.DB, req Request, now time.Time) (*Decision, error) {
	if !req.Start.Before(req.End) {
		return rejected(fault.PolicyViolation, "start must be before end"), nil
	}

	// 1. устройство существует, активно и в принципе бронируемо
	var target models.TargetDevice
	if err := tx.First(&target, req.TargetID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return rejected(fault.NotFound, "target %d not found", req.TargetID), nil
		}
		return nil, fault.Wrap(fault.Transient, "target lookup", err)
	}
	if !target.IsActive {
		return rejected(fault.NotFound, "target %d is inactive", req.TargetID), nil
	}
	if !target.Status.Bookable() {
		return rejected(fault.PolicyViolation, "target %d is %s", req.TargetID, target.Status), nil
	}

	// 2. пересечение с pending/active бронями устройства
	conflicts, err := overlapping(tx, req.TargetID, req.Start, req.End, req.ExcludeID)
	if err != nil {
		return nil, fault.Wrap(fault.Transient, "overlap query", err)
	}
	if len(conflicts) > 0 {
		d := rejected(fault.Conflict, "window overlaps %d existing reservation(s)", len(conflicts))
		d.Conflicts = conflicts
		return d, nil
	}

	// 3. эффективные лимиты — на том же tx, что и вставка
	limits, err := a.resolver.Resolve(tx, req.UserID, req.TargetID)
	if err != nil {
		return nil, fault.Wrap(fault.Transient, "policy resolution", err)
	}

	// 4. длительность
	dur := req.End.Sub(req.Start)
	if maxDur := time.Duration(limits.MaxDurationMinutes) * time.Minute; dur > maxDur {
		d := rejected(fault.PolicyViolation, "duration %s exceeds limit %s", dur, maxDur)
		d.Limits = limits
		return d, nil
	}

	// 4b. горизонт заблаговременного бронирования
	if limits.MaxDaysInAdvance > 0 {
		horizon := now.Add(time.Duration(limits.MaxDaysInAdvance) * 24 * time.Hour)
		if req.Start.After(horizon) {
			d := rejected(fault.PolicyViolation, "start is beyond the %d-day booking horizon", limits.MaxDaysInAdvance)
			d.Limits = limits
			return d, nil
		}
	}

	// 4c. allow-списки политики
	if len(limits.AllowedDeviceTypes) > 0 && !limits.AllowedDeviceTypes.Contains(string(target.DeviceType)) {
		d := rejected(fault.PolicyViolation, "device type %s is not allowed by policy %s", target.DeviceType, limits.PolicyName)
		d.Limits = limits
		return d, nil
	}
	if len(limits.AllowedRoles) > 0 && !limits.AllowedRoles.Contains(string(req.Role)) {
		d := rejected(fault.PolicyViolation, "role %s is not allowed by policy %s", req.Role, limits.PolicyName)
		d.Limits = limits
		return d, nil
	}

	// 5. дневная квота (UTC-сутки старта)
	if limits.MaxPerDay > 0 {
		n, err := countForDay(tx, req.UserID, req.Start)
		if err != nil {
			return nil, fault.Wrap(fault.Transient, "quota query", err)
		}
		if req.ExcludeID != 0 {
			// собственная запись при изменении окна не занимает слот
			var self models.Reservation
			if err := tx.First(&self, req.ExcludeID).Error; err == nil &&
				self.Status != models.ReservationCancelled && !self.IsAdminOverride &&
				sameUTCDay(self.StartTime, req.Start) {
				n--
			}
		}
		if n >= int64(limits.MaxPerDay) {
			d := rejected(fault.PolicyViolation, "daily quota of %d reservations reached", limits.MaxPerDay)
			d.Limits = limits
			return d, nil
		}
	}

	// 6. cooldown после последней брони пользователя, на любом устройстве
	if limits.CooldownMinutes > 0 {
		prev, err := latestEndedBefore(tx, req.UserID, req.Start)
		if err != nil {
			return nil, fault.Wrap(fault.Transient, "cooldown query", err)
		}
		if prev != nil && prev.ID != req.ExcludeID {
			readyAt := prev.EndTime.Add(time.Duration(limits.CooldownMinutes) * time.Minute)
			if req.Start.Before(readyAt) {
				d := rejected(fault.PolicyViolation, "cooldown until %s after reservation %d", readyAt.Format(time.RFC3339), prev.ID)
				d.Limits = limits
				return d, nil
			}
		}
	}

	return &Decision{Allowed: true, Limits: limits, PolicyName: limits.PolicyName}, nil
}

func sameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
