package policy

import (
	"droidpool/internal/models"

	"gorm.io/gorm"
)

// Limits — эффективные лимиты для пары (пользователь, устройство).
// Либо целиком из одной выигравшей политики, либо целиком системные
// дефолты; слияние лимитов из разных политик запрещено.
type Limits struct {
	PolicyID           *uint
	PolicyName         string
	MaxDurationMinutes int
	CooldownMinutes    int
	MaxPerDay          int
	MaxDaysInAdvance   int
	AllowedDeviceTypes models.StringList
	AllowedRoles       models.StringList
	AutoExpireEnabled  bool
	AutoExpireMinutes  int
}

// DefaultLimits — когда ни одна политика не привязана.
func DefaultLimits() Limits {
	return Limits{
		MaxDurationMinutes: models.DefaultMaxDurationMinutes,
		CooldownMinutes:    models.DefaultCooldownMinutes,
		MaxPerDay:          models.DefaultMaxReservationsPerDay,
		MaxDaysInAdvance:   models.DefaultMaxDaysInAdvance,
		AutoExpireEnabled:  true,
		AutoExpireMinutes:  models.DefaultAutoExpireMinutes,
	}
}

// Resolver — read-only: собирает применимые политики и выбирает одну.
type Resolver struct{ repo *Repo }

func NewResolver(repo *Repo) *Resolver { return &Resolver{repo: repo} }

// Resolve — объединение политик пользователя и устройства; победитель — с
// наибольшим priority_level (при равенстве — более поздняя по id).
// Запросы идут на tx вызывающего, чтобы допуск читал политики в той же
// транзакции, что и вставляет бронь; nil — корневое соединение.
func (r *Resolver) Resolve(tx *gorm.DB, userID, targetID uint) (Limits, error) {
	userPols, err := r.repo.ForUser(tx, userID)
	if err != nil {
		return Limits{}, err
	}
	targetPols, err := r.repo.ForTarget(tx, targetID)
	if err != nil {
		return Limits{}, err
	}

	seen := map[uint]struct{}{}
	var winner *models.ReservationPolicy
	consider := func(p models.ReservationPolicy) {
		if _, dup := seen[p.ID]; dup {
			return
		}
		seen[p.ID] = struct{}{}
		if winner == nil ||
			p.PriorityLevel > winner.PriorityLevel ||
			(p.PriorityLevel == winner.PriorityLevel && p.ID > winner.ID) {
			cp := p
			winner = &cp
		}
	}
	for _, p := range userPols {
		consider(p)
	}
	for _, p := range targetPols {
		consider(p)
	}

	if winner == nil {
		return DefaultLimits(), nil
	}
	return FromPolicy(winner), nil
}

// FromPolicy — лимиты одной конкретной политики.
func FromPolicy(p *models.ReservationPolicy) Limits {
	id := p.ID
	return Limits{
		PolicyID:           &id,
		PolicyName:         p.Name,
		MaxDurationMinutes: p.MaxDurationMinutes,
		CooldownMinutes:    p.CooldownMinutes,
		MaxPerDay:          p.MaxReservationsPerDay,
		MaxDaysInAdvance:   p.MaxReservationDaysInAdvance,
		AllowedDeviceTypes: p.AllowedDeviceTypes,
		AllowedRoles:       p.AllowedRoles,
		AutoExpireEnabled:  p.AutoExpireEnabled,
		AutoExpireMinutes:  p.AutoExpireMinutes,
	}
}

// ResolveForReservation — бронь может ссылаться на политику явно; тогда
// берём её, иначе обычное разрешение по паре.
func (r *Resolver) ResolveForReservation(tx *gorm.DB, res *models.Reservation) (Limits, error) {
	if res.PolicyID != nil {
		p, err := r.repo.getOn(tx, *res.PolicyID)
		if err == nil {
			return FromPolicy(p), nil
		}
		// политика могла быть удалена админом — падаем на общее разрешение
	}
	return r.Resolve(tx, res.UserID, res.TargetID)
}
