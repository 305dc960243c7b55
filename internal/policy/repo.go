package policy

import (
	"errors"

	"droidpool/internal/fault"
	"droidpool/internal/models"

	"gorm.io/gorm"
)

type Repo struct{ db *gorm.DB }

func NewRepo(db *gorm.DB) *Repo { return &Repo{db: db} }

// conn — запросы идут на переданном хендле (транзакция вызывающего),
// при nil — на корневом соединении репозитория.
func (r *Repo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

// Create — имя политики уникально.
func (r *Repo) Create(p *models.ReservationPolicy) error {
	var existing models.ReservationPolicy
	err := r.db.Where("name = ?", p.Name).First(&existing).Error
	if err == nil {
		return fault.Newf(fault.Conflict, "policy %q already exists", p.Name).With(existing.ID)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fault.Wrap(fault.Transient, "policy lookup", err)
	}
	return r.db.Create(p).Error
}

func (r *Repo) Get(id uint) (*models.ReservationPolicy, error) {
	return r.getOn(r.db, id)
}

func (r *Repo) getOn(tx *gorm.DB, id uint) (*models.ReservationPolicy, error) {
	var p models.ReservationPolicy
	if err := r.conn(tx).First(&p, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.Newf(fault.NotFound, "policy %d not found", id)
		}
		return nil, err
	}
	return &p, nil
}

func (r *Repo) List(offset, limit int) ([]models.ReservationPolicy, error) {
	var out []models.ReservationPolicy
	err := r.db.Order("id").Offset(offset).Limit(limit).Find(&out).Error
	return out, err
}

func (r *Repo) Update(p *models.ReservationPolicy) error {
	var clash models.ReservationPolicy
	err := r.db.Where("name = ? AND id <> ?", p.Name, p.ID).First(&clash).Error
	if err == nil {
		return fault.Newf(fault.Conflict, "policy %q already exists", p.Name).With(clash.ID)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fault.Wrap(fault.Transient, "policy lookup", err)
	}
	return r.db.Save(p).Error
}

func (r *Repo) Delete(id uint) error {
	if _, err := r.Get(id); err != nil {
		return err
	}
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("policy_id = ?", id).Delete(&models.TargetPolicy{}).Error; err != nil {
			return err
		}
		if err := tx.Where("policy_id = ?", id).Delete(&models.UserPolicy{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.ReservationPolicy{}, id).Error
	})
}

// AssignToTargets — идемпотентно: уже существующие связки пропускаются.
func (r *Repo) AssignToTargets(policyID uint, targetIDs []uint) error {
	if _, err := r.Get(policyID); err != nil {
		return err
	}
	var found int64
	if err := r.db.Model(&models.TargetDevice{}).Where("id IN ?", targetIDs).Count(&found).Error; err != nil {
		return err
	}
	if int(found) != len(targetIDs) {
		return fault.New(fault.NotFound, "one or more targets not found")
	}
	return r.db.Transaction(func(tx *gorm.DB) error {
		for _, tid := range targetIDs {
			var link models.TargetPolicy
			err := tx.Where("target_id = ? AND policy_id = ?", tid, policyID).First(&link).Error
			if err == nil {
				continue
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			if err := tx.Create(&models.TargetPolicy{TargetID: tid, PolicyID: policyID}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Repo) RemoveFromTargets(policyID uint, targetIDs []uint) error {
	if _, err := r.Get(policyID); err != nil {
		return err
	}
	return r.db.Where("policy_id = ? AND target_id IN ?", policyID, targetIDs).
		Delete(&models.TargetPolicy{}).Error
}

func (r *Repo) AssignToUsers(policyID uint, userIDs []uint) error {
	if _, err := r.Get(policyID); err != nil {
		return err
	}
	var found int64
	if err := r.db.Model(&models.User{}).Where("id IN ?", userIDs).Count(&found).Error; err != nil {
		return err
	}
	if int(found) != len(userIDs) {
		return fault.New(fault.NotFound, "one or more users not found")
	}
	return r.db.Transaction(func(tx *gorm.DB) error {
		for _, uid := range userIDs {
			var link models.UserPolicy
			err := tx.Where("user_id = ? AND policy_id = ?", uid, policyID).First(&link).Error
			if err == nil {
				continue
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			if err := tx.Create(&models.UserPolicy{UserID: uid, PolicyID: policyID}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Repo) RemoveFromUsers(policyID uint, userIDs []uint) error {
	if _, err := r.Get(policyID); err != nil {
		return err
	}
	return r.db.Where("policy_id = ? AND user_id IN ?", policyID, userIDs).
		Delete(&models.UserPolicy{}).Error
}

// ForUser — политики, привязанные к пользователю. tx — хендл вызывающего:
// резолвер внутри транзакции допуска не должен выходить на второе
// соединение (на однопоточном sqlite это взаимоблокировка).
func (r *Repo) ForUser(tx *gorm.DB, userID uint) ([]models.ReservationPolicy, error) {
	var out []models.ReservationPolicy
	err := r.conn(tx).
		Joins("JOIN user_policies up ON up.policy_id = reservation_policies.id AND up.deleted_at IS NULL").
		Where("up.user_id = ?", userID).
		Find(&out).Error
	return out, err
}

// ForTarget — политики, привязанные к устройству.
func (r *Repo) ForTarget(tx *gorm.DB, targetID uint) ([]models.ReservationPolicy, error) {
	var out []models.ReservationPolicy
	err := r.conn(tx).
		Joins("JOIN target_policies tp ON tp.policy_id = reservation_policies.id AND tp.deleted_at IS NULL").
		Where("tp.target_id = ?", targetID).
		Find(&out).Error
	return out, err
}
