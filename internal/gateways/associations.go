package gateways

import (
	"errors"
	"time"

	"droidpool/internal/events"
	"droidpool/internal/fault"
	"droidpool/internal/logs"
	"droidpool/internal/metrics"
	"droidpool/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Пороги здоровья канала: ниже 30 — failed, ниже 60 — disconnected,
// дальше connected.
const (
	healthFailedBelow       = 30
	healthDisconnectedBelow = 60
)

// RecheckAfter — здоровье пересчитывается, только если прошлой проверке
// больше этого интервала; чаще — отдаём закэшированное.
const RecheckAfter = 5 * time.Minute

// Associations — привязки устройств к шлюзам: эксклюзивность, туннельные
// порты, здоровье канала и автозачистка мёртвых привязок.
type Associations struct {
	db   *gorm.DB
	gws  *Repo
	sink events.Sink
	met  *metrics.Set

	// Recheck — интервал свежести проверки здоровья; нулевое значение
	// означает RecheckAfter.
	Recheck time.Duration
}

func NewAssociations(db *gorm.DB, gws *Repo, sink events.Sink, met *metrics.Set) *Associations {
	return &Associations{db: db, gws: gws, sink: sink, met: met}
}

func (a *Associations) Get(id uint) (*models.TargetGatewayAssociation, error) {
	var assoc models.TargetGatewayAssociation
	if err := a.db.First(&assoc, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.Newf(fault.NotFound, "association %d not found", id)
		}
		return nil, err
	}
	return &assoc, nil
}

func (a *Associations) List(gatewayID string, targetID uint, liveOnly bool) ([]models.TargetGatewayAssociation, error) {
	q := a.db.Model(&models.TargetGatewayAssociation{})
	if gatewayID != "" {
		q = q.Where("gateway_id = ?", gatewayID)
	}
	if targetID != 0 {
		q = q.Where("target_id = ?", targetID)
	}
	if liveOnly {
		q = q.Where("status IN ?", liveStatuses())
	}
	var out []models.TargetGatewayAssociation
	err := q.Order("id").Find(&out).Error
	return out, err
}

func liveStatuses() []models.AssociationStatus {
	return []models.AssociationStatus{models.AssocPending, models.AssocConnecting, models.AssocConnected}
}

// Associate — не больше одной live-ассоциации на устройство; проверка и
// вставка в одной транзакции. Туннельный порт выдаётся из диапазона шлюза.
func (a *Associations) Associate(targetID uint, gatewayID string, withTunnel bool) (*models.TargetGatewayAssociation, error) {
	gw, err := a.gws.GetByGatewayID(gatewayID)
	if err != nil {
		return nil, err
	}
	if !gw.IsActive {
		return nil, fault.Newf(fault.Conflict, "gateway %q is inactive", gatewayID)
	}
	var target models.TargetDevice
	if err := a.db.First(&target, targetID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.Newf(fault.NotFound, "target %d not found", targetID)
		}
		return nil, err
	}

	assoc := &models.TargetGatewayAssociation{
		TargetID:  targetID,
		GatewayID: gatewayID,
		Status:    models.AssocPending,
	}
	err = a.db.Transaction(func(tx *gorm.DB) error {
		var live models.TargetGatewayAssociation
		err := tx.Where("target_id = ? AND status IN ?", targetID, liveStatuses()).First(&live).Error
		if err == nil {
			return fault.Newf(fault.Conflict, "target %d already associated with gateway %s", targetID, live.GatewayID).
				With(live.ID)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fault.Wrap(fault.Transient, "association lookup", err)
		}
		if withTunnel {
			port, err := nextFreePort(tx, gw)
			if err != nil {
				return err
			}
			assoc.TunnelPort = port
			assoc.TunnelID = uuid.NewString()
			assoc.TunnelStatus = "pending"
		}
		return tx.Create(assoc).Error
	})
	if err != nil {
		return nil, err
	}
	a.publish(events.AssociationCreated, assoc, map[string]any{"tunnel_port": assoc.TunnelPort})
	return assoc, nil
}

// nextFreePort — линейный проход по диапазону шлюза до первого порта,
// не занятого live-ассоциацией.
func nextFreePort(tx *gorm.DB, gw *models.Gateway) (int, error) {
	var used []int
	err := tx.Model(&models.TargetGatewayAssociation{}).
		Where("gateway_id = ? AND tunnel_port > 0 AND status IN ?", gw.GatewayID, liveStatuses()).
		Pluck("tunnel_port", &used).Error
	if err != nil {
		return 0, fault.Wrap(fault.Transient, "tunnel port scan", err)
	}
	taken := make(map[int]struct{}, len(used))
	for _, p := range used {
		taken[p] = struct{}{}
	}
	for p := gw.TunnelPortBase; p < gw.TunnelPortBase+gw.TunnelPortCount; p++ {
		if _, ok := taken[p]; !ok {
			return p, nil
		}
	}
	return 0, fault.Newf(fault.Conflict, "gateway %q tunnel port range exhausted", gw.GatewayID)
}

// Disassociate — снять привязку. Без force отклоняются живая ассоциация
// connected и привязка к занятому устройству; с force устройство
// дополнительно уводится в offline, если оно не reserved/maintenance.
func (a *Associations) Disassociate(id uint, force bool) error {
	assoc, err := a.Get(id)
	if err != nil {
		return err
	}
	if assoc.Status == models.AssocConnected && !force {
		return fault.Newf(fault.Conflict, "association %d is connected; use force", id)
	}
	if !force {
		var target models.TargetDevice
		if err := a.db.First(&target, assoc.TargetID).Error; err == nil &&
			target.Status == models.DeviceReserved {
			return fault.Newf(fault.Conflict, "target %d is reserved; use force", assoc.TargetID)
		}
	}
	return a.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(assoc).Error; err != nil {
			return err
		}
		if force {
			var target models.TargetDevice
			if err := tx.First(&target, assoc.TargetID).Error; err == nil {
				if target.Status != models.DeviceReserved && target.Status != models.DeviceMaintenance {
					target.Status = models.DeviceOffline
					if err := tx.Save(&target).Error; err != nil {
						return err
					}
				}
			}
		}
		a.publish(events.AssociationRemoved, assoc, map[string]any{"force": force})
		return nil
	})
}

// UpdateStatus — переход статуса ассоциации (агент докладывает установку
// туннеля: pending → connecting → connected).
func (a *Associations) UpdateStatus(id uint, status models.AssociationStatus, details models.JSONMap) (*models.TargetGatewayAssociation, error) {
	assoc, err := a.Get(id)
	if err != nil {
		return nil, err
	}
	prev := assoc.Status
	assoc.Status = status
	if details != nil {
		assoc.ConnectionDetails = details
	}
	if status == models.AssocConnected {
		assoc.TunnelStatus = "up"
	}
	if status == models.AssocDisconnected || status == models.AssocFailed {
		assoc.TunnelStatus = "down"
	}
	if err := a.db.Save(assoc).Error; err != nil {
		return nil, err
	}
	if prev != status {
		a.publish(events.AssociationUpdated, assoc, map[string]any{
			"from": string(prev), "to": string(status),
		})
	}
	return assoc, nil
}

// BulkAssociate — каждая пара независима: ошибка одной не откатывает
// остальные.
type BulkItem struct {
	TargetID uint   `json:"target_id"`
	Error    string `json:"error,omitempty"`
	AssocID  uint   `json:"association_id,omitempty"`
}

func (a *Associations) BulkAssociate(targetIDs []uint, gatewayID string, withTunnel bool) []BulkItem {
	out := make([]BulkItem, 0, len(targetIDs))
	for _, tid := range targetIDs {
		item := BulkItem{TargetID: tid}
		assoc, err := a.Associate(tid, gatewayID, withTunnel)
		if err != nil {
			item.Error = err.Error()
		} else {
			item.AssocID = assoc.ID
		}
		out = append(out, item)
	}
	return out
}

// BulkDisassociate — зеркало BulkAssociate по списку id ассоциаций.
func (a *Associations) BulkDisassociate(ids []uint, force bool) []BulkItem {
	out := make([]BulkItem, 0, len(ids))
	for _, id := range ids {
		item := BulkItem{AssocID: id}
		if assoc, err := a.Get(id); err == nil {
			item.TargetID = assoc.TargetID
		}
		if err := a.Disassociate(id, force); err != nil {
			item.Error = err.Error()
		}
		out = append(out, item)
	}
	return out
}

// AssocStats — сводка по ассоциациям для дашборда.
type AssocStats struct {
	Total      int64            `json:"total"`
	ByStatus   map[string]int64 `json:"by_status"`
	WithTunnel int64            `json:"with_tunnel"`
	AvgHealth  float64          `json:"avg_health"`
}

func (a *Associations) Stats() (*AssocStats, error) {
	s := &AssocStats{ByStatus: map[string]int64{}}
	if err := a.db.Model(&models.TargetGatewayAssociation{}).Count(&s.Total).Error; err != nil {
		return nil, err
	}
	var rows []struct {
		Status string
		N      int64
	}
	if err := a.db.Model(&models.TargetGatewayAssociation{}).
		Select("status, COUNT(*) AS n").Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		s.ByStatus[r.Status] = r.N
	}
	if err := a.db.Model(&models.TargetGatewayAssociation{}).
		Where("tunnel_port > 0").Count(&s.WithTunnel).Error; err != nil {
		return nil, err
	}
	err := a.db.Model(&models.TargetGatewayAssociation{}).
		Where("health_score IS NOT NULL").
		Select("COALESCE(AVG(health_score), 0)").Scan(&s.AvgHealth).Error
	return s, err
}

func (a *Associations) recheckAfter() time.Duration {
	if a.Recheck > 0 {
		return a.Recheck
	}
	return RecheckAfter
}

// CheckHealth — пересчёт статуса из health_score. Свежая проверка
// (моложе интервала recheck) возвращается как есть, без пересчёта.
func (a *Associations) CheckHealth(id uint, score int, now time.Time) (*models.TargetGatewayAssociation, error) {
	assoc, err := a.Get(id)
	if err != nil {
		return nil, err
	}
	if assoc.LastHealthCheck != nil && now.Sub(*assoc.LastHealthCheck) < a.recheckAfter() {
		return assoc, nil
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	prev := assoc.Status
	assoc.HealthScore = &score
	t := now
	assoc.LastHealthCheck = &t
	switch {
	case score < healthFailedBelow:
		assoc.Status = models.AssocFailed
		assoc.TunnelStatus = "down"
	case score < healthDisconnectedBelow:
		assoc.Status = models.AssocDisconnected
		assoc.TunnelStatus = "down"
	default:
		assoc.Status = models.AssocConnected
		assoc.TunnelStatus = "up"
	}
	if err := a.db.Save(assoc).Error; err != nil {
		return nil, err
	}
	// здоровье канала зеркалится в устройство
	var target models.TargetDevice
	if err := a.db.First(&target, assoc.TargetID).Error; err == nil {
		target.HealthScore = &score
		target.HealthCheckAt = &t
		_ = a.db.Save(&target).Error
	}
	if prev != assoc.Status {
		a.publish(events.AssociationUpdated, assoc, map[string]any{
			"from": string(prev), "to": string(assoc.Status), "health_score": score,
		})
	}
	return assoc, nil
}

// SweepHealth — периодический пересчёт здоровья live-ассоциаций без
// явного score от агента: оценка выводится из свежести heartbeat
// устройства. Свежие проверки пропускаются. Возвращает число
// пересчитанных ассоциаций.
func (a *Associations) SweepHealth(now time.Time) (int, error) {
	var live []models.TargetGatewayAssociation
	err := a.db.
		Where("status IN ?", []models.AssociationStatus{models.AssocConnecting, models.AssocConnected}).
		Find(&live).Error
	if err != nil {
		return 0, err
	}
	checked := 0
	for i := range live {
		assoc := &live[i]
		if assoc.LastHealthCheck != nil && now.Sub(*assoc.LastHealthCheck) < a.recheckAfter() {
			continue
		}
		score, err := a.heartbeatScore(assoc.TargetID, now)
		if err != nil {
			logs.Logger.WithError(err).WithField("association_id", assoc.ID).
				Error("health sweep: score failed")
			if a.met != nil {
				a.met.SweepErrors.WithLabelValues("association_health").Inc()
			}
			continue
		}
		if _, err := a.CheckHealth(assoc.ID, score, now); err != nil {
			logs.Logger.WithError(err).WithField("association_id", assoc.ID).
				Error("health sweep: recheck failed")
			if a.met != nil {
				a.met.SweepErrors.WithLabelValues("association_health").Inc()
			}
			continue
		}
		checked++
	}
	return checked, nil
}

// heartbeatScore — грубая оценка канала по возрасту heartbeat: до двух
// интервалов устройства — 100, до шести — 50, дальше — 10; молчавшее с
// рождения устройство получает 0.
func (a *Associations) heartbeatScore(targetID uint, now time.Time) (int, error) {
	var target models.TargetDevice
	if err := a.db.First(&target, targetID).Error; err != nil {
		return 0, err
	}
	if target.LastHeartbeat == nil {
		return 0, nil
	}
	interval := time.Duration(target.HeartbeatIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	switch age := now.Sub(*target.LastHeartbeat); {
	case age <= 2*interval:
		return 100, nil
	case age <= 6*interval:
		return 50, nil
	default:
		return 10, nil
	}
}

// AutoCleanup — удаляет disconnected/failed-ассоциации, не подававшие
// признаков жизни дольше окна. Ошибки по одной записи не прерывают проход.
func (a *Associations) AutoCleanup(now time.Time, inactiveFor time.Duration) (int, error) {
	cutoff := now.Add(-inactiveFor)
	var dead []models.TargetGatewayAssociation
	err := a.db.
		Where("status IN ?", []models.AssociationStatus{models.AssocDisconnected, models.AssocFailed}).
		Where("(last_health_check IS NOT NULL AND last_health_check < ?) OR (last_health_check IS NULL AND updated_at < ?)",
			cutoff, cutoff).
		Find(&dead).Error
	if err != nil {
		return 0, err
	}
	cleaned := 0
	for i := range dead {
		assoc := &dead[i]
		if err := a.db.Delete(assoc).Error; err != nil {
			logs.Logger.WithError(err).WithField("association_id", assoc.ID).
				Error("association cleanup: delete failed")
			if a.met != nil {
				a.met.SweepErrors.WithLabelValues("association_cleanup").Inc()
			}
			continue
		}
		cleaned++
		if a.met != nil {
			a.met.AssociationsCleaned.Inc()
		}
		var target models.TargetDevice
		if err := a.db.First(&target, assoc.TargetID).Error; err == nil {
			if target.Status != models.DeviceReserved && target.Status != models.DeviceMaintenance {
				target.Status = models.DeviceOffline
				_ = a.db.Save(&target).Error
			}
		}
		a.publish(events.AssociationRemoved, assoc, map[string]any{
			"reason": "auto_cleanup", "status": string(assoc.Status),
		})
	}
	return cleaned, nil
}

func (a *Associations) publish(t events.Type, assoc *models.TargetGatewayAssociation, details map[string]any) {
	if a.sink == nil {
		return
	}
	a.sink.Publish(events.Event{
		Type: t,
		Subjects: events.Subjects{
			TargetID:      assoc.TargetID,
			GatewayID:     assoc.GatewayID,
			AssociationID: assoc.ID,
		},
		Details: details,
	})
}
