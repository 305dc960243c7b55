package gateways

import (
	"errors"
	"time"

	"droidpool/internal/events"
	"droidpool/internal/fault"
	"droidpool/internal/models"

	"gorm.io/gorm"
)

type Repo struct {
	db   *gorm.DB
	sink events.Sink
}

func NewRepo(db *gorm.DB, sink events.Sink) *Repo { return &Repo{db: db, sink: sink} }

func (r *Repo) DB() *gorm.DB { return r.db }

func (r *Repo) Get(id uint) (*models.Gateway, error) {
	var g models.Gateway
	if err := r.db.First(&g, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.Newf(fault.NotFound, "gateway %d not found", id)
		}
		return nil, err
	}
	return &g, nil
}

// GetByGatewayID — внешний строковый идентификатор, которым представляются агенты.
func (r *Repo) GetByGatewayID(gatewayID string) (*models.Gateway, error) {
	var g models.Gateway
	if err := r.db.Where("gateway_id = ?", gatewayID).First(&g).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.Newf(fault.NotFound, "gateway %q not found", gatewayID)
		}
		return nil, err
	}
	return &g, nil
}

// Create — gateway_id уникален; родитель, если задан, должен существовать.
func (r *Repo) Create(g *models.Gateway, actor *uint) error {
	var existing models.Gateway
	err := r.db.Where("gateway_id = ?", g.GatewayID).First(&existing).Error
	if err == nil {
		return fault.Newf(fault.Conflict, "gateway %q already exists", g.GatewayID).With(existing.ID)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fault.Wrap(fault.Transient, "gateway lookup", err)
	}
	if g.ParentGatewayID != nil && *g.ParentGatewayID != "" {
		if _, err := r.GetByGatewayID(*g.ParentGatewayID); err != nil {
			return err
		}
	}
	if g.GatewayType == "" {
		g.GatewayType = models.GatewayStandalone
	}
	if g.Status == "" {
		g.Status = models.GatewayOffline
	}
	if g.TunnelPortBase <= 0 {
		g.TunnelPortBase = 20000
	}
	if g.TunnelPortCount <= 0 {
		g.TunnelPortCount = 1000
	}
	g.IsActive = true
	if err := r.db.Create(g).Error; err != nil {
		return err
	}
	r.audit(g.GatewayID, "created", actor, nil)
	r.publish(events.GatewayCreated, g.GatewayID, nil)
	return nil
}

// SetParent — смена родителя с проверкой ацикличности: поднимаемся по
// предкам кандидата; встретили себя — цикл.
func (r *Repo) SetParent(g *models.Gateway, parentID *string) error {
	if parentID == nil || *parentID == "" {
		g.ParentGatewayID = nil
		return nil
	}
	if *parentID == g.GatewayID {
		return fault.New(fault.Conflict, "gateway cannot be its own parent")
	}
	cur := *parentID
	for depth := 0; depth < 64; depth++ {
		anc, err := r.GetByGatewayID(cur)
		if err != nil {
			return err
		}
		if anc.GatewayID == g.GatewayID {
			return fault.Newf(fault.Conflict, "parent %q would create a cycle", *parentID)
		}
		if anc.ParentGatewayID == nil || *anc.ParentGatewayID == "" {
			break
		}
		cur = *anc.ParentGatewayID
	}
	g.ParentGatewayID = parentID
	return nil
}

func (r *Repo) Save(g *models.Gateway) error { return r.db.Save(g).Error }

type ListFilter struct {
	Type     []models.GatewayType
	Status   []models.GatewayStatus
	Region   string
	IsActive *bool
	Search   string
	Offset   int
	Limit    int
}

func (r *Repo) List(f ListFilter) ([]models.Gateway, error) {
	q := r.db.Model(&models.Gateway{})
	if len(f.Type) > 0 {
		q = q.Where("gateway_type IN ?", f.Type)
	}
	if len(f.Status) > 0 {
		q = q.Where("status IN ?", f.Status)
	}
	if f.Region != "" {
		q = q.Where("region = ?", f.Region)
	}
	if f.IsActive != nil {
		q = q.Where("is_active = ?", *f.IsActive)
	}
	if f.Search != "" {
		term := "%" + f.Search + "%"
		q = q.Where("gateway_id LIKE ? OR name LIKE ? OR hostname LIKE ? OR location LIKE ?",
			term, term, term, term)
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var out []models.Gateway
	err := q.Order("id").Offset(f.Offset).Limit(limit).Find(&out).Error
	return out, err
}

// Delete — мягкое удаление; отклоняется, пока на шлюзе висят live-ассоциации
// или дочерние шлюзы.
func (r *Repo) Delete(id uint, actor *uint) error {
	g, err := r.Get(id)
	if err != nil {
		return err
	}
	var children int64
	if err := r.db.Model(&models.Gateway{}).
		Where("parent_gateway_id = ?", g.GatewayID).Count(&children).Error; err != nil {
		return err
	}
	if children > 0 {
		return fault.Newf(fault.Conflict, "gateway %q has %d child gateways", g.GatewayID, children)
	}
	live, err := r.LiveAssociations(g.GatewayID)
	if err != nil {
		return err
	}
	if live > 0 {
		return fault.Newf(fault.Conflict, "gateway %q has %d live associations", g.GatewayID, live)
	}
	if err := r.db.Delete(g).Error; err != nil {
		return err
	}
	r.audit(g.GatewayID, "deleted", actor, nil)
	r.publish(events.GatewayRemoved, g.GatewayID, nil)
	return nil
}

// LiveAssociations — сколько живых привязок сейчас висит на шлюзе.
func (r *Repo) LiveAssociations(gatewayID string) (int64, error) {
	var n int64
	err := r.db.Model(&models.TargetGatewayAssociation{}).
		Where("gateway_id = ? AND status IN ?", gatewayID,
			[]models.AssociationStatus{models.AssocPending, models.AssocConnecting, models.AssocConnected}).
		Count(&n).Error
	return n, err
}

// HeartbeatReport — отчёт агента о состоянии шлюза.
type HeartbeatReport struct {
	Status          models.GatewayStatus `json:"status"`
	HealthScore     *int                 `json:"health_score"`
	HealthDetails   models.JSONMap       `json:"health_details"`
	CPUUsage        *float64             `json:"cpu_usage"`
	MemoryUsage     *float64             `json:"memory_usage"`
	DiskUsage       *float64             `json:"disk_usage"`
	CurrentTargets  *int                 `json:"current_targets"`
	CurrentSessions *int                 `json:"current_sessions"`
}

// ApplyHeartbeat — событие status_changed публикуется только при
// фактической смене статуса: повторный идентичный отчёт его не рождает.
func (r *Repo) ApplyHeartbeat(gatewayID string, rep HeartbeatReport, now time.Time) (*models.Gateway, error) {
	g, err := r.GetByGatewayID(gatewayID)
	if err != nil {
		return nil, err
	}
	prev := g.Status
	if rep.Status != "" {
		g.Status = rep.Status
	} else {
		g.Status = models.GatewayOnline
	}
	hb := now
	g.LastHeartbeat = &hb
	if rep.HealthScore != nil {
		g.HealthScore = rep.HealthScore
		t := now
		g.HealthCheckAt = &t
	}
	if rep.HealthDetails != nil {
		g.HealthDetails = rep.HealthDetails
	}
	if rep.CPUUsage != nil {
		g.CPUUsage = rep.CPUUsage
	}
	if rep.MemoryUsage != nil {
		g.MemoryUsage = rep.MemoryUsage
	}
	if rep.DiskUsage != nil {
		g.DiskUsage = rep.DiskUsage
	}
	if rep.CurrentTargets != nil {
		g.CurrentTargets = *rep.CurrentTargets
	}
	if rep.CurrentSessions != nil {
		g.CurrentSessions = *rep.CurrentSessions
	}
	if err := r.Save(g); err != nil {
		return nil, fault.Wrap(fault.Transient, "gateway heartbeat save", err)
	}
	if prev != g.Status {
		r.audit(g.GatewayID, "status_changed", nil, models.JSONMap{
			"from": string(prev), "to": string(g.Status),
		})
		r.publish(events.GatewayStatusChanged, g.GatewayID, map[string]any{
			"from": string(prev), "to": string(g.Status),
		})
	}
	return g, nil
}

// HierarchyNode — поддерево шлюзов.
type HierarchyNode struct {
	Gateway  models.Gateway   `json:"gateway"`
	Children []*HierarchyNode `json:"children"`
}

// Hierarchy — лес: корни — шлюзы без родителя либо с отсутствующим или
// неактивным родителем (осиротевшие поддеревья не прячутся).
func (r *Repo) Hierarchy() ([]*HierarchyNode, error) {
	var all []models.Gateway
	if err := r.db.Where("is_active = ?", true).Order("id").Find(&all).Error; err != nil {
		return nil, err
	}
	byID := make(map[string]*HierarchyNode, len(all))
	for i := range all {
		byID[all[i].GatewayID] = &HierarchyNode{Gateway: all[i]}
	}
	var roots []*HierarchyNode
	for _, n := range byID {
		p := n.Gateway.ParentGatewayID
		if p == nil || *p == "" {
			roots = append(roots, n)
			continue
		}
		parent, ok := byID[*p]
		if !ok {
			roots = append(roots, n)
			continue
		}
		parent.Children = append(parent.Children, n)
	}
	return roots, nil
}

// GatewayStats — агрегаты по парку шлюзов.
type GatewayStats struct {
	Total        int64                          `json:"total_count"`
	Active       int64                          `json:"active_count"`
	StatusCounts map[models.GatewayStatus]int64 `json:"status_counts"`
	TypeCounts   map[models.GatewayType]int64   `json:"type_counts"`
	Targets      int64                          `json:"total_targets"`
	Sessions     int64                          `json:"total_sessions"`
}

func (r *Repo) Stats() (*GatewayStats, error) {
	s := &GatewayStats{
		StatusCounts: map[models.GatewayStatus]int64{},
		TypeCounts:   map[models.GatewayType]int64{},
	}
	if err := r.db.Model(&models.Gateway{}).Count(&s.Total).Error; err != nil {
		return nil, err
	}
	if err := r.db.Model(&models.Gateway{}).Where("is_active = ?", true).Count(&s.Active).Error; err != nil {
		return nil, err
	}
	type row struct {
		Key   string
		Count int64
	}
	var rows []row
	if err := r.db.Model(&models.Gateway{}).
		Select("status AS key, COUNT(*) AS count").Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, rr := range rows {
		s.StatusCounts[models.GatewayStatus(rr.Key)] = rr.Count
	}
	rows = rows[:0]
	if err := r.db.Model(&models.Gateway{}).
		Select("gateway_type AS key, COUNT(*) AS count").Group("gateway_type").Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, rr := range rows {
		s.TypeCounts[models.GatewayType(rr.Key)] = rr.Count
	}
	type sums struct {
		Targets  int64
		Sessions int64
	}
	var agg sums
	if err := r.db.Model(&models.Gateway{}).
		Select("COALESCE(SUM(current_targets),0) AS targets, COALESCE(SUM(current_sessions),0) AS sessions").
		Scan(&agg).Error; err != nil {
		return nil, err
	}
	s.Targets = agg.Targets
	s.Sessions = agg.Sessions
	return s, nil
}

// AuditLogs — журнал по шлюзу, свежие сверху.
func (r *Repo) AuditLogs(gatewayID string, limit int) ([]models.GatewayAuditLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []models.GatewayAuditLog
	err := r.db.Where("gateway_id = ?", gatewayID).
		Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}

func (r *Repo) audit(gatewayID, action string, actor *uint, details models.JSONMap) {
	_ = r.db.Create(&models.GatewayAuditLog{
		GatewayID: gatewayID,
		Action:    action,
		UserID:    actor,
		Details:   details,
	}).Error
}

func (r *Repo) publish(t events.Type, gatewayID string, details map[string]any) {
	if r.sink == nil {
		return
	}
	r.sink.Publish(events.Event{
		Type:     t,
		Subjects: events.Subjects{GatewayID: gatewayID},
		Details:  details,
	})
}
