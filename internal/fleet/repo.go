package fleet

import (
	"errors"
	"strings"
	"time"

	"droidpool/internal/fault"
	"droidpool/internal/models"

	"gorm.io/gorm"
)

type Repo struct{ db *gorm.DB }

func NewRepo(db *gorm.DB) *Repo { return &Repo{db: db} }

func (r *Repo) DB() *gorm.DB { return r.db }

func (r *Repo) Get(id uint) (*models.TargetDevice, error) {
	var d models.TargetDevice
	if err := r.db.First(&d, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.Newf(fault.NotFound, "target %d not found", id)
		}
		return nil, err
	}
	return &d, nil
}

// FindBySerial — серийник глобально уникален среди активных.
func (r *Repo) FindBySerial(serial string) (*models.TargetDevice, bool, error) {
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return nil, false, nil
	}
	var d models.TargetDevice
	err := r.db.Where("serial_number = ?", serial).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &d, true, nil
}

// FindByGatewayAndName — запасной ключ сопоставления, когда серийника нет.
func (r *Repo) FindByGatewayAndName(gatewayID, name string) (*models.TargetDevice, bool, error) {
	var d models.TargetDevice
	err := r.db.Where("gateway_id = ? AND name = ?", gatewayID, name).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &d, true, nil
}

func (r *Repo) Create(d *models.TargetDevice) error { return r.db.Create(d).Error }
func (r *Repo) Save(d *models.TargetDevice) error   { return r.db.Save(d).Error }

// ActiveForGateway — активные устройства шлюза.
func (r *Repo) ActiveForGateway(gatewayID string) ([]models.TargetDevice, error) {
	var out []models.TargetDevice
	err := r.db.Where("gateway_id = ? AND is_active = ?", gatewayID, true).Find(&out).Error
	return out, err
}

type ListFilter struct {
	Status     []models.DeviceStatus
	DeviceType []models.DeviceType
	GatewayID  string
	IsActive   *bool
	Tag        string
	Purpose    string
	Search     string
	MinHealth  *int
	Offset     int
	Limit      int
}

func (r *Repo) List(f ListFilter) ([]models.TargetDevice, error) {
	q := r.db.Model(&models.TargetDevice{})
	if len(f.Status) > 0 {
		q = q.Where("status IN ?", f.Status)
	}
	if len(f.DeviceType) > 0 {
		q = q.Where("device_type IN ?", f.DeviceType)
	}
	if f.GatewayID != "" {
		q = q.Where("gateway_id = ?", f.GatewayID)
	}
	if f.IsActive != nil {
		q = q.Where("is_active = ?", *f.IsActive)
	}
	if f.MinHealth != nil {
		q = q.Where("health_score >= ?", *f.MinHealth)
	}
	if f.Tag != "" {
		// json-массив хранится текстом; ищем по вхождению строки в кавычках
		q = q.Where("tags LIKE ?", "%\""+f.Tag+"\"%")
	}
	if f.Purpose != "" {
		q = q.Where("purpose LIKE ?", "%\""+f.Purpose+"\"%")
	}
	if f.Search != "" {
		term := "%" + f.Search + "%"
		q = q.Where(
			"name LIKE ? OR serial_number LIKE ? OR manufacturer LIKE ? OR device_model LIKE ? OR location LIKE ? OR android_version LIKE ?",
			term, term, term, term, term, term)
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var out []models.TargetDevice
	err := q.Order("id").Offset(f.Offset).Limit(limit).Find(&out).Error
	return out, err
}

// StaleCandidates — активные устройства без heartbeat'а дольше
// multiplier × interval, статус которых ещё не offline.
func (r *Repo) StaleCandidates(now time.Time, multiplier int) ([]models.TargetDevice, error) {
	var out []models.TargetDevice
	err := r.db.
		Where("is_active = ? AND status NOT IN ?", true,
			[]models.DeviceStatus{models.DeviceOffline, models.DeviceReserved, models.DeviceMaintenance}).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	stale := out[:0]
	for _, d := range out {
		interval := d.HeartbeatIntervalSeconds
		if interval <= 0 {
			interval = 10
		}
		cutoff := now.Add(-time.Duration(multiplier*interval) * time.Second)
		if d.LastHeartbeat == nil || d.LastHeartbeat.Before(cutoff) {
			stale = append(stale, d)
		}
	}
	return stale, nil
}

// UnheardSince — устройства, молчащие дольше порога (для remove-stale).
func (r *Repo) UnheardSince(cutoff time.Time, gatewayID string) ([]models.TargetDevice, error) {
	q := r.db.Where("is_active = ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)", true, cutoff)
	if gatewayID != "" {
		q = q.Where("gateway_id = ?", gatewayID)
	}
	var out []models.TargetDevice
	err := q.Find(&out).Error
	return out, err
}

// Stats — счётчики по статусам/типам/здоровью.
type Stats struct {
	Total        int64                         `json:"total_count"`
	Active       int64                         `json:"active_count"`
	Inactive     int64                         `json:"inactive_count"`
	StatusCounts map[models.DeviceStatus]int64 `json:"status_counts"`
	TypeCounts   map[models.DeviceType]int64   `json:"type_counts"`
	HealthCounts map[string]int64              `json:"health_counts"`
}

func (r *Repo) Stats() (*Stats, error) {
	s := &Stats{
		StatusCounts: map[models.DeviceStatus]int64{},
		TypeCounts:   map[models.DeviceType]int64{},
		HealthCounts: map[string]int64{},
	}
	if err := r.db.Model(&models.TargetDevice{}).Count(&s.Total).Error; err != nil {
		return nil, err
	}
	if err := r.db.Model(&models.TargetDevice{}).Where("is_active = ?", true).Count(&s.Active).Error; err != nil {
		return nil, err
	}
	s.Inactive = s.Total - s.Active

	type row struct {
		Key   string
		Count int64
	}
	var rows []row
	if err := r.db.Model(&models.TargetDevice{}).
		Select("status AS key, COUNT(*) AS count").Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, rr := range rows {
		s.StatusCounts[models.DeviceStatus(rr.Key)] = rr.Count
	}
	rows = rows[:0]
	if err := r.db.Model(&models.TargetDevice{}).
		Select("device_type AS key, COUNT(*) AS count").Group("device_type").Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, rr := range rows {
		s.TypeCounts[models.DeviceType(rr.Key)] = rr.Count
	}

	buckets := []struct {
		name string
		cond string
		args []any
	}{
		{"unknown", "health_score IS NULL", nil},
		{"excellent", "health_score >= ?", []any{90}},
		{"good", "health_score >= ? AND health_score < ?", []any{70, 90}},
		{"fair", "health_score >= ? AND health_score < ?", []any{50, 70}},
		{"poor", "health_score < ? AND health_score IS NOT NULL", []any{50}},
	}
	for _, b := range buckets {
		var n int64
		if err := r.db.Model(&models.TargetDevice{}).Where(b.cond, b.args...).Count(&n).Error; err != nil {
			return nil, err
		}
		s.HealthCounts[b.name] = n
	}
	return s, nil
}
