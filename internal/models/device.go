package models

import (
	"time"

	"gorm.io/gorm"
)

type DeviceType string

const (
	DevicePhysical DeviceType = "physical"
	DeviceVirtual  DeviceType = "virtual"
	DeviceEmulator DeviceType = "emulator"
)

type DeviceStatus string

const (
	DeviceAvailable   DeviceStatus = "available"
	DeviceReserved    DeviceStatus = "reserved"
	DeviceOffline     DeviceStatus = "offline"
	DeviceMaintenance DeviceStatus = "maintenance"
	DeviceUnhealthy   DeviceStatus = "unhealthy"
)

// Bookable — можно ли вообще рассматривать устройство для брони.
// offline/maintenance/unhealthy отклоняются сразу.
func (s DeviceStatus) Bookable() bool {
	return s == DeviceAvailable || s == DeviceReserved
}

// TargetDevice — арендуемое android-устройство (железо, виртуалка или эмулятор).
// Статусы reserved/maintenance heartbeat не перетирает.
type TargetDevice struct {
	gorm.Model
	Name         string     `gorm:"index:idx_targets_gw_name,priority:2"`
	GatewayID    string     `gorm:"column:gateway_id;index:idx_targets_gw_name,priority:1"`
	DeviceType   DeviceType `gorm:"type:varchar(16)"`
	SerialNumber string     `gorm:"index"` // уникальность добавляет миграция (partial index под soft-delete)
	IPAddress    string
	ADBEndpoint  string `gorm:"column:adb_endpoint"`
	SSHEndpoint  string `gorm:"column:ssh_endpoint"`

	AndroidVersion string
	APILevel       int `gorm:"column:api_level"`
	Manufacturer   string
	DeviceModel    string `gorm:"column:device_model"`
	Location       string

	CPUInfo    JSONMap `gorm:"column:cpu_info"`
	GPUInfo    JSONMap `gorm:"column:gpu_info"`
	HALSupport JSONMap `gorm:"column:hal_support"`
	MemoryMB   int     `gorm:"column:memory_mb"`
	StorageGB  int     `gorm:"column:storage_gb"`

	NetworkCapabilities StringList
	Tags                StringList
	Purpose             StringList

	Status       DeviceStatus `gorm:"type:varchar(16);index"`
	ADBStatus    bool         `gorm:"column:adb_status"`
	SerialStatus bool

	HealthScore   *int `gorm:"column:health_score"` // 0-100, nil = неизвестно
	HealthCheckAt *time.Time

	LastHeartbeat            *time.Time
	HeartbeatIntervalSeconds int `gorm:"default:10"`

	IsActive bool `gorm:"default:true;index"`
}
