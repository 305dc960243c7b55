package models

import (
	"time"

	"gorm.io/gorm"
)

type GatewayType string

const (
	GatewayMaster     GatewayType = "master"
	GatewayRegion     GatewayType = "region"
	GatewaySite       GatewayType = "site"
	GatewayStandalone GatewayType = "standalone"
)

type GatewayStatus string

const (
	GatewayOnline      GatewayStatus = "online"
	GatewayOffline     GatewayStatus = "offline"
	GatewayMaintenance GatewayStatus = "maintenance"
	GatewayDegraded    GatewayStatus = "degraded"
)

// Gateway — узел площадки/региона, обслуживающий устройства.
// Иерархия через ParentGatewayID; граф обязан оставаться ацикличным.
type Gateway struct {
	gorm.Model
	GatewayID   string `gorm:"column:gateway_id;uniqueIndex"`
	Name        string
	Description string

	GatewayType     GatewayType `gorm:"type:varchar(16);default:standalone"`
	ParentGatewayID *string     `gorm:"index"`

	Status        GatewayStatus `gorm:"type:varchar(16);default:offline;index"`
	LastHeartbeat *time.Time
	HealthScore   *int
	HealthCheckAt *time.Time
	HealthDetails JSONMap

	Hostname  string
	IPAddress string
	SSHPort   int `gorm:"default:22"`
	APIPort   int `gorm:"default:8000"`

	Location    string
	Region      string
	Environment string

	MaxTargets            int
	CurrentTargets        int
	MaxConcurrentSessions int
	CurrentSessions       int
	CPUUsage              *float64 `gorm:"column:cpu_usage"`
	MemoryUsage           *float64
	DiskUsage             *float64

	// Диапазон портов для туннелей ассоциаций этого шлюза.
	TunnelPortBase  int `gorm:"default:20000"`
	TunnelPortCount int `gorm:"default:1000"`

	Config   JSONMap
	Features StringList
	Tags     StringList

	IsActive bool `gorm:"default:true;index"`
}

// GatewayAuditLog — журнал действий по шлюзу (created/updated/status_changed/...).
type GatewayAuditLog struct {
	gorm.Model
	GatewayID string `gorm:"column:gateway_id;index"`
	Action    string
	UserID    *uint
	Details   JSONMap
}
