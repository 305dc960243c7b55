package models

import (
	"time"

	"gorm.io/gorm"
)

type AssociationStatus string

const (
	AssocPending      AssociationStatus = "pending"
	AssocConnecting   AssociationStatus = "connecting"
	AssocConnected    AssociationStatus = "connected"
	AssocDisconnected AssociationStatus = "disconnected"
	AssocFailed       AssociationStatus = "failed"
)

// Live — ассоциация ещё удерживает устройство за шлюзом.
// У устройства может быть не больше одной live-ассоциации.
func (s AssociationStatus) Live() bool {
	return s == AssocPending || s == AssocConnecting || s == AssocConnected
}

// TargetGatewayAssociation — привязка устройства к обслуживающему шлюзу
// вместе с туннелем и здоровьем канала.
type TargetGatewayAssociation struct {
	gorm.Model
	TargetID  uint   `gorm:"index"`
	GatewayID string `gorm:"column:gateway_id;index"`

	Status          AssociationStatus `gorm:"type:varchar(16);default:pending;index"`
	HealthScore     *int
	LastHealthCheck *time.Time

	ConnectionDetails JSONMap

	TunnelID     string
	TunnelPort   int
	TunnelStatus string
}
