package models

import "gorm.io/gorm"

// Системные лимиты, если ни одна политика не привязана.
const (
	DefaultMaxDurationMinutes     = 240
	DefaultCooldownMinutes        = 60
	DefaultMaxReservationsPerDay  = 3
	DefaultMaxDaysInAdvance       = 14
	DefaultAutoExpireMinutes      = 15
	DefaultNotificationLeadMinute = 15
)

// ReservationPolicy — именованный набор правил fair-use. Привязывается
// many-to-many и к пользователям, и к устройствам; при конфликте выбирается
// политика с наибольшим PriorityLevel, лимиты никогда не сливаются.
type ReservationPolicy struct {
	gorm.Model
	Name        string `gorm:"uniqueIndex"`
	Description string

	MaxDurationMinutes          int `gorm:"default:240"`
	CooldownMinutes             int `gorm:"default:60"`
	MaxReservationsPerDay       int `gorm:"default:3"`
	MaxReservationDaysInAdvance int `gorm:"default:14"`

	PriorityLevel int `gorm:"default:0;index"`

	AllowedDeviceTypes StringList
	AllowedRoles       StringList

	AutoExpireEnabled bool `gorm:"default:true"`
	AutoExpireMinutes int  `gorm:"default:15"`

	NotificationBeforeStartMinutes int `gorm:"default:15"`
	NotificationBeforeEndMinutes   int `gorm:"default:15"`
}

// TargetPolicy — связка устройство-политика.
type TargetPolicy struct {
	gorm.Model
	TargetID uint `gorm:"index:idx_target_policy,unique,priority:1"`
	PolicyID uint `gorm:"index:idx_target_policy,unique,priority:2"`
}

// UserPolicy — связка пользователь-политика.
type UserPolicy struct {
	gorm.Model
	UserID   uint `gorm:"index:idx_user_policy,unique,priority:1"`
	PolicyID uint `gorm:"index:idx_user_policy,unique,priority:2"`
}
