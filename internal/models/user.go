package models

import "gorm.io/gorm"

// Role — упорядоченная иерархия ролей. Сравнения строк по месту запрещены:
// единственная точка проверки прав — Satisfies.
type Role string

const (
	RoleViewer    Role = "viewer"
	RoleTester    Role = "tester"
	RoleDeveloper Role = "developer"
	RoleAdmin     Role = "admin"
)

var roleRank = map[Role]int{
	RoleViewer:    0,
	RoleTester:    1,
	RoleDeveloper: 2,
	RoleAdmin:     3,
}

// Valid — известная ли роль.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// Satisfies — достаточно ли фактической роли для требуемой.
// Неизвестная фактическая роль не удовлетворяет ничему.
func (r Role) Satisfies(required Role) bool {
	have, ok := roleRank[r]
	if !ok {
		return false
	}
	want, ok := roleRank[required]
	if !ok {
		return false
	}
	return have >= want
}

// User — минимум, который нужен ядру: кто и с какой ролью.
// Пароли/кредентиалы живут у внешнего identity-коллаборатора.
type User struct {
	gorm.Model
	Username     string `gorm:"uniqueIndex"`
	Email        string
	Role         Role `gorm:"type:varchar(16);default:tester"`
	PasswordHash string
	IsActive     bool `gorm:"default:true"`
}
