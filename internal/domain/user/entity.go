// Package user содержит доменную модель пользователя системы практики:
// координаторов, преподавателей, тренеров, руководителей и студентов.
package user

import (
	"strings"

	"github.com/ryzugai/wbl-sub000/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ROLE
// ══════════════════════════════════════════════════════════════════════════════

// Role определяет роль пользователя в системе.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleLecturer    Role = "lecturer"
	RoleTrainer     Role = "trainer"
	RoleSupervisor  Role = "supervisor"
	RoleStudent     Role = "student"
)

// IsValid проверяет, что роль известна.
func (r Role) IsValid() bool {
	switch r {
	case RoleCoordinator, RoleLecturer, RoleTrainer, RoleSupervisor, RoleStudent:
		return true
	}
	return false
}

// RequiresApproval возвращает true для ролей, которым нужно одобрение
// координатора перед первым входом.
func (r Role) RequiresApproval() bool {
	return r == RoleTrainer || r == RoleSupervisor
}

// String возвращает строковое представление роли.
func (r Role) String() string {
	return string(r)
}

// ══════════════════════════════════════════════════════════════════════════════
// USER
// ══════════════════════════════════════════════════════════════════════════════

// User - учётная запись. Поля студента, сотрудника и представителя
// компании заполняются в зависимости от роли.
type User struct {
	ID           string      `json:"id"`
	Username     string      `json:"username" validate:"required,min=2,max=64"`
	PasswordHash string      `json:"password_hash,omitempty"`
	Name         string      `json:"name" validate:"required"`
	Email        string      `json:"email,omitempty" validate:"omitempty,email"`
	Phone        string      `json:"phone,omitempty"`
	Role         Role        `json:"role" validate:"required,oneof=coordinator lecturer trainer supervisor student"`
	IsApproved   shared.Flag `json:"is_approved"`
	IsCommittee  shared.Flag `json:"is_committee"`

	// Студент
	Program string `json:"program,omitempty"`
	Matric  string `json:"matric,omitempty"`
	IC      string `json:"ic,omitempty"`
	Address string `json:"address,omitempty"`

	// Преподаватель / руководитель
	StaffID string `json:"staff_id,omitempty"`

	// Представитель компании
	Company    string `json:"company,omitempty"`
	Position   string `json:"position,omitempty"`
	Experience string `json:"experience,omitempty"`

	// Резюме хранится как есть: разделы со списками произвольной формы.
	Resume map[string]any `json:"resume,omitempty"`
}

// IsCoordinator возвращает true для координатора.
func (u User) IsCoordinator() bool {
	return u.Role == RoleCoordinator
}

// IsElevated - координатор или член комитета.
func (u User) IsElevated() bool {
	return u.IsCoordinator() || u.IsCommittee.Bool()
}

// CanLogin проверяет, что учётная запись одобрена. Координатор одобрен всегда.
func (u User) CanLogin() bool {
	if u.IsCoordinator() {
		return true
	}
	if u.Role.RequiresApproval() {
		return u.IsApproved.Bool()
	}
	return true
}

// ApplyRegistrationDefaults выставляет флаг одобрения для новой учётной записи.
// Тренер и руководитель ждут одобрения, если запись создаёт не координатор
// и не член комитета.
func (u *User) ApplyRegistrationDefaults(createdByElevated bool) {
	switch {
	case u.IsCoordinator():
		u.IsApproved = true
	case u.Role.RequiresApproval():
		if !createdByElevated {
			u.IsApproved = false
		}
	default:
		u.IsApproved = true
	}
}

// Redacted возвращает копию без хеша пароля.
func (u User) Redacted() User {
	u.PasswordHash = ""
	return u
}

// SameUsername сравнивает логины. Сравнение чувствительно к регистру.
func SameUsername(a, b string) bool {
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}

// FindByUsername ищет пользователя по логину.
func FindByUsername(users []User, username string) (User, bool) {
	for _, u := range users {
		if SameUsername(u.Username, username) {
			return u, true
		}
	}
	return User{}, false
}

// FindByID ищет пользователя по идентификатору.
func FindByID(users []User, id string) (User, int, bool) {
	for i, u := range users {
		if u.ID == id {
			return u, i, true
		}
	}
	return User{}, -1, false
}
