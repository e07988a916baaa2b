// Package company содержит доменную модель компании-партнёра,
// принимающей студентов на практику.
package company

import (
	"strings"
	"time"

	"github.com/ryzugai/wbl-sub000/internal/domain/shared"
)

// Company - компания из справочника.
type Company struct {
	ID            string      `json:"id"`
	Name          string      `json:"name" validate:"required"`
	Address       string      `json:"address,omitempty"`
	State         string      `json:"state,omitempty"`
	District      string      `json:"district,omitempty"`
	Industry      string      `json:"industry,omitempty"`
	ContactPerson string      `json:"contact_person,omitempty"`
	ContactEmail  string      `json:"contact_email,omitempty" validate:"omitempty,email"`
	ContactPhone  string      `json:"contact_phone,omitempty"`
	IsApproved    shared.Flag `json:"is_approved"`
	HasMOU        shared.Flag `json:"has_mou"`
	MOUType       string      `json:"mou_type,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Touch обновляет метку времени изменения.
func (c *Company) Touch(now time.Time) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
}

// NormalizeName приводит название к виду, пригодному для сравнения.
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// SameName сравнивает названия без учёта регистра и лишних пробелов.
func SameName(a, b string) bool {
	na := NormalizeName(a)
	return na != "" && na == NormalizeName(b)
}

// FindByID ищет компанию по идентификатору.
func FindByID(companies []Company, id string) (Company, int, bool) {
	for i, c := range companies {
		if c.ID == id {
			return c, i, true
		}
	}
	return Company{}, -1, false
}
