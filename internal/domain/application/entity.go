// Package application содержит доменную модель заявки студента на практику.
// Заявка хранит копии данных студента и компании на момент подачи:
// связь с компанией устанавливается по имени и не проверяется.
package application

import (
	"time"

	"github.com/ryzugai/wbl-sub000/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// STATUS
// ══════════════════════════════════════════════════════════════════════════════

// Status - статус рассмотрения заявки.
type Status string

const (
	StatusPending  Status = "Pending"
	StatusApproved Status = "Approved"
	StatusRejected Status = "Rejected"
)

// IsValid проверяет, что статус известен.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// String возвращает строковое представление статуса.
func (s Status) String() string {
	return string(s)
}

// ══════════════════════════════════════════════════════════════════════════════
// APPLICATION
// ══════════════════════════════════════════════════════════════════════════════

// FacultySupervisor - руководитель практики от факультета.
type FacultySupervisor struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	StaffID string `json:"staff_id,omitempty"`
}

// ReplyLetter - ответное письмо компании, загруженное студентом.
type ReplyLetter struct {
	FileName    string      `json:"file_name"`
	ContentType string      `json:"content_type,omitempty"`
	Data        string      `json:"data"` // base64
	UploadedAt  time.Time   `json:"uploaded_at"`
	IsVerified  shared.Flag `json:"is_verified"`
	VerifiedBy  string      `json:"verified_by,omitempty"`
	VerifiedAt  *time.Time  `json:"verified_at,omitempty"`
}

// Application - заявка на практику.
type Application struct {
	ID string `json:"id"`

	StudentName    string `json:"student_name" validate:"required"`
	StudentMatric  string `json:"student_matric,omitempty"`
	StudentProgram string `json:"student_program,omitempty"`
	StudentIC      string `json:"student_ic,omitempty"`
	StudentEmail   string `json:"student_email,omitempty"`
	StudentPhone   string `json:"student_phone,omitempty"`

	CompanyID            string `json:"company_id,omitempty"`
	CompanyName          string `json:"company_name" validate:"required"`
	CompanyAddress       string `json:"company_address,omitempty"`
	CompanyState         string `json:"company_state,omitempty"`
	CompanyIndustry      string `json:"company_industry,omitempty"`
	CompanyContactPerson string `json:"company_contact_person,omitempty"`
	CompanyContactEmail  string `json:"company_contact_email,omitempty"`

	Status      Status             `json:"status" validate:"omitempty,oneof=Pending Approved Rejected"`
	Supervisor  *FacultySupervisor `json:"supervisor,omitempty"`
	ReplyLetter *ReplyLetter       `json:"reply_letter,omitempty"`

	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// FindByID ищет заявку по идентификатору.
func FindByID(apps []Application, id string) (Application, int, bool) {
	for i, a := range apps {
		if a.ID == id {
			return a, i, true
		}
	}
	return Application{}, -1, false
}
