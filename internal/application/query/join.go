// Package query содержит чтения, которые сопоставляют записи разных
// коллекций.
//
// Ссылки между коллекциями мягкие: заявка хранит копию имени компании и
// данных студента на момент создания, а не внешний ключ. Сопоставление
// поэтому делается по денормализованным полям и может промахнуться, если
// имя компании или логин студента позже изменились. Все такие
// сопоставления собраны здесь, чтобы эта неточность была описана в одном
// месте. Отсутствие пары - нормальный результат, а не ошибка.
package query

import (
	"strings"

	"github.com/ryzugai/wbl-sub000/internal/domain/application"
	"github.com/ryzugai/wbl-sub000/internal/domain/company"
	"github.com/ryzugai/wbl-sub000/internal/domain/user"
)

// CompanyForApplication ищет компанию заявки: сначала по company_id, затем
// по имени без учёта регистра и лишних пробелов.
func CompanyForApplication(companies []company.Company, app application.Application) (company.Company, bool) {
	if app.CompanyID != "" {
		if c, _, ok := company.FindByID(companies, app.CompanyID); ok {
			return c, true
		}
	}
	for _, c := range companies {
		if company.SameName(c.Name, app.CompanyName) {
			return c, true
		}
	}
	return company.Company{}, false
}

// ApplicationsForStudent возвращает заявки студента: созданные под его
// логином или с его матрикулом.
func ApplicationsForStudent(apps []application.Application, student user.User) []application.Application {
	out := make([]application.Application, 0)
	matric := strings.TrimSpace(student.Matric)
	for _, a := range apps {
		byUsername := a.CreatedBy != "" && user.SameUsername(a.CreatedBy, student.Username)
		byMatric := matric != "" && strings.EqualFold(strings.TrimSpace(a.StudentMatric), matric)
		if byUsername || byMatric {
			out = append(out, a)
		}
	}
	return out
}

// ApplicationsForCompany возвращает заявки в компанию с данным именем.
func ApplicationsForCompany(apps []application.Application, companyName string) []application.Application {
	out := make([]application.Application, 0)
	for _, a := range apps {
		if company.SameName(a.CompanyName, companyName) {
			out = append(out, a)
		}
	}
	return out
}

// ApplicationsForSupervisor возвращает заявки, где пользователь назначен
// руководителем от факультета.
func ApplicationsForSupervisor(apps []application.Application, supervisor user.User) []application.Application {
	out := make([]application.Application, 0)
	for _, a := range apps {
		if supervises(a, supervisor) {
			out = append(out, a)
		}
	}
	return out
}

func supervises(a application.Application, u user.User) bool {
	if a.Supervisor == nil {
		return false
	}
	byID := a.Supervisor.ID != "" && a.Supervisor.ID == u.ID
	byStaffID := a.Supervisor.StaffID != "" && a.Supervisor.StaffID == u.StaffID
	return byID || byStaffID
}

// FilteredApplications возвращает заявки, которые видит пользователь:
//   - координатор, член комитета и преподаватель - все;
//   - руководитель - назначенные ему и заявки в его компанию;
//   - тренер - заявки в его компанию;
//   - студент - свои.
func FilteredApplications(apps []application.Application, viewer user.User) []application.Application {
	switch {
	case viewer.IsElevated(), viewer.Role == user.RoleLecturer:
		out := make([]application.Application, len(apps))
		copy(out, apps)
		return out
	case viewer.Role == user.RoleSupervisor:
		out := make([]application.Application, 0)
		for _, a := range apps {
			if supervises(a, viewer) || (viewer.Company != "" && company.SameName(a.CompanyName, viewer.Company)) {
				out = append(out, a)
			}
		}
		return out
	case viewer.Role == user.RoleTrainer:
		return ApplicationsForCompany(apps, viewer.Company)
	case viewer.Role == user.RoleStudent:
		return ApplicationsForStudent(apps, viewer)
	}
	return []application.Application{}
}
