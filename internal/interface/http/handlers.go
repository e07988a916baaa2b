package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ryzugai/wbl-sub000/internal/application/backup"
	"github.com/ryzugai/wbl-sub000/internal/domain/adconfig"
	"github.com/ryzugai/wbl-sub000/internal/domain/application"
	"github.com/ryzugai/wbl-sub000/internal/domain/company"
	"github.com/ryzugai/wbl-sub000/internal/domain/shared"
	"github.com/ryzugai/wbl-sub000/internal/domain/user"
	"github.com/ryzugai/wbl-sub000/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH
// ══════════════════════════════════════════════════════════════════════════════

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Uptime  string `json:"uptime"`
	Mode    string `json:"mode"`

	RemoteStore   string              `json:"remote_store,omitempty"`
	CacheBackend  string              `json:"cache_backend"`
	Subscriptions []shared.Collection `json:"subscriptions"`
	Listeners     int                 `json:"listeners"`
	Streams       int                 `json:"streams"`
	Sessions      int                 `json:"sessions"`
}

func (s *Server) handleHealth(c *gin.Context) {
	h := s.deps.Core.Health()
	subs := h.Subscriptions
	if subs == nil {
		subs = []shared.Collection{}
	}
	writeJSON(c, http.StatusOK, healthResponse{
		Status:        "ok",
		Version:       s.deps.Version,
		Uptime:        s.Uptime().Truncate(time.Second).String(),
		Mode:          h.Mode,
		RemoteStore:   h.RemoteStore,
		CacheBackend:  h.CacheBackend,
		Subscriptions: subs,
		Listeners:     h.Listeners,
		Streams:       s.stream.open(),
		Sessions:      s.sessions.count(),
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// SESSION
// ══════════════════════════════════════════════════════════════════════════════

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// loginResponse carries the bearer token for the Authorization header.
type loginResponse struct {
	User      user.User `json:"user"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// registerRequest accepts the password in a dedicated field; password_hash
// from the embedded record is used only when password is empty.
type registerRequest struct {
	user.User
	Password string `json:"password"`
}

func (r registerRequest) record() user.User {
	u := r.User
	if r.Password != "" {
		u.PasswordHash = r.Password
	}
	return u
}

func (s *Server) handleCurrentUser(c *gin.Context) {
	u := s.deps.Core.CurrentUser(c.Request.Context())
	if u == nil {
		writeFailure(c, shared.ErrNoSession)
		return
	}
	writeJSON(c, http.StatusOK, u)
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", "username and password are required")
		return
	}
	u, err := s.deps.Core.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		writeFailure(c, err)
		return
	}
	token, expires := s.sessions.issue(u.ID)
	logger.FromContext(c.Request.Context()).Info("http session opened",
		slog.String("user_id", u.ID),
		slog.String("role", u.Role.String()),
	)
	writeJSON(c, http.StatusOK, loginResponse{User: u, Token: token, ExpiresAt: expires.UTC()})
}

// handleLogout revokes the caller's token. The shared session of the local
// cache is not touched.
func (s *Server) handleLogout(c *gin.Context) {
	token := c.GetString(keySessionToken)
	if token == "" {
		writeFailure(c, shared.ErrNoSession)
		return
	}
	s.sessions.revoke(token)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if !bind(c, &req) {
		return
	}
	u, err := s.deps.Core.Register(c.Request.Context(), req.record())
	if err != nil {
		writeFailure(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, u)
}

// ══════════════════════════════════════════════════════════════════════════════
// USERS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleListUsers(c *gin.Context) {
	users := s.deps.Core.Users(c.Request.Context())
	out := make([]user.User, len(users))
	for i, u := range users {
		out[i] = u.Redacted()
	}
	writeList(c, out)
}

func (s *Server) handleCreateUser(c *gin.Context) {
	var req registerRequest
	if !bind(c, &req) {
		return
	}
	u, err := s.deps.Core.CreateUser(c.Request.Context(), req.record())
	if err != nil {
		writeFailure(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, u)
}

func (s *Server) handleUpdateUser(c *gin.Context) {
	var req registerRequest
	if !bind(c, &req) {
		return
	}
	u := req.record()
	u.ID = c.Param("id")
	updated, err := s.deps.Core.UpdateUser(c.Request.Context(), u)
	if err != nil {
		writeFailure(c, err)
		return
	}
	writeJSON(c, http.StatusOK, updated)
}

func (s *Server) handleDeleteUser(c *gin.Context) {
	if err := s.deps.Core.DeleteUser(c.Request.Context(), c.Param("id")); err != nil {
		writeFailure(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ══════════════════════════════════════════════════════════════════════════════
// COMPANIES
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleListCompanies(c *gin.Context) {
	writeList(c, s.deps.Core.Companies(c.Request.Context()))
}

func (s *Server) handleCreateCompany(c *gin.Context) {
	var in company.Company
	if !bind(c, &in) {
		return
	}
	created, err := s.deps.Core.CreateCompany(c.Request.Context(), in)
	if err != nil {
		writeFailure(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, created)
}

func (s *Server) handleBulkCreateCompanies(c *gin.Context) {
	var in []company.Company
	if !bind(c, &in) {
		return
	}
	created, err := s.deps.Core.BulkCreateCompanies(c.Request.Context(), in)
	if err != nil {
		writeFailure(c, err)
		return
	}
	writeList(c, created)
}

func (s *Server) handleUpdateCompany(c *gin.Context) {
	var in company.Company
	if !bind(c, &in) {
		return
	}
	in.ID = c.Param("id")
	updated, err := s.deps.Core.UpdateCompany(c.Request.Context(), in)
	if err != nil {
		writeFailure(c, err)
		return
	}
	writeJSON(c, http.StatusOK, updated)
}

func (s *Server) handleDeleteCompany(c *gin.Context) {
	if err := s.deps.Core.DeleteCompany(c.Request.Context(), c.Param("id")); err != nil {
		writeFailure(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ══════════════════════════════════════════════════════════════════════════════
// APPLICATIONS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleListApplications(c *gin.Context) {
	writeList(c, s.deps.Core.Applications(c.Request.Context()))
}

func (s *Server) handleVisibleApplications(c *gin.Context) {
	apps, err := s.deps.Core.FilteredApplications(c.Request.Context())
	if err != nil {
		writeFailure(c, err)
		return
	}
	writeList(c, apps)
}

func (s *Server) handleApplicationCompany(c *gin.Context) {
	co, found, err := s.deps.Core.CompanyForApplication(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeFailure(c, err)
		return
	}
	if !found {
		writeFailure(c, shared.ErrCompanyNotFound)
		return
	}
	writeJSON(c, http.StatusOK, co)
}

func (s *Server) handleCreateApplication(c *gin.Context) {
	var in application.Application
	if !bind(c, &in) {
		return
	}
	created, err := s.deps.Core.CreateApplication(c.Request.Context(), in)
	if err != nil {
		writeFailure(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, created)
}

func (s *Server) handleUpdateApplication(c *gin.Context) {
	var in application.Application
	if !bind(c, &in) {
		return
	}
	in.ID = c.Param("id")
	updated, err := s.deps.Core.UpdateApplication(c.Request.Context(), in)
	if err != nil {
		writeFailure(c, err)
		return
	}
	writeJSON(c, http.StatusOK, updated)
}

func (s *Server) handleDeleteApplication(c *gin.Context) {
	if err := s.deps.Core.DeleteApplication(c.Request.Context(), c.Param("id")); err != nil {
		writeFailure(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ══════════════════════════════════════════════════════════════════════════════
// AD CONFIG
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleGetAdConfig(c *gin.Context) {
	writeJSON(c, http.StatusOK, s.deps.Core.AdConfig(c.Request.Context()))
}

func (s *Server) handleUpdateAdConfig(c *gin.Context) {
	var in adconfig.Config
	if !bind(c, &in) {
		return
	}
	updated, err := s.deps.Core.UpdateAdConfig(c.Request.Context(), in)
	if err != nil {
		writeFailure(c, err)
		return
	}
	writeJSON(c, http.StatusOK, updated)
}

// ══════════════════════════════════════════════════════════════════════════════
// BACKUP
// ══════════════════════════════════════════════════════════════════════════════

// handleBackup streams the raw backup document. It carries password hashes,
// so only elevated users may download it.
func (s *Server) handleBackup(c *gin.Context) {
	ctx := c.Request.Context()
	u := s.deps.Core.CurrentUser(ctx)
	if u == nil {
		writeFailure(c, shared.ErrNoSession)
		return
	}
	if !u.IsElevated() {
		writeFailure(c, shared.NewDomainError("backup", "Download", shared.ErrForbidden, "coordinator or committee access required"))
		return
	}

	doc := s.deps.Core.FullSystemBackup(ctx)
	c.Header("Content-Type", "application/json; charset=utf-8")
	c.Header("Content-Disposition", `attachment; filename="wbl-backup.json"`)
	c.Status(http.StatusOK)
	if err := doc.Encode(c.Writer); err != nil {
		s.logger.Error("failed to stream backup", logger.Err(err))
	}
}

func (s *Server) handleRestore(c *gin.Context) {
	body := http.MaxBytesReader(c.Writer, c.Request.Body, backup.MaxDocumentSize)
	doc, err := backup.Parse(body)
	if err != nil {
		writeFailure(c, err)
		return
	}
	if err := s.deps.Core.RestoreFullSystem(c.Request.Context(), doc); err != nil {
		writeFailure(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"users":        len(doc.Users),
		"companies":    len(doc.Companies),
		"applications": len(doc.Applications),
		"version":      doc.Version,
	})
}

func (s *Server) handlePush(c *gin.Context) {
	report, err := s.deps.Core.UploadLocalToCloud(c.Request.Context())
	if err != nil {
		writeFailure(c, err)
		return
	}
	writeJSON(c, http.StatusOK, report)
}

// bind decodes the JSON body or writes a 400.
func bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", "request body is not valid JSON: "+err.Error())
		return false
	}
	return true
}
