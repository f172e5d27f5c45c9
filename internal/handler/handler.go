// Package handler exposes the attendance, child and account services over
// HTTP/JSON with gin.
package handler

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"ikid/internal/apperr"
	"ikid/internal/attendance"
	"ikid/internal/auth"
	"ikid/internal/children"
	"ikid/internal/model"
	"ikid/internal/presence"
	"ikid/internal/users"
)

// Attendance is the check-in/check-out core.
type Attendance interface {
	CheckIn(ctx context.Context, childID, actingUserID, notes string) (model.Event, error)
	CheckOut(ctx context.Context, childID, actingUserID, notes string) (model.Event, error)
	ChildLedger(ctx context.Context, childID string) ([]model.Event, error)
	AllLedger(ctx context.Context) ([]model.Event, error)
	Presence(ctx context.Context, childID string) (model.Presence, error)
	SubscribeToPresence(ctx context.Context, childID string, onChange func(model.Presence)) (*presence.Subscription, error)
}

// Children manages child records on behalf of an actor.
type Children interface {
	Create(ctx context.Context, actorID string, in children.NewChild) (model.Child, error)
	Get(ctx context.Context, actorID, id string) (model.Child, error)
	List(ctx context.Context, actorID string) ([]model.Child, error)
	ListByGuardian(ctx context.Context, actorID, guardianID string) ([]model.Child, error)
	Update(ctx context.Context, actorID, id string, u children.Update) (model.Child, error)
	Delete(ctx context.Context, actorID, id string) error
	LinkGuardian(ctx context.Context, actorID, childID, guardianID string) (model.Child, error)
	UnlinkGuardian(ctx context.Context, actorID, childID, guardianID string) (model.Child, error)
	SetPhoto(ctx context.Context, actorID, id string, data []byte, filename string) (model.Child, error)
}

// Users manages accounts on behalf of an actor.
type Users interface {
	Register(ctx context.Context, actorID string, in users.Registration) (model.User, error)
	Authenticate(ctx context.Context, email, password string) (model.User, error)
	ChangePassword(ctx context.Context, userID, current, next string) error
	Get(ctx context.Context, actorID, id string) (model.User, error)
	List(ctx context.Context, actorID string) ([]model.User, error)
	UpdateProfile(ctx context.Context, actorID, id string, p users.Profile) (model.User, error)
	ChangeRole(ctx context.Context, actorID, id string, role model.Role) (model.User, error)
	Delete(ctx context.Context, actorID, id string) error
}

// Sessions issues and rotates token pairs.
type Sessions interface {
	Start(ctx context.Context, u model.User) (auth.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (auth.TokenPair, model.User, error)
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// Deps are the collaborators of the handler.
type Deps struct {
	Attendance  Attendance
	Children    Children
	ChildLookup attendance.ChildLookup
	Users       Users
	Sessions    Sessions
	Location    *time.Location
	Checks      map[string]HealthCheck
}

// Handler serves the HTTP API.
type Handler struct {
	attendance  Attendance
	children    Children
	childLookup attendance.ChildLookup
	users       Users
	sessions    Sessions
	loc         *time.Location
	checks      map[string]HealthCheck

	keepAlive time.Duration
	done      chan struct{}
	closeOnce sync.Once
}

func New(d Deps) *Handler {
	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{
		attendance:  d.Attendance,
		children:    d.Children,
		childLookup: d.ChildLookup,
		users:       d.Users,
		sessions:    d.Sessions,
		loc:         loc,
		checks:      d.Checks,
		keepAlive:   25 * time.Second,
		done:        make(chan struct{}),
	}
}

// CloseStreams ends all open presence streams. Safe to call more than once.
func (h *Handler) CloseStreams() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Register mounts every route. authn authenticates bearer tokens; limit is
// applied to all /v1 routes after authentication so that it can key by user.
func (h *Handler) Register(r gin.IRouter, authn, limit gin.HandlerFunc) {
	r.GET("/healthz", h.Healthz)

	public := r.Group("/v1/auth", limit)
	{
		public.POST("/register", h.RegisterParent)
		public.POST("/login", h.Login)
		public.POST("/refresh", h.Refresh)
		public.POST("/password-strength", h.PasswordStrength)
	}

	v1 := r.Group("/v1", authn, limit)
	staff := auth.RequireRole(model.RoleStaff, model.RoleAdmin)
	admin := auth.RequireRole(model.RoleAdmin)

	v1.GET("/me", h.Me)
	v1.PUT("/me/password", h.ChangePassword)

	v1.GET("/users", admin, h.ListUsers)
	v1.POST("/users", admin, h.CreateUser)
	v1.GET("/users/:id", h.GetUser)
	v1.PATCH("/users/:id", h.UpdateUser)
	v1.PUT("/users/:id/role", admin, h.ChangeRole)
	v1.DELETE("/users/:id", h.DeleteUser)
	v1.GET("/users/:id/children", h.ListChildrenOfGuardian)

	v1.GET("/children", h.ListChildren)
	v1.POST("/children", h.CreateChild)
	v1.GET("/children/:id", h.GetChild)
	v1.PATCH("/children/:id", h.UpdateChild)
	v1.DELETE("/children/:id", admin, h.DeleteChild)
	v1.POST("/children/:id/guardians", admin, h.LinkGuardian)
	v1.DELETE("/children/:id/guardians/:userId", admin, h.UnlinkGuardian)
	v1.PUT("/children/:id/photo", h.SetPhoto)

	v1.POST("/children/:id/checkin", staff, h.CheckIn)
	v1.POST("/children/:id/checkout", staff, h.CheckOut)
	v1.GET("/children/:id/logs", h.ChildLogs)
	v1.GET("/children/:id/presence", h.Presence)
	v1.GET("/children/:id/presence/stream", h.PresenceStream)

	v1.GET("/logs", staff, h.AllLogs)
	v1.GET("/logs/export.csv", staff, h.ExportCSV)
}

// Healthz reports each dependency; any failing check makes the response 503.
func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range h.checks {
		ok := check(ctx)
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

// statusOf maps an error kind to an HTTP status.
func statusOf(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInvalidTransition, apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindUnauthorized:
		return http.StatusForbidden
	case apperr.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	status := statusOf(err)
	if errors.Is(err, context.Canceled) {
		c.Status(499)
		return
	}
	body := gin.H{"error": err.Error(), "code": string(apperr.KindOf(err))}
	if st, ok := users.WeakPassword(err); ok {
		body["password"] = st
	}
	if status >= http.StatusInternalServerError {
		log.Printf("%s %s: %v", c.Request.Method, c.FullPath(), err)
		if status == http.StatusInternalServerError {
			body["error"] = "internal error"
		}
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg, "code": string(apperr.KindValidation)})
}

// parseDate accepts "2006-01-02" or RFC 3339.
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
