package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ikid/internal/apperr"
	"ikid/internal/auth"
	"ikid/internal/model"
	"ikid/internal/users"
	"ikid/internal/validate"
)

type sessionResponse struct {
	User   model.User     `json:"user"`
	Tokens auth.TokenPair `json:"tokens"`
}

// RegisterParent is public sign-up. It always creates a parent account and
// starts a session.
func (h *Handler) RegisterParent(c *gin.Context) {
	var req users.Registration
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.Role != "" && req.Role != model.RoleParent {
		c.JSON(http.StatusForbidden, gin.H{"error": "public registration creates parent accounts only", "code": string(apperr.KindUnauthorized)})
		return
	}
	req.Role = model.RoleParent

	u, err := h.users.Register(c.Request.Context(), "", req)
	if err != nil {
		writeError(c, err)
		return
	}
	tokens, err := h.sessions.Start(c.Request.Context(), u)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sessionResponse{User: u, Tokens: tokens})
}

func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	u, err := h.users.Authenticate(c.Request.Context(), req.Email, req.Password)
	if apperr.KindOf(err) == apperr.KindUnauthorized {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid email or password", "code": string(apperr.KindUnauthorized)})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	tokens, err := h.sessions.Start(c.Request.Context(), u)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse{User: u, Tokens: tokens})
}

func (h *Handler) Refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	tokens, u, err := h.sessions.Refresh(c.Request.Context(), req.RefreshToken)
	if apperr.KindOf(err) == apperr.KindUnauthorized {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token", "code": string(apperr.KindUnauthorized)})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse{User: u, Tokens: tokens})
}

// PasswordStrength grades a candidate password for live form feedback.
func (h *Handler) PasswordStrength(c *gin.Context) {
	var req struct {
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, validate.Password(req.Password))
}

func (h *Handler) Me(c *gin.Context) {
	sub := auth.Subject(c)
	u, err := h.users.Get(c.Request.Context(), sub, sub)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (h *Handler) ChangePassword(c *gin.Context) {
	var req struct {
		Current string `json:"current_password" binding:"required"`
		New     string `json:"new_password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.users.ChangePassword(c.Request.Context(), auth.Subject(c), req.Current, req.New); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ListUsers(c *gin.Context) {
	list, err := h.users.List(c.Request.Context(), auth.Subject(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": list})
}

// CreateUser lets an admin create an account with any role.
func (h *Handler) CreateUser(c *gin.Context) {
	var req users.Registration
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	u, err := h.users.Register(c.Request.Context(), auth.Subject(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, u)
}

func (h *Handler) GetUser(c *gin.Context) {
	u, err := h.users.Get(c.Request.Context(), auth.Subject(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (h *Handler) UpdateUser(c *gin.Context) {
	var req users.Profile
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	u, err := h.users.UpdateProfile(c.Request.Context(), auth.Subject(c), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (h *Handler) ChangeRole(c *gin.Context) {
	var req struct {
		Role model.Role `json:"role" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	u, err := h.users.ChangeRole(c.Request.Context(), auth.Subject(c), c.Param("id"), req.Role)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (h *Handler) DeleteUser(c *gin.Context) {
	if err := h.users.Delete(c.Request.Context(), auth.Subject(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
