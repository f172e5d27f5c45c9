package handler

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"ikid/internal/auth"
	"ikid/internal/children"
)

// maxPhotoBytes caps child photo uploads.
const maxPhotoBytes = 8 << 20

type childRequest struct {
	FirstName   *string  `json:"first_name"`
	LastName    *string  `json:"last_name"`
	DateOfBirth *string  `json:"date_of_birth"`
	ParentIDs   []string `json:"parent_ids"`
	Allergies   *string  `json:"allergies"`
	Notes       *string  `json:"notes"`
}

func (r childRequest) dateOfBirth() (*time.Time, error) {
	if r.DateOfBirth == nil {
		return nil, nil
	}
	t, err := parseDate(strings.TrimSpace(*r.DateOfBirth))
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (h *Handler) ListChildren(c *gin.Context) {
	list, err := h.children.List(c.Request.Context(), auth.Subject(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"children": list})
}

func (h *Handler) ListChildrenOfGuardian(c *gin.Context) {
	list, err := h.children.ListByGuardian(c.Request.Context(), auth.Subject(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"children": list})
}

func (h *Handler) CreateChild(c *gin.Context) {
	var req childRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	dob, err := req.dateOfBirth()
	if err != nil {
		badRequest(c, "date_of_birth must be YYYY-MM-DD")
		return
	}
	in := children.NewChild{
		FirstName: deref(req.FirstName),
		LastName:  deref(req.LastName),
		ParentIDs: req.ParentIDs,
		Allergies: deref(req.Allergies),
		Notes:     deref(req.Notes),
	}
	if dob != nil {
		in.DateOfBirth = *dob
	}
	child, err := h.children.Create(c.Request.Context(), auth.Subject(c), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, child)
}

func (h *Handler) GetChild(c *gin.Context) {
	child, err := h.children.Get(c.Request.Context(), auth.Subject(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, child)
}

// UpdateChild applies a partial update. Only profile fields are accepted;
// guardians, photo and presence have their own endpoints.
func (h *Handler) UpdateChild(c *gin.Context) {
	var req childRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	dob, err := req.dateOfBirth()
	if err != nil {
		badRequest(c, "date_of_birth must be YYYY-MM-DD")
		return
	}
	child, err := h.children.Update(c.Request.Context(), auth.Subject(c), c.Param("id"), children.Update{
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		DateOfBirth: dob,
		Allergies:   req.Allergies,
		Notes:       req.Notes,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, child)
}

func (h *Handler) DeleteChild(c *gin.Context) {
	if err := h.children.Delete(c.Request.Context(), auth.Subject(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) LinkGuardian(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	child, err := h.children.LinkGuardian(c.Request.Context(), auth.Subject(c), c.Param("id"), req.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, child)
}

func (h *Handler) UnlinkGuardian(c *gin.Context) {
	child, err := h.children.UnlinkGuardian(c.Request.Context(), auth.Subject(c), c.Param("id"), c.Param("userId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, child)
}

// SetPhoto expects a multipart form with a "photo" file.
func (h *Handler) SetPhoto(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxPhotoBytes)
	file, header, err := c.Request.FormFile("photo")
	if err != nil {
		badRequest(c, "photo file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		badRequest(c, "failed to read photo")
		return
	}
	child, err := h.children.SetPhoto(c.Request.Context(), auth.Subject(c), c.Param("id"), data, header.Filename)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, child)
}
