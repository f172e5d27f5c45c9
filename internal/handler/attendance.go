package handler

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"ikid/internal/attendance"
	"ikid/internal/auth"
	"ikid/internal/model"
)

type transitionRequest struct {
	Notes string `json:"notes"`
}

func (h *Handler) CheckIn(c *gin.Context) {
	h.transition(c, h.attendance.CheckIn)
}

func (h *Handler) CheckOut(c *gin.Context) {
	h.transition(c, h.attendance.CheckOut)
}

func (h *Handler) transition(c *gin.Context, do func(ctx context.Context, childID, actingUserID, notes string) (model.Event, error)) {
	var req transitionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	evt, err := do(c.Request.Context(), c.Param("id"), auth.Subject(c), req.Notes)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, evt)
}

// visible checks the caller may see the child; parents only their own.
func (h *Handler) visible(c *gin.Context) bool {
	if _, err := h.children.Get(c.Request.Context(), auth.Subject(c), c.Param("id")); err != nil {
		writeError(c, err)
		return false
	}
	return true
}

func (h *Handler) ChildLogs(c *gin.Context) {
	if !h.visible(c) {
		return
	}
	events, err := h.attendance.ChildLedger(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *Handler) AllLogs(c *gin.Context) {
	events, err := h.attendance.AllLedger(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// ExportCSV downloads the ledger, or one child's ledger with ?child_id=.
func (h *Handler) ExportCSV(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		events []model.Event
		err    error
	)
	childID := strings.TrimSpace(c.Query("child_id"))
	if childID != "" {
		events, err = h.attendance.ChildLedger(ctx, childID)
	} else {
		events, err = h.attendance.AllLedger(ctx)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	out, err := attendance.ExportCSV(ctx, h.childLookup, events, h.loc)
	if err != nil {
		writeError(c, err)
		return
	}
	filename := "innkryssinger-" + time.Now().In(h.loc).Format("2006-01-02") + ".csv"
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, "text/csv; charset=utf-8", []byte(out))
}

func (h *Handler) Presence(c *gin.Context) {
	if !h.visible(c) {
		return
	}
	p, err := h.attendance.Presence(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// PresenceStream sends the child's presence as server-sent events until the
// client goes away. Slow clients only ever see the latest projection.
func (h *Handler) PresenceStream(c *gin.Context) {
	if !h.visible(c) {
		return
	}
	ctx := c.Request.Context()
	updates := make(chan model.Presence, 1)
	sub, err := h.attendance.SubscribeToPresence(ctx, c.Param("id"), func(p model.Presence) {
		select {
		case updates <- p:
		default:
			select {
			case <-updates:
			default:
			}
			select {
			case updates <- p:
			default:
			}
		}
	})
	if err != nil {
		writeError(c, err)
		return
	}
	defer sub.Unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ping := time.NewTicker(h.keepAlive)
	defer ping.Stop()
	c.Stream(func(w io.Writer) bool {
		select {
		case p := <-updates:
			c.SSEvent("presence", p)
			return true
		case <-ping.C:
			c.SSEvent("ping", time.Now().UTC().Format(time.RFC3339))
			return true
		case <-ctx.Done():
			return false
		case <-h.done:
			return false
		}
	})
}
