package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"dismissal/internal/dismissal"
)

func (h *handler) currentSession(c *gin.Context) {
	sess, err := h.Service.GetOrCreateSession(c.Request.Context(), actor(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *handler) getSession(c *gin.Context) {
	sess, err := h.Service.GetSession(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *handler) setSessionStatus(c *gin.Context) {
	var req struct {
		Status string `json:"status" binding:"required,oneof=active paused"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	sess, err := h.Service.SetSessionStatus(c.Request.Context(), actor(c), c.Param("id"), dismissal.SessionStatus(req.Status))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *handler) resetQueue(c *gin.Context) {
	removed, err := h.Service.ResetQueue(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": len(removed)})
}

// listQueue accepts status as a repeated or comma separated parameter.
func (h *handler) listQueue(c *gin.Context) {
	filter := dismissal.EntryFilter{
		HomeroomID: c.Query("homeroom_id"),
		Method:     dismissal.Method(c.Query("method")),
	}
	for _, v := range c.QueryArray("status") {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				filter.Statuses = append(filter.Statuses, dismissal.Status(s))
			}
		}
	}
	entries, err := h.Service.ListQueue(c.Request.Context(), actor(c), c.Param("id"), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if entries == nil {
		entries = []dismissal.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *handler) stats(c *gin.Context) {
	st, err := h.Service.Stats(c.Request.Context(), actor(c), c.Param("id"), c.Query("homeroom_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}
