package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dismissal/internal/dismissal"
)

type transitionRequest struct {
	Zone   string `json:"zone"`
	Reason string `json:"reason" binding:"max=200"`
}

func (h *handler) transition(c *gin.Context) {
	action, err := dismissal.ParseAction(c.Param("action"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	var req transitionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
	}
	entry, changed, err := h.Service.Transition(c.Request.Context(), actor(c), c.Param("id"), action,
		dismissal.TransitionInput{Zone: req.Zone, Reason: req.Reason})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": entry, "changed": changed})
}

func (h *handler) batch(c *gin.Context) {
	var req struct {
		IDs    []string `json:"ids" binding:"required,min=1,max=500"`
		Action string   `json:"action" binding:"required"`
		transitionRequest
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	action, err := dismissal.ParseAction(req.Action)
	if err != nil {
		h.writeError(c, err)
		return
	}
	res, err := h.Service.ApplyBatch(c.Request.Context(), actor(c), req.IDs, action,
		dismissal.TransitionInput{Zone: req.Zone, Reason: req.Reason})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handler) callNext(c *gin.Context) {
	var req struct {
		Count int    `json:"count" binding:"required,min=1,max=50"`
		Zone  string `json:"zone"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	called, err := h.Service.CallNext(c.Request.Context(), actor(c), c.Param("id"), req.Count, req.Zone)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"called": called})
}

func (h *handler) dismissAll(c *gin.Context) {
	var req struct {
		Method     string `json:"method" binding:"omitempty,oneof=car_number bus_number walker qr sms"`
		HomeroomID string `json:"homeroom_id"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
	}
	res, err := h.Service.DismissAll(c.Request.Context(), actor(c), c.Param("id"),
		dismissal.DismissFilter{Method: dismissal.Method(req.Method), HomeroomID: req.HomeroomID})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
