package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dismissal/internal/dismissal"
)

func (h *handler) listZones(c *gin.Context) {
	zones, err := h.Service.ListZones(c.Request.Context(), actor(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if zones == nil {
		zones = []dismissal.Zone{}
	}
	c.JSON(http.StatusOK, gin.H{"zones": zones})
}

func (h *handler) createZone(c *gin.Context) {
	var req struct {
		Name      string `json:"name" binding:"required,max=40"`
		SortOrder int    `json:"sort_order"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	z, err := h.Service.CreateZone(c.Request.Context(), actor(c), dismissal.Zone{Name: req.Name, SortOrder: req.SortOrder})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, z)
}

func (h *handler) updateZone(c *gin.Context) {
	var req struct {
		Name      string `json:"name" binding:"required,max=40"`
		SortOrder int    `json:"sort_order"`
		Active    *bool  `json:"active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	z := dismissal.Zone{ID: c.Param("id"), Name: req.Name, SortOrder: req.SortOrder, Active: true}
	if req.Active != nil {
		z.Active = *req.Active
	}
	z, err := h.Service.UpdateZone(c.Request.Context(), actor(c), z)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, z)
}
