package api

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"dismissal/internal/auth"
	"dismissal/internal/broadcast"
	"dismissal/internal/metrics"
)

// EventReady is sent once the subscription is live. Clients fetch the
// canonical queue on it, so nothing committed after that point is missed.
const EventReady = "ready"

// EventPing keeps idle connections open through proxies.
const EventPing = "ping"

// rooms lists the rooms an actor may listen to. Everyone hears the school
// room, where pause and resume are announced.
func rooms(claims auth.Claims) []broadcast.Room {
	school := broadcast.SchoolRoom(claims.SchoolID)
	switch claims.Role {
	case auth.RoleOffice:
		return []broadcast.Room{broadcast.OfficeRoom(claims.SchoolID), school}
	case auth.RoleTeacher:
		return []broadcast.Room{broadcast.TeacherRoom(claims.SchoolID, claims.HomeroomID), school}
	case auth.RoleParent:
		if len(claims.StudentIDs) == 0 {
			return nil
		}
		res := make([]broadcast.Room, 0, len(claims.StudentIDs)+1)
		for _, id := range claims.StudentIDs {
			res = append(res, broadcast.ParentRoom(claims.SchoolID, id))
		}
		return append(res, school)
	}
	return nil
}

// stream relays the actor's room events as server-sent events. Delivery is
// best effort; clients re-fetch on every event and after reconnecting.
func (h *handler) stream(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	subscribed := rooms(claims)
	if len(subscribed) == 0 {
		c.JSON(http.StatusForbidden, gin.H{"error": "no rooms for this actor"})
		return
	}
	ctx := c.Request.Context()
	events, err := h.Bus.Subscribe(ctx, subscribed...)
	if err != nil {
		h.Log.Error("stream subscribe failed", "err", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream unavailable"})
		return
	}
	metrics.Subscribers.Inc()
	defer metrics.Subscribers.Dec()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(EventReady, gin.H{"school_id": claims.SchoolID, "role": claims.Role})
	c.Writer.Flush()

	ping := time.NewTicker(h.Heartbeat)
	defer ping.Stop()
	c.Stream(func(w io.Writer) bool {
		select {
		case evt, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(evt.Name, evt)
			return true
		case t := <-ping.C:
			c.SSEvent(EventPing, t.Unix())
			return true
		case <-ctx.Done():
			return false
		}
	})
}
