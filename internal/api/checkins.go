package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"dismissal/internal/auth"
	"dismissal/internal/dismissal"
)

// checkInStatus is 201 when entries were opened and 200 for a repeat.
func checkInStatus(res dismissal.CheckInResult) int {
	if res.Outcome == dismissal.OutcomeCreated && len(res.Entries) > 0 {
		return http.StatusCreated
	}
	return http.StatusOK
}

func (h *handler) checkInCar(c *gin.Context) {
	var req struct {
		CarNumber string `json:"car_number" binding:"required,carnumber"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	res, err := h.Service.CheckInCar(c.Request.Context(), actor(c), c.Param("id"), req.CarNumber)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(checkInStatus(res), res)
}

func (h *handler) checkInBus(c *gin.Context) {
	var req struct {
		BusNumber string `json:"bus_number" binding:"required,carnumber"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	res, err := h.Service.CheckInBus(c.Request.Context(), actor(c), c.Param("id"), req.BusNumber)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(checkInStatus(res), res)
}

func (h *handler) checkInQR(c *gin.Context) {
	var req struct {
		Token string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	res, err := h.Service.CheckInQR(c.Request.Context(), actor(c), c.Param("id"), req.Token)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(checkInStatus(res), res)
}

func (h *handler) releaseWalkers(c *gin.Context) {
	var req struct {
		FilterType string   `json:"filter_type" binding:"omitempty,oneof=grade homeroom"`
		Values     []string `json:"values"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
	}
	filter := dismissal.WalkerFilter{Type: req.FilterType, Values: req.Values}
	res, err := h.Service.ReleaseWalkers(c.Request.Context(), actor(c), c.Param("id"), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(checkInStatus(res), res)
}

// issueTag mints the signed token printed as a QR code on a family's car tag.
func (h *handler) issueTag(c *gin.Context) {
	car := c.Param("car")
	if !carNumberPattern.MatchString(car) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid car number"})
		return
	}
	token, err := auth.IssueTag(actor(c).SchoolID, car, h.QRSigningKey, 0)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"token": token, "car_number": car})
}

// smsInbound accepts texts forwarded by the SMS provider. The shared secret
// stands in for a bearer token.
func (h *handler) smsInbound(c *gin.Context) {
	secret := c.GetHeader("X-Webhook-Secret")
	if h.SMSWebhookSecret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(h.SMSWebhookSecret)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook secret"})
		return
	}
	var req struct {
		SchoolID string `json:"school_id" binding:"required"`
		From     string `json:"from"`
		Body     string `json:"body" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	res, err := h.Service.CheckInSMS(c.Request.Context(), req.SchoolID, req.Body)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.Log.Info("sms check-in", "school", req.SchoolID, "from", req.From, "outcome", res.Outcome)
	c.JSON(checkInStatus(res), res)
}

// devToken mints an access token for any actor. Mounted only outside production.
func (h *handler) devToken(c *gin.Context) {
	var req struct {
		Subject    string   `json:"sub" binding:"required"`
		Role       string   `json:"role" binding:"required,oneof=office teacher parent"`
		SchoolID   string   `json:"school_id" binding:"required"`
		HomeroomID string   `json:"homeroom_id"`
		StudentIDs []string `json:"student_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	claims := auth.Claims{Role: req.Role, SchoolID: req.SchoolID, HomeroomID: req.HomeroomID, StudentIDs: req.StudentIDs}
	token, exp, err := auth.Issue(req.Subject, claims, h.JWTIssuer, h.JWTSigningKey, h.AccessTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"access_token": token, "expires_at": exp.Unix()})
}
