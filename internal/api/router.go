// Package api exposes the dismissal service over HTTP and streams queue
// events to browsers with server-sent events.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dismissal/internal/auth"
	"dismissal/internal/broadcast"
	"dismissal/internal/dismissal"
	"dismissal/internal/httpmiddleware"
	"dismissal/internal/metrics"
)

// Deps is everything the router needs.
type Deps struct {
	Service *dismissal.Service
	Bus     broadcast.Bus
	Limiter httpmiddleware.Limiter
	Log     *slog.Logger

	JWTIssuer        string
	JWTSigningKey    string
	QRSigningKey     string
	AccessTTL        time.Duration
	SMSWebhookSecret string
	CORSOrigins      []string
	// DevTokens mounts POST /dev/token, which mints access tokens for any actor.
	DevTokens bool
	// Health reports dependency status for /healthz.
	Health func(ctx context.Context) map[string]bool
	// Heartbeat is the SSE keep-alive interval.
	Heartbeat time.Duration
}

type handler struct {
	Deps
}

// New builds the gin engine with every route mounted.
func New(d Deps) *gin.Engine {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Heartbeat <= 0 {
		d.Heartbeat = 15 * time.Second
	}
	registerValidators()
	h := &handler{Deps: d}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: logFormatter,
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware(d.CORSOrigins))
	r.Use(securityHeaders())
	r.Use(metrics.GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", h.healthz)
	r.POST("/v1/sms/inbound", h.smsInbound)
	if d.DevTokens {
		r.POST("/dev/token", h.devToken)
	}

	v1 := r.Group("/v1", auth.Bearer(d.JWTSigningKey, d.JWTIssuer))
	stream := r.Group("/v1", auth.StreamBearer(d.JWTSigningKey, d.JWTIssuer))
	if d.Limiter != nil {
		v1.Use(httpmiddleware.RateLimit(d.Limiter))
		stream.Use(httpmiddleware.RateLimit(d.Limiter))
	}
	office := auth.RequireRole(auth.RoleOffice)

	v1.POST("/sessions/current", h.currentSession)
	v1.GET("/sessions/:id", h.getSession)
	v1.PUT("/sessions/:id/status", office, h.setSessionStatus)
	v1.POST("/sessions/:id/reset", office, h.resetQueue)
	v1.GET("/sessions/:id/queue", h.listQueue)
	v1.GET("/sessions/:id/stats", h.stats)

	v1.POST("/sessions/:id/checkins/car", h.checkInCar)
	v1.POST("/sessions/:id/checkins/bus", office, h.checkInBus)
	v1.POST("/sessions/:id/checkins/qr", h.checkInQR)
	v1.POST("/sessions/:id/walkers/release", office, h.releaseWalkers)
	v1.POST("/sessions/:id/call-next", office, h.callNext)
	v1.POST("/sessions/:id/dismiss-all", office, h.dismissAll)

	v1.POST("/entries/batch", h.batch)
	v1.POST("/entries/:id/:action", h.transition)

	v1.GET("/zones", h.listZones)
	v1.POST("/zones", office, h.createZone)
	v1.PUT("/zones/:id", office, h.updateZone)

	v1.POST("/family-groups/:car/qr", office, h.issueTag)
	stream.GET("/stream", h.stream)

	return r
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

// logFormatter is gin's default line with the access token masked, since
// event streams may carry it in the query string.
func logFormatter(p gin.LogFormatterParams) string {
	return fmt.Sprintf("[GIN] %v |%3d| %13v | %15s |%-7s %#v\n%s",
		p.TimeStamp.Format("2006/01/02 - 15:04:05"),
		p.StatusCode,
		p.Latency,
		p.ClientIP,
		p.Method,
		redactToken(p.Path),
		p.ErrorMessage,
	)
}

func redactToken(path string) string {
	base, raw, ok := strings.Cut(path, "?")
	if !ok {
		return path
	}
	q, err := url.ParseQuery(raw)
	if err != nil {
		return base
	}
	if !q.Has(auth.QueryToken) {
		return path
	}
	q.Set(auth.QueryToken, "REDACTED")
	return base + "?" + q.Encode()
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}

func (h *handler) healthz(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	if h.Health != nil {
		for name, ok := range h.Health(c.Request.Context()) {
			body[name] = ok
			if !ok {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
			}
		}
	}
	c.JSON(status, body)
}

// actor converts the token claims set by auth.Bearer.
func actor(c *gin.Context) dismissal.Actor {
	claims, _ := auth.FromContext(c)
	return dismissal.Actor{
		ID:         claims.Subject,
		Role:       dismissal.Role(claims.Role),
		SchoolID:   claims.SchoolID,
		HomeroomID: claims.HomeroomID,
		StudentIDs: claims.StudentIDs,
	}
}
