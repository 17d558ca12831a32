package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/medrelay/admission/internal/audit"
	"github.com/medrelay/admission/internal/policy"
	"github.com/medrelay/admission/internal/ratelimit"
)

// Handler serves the metrics endpoint and the admin API.
type Handler struct {
	manager  *ratelimit.Manager
	recorder *audit.Recorder
}

// NewHandler constructs a Handler.
func NewHandler(manager *ratelimit.Manager, recorder *audit.Recorder) *Handler {
	return &Handler{manager: manager, recorder: recorder}
}

// Register mounts the handler routes on the router.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/metrics", h.Metrics)
	r.POST("/v1/check", h.Check)
	admin := r.Group("/admin/ratelimit")
	admin.POST("/bypass", h.GrantBypass)
	admin.DELETE("/bypass/:subject", h.RevokeBypass)
	admin.POST("/reload", h.ReloadPolicy)
	admin.GET("/policy", h.Policy)
	admin.GET("/snapshot", h.Snapshot)
	admin.GET("/grants", h.Grants)
}

// Metrics renders the pull-scrapable exposition text.
func (h *Handler) Metrics(c *gin.Context) {
	policies := h.manager.Policies()
	text := h.manager.Metrics().ExpositionText(ratelimit.ExpositionInfo{
		Disabled:      policies.Disabled(),
		PolicyVersion: policies.Version(),
		PolicySource:  policies.Source(),
		ActiveGrants:  h.manager.Registry().ActiveCount(),
	})
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(text))
}

// checkRequest is the language-agnostic decision call payload.
type checkRequest struct {
	SubjectID string `json:"subject_id"`
	Role      string `json:"role"`
	Operation string `json:"operation"`
	Emergency bool   `json:"emergency"`
}

// Check runs one admission decision for a remote caller. The response
// carries the same headers the middleware sets; denials answer 429 with
// the structured error body.
func (h *Handler) Check(c *gin.Context) {
	var body checkRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	subject := strings.TrimSpace(body.SubjectID)
	if subject == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subject_id is required"})
		return
	}
	role := policy.ParseRole(strings.TrimSpace(body.Role))
	op := policy.ParseOperation(strings.TrimSpace(body.Operation))
	decision := h.manager.Check(c.Request.Context(), subject, role, op, body.Emergency)
	decision.WriteHeaders(c.Writer.Header())
	if !decision.Allowed {
		c.JSON(http.StatusTooManyRequests, decision.DenialBody())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"allowed":          true,
		"remaining":        decision.Remaining,
		"reset":            decision.Reset.Unix(),
		"tokens_remaining": decision.TokensRemaining,
		"bypass":           decision.Bypass,
	})
}

// grantBypassRequest captures the payload for an emergency elevation.
type grantBypassRequest struct {
	SubjectID       string `json:"subject_id"`
	Role            string `json:"role"`
	Operation       string `json:"operation"`
	DurationSeconds int64  `json:"duration_seconds"`
	Reason          string `json:"reason"`
}

// GrantBypass registers an emergency bypass for a privileged subject.
// Denied elevations answer 403; they are not rate-limit denials.
func (h *Handler) GrantBypass(c *gin.Context) {
	var body grantBypassRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	subject := strings.TrimSpace(body.SubjectID)
	if subject == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subject_id is required"})
		return
	}
	role := policy.ParseRole(strings.TrimSpace(body.Role))
	op := policy.ParseOperation(strings.TrimSpace(body.Operation))
	limit := h.manager.Policies().Resolve(role, op)
	if !limit.EmergencyBypass {
		c.JSON(http.StatusForbidden, gin.H{"error": "operation not eligible for emergency bypass", "role": string(role)})
		return
	}
	duration := time.Duration(body.DurationSeconds) * time.Second
	grant, ok := h.manager.Registry().Grant(c.Request.Context(), subject, role, op, duration, body.Reason)
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "role not privileged for emergency bypass", "role": string(role)})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"grant_id":   grant.ID,
		"subject_id": grant.SubjectID,
		"role":       string(grant.Role),
		"expires_at": grant.Expiry.UTC().Format(time.RFC3339),
	})
}

// RevokeBypass drops any active grant for a subject.
func (h *Handler) RevokeBypass(c *gin.Context) {
	subject := strings.TrimSpace(c.Param("subject"))
	if subject == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subject is required"})
		return
	}
	h.manager.Registry().Revoke(c.Request.Context(), subject)
	c.Status(http.StatusNoContent)
}

// ReloadPolicy reloads the policy document and reports the new generation.
func (h *Handler) ReloadPolicy(c *gin.Context) {
	policies := h.manager.Policies()
	if errReload := policies.Reload(); errReload != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reload failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"version": policies.Version(),
		"source":  policies.Source(),
	})
}

// Policy returns the resolved table with its generation metadata.
func (h *Handler) Policy(c *gin.Context) {
	policies := h.manager.Policies()
	c.JSON(http.StatusOK, gin.H{
		"version":  policies.Version(),
		"source":   policies.Source(),
		"scale":    policies.GlobalScale(),
		"disabled": policies.Disabled(),
		"table":    policies.Table(),
	})
}

// Snapshot returns the metrics counters as JSON.
func (h *Handler) Snapshot(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.Metrics().Snapshot())
}

// Grants lists recent audit rows when audit storage is configured.
func (h *Handler) Grants(c *gin.Context) {
	rows, errList := h.recorder.RecentGrants(c.Request.Context(), 50)
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list grants failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"grants": rows})
}
