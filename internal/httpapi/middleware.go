// Package httpapi exposes the admission engine over HTTP: the enforcement
// middleware, the metrics endpoint, and the admin API.
package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/medrelay/admission/internal/policy"
	"github.com/medrelay/admission/internal/ratelimit"
)

// Headers set by the upstream authentication layer. Identity is an external
// collaborator; the engine consumes the resolved subject and role as-is.
const (
	HeaderSubjectID   = "X-Subject-ID"
	HeaderSubjectRole = "X-Subject-Role"
	HeaderOperation   = "X-Operation-Type"
	HeaderEmergency   = "X-Emergency-Access"
)

// RateLimit returns the enforcement middleware. Every response carries the
// rate limit headers; denials abort with 429 and the structured error body.
func RateLimit(manager *ratelimit.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := strings.TrimSpace(c.GetHeader(HeaderSubjectID))
		if subject == "" {
			subject = c.ClientIP()
		}
		role := policy.ParseRole(strings.TrimSpace(c.GetHeader(HeaderSubjectRole)))
		op := operationFor(c)
		emergency := strings.EqualFold(strings.TrimSpace(c.GetHeader(HeaderEmergency)), "true")

		decision := manager.Check(c.Request.Context(), subject, role, op, emergency)
		decision.WriteHeaders(c.Writer.Header())
		if !decision.Allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, decision.DenialBody())
			return
		}
		c.Next()
	}
}

// operationFor classifies the request. An explicit header wins; otherwise
// the path decides.
func operationFor(c *gin.Context) policy.Operation {
	if raw := strings.TrimSpace(c.GetHeader(HeaderOperation)); raw != "" {
		return policy.ParseOperation(raw)
	}
	path := c.Request.URL.Path
	switch {
	case strings.Contains(path, "/bulk"):
		return policy.OpBulk
	case strings.Contains(path, "/upload"):
		return policy.OpUpload
	case strings.Contains(path, "/emergency"):
		return policy.OpEmergency
	case strings.Contains(path, "/patients") || strings.Contains(path, "/records"):
		return policy.OpPatientAccess
	default:
		return policy.OpGeneral
	}
}
