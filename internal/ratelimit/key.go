package ratelimit

import (
	"fmt"
	"strings"

	"github.com/medrelay/admission/internal/policy"
)

// BuildKey builds the limiter key for a subject and operation.
// An empty key disables limiting for the call.
func BuildKey(subjectID string, op policy.Operation) string {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return ""
	}
	return fmt.Sprintf("s:%s:o:%s", subjectID, op)
}
