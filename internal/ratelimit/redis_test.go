package ratelimit

import (
	"testing"
	"time"
)

func TestParseScriptResult(t *testing.T) {
	result, errParse := parseScriptResult([]any{int64(1), "28.50", int64(3), int64(40), int64(0)})
	if errParse != nil {
		t.Fatalf("parse: %v", errParse)
	}
	if !result.Allowed || result.TokensRemaining != 28.5 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.MinuteCount != 3 || result.HourCount != 40 {
		t.Fatalf("unexpected counts: %+v", result)
	}

	denied, errDenied := parseScriptResult([]any{int64(0), "0", int64(180), int64(200), int64(60)})
	if errDenied != nil {
		t.Fatalf("parse denied: %v", errDenied)
	}
	if denied.Allowed || denied.RetryAfter != time.Minute {
		t.Fatalf("unexpected denied result: %+v", denied)
	}
}

func TestParseScriptResultRejectsMalformedReplies(t *testing.T) {
	cases := []any{
		"not a slice",
		[]any{int64(1)},
		[]any{int64(1), "x", int64(0), int64(0), int64(0)},
		[]any{true, "1", int64(0), int64(0), int64(0)},
	}
	for _, raw := range cases {
		if _, errParse := parseScriptResult(raw); errParse == nil {
			t.Fatalf("expected error for %v", raw)
		}
	}
}

func TestRedisLimiterBuildKey(t *testing.T) {
	l := NewRedisLimiter(nil, "adm:rl")
	if got := l.buildKey("tb", "s:doc-1:o:general", -1); got != "adm:rl:tb:s:doc-1:o:general" {
		t.Fatalf("unexpected bucket key: %q", got)
	}
	if got := l.buildKey("m", "s:doc-1:o:general", 29000000); got != "adm:rl:m:s:doc-1:o:general:29000000" {
		t.Fatalf("unexpected window key: %q", got)
	}

	bare := NewRedisLimiter(nil, "")
	if got := bare.buildKey("h", "k", 5); got != "h:k:5" {
		t.Fatalf("unexpected unprefixed key: %q", got)
	}
}

func TestBuildKey(t *testing.T) {
	if got := BuildKey("doc-1", "patient_access"); got != "s:doc-1:o:patient_access" {
		t.Fatalf("unexpected key: %q", got)
	}
	if got := BuildKey("  ", "general"); got != "" {
		t.Fatalf("blank subject must yield empty key, got %q", got)
	}
}
