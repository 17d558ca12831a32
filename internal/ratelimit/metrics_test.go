package ratelimit

import (
	"strings"
	"testing"

	"github.com/medrelay/admission/internal/policy"
)

func TestMetricsSnapshotCounts(t *testing.T) {
	m := NewMetrics()
	m.Record(policy.RoleDoctor, policy.OpPatientAccess, OutcomeAllowed)
	m.Record(policy.RoleDoctor, policy.OpPatientAccess, OutcomeAllowed)
	m.Record(policy.RoleDoctor, policy.OpPatientAccess, OutcomeDenied)
	m.Record(policy.RoleNurse, policy.OpEmergency, OutcomeBypassed)
	m.Record(policy.RoleStaff, policy.OpGeneral, OutcomeFailOpen)
	m.RecordStoreError()

	snap := m.Snapshot()
	if snap.Summary.Checked != 5 {
		t.Fatalf("expected 5 checks, got %d", snap.Summary.Checked)
	}
	// fail_open counts as allowed in the summary.
	if snap.Summary.Allowed != 3 || snap.Summary.Denied != 1 || snap.Summary.Bypassed != 1 {
		t.Fatalf("unexpected summary: %+v", snap.Summary)
	}
	if snap.Summary.StoreErrors != 1 {
		t.Fatalf("expected 1 store error, got %d", snap.Summary.StoreErrors)
	}

	if len(snap.Breakdown) != 4 {
		t.Fatalf("expected 4 breakdown entries, got %d", len(snap.Breakdown))
	}
	first := snap.Breakdown[0]
	if first.Role != "doctor" || first.Operation != "patient_access" || first.Outcome != OutcomeAllowed || first.Count != 2 {
		t.Fatalf("unexpected first entry: %+v", first)
	}
}

func TestMetricsExpositionText(t *testing.T) {
	m := NewMetrics()
	m.Record(policy.RoleAdmin, policy.OpBulk, OutcomeDenied)

	text := m.ExpositionText(ExpositionInfo{PolicyVersion: "3", PolicySource: "external", ActiveGrants: 2})
	for _, want := range []string{
		"admission_ratelimit_checks_total 1\n",
		"admission_ratelimit_denied_total 1\n",
		`admission_ratelimit_policy_info{version="3",source="external"} 1` + "\n",
		"admission_ratelimit_active_grants 2\n",
		`admission_ratelimit_requests_total{role="admin",operation="bulk",outcome="denied"} 1` + "\n",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("exposition missing %q in:\n%s", want, text)
		}
	}
}

func TestMetricsExpositionDisabledShortCircuits(t *testing.T) {
	m := NewMetrics()
	m.Record(policy.RoleAdmin, policy.OpBulk, OutcomeAllowed)

	text := m.ExpositionText(ExpositionInfo{Disabled: true})
	if text != "admission_ratelimit_disabled 1\n" {
		t.Fatalf("disabled exposition must be the single flag line, got %q", text)
	}
}

func TestMetricsNilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	m.Record(policy.RoleAdmin, policy.OpGeneral, OutcomeAllowed)
	m.RecordStoreError()
	if snap := m.Snapshot(); snap.Summary.Checked != 0 {
		t.Fatalf("nil metrics snapshot must be zero, got %+v", snap)
	}
}
