package ratelimit

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/medrelay/admission/internal/policy"
)

// Check outcomes recorded by the accumulator.
const (
	OutcomeAllowed  = "allowed"
	OutcomeDenied   = "denied"
	OutcomeBypassed = "bypassed"
	OutcomeFailOpen = "fail_open"
)

// Metrics accumulates process-local admission counters. Counters only grow;
// they reset at process restart. All reads are atomic, so the exposition
// endpoint is safe to scrape at any frequency.
type Metrics struct {
	checked     atomic.Int64
	allowed     atomic.Int64
	denied      atomic.Int64
	bypassed    atomic.Int64
	storeErrors atomic.Int64
	breakdown   sync.Map // "role|operation|outcome" -> *atomic.Int64
}

// NewMetrics constructs a Metrics accumulator.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Record counts one decision outcome for a (role, operation) pair.
func (m *Metrics) Record(role policy.Role, op policy.Operation, outcome string) {
	if m == nil {
		return
	}
	m.checked.Add(1)
	switch outcome {
	case OutcomeAllowed:
		m.allowed.Add(1)
	case OutcomeDenied:
		m.denied.Add(1)
	case OutcomeBypassed:
		m.bypassed.Add(1)
	case OutcomeFailOpen:
		m.allowed.Add(1)
	}
	key := fmt.Sprintf("%s|%s|%s", role, op, outcome)
	counter, _ := m.breakdown.LoadOrStore(key, &atomic.Int64{})
	counter.(*atomic.Int64).Add(1)
}

// RecordStoreError counts a coordination store failure.
func (m *Metrics) RecordStoreError() {
	if m == nil {
		return
	}
	m.storeErrors.Add(1)
}

// Summary aggregates the outcome totals.
type Summary struct {
	Checked     int64 `json:"checked"`
	Allowed     int64 `json:"allowed"`
	Denied      int64 `json:"denied"`
	Bypassed    int64 `json:"bypassed"`
	StoreErrors int64 `json:"store_errors"`
}

// BreakdownEntry is one (role, operation, outcome) counter.
type BreakdownEntry struct {
	Role      string `json:"role"`
	Operation string `json:"operation"`
	Outcome   string `json:"outcome"`
	Count     int64  `json:"count"`
}

// Snapshot captures the accumulator state at one instant.
type Snapshot struct {
	Summary   Summary          `json:"summary"`
	Breakdown []BreakdownEntry `json:"breakdown"`
}

// Snapshot exports the current counter values, breakdown sorted for
// stable output.
func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{}
	if m == nil {
		return snap
	}
	snap.Summary = Summary{
		Checked:     m.checked.Load(),
		Allowed:     m.allowed.Load(),
		Denied:      m.denied.Load(),
		Bypassed:    m.bypassed.Load(),
		StoreErrors: m.storeErrors.Load(),
	}
	m.breakdown.Range(func(key, value any) bool {
		parts := strings.SplitN(key.(string), "|", 3)
		if len(parts) != 3 {
			return true
		}
		snap.Breakdown = append(snap.Breakdown, BreakdownEntry{
			Role:      parts[0],
			Operation: parts[1],
			Outcome:   parts[2],
			Count:     value.(*atomic.Int64).Load(),
		})
		return true
	})
	sort.Slice(snap.Breakdown, func(i, j int) bool {
		a, b := snap.Breakdown[i], snap.Breakdown[j]
		if a.Role != b.Role {
			return a.Role < b.Role
		}
		if a.Operation != b.Operation {
			return a.Operation < b.Operation
		}
		return a.Outcome < b.Outcome
	})
	return snap
}

// ExpositionInfo carries the static labels rendered alongside counters.
type ExpositionInfo struct {
	Disabled      bool
	PolicyVersion string
	PolicySource  string
	ActiveGrants  int
}

// ExpositionText renders the accumulator in a line-oriented
// "name{labels} value" format. When enforcement is globally disabled the
// output short-circuits to a single flag line so scrapes never imply real
// enforcement occurred.
func (m *Metrics) ExpositionText(info ExpositionInfo) string {
	var b strings.Builder
	if info.Disabled {
		b.WriteString("admission_ratelimit_disabled 1\n")
		return b.String()
	}
	snap := m.Snapshot()
	fmt.Fprintf(&b, "admission_ratelimit_checks_total %d\n", snap.Summary.Checked)
	fmt.Fprintf(&b, "admission_ratelimit_allowed_total %d\n", snap.Summary.Allowed)
	fmt.Fprintf(&b, "admission_ratelimit_denied_total %d\n", snap.Summary.Denied)
	fmt.Fprintf(&b, "admission_ratelimit_bypass_total %d\n", snap.Summary.Bypassed)
	fmt.Fprintf(&b, "admission_ratelimit_store_errors_total %d\n", snap.Summary.StoreErrors)
	fmt.Fprintf(&b, "admission_ratelimit_policy_info{version=%q,source=%q} 1\n", info.PolicyVersion, info.PolicySource)
	fmt.Fprintf(&b, "admission_ratelimit_active_grants %d\n", info.ActiveGrants)
	for _, entry := range snap.Breakdown {
		fmt.Fprintf(&b, "admission_ratelimit_requests_total{role=%q,operation=%q,outcome=%q} %d\n",
			entry.Role, entry.Operation, entry.Outcome, entry.Count)
	}
	return b.String()
}
