// Package policy resolves per-role, per-operation admission limits.
package policy

import (
	"math"
)

// Role classifies the subject performing a request.
type Role string

// Subject roles recognized by the policy table.
const (
	RoleAdmin     Role = "admin"
	RoleDoctor    Role = "doctor"
	RoleNurse     Role = "nurse"
	RoleStaff     Role = "staff"
	RolePatient   Role = "patient"
	RoleService   Role = "service"
	RoleAnonymous Role = "anonymous"
)

// Operation classifies the kind of work a request performs.
type Operation string

// Operation types recognized by the policy table.
const (
	OpGeneral       Operation = "general"
	OpBulk          Operation = "bulk"
	OpPatientAccess Operation = "patient_access"
	OpEmergency     Operation = "emergency"
	OpUpload        Operation = "upload"
)

// Roles lists every known role in a stable order.
var Roles = []Role{RoleAdmin, RoleDoctor, RoleNurse, RoleStaff, RolePatient, RoleService, RoleAnonymous}

// Operations lists every known operation type in a stable order.
var Operations = []Operation{OpGeneral, OpBulk, OpPatientAccess, OpEmergency, OpUpload}

// PrivilegedRoles may hold emergency bypass grants.
var PrivilegedRoles = map[Role]struct{}{
	RoleAdmin:  {},
	RoleDoctor: {},
	RoleNurse:  {},
}

// ParseRole maps a raw role string onto a known role.
// Unknown values resolve to the anonymous tier so resolution stays total.
func ParseRole(raw string) Role {
	switch Role(raw) {
	case RoleAdmin, RoleDoctor, RoleNurse, RoleStaff, RolePatient, RoleService, RoleAnonymous:
		return Role(raw)
	default:
		return RoleAnonymous
	}
}

// ParseOperation maps a raw operation string onto a known operation type.
// Unknown values resolve to the general tier so resolution stays total.
func ParseOperation(raw string) Operation {
	switch Operation(raw) {
	case OpGeneral, OpBulk, OpPatientAccess, OpEmergency, OpUpload:
		return Operation(raw)
	default:
		return OpGeneral
	}
}

// Limit holds the admission quota for one (role, operation) pair.
// A resolved Limit is immutable for the lifetime of a policy generation.
type Limit struct {
	RequestsPerMinute uint
	RequestsPerHour   uint
	Burst             uint
	EmergencyBypass   bool
	Description       string
}

// FillRate returns the token refill rate in tokens per second.
func (l Limit) FillRate() float64 {
	return float64(l.RequestsPerMinute) / 60.0
}

// unlimitedCeiling is large enough to never deny while keeping header math sane.
const unlimitedCeiling = math.MaxInt32

// Unlimited is the limit substituted when enforcement is globally disabled.
var Unlimited = Limit{
	RequestsPerMinute: unlimitedCeiling,
	RequestsPerHour:   unlimitedCeiling,
	Burst:             unlimitedCeiling,
	EmergencyBypass:   true,
	Description:       "enforcement disabled",
}

// globalDefault applies to any pair missing from both the document and the
// built-in table.
var globalDefault = Limit{
	RequestsPerMinute: 60,
	RequestsPerHour:   1000,
	Burst:             10,
	Description:       "global default",
}

// builtinDefaults is the hard-coded fallback table. It intentionally covers
// only the pairs that need values different from the global default.
var builtinDefaults = map[Role]map[Operation]Limit{
	RoleAdmin: {
		OpGeneral:       {RequestsPerMinute: 600, RequestsPerHour: 20000, Burst: 100, EmergencyBypass: true, Description: "admin general"},
		OpBulk:          {RequestsPerMinute: 120, RequestsPerHour: 3000, Burst: 30, EmergencyBypass: true, Description: "admin bulk"},
		OpPatientAccess: {RequestsPerMinute: 300, RequestsPerHour: 9000, Burst: 60, EmergencyBypass: true, Description: "admin record access"},
		OpEmergency:     {RequestsPerMinute: 600, RequestsPerHour: 20000, Burst: 100, EmergencyBypass: true, Description: "admin emergency"},
		OpUpload:        {RequestsPerMinute: 60, RequestsPerHour: 1500, Burst: 20, EmergencyBypass: true, Description: "admin upload"},
	},
	RoleDoctor: {
		OpGeneral:       {RequestsPerMinute: 240, RequestsPerHour: 8000, Burst: 40, Description: "doctor general"},
		OpBulk:          {RequestsPerMinute: 60, RequestsPerHour: 1200, Burst: 15, Description: "doctor bulk"},
		OpPatientAccess: {RequestsPerMinute: 180, RequestsPerHour: 5400, Burst: 30, EmergencyBypass: true, Description: "doctor record access"},
		OpEmergency:     {RequestsPerMinute: 300, RequestsPerHour: 9000, Burst: 60, EmergencyBypass: true, Description: "doctor emergency"},
		OpUpload:        {RequestsPerMinute: 30, RequestsPerHour: 600, Burst: 10, Description: "doctor upload"},
	},
	RoleNurse: {
		OpGeneral:       {RequestsPerMinute: 180, RequestsPerHour: 6000, Burst: 30, Description: "nurse general"},
		OpPatientAccess: {RequestsPerMinute: 120, RequestsPerHour: 3600, Burst: 20, EmergencyBypass: true, Description: "nurse record access"},
		OpEmergency:     {RequestsPerMinute: 240, RequestsPerHour: 7200, Burst: 40, EmergencyBypass: true, Description: "nurse emergency"},
	},
	RoleStaff: {
		OpGeneral: {RequestsPerMinute: 120, RequestsPerHour: 3000, Burst: 20, Description: "staff general"},
		OpBulk:    {RequestsPerMinute: 30, RequestsPerHour: 600, Burst: 10, Description: "staff bulk"},
	},
	RolePatient: {
		OpGeneral:       {RequestsPerMinute: 60, RequestsPerHour: 1200, Burst: 10, Description: "patient general"},
		OpPatientAccess: {RequestsPerMinute: 30, RequestsPerHour: 600, Burst: 5, Description: "patient own-record access"},
		OpUpload:        {RequestsPerMinute: 10, RequestsPerHour: 120, Burst: 3, Description: "patient upload"},
	},
	RoleService: {
		OpGeneral: {RequestsPerMinute: 600, RequestsPerHour: 30000, Burst: 120, Description: "service integration"},
		OpBulk:    {RequestsPerMinute: 120, RequestsPerHour: 6000, Burst: 30, Description: "service bulk"},
	},
	RoleAnonymous: {
		OpGeneral: {RequestsPerMinute: 20, RequestsPerHour: 200, Burst: 5, Description: "anonymous"},
	},
}

// defaultLimit resolves the built-in limit for an exact pair, falling back to
// the global default. The result is total for every known pair.
func defaultLimit(role Role, op Operation) Limit {
	if ops, ok := builtinDefaults[role]; ok {
		if limit, okOp := ops[op]; okOp {
			return limit
		}
	}
	return globalDefault
}

// scaleLimit applies the global scale factor to every numeric field.
// Each scaled value is clamped to at least 1.
func scaleLimit(limit Limit, scale float64) Limit {
	if scale == 1.0 {
		return limit
	}
	limit.RequestsPerMinute = scaleValue(limit.RequestsPerMinute, scale)
	limit.RequestsPerHour = scaleValue(limit.RequestsPerHour, scale)
	limit.Burst = scaleValue(limit.Burst, scale)
	return limit
}

func scaleValue(v uint, scale float64) uint {
	scaled := math.Round(float64(v) * scale)
	if scaled < 1 {
		return 1
	}
	if scaled > unlimitedCeiling {
		return unlimitedCeiling
	}
	return uint(scaled)
}
