package audit

import (
	"context"
	"testing"
	"time"

	"github.com/medrelay/admission/internal/db"
	"github.com/medrelay/admission/internal/policy"
	"github.com/medrelay/admission/internal/ratelimit"
)

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	// A named shared-cache DSN keeps the schema visible across pooled
	// connections while isolating tests from each other.
	conn, errOpen := db.Open("file:" + t.Name() + "?mode=memory&cache=shared")
	if errOpen != nil {
		t.Fatalf("open: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return NewRecorder(conn)
}

func TestRecordGrantPersistsRow(t *testing.T) {
	recorder := newTestRecorder(t)
	expiry := time.Date(2025, 1, 1, 0, 30, 0, 0, time.UTC)

	grant := ratelimit.Grant{
		ID:        "g-1",
		SubjectID: "doc-1",
		Role:      policy.RoleDoctor,
		Operation: policy.OpPatientAccess,
		Reason:    "code blue",
		Expiry:    expiry,
	}
	if errRecord := recorder.RecordGrant(context.Background(), grant, true); errRecord != nil {
		t.Fatalf("record: %v", errRecord)
	}

	rows, errList := recorder.RecentGrants(context.Background(), 10)
	if errList != nil {
		t.Fatalf("list: %v", errList)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one row, got %d", len(rows))
	}
	row := rows[0]
	if row.GrantID != "g-1" || row.SubjectID != "doc-1" || !row.Granted {
		t.Fatalf("unexpected row: %+v", row)
	}
	if row.ExpiresAt == nil || !row.ExpiresAt.Equal(expiry) {
		t.Fatalf("expiry not persisted: %v", row.ExpiresAt)
	}
	if len(row.Meta) == 0 {
		t.Fatalf("meta blob missing")
	}
}

func TestRecordDeniedElevationHasNoExpiry(t *testing.T) {
	recorder := newTestRecorder(t)

	grant := ratelimit.Grant{ID: "g-2", SubjectID: "pat-1", Role: policy.RolePatient, Operation: policy.OpGeneral}
	if errRecord := recorder.RecordGrant(context.Background(), grant, false); errRecord != nil {
		t.Fatalf("record: %v", errRecord)
	}

	rows, _ := recorder.RecentGrants(context.Background(), 10)
	if len(rows) != 1 || rows[0].Granted || rows[0].ExpiresAt != nil {
		t.Fatalf("denied elevation must persist without expiry: %+v", rows)
	}
}

func TestRecentGrantsNewestFirst(t *testing.T) {
	recorder := newTestRecorder(t)

	for _, id := range []string{"g-1", "g-2", "g-3"} {
		grant := ratelimit.Grant{ID: id, SubjectID: "doc-1", Role: policy.RoleDoctor, Operation: policy.OpGeneral}
		if errRecord := recorder.RecordGrant(context.Background(), grant, true); errRecord != nil {
			t.Fatalf("record %s: %v", id, errRecord)
		}
	}

	rows, errList := recorder.RecentGrants(context.Background(), 2)
	if errList != nil {
		t.Fatalf("list: %v", errList)
	}
	if len(rows) != 2 || rows[0].GrantID != "g-3" || rows[1].GrantID != "g-2" {
		t.Fatalf("expected newest first, got %+v", rows)
	}
}

func TestNilRecorderIsNoOp(t *testing.T) {
	var recorder *Recorder
	if errRecord := recorder.RecordGrant(context.Background(), ratelimit.Grant{}, true); errRecord != nil {
		t.Fatalf("nil recorder must not error, got %v", errRecord)
	}
	rows, errList := recorder.RecentGrants(context.Background(), 10)
	if errList != nil || rows != nil {
		t.Fatalf("nil recorder must return nothing, got %v / %v", rows, errList)
	}
}
