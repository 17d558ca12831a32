package policy

import (
	"path/filepath"
	"testing"

	"github.com/medrelay/admission/internal/settings"
)

func TestStoreResolveFromDefaults(t *testing.T) {
	store := NewStore(settings.Config{Scale: 1.0, ConfigRoot: t.TempDir()})

	if store.Source() != SourceDefaults {
		t.Fatalf("expected defaults source, got %q", store.Source())
	}
	limit := store.Resolve(RoleDoctor, OpPatientAccess)
	if limit.RequestsPerMinute != 180 || limit.Burst != 30 {
		t.Fatalf("unexpected doctor limit: %+v", limit)
	}
}

func TestStoreReloadSwapsGeneration(t *testing.T) {
	root := t.TempDir()
	store := NewStore(settings.Config{Scale: 1.0, ConfigRoot: root})
	if store.Version() != "builtin" {
		t.Fatalf("expected builtin version, got %q", store.Version())
	}

	writeFile(t, filepath.Join(root, "ratelimit.yaml"), sampleDocument)
	if errReload := store.Reload(); errReload != nil {
		t.Fatalf("reload: %v", errReload)
	}
	if store.Version() != "3" || store.Source() != SourceExternal {
		t.Fatalf("expected external generation 3, got %q/%q", store.Version(), store.Source())
	}
	if limit := store.Resolve(RolePatient, OpGeneral); limit.RequestsPerMinute != 12 {
		t.Fatalf("expected reloaded patient limit, got %+v", limit)
	}
}

func TestStoreDisabledResolvesUnlimited(t *testing.T) {
	store := NewStore(settings.Config{Scale: 1.0, Disabled: true, ConfigRoot: t.TempDir()})
	if !store.Disabled() {
		t.Fatalf("expected disabled store")
	}
	limit := store.Resolve(RoleAnonymous, OpBulk)
	if limit != Unlimited {
		t.Fatalf("expected unlimited limit, got %+v", limit)
	}
}

func TestStoreScaleAppliedAtLoad(t *testing.T) {
	store := NewStore(settings.Config{Scale: 0.5, ConfigRoot: t.TempDir()})
	limit := store.Resolve(RoleDoctor, OpPatientAccess)
	if limit.RequestsPerMinute != 90 || limit.Burst != 15 {
		t.Fatalf("expected halved doctor limit, got %+v", limit)
	}
	if store.GlobalScale() != 0.5 {
		t.Fatalf("expected scale 0.5, got %v", store.GlobalScale())
	}
}

func TestStoreTableCoversEveryPair(t *testing.T) {
	store := NewStore(settings.Config{Scale: 1.0, ConfigRoot: t.TempDir()})
	table := store.Table()
	if len(table) != len(Roles) {
		t.Fatalf("expected %d roles, got %d", len(Roles), len(table))
	}
	for _, role := range Roles {
		if len(table[role]) != len(Operations) {
			t.Fatalf("role %s missing operations: %d", role, len(table[role]))
		}
	}
}
