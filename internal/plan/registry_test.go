package plan

import (
	"errors"
	"testing"

	"go.uber.org/zap"
)

func TestRegistry_GetSharesStores(t *testing.T) {
	r, err := NewRegistry(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	a, err := r.Get("proj-a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	b, err := r.Get("proj-a")
	if err != nil {
		t.Fatalf("second Get failed: %v", err)
	}
	if a != b {
		t.Error("expected the same store instance for repeated Get")
	}

	other, err := r.Get("proj-b")
	if err != nil {
		t.Fatalf("Get proj-b failed: %v", err)
	}
	if other == a {
		t.Error("expected distinct stores per project")
	}
	if a.Path() == other.Path() {
		t.Errorf("stores share plan path %s", a.Path())
	}

	loaded := r.Loaded()
	if len(loaded) != 2 || loaded[0] != "proj-a" || loaded[1] != "proj-b" {
		t.Errorf("Loaded = %v, want [proj-a proj-b]", loaded)
	}
}

func TestRegistry_RejectsUnsafeProjectIDs(t *testing.T) {
	r, err := NewRegistry(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	for _, id := range []string{"", "../escape", "a/b", ".hidden", "-lead"} {
		if _, err := r.Get(id); !errors.Is(err, ErrInvalidProjectID) {
			t.Errorf("Get(%q) error = %v, want ErrInvalidProjectID", id, err)
		}
	}
}

func TestRegistry_RequiresDir(t *testing.T) {
	if _, err := NewRegistry("", zap.NewNop()); err == nil {
		t.Fatal("expected error for empty registry directory")
	}
}
