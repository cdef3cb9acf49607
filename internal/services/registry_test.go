package services

import (
	"testing"

	"github.com/fyrsmithlabs/taskd/internal/plan"
	"github.com/fyrsmithlabs/taskd/internal/secrets"
	"go.uber.org/zap"
)

func TestRegistryAccessors(t *testing.T) {
	// Create registry with nil services - just testing interface
	reg := NewRegistry(Options{})

	if reg.Plans() != nil {
		t.Error("expected nil plan registry")
	}
	if reg.Sandboxes() != nil {
		t.Error("expected nil sandbox manager")
	}
	if reg.Coordinator() != nil {
		t.Error("expected nil coordinator")
	}
	if reg.Supervisor() != nil {
		t.Error("expected nil supervisor")
	}
	if reg.Bus() != nil {
		t.Error("expected nil bus")
	}
	if reg.Scrubber() != nil {
		t.Error("expected nil scrubber")
	}
}

func TestRegistryWithServices(t *testing.T) {
	plans, err := plan.NewRegistry(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("plan.NewRegistry failed: %v", err)
	}
	scrubber, err := secrets.New(nil)
	if err != nil {
		t.Fatalf("secrets.New failed: %v", err)
	}

	reg := NewRegistry(Options{
		Plans:    plans,
		Scrubber: scrubber,
	})

	// Accessors return the same instances
	if reg.Plans() != plans {
		t.Error("plan registry mismatch")
	}
	if reg.Scrubber() != scrubber {
		t.Error("scrubber mismatch")
	}
}
