package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func noopHandler(_ context.Context, _ *Job) (json.RawMessage, error) {
	return nil, nil
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	r := newRegistry()

	if err := r.register("maintenance", "refresh_view", noopHandler, 2); err != nil {
		t.Fatalf("register() error = %v", err)
	}

	if _, ok := r.lookup("maintenance", "refresh_view"); !ok {
		t.Error("lookup() did not find registered handler")
	}

	if _, ok := r.lookup("maintenance", "ghost"); ok {
		t.Error("lookup() found handler for unregistered kind")
	}

	if _, ok := r.lookup("ghost", "refresh_view"); ok {
		t.Error("lookup() found handler on unregistered queue")
	}

	if !r.knownQueue("maintenance") {
		t.Error("knownQueue() = false for registered queue")
	}

	if r.knownQueue("ghost") {
		t.Error("knownQueue() = true for unregistered queue")
	}
}

func TestRegistry_RejectsDuplicateRegistration(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	r := newRegistry()

	if err := r.register("exports", "export_render", noopHandler, 1); err != nil {
		t.Fatalf("register() error = %v", err)
	}

	err := r.register("exports", "export_render", noopHandler, 1)
	if !errors.Is(err, ErrHandlerAlreadyRegistered) {
		t.Errorf("register() duplicate error = %v, want ErrHandlerAlreadyRegistered", err)
	}
}

func TestRegistry_RejectsInvalidRegistration(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	r := newRegistry()

	if err := r.register("", "kind", noopHandler, 1); err == nil {
		t.Error("register() with empty queue did not error")
	}

	if err := r.register("queue", "", noopHandler, 1); err == nil {
		t.Error("register() with empty kind did not error")
	}

	if err := r.register("queue", "kind", nil, 1); err == nil {
		t.Error("register() with nil handler did not error")
	}
}

func TestRegistry_PoolSizeIsMaxConcurrency(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	r := newRegistry()

	if err := r.register("maintenance", "refresh_view", noopHandler, 2); err != nil {
		t.Fatalf("register() error = %v", err)
	}

	if err := r.register("maintenance", "catalog_profile", noopHandler, 5); err != nil {
		t.Fatalf("register() error = %v", err)
	}

	if err := r.register("maintenance", "catalog_discovery", noopHandler, 0); err != nil {
		t.Fatalf("register() error = %v", err)
	}

	specs := r.queues()
	if len(specs) != 1 {
		t.Fatalf("queues() returned %d specs, want 1", len(specs))
	}

	if specs[0].workers != 5 {
		t.Errorf("pool size = %d, want max concurrency 5", specs[0].workers)
	}
}

func TestRegistry_QueuesSortedByName(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	r := newRegistry()

	for _, queue := range []string{"reports", "alerts", "exports"} {
		if err := r.register(queue, "work", noopHandler, 1); err != nil {
			t.Fatalf("register(%s) error = %v", queue, err)
		}
	}

	specs := r.queues()

	want := []string{"alerts", "exports", "reports"}
	for i, spec := range specs {
		if spec.queue != want[i] {
			t.Errorf("queues()[%d] = %s, want %s", i, spec.queue, want[i])
		}
	}
}

func TestRegistry_SealedRejectsRegistration(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	r := newRegistry()

	if err := r.register("exports", "export_render", noopHandler, 1); err != nil {
		t.Fatalf("register() error = %v", err)
	}

	r.seal()

	err := r.register("exports", "report_generate", noopHandler, 1)
	if !errors.Is(err, ErrEngineStarted) {
		t.Errorf("register() after seal error = %v, want ErrEngineStarted", err)
	}
}
