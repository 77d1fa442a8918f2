package ports

import (
	"testing"
	"time"
)

func TestFirstAnnouncedPortWinsActivation(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	registry.Announce(4001, "https://preview.local:4001")
	registry.Announce(4002, "https://preview.local:4002")

	active, ok := registry.Active()
	if !ok {
		t.Fatal("expected an active port")
	}
	if active.Port != 4001 {
		t.Fatalf("active port = %d, want 4001", active.Port)
	}
	if active.URL != "https://preview.local:4001" {
		t.Fatalf("active url = %q, want first announcement", active.URL)
	}
}

func TestSetActiveOverridesSelection(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	registry.Announce(4001, "https://preview.local:4001")
	registry.Announce(4002, "https://preview.local:4002")

	if err := registry.SetActive(4002); err != nil {
		t.Fatalf("set active: %v", err)
	}

	active, ok := registry.Active()
	if !ok || active.Port != 4002 {
		t.Fatalf("active port = %d (ok=%v), want 4002", active.Port, ok)
	}
}

func TestSetActiveRejectsUnknownPort(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	registry.Announce(4001, "https://preview.local:4001")

	if err := registry.SetActive(9999); err == nil {
		t.Fatal("expected error for unknown port, got nil")
	}
}

func TestReannouncementUpdatesBindingWithoutStealingActivation(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	first := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	second := first.Add(time.Minute)
	times := []time.Time{first, first, second}
	registry.now = func() time.Time {
		next := times[0]
		if len(times) > 1 {
			times = times[1:]
		}
		return next
	}

	registry.Announce(4001, "https://preview.local:4001")
	registry.Announce(4002, "https://preview.local:4002")
	registry.Announce(4002, "https://preview.local:4002/v2")

	active, _ := registry.Active()
	if active.Port != 4001 {
		t.Fatalf("active port = %d; re-announcement must not steal activation", active.Port)
	}

	url, ok := registry.ResolveURL(4002)
	if !ok || url != "https://preview.local:4002/v2" {
		t.Fatalf("resolved url = %q (ok=%v), want updated binding", url, ok)
	}

	for _, binding := range registry.Bindings() {
		if binding.Port == 4002 && !binding.LastAnnouncedAt.Equal(second) {
			t.Fatalf("last announced at = %s, want %s", binding.LastAnnouncedAt, second)
		}
	}
}

func TestResolveURLForUnknownPortReportsAbsent(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	if _, ok := registry.ResolveURL(4001); ok {
		t.Fatal("expected absent url for unannounced port")
	}
}

func TestBindingsOrderedByPort(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	registry.Announce(5173, "http://localhost:5173")
	registry.Announce(4001, "http://localhost:4001")
	registry.Announce(8080, "http://localhost:8080")

	bindings := registry.Bindings()
	if len(bindings) != 3 {
		t.Fatalf("bindings = %d, want 3", len(bindings))
	}
	wantPorts := []int{4001, 5173, 8080}
	for i, binding := range bindings {
		if binding.Port != wantPorts[i] {
			t.Fatalf("bindings[%d].Port = %d, want %d", i, binding.Port, wantPorts[i])
		}
	}
}
