package poller

import (
	"errors"
	"net/url"
	"strconv"
	"testing"
)

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"b", "a", "c"} {
		if err := r.Register(testSource(name)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	all := r.All()
	if len(all) != 3 || r.Len() != 3 {
		t.Fatalf("expected 3 sources, got %d", len(all))
	}
	for i, want := range []string{"b", "a", "c"} {
		if all[i].Name != want {
			t.Errorf("position %d: expected %s, got %s", i, want, all[i].Name)
		}
	}

	// All returns a copy
	all[0].Name = "mutated"
	if got, _ := r.Get("b"); got.Name != "b" {
		t.Errorf("registry was mutated through All: %s", got.Name)
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("expected missing source to be absent")
	}
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(testSource("a")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := r.Register(testSource("a"))
	var dup *DuplicateSourceError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateSourceError, got %v", err)
	}
	if dup.Name != "a" {
		t.Errorf("unexpected name: %s", dup.Name)
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 source, got %d", r.Len())
	}
}

func TestRegistry_RejectsInvalidSources(t *testing.T) {
	tests := []struct {
		name string
		src  Source
	}{
		{"missing name", Source{Endpoint: "http://x/a", Decode: decodeRaw}},
		{"missing endpoint", Source{Name: "a", Decode: decodeRaw}},
		{"missing decoder", Source{Name: "a", Endpoint: "http://x/a"}},
		{"shell template", Source{Name: "a", Endpoint: "http://x/a?index=${index}", Decode: decodeRaw}},
		{"brace template", Source{Name: "a", Endpoint: "http://x/events/{type}", Decode: decodeRaw}},
		{"negative interval", Source{Name: "a", Endpoint: "http://x/a", Decode: decodeRaw, Interval: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewRegistry().Register(tt.src)
			if !errors.Is(err, ErrInvalidSource) {
				t.Errorf("expected ErrInvalidSource, got %v", err)
			}
		})
	}
}

func TestIndexParams_Range(t *testing.T) {
	gen := IndexParams(1, 100)
	seen := make(map[int]bool)
	for i := 0; i < 5000; i++ {
		v, err := strconv.Atoi(gen().Get("index"))
		if err != nil {
			t.Fatalf("index is not an integer: %v", err)
		}
		if v < 1 || v > 100 {
			t.Fatalf("index %d out of [1, 100]", v)
		}
		seen[v] = true
	}
	if !seen[1] || !seen[100] {
		t.Errorf("expected both bounds to be drawn over 5000 calls")
	}
}

func TestRandomIndex_Bounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		if v := RandomIndex(7, 7); v != 7 {
			t.Fatalf("expected 7, got %d", v)
		}
		if v := RandomIndex(10, 5); v < 5 || v > 10 {
			t.Fatalf("swapped bounds: %d out of [5, 10]", v)
		}
	}
}

func TestSource_URL(t *testing.T) {
	src := Source{
		Name:     "anomalies",
		Endpoint: "http://backend.test/anomaly_detector/anomalies?event_type=old&keep=1",
		Params:   StaticParams(url.Values{"event_type": {"energy-consumption"}}),
		Decode:   decodeRaw,
	}

	raw, err := src.URL()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	u, _ := url.Parse(raw)
	if u.Path != "/anomaly_detector/anomalies" {
		t.Errorf("unexpected path: %s", u.Path)
	}
	q := u.Query()
	if got := q["event_type"]; len(got) != 1 || got[0] != "energy-consumption" {
		t.Errorf("unexpected event_type: %v", got)
	}
	if q.Get("keep") != "1" {
		t.Errorf("expected endpoint query to be kept, got %q", q.Get("keep"))
	}
}

func TestStaticParams_ReturnsCopies(t *testing.T) {
	gen := StaticParams(url.Values{"a": {"1"}})
	first := gen()
	first.Set("a", "2")
	if got := gen().Get("a"); got != "1" {
		t.Errorf("expected generator to be unaffected, got %s", got)
	}
}
