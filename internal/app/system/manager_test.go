package system

import (
	"context"
	"errors"
	"testing"
)

type recordingService struct {
	name     string
	starts   *[]string
	stops    *[]string
	stopErr  error
	startErr error
}

func (s *recordingService) Name() string { return s.name }

func (s *recordingService) Start(context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	*s.starts = append(*s.starts, s.name)
	return nil
}

func (s *recordingService) Stop(context.Context) error {
	*s.stops = append(*s.stops, s.name)
	return s.stopErr
}

func TestManagerStartStopOrder(t *testing.T) {
	var starts, stops []string
	m := NewManager()
	for _, name := range []string{"a", "b", "c"} {
		if err := m.Register(&recordingService{name: name, starts: &starts, stops: &stops}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(starts) != 3 || starts[0] != "a" || starts[2] != "c" {
		t.Fatalf("start order = %v", starts)
	}

	if err := m.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(stops) != 3 || stops[0] != "c" || stops[2] != "a" {
		t.Fatalf("stop order = %v", stops)
	}
}

func TestManagerStartFailureUnwinds(t *testing.T) {
	var starts, stops []string
	m := NewManager()
	m.Register(&recordingService{name: "a", starts: &starts, stops: &stops})
	m.Register(&recordingService{name: "b", starts: &starts, stops: &stops, startErr: errors.New("boom")})

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("start succeeded despite a failing service")
	}
	if len(stops) != 1 || stops[0] != "a" {
		t.Fatalf("stops = %v, want already-started services unwound", stops)
	}
}

func TestManagerRejectsDuplicateAndLateRegistration(t *testing.T) {
	var starts, stops []string
	m := NewManager()
	if err := m.Register(&recordingService{name: "a", starts: &starts, stops: &stops}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Register(&recordingService{name: "a", starts: &starts, stops: &stops}); err == nil {
		t.Fatal("duplicate name accepted")
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Register(&recordingService{name: "b", starts: &starts, stops: &stops}); err == nil {
		t.Fatal("registration after start accepted")
	}
}
