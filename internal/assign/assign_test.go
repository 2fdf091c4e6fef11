package assign

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

type stubLoader struct {
	pickup   map[string]int
	delivery map[string]int
	err      error
}

func (s *stubLoader) PickupLoads(ctx context.Context, drivers []string) (map[string]int, error) {
	return s.pickup, s.err
}

func (s *stubLoader) DeliveryLoads(ctx context.Context, drivers []string) (map[string]int, error) {
	return s.delivery, s.err
}

func TestPickLeastLoaded(t *testing.T) {
	loader := &stubLoader{pickup: map[string]int{
		"driver1": 2,
		"driver2": 0,
		"driver3": 1,
	}}
	a := New(loader, []string{"driver1", "driver2", "driver3"}, zap.NewNop(), nil)

	driver, ok, err := a.Pick(context.Background(), PhasePickup)
	if err != nil {
		t.Fatalf("Pick() error = %v", err)
	}
	if !ok {
		t.Fatal("Pick() ok = false, want true")
	}
	if driver != "driver2" {
		t.Errorf("Pick() = %q, want driver2", driver)
	}
}

func TestPickRosterOrderBreaksTies(t *testing.T) {
	// driver1 and driver2 both idle; roster order decides.
	loader := &stubLoader{pickup: map[string]int{"driver3": 4}}
	a := New(loader, []string{"driver1", "driver2", "driver3"}, zap.NewNop(), nil)

	driver, ok, err := a.Pick(context.Background(), PhasePickup)
	if err != nil || !ok {
		t.Fatalf("Pick() = %v, %v", ok, err)
	}
	if driver != "driver1" {
		t.Errorf("Pick() = %q, want driver1 (first in roster)", driver)
	}
}

func TestPickAbsentDriversCountZero(t *testing.T) {
	// driver2 never appears in the counts; it must still be assignable.
	loader := &stubLoader{delivery: map[string]int{"driver1": 1}}
	a := New(loader, []string{"driver1", "driver2"}, zap.NewNop(), nil)

	driver, ok, err := a.Pick(context.Background(), PhaseDelivery)
	if err != nil || !ok {
		t.Fatalf("Pick() = %v, %v", ok, err)
	}
	if driver != "driver2" {
		t.Errorf("Pick() = %q, want driver2", driver)
	}
}

func TestPickSingleDriverRegardlessOfLoad(t *testing.T) {
	loader := &stubLoader{pickup: map[string]int{"driver1": 99}}
	a := New(loader, []string{"driver1"}, zap.NewNop(), nil)

	driver, ok, err := a.Pick(context.Background(), PhasePickup)
	if err != nil || !ok {
		t.Fatalf("Pick() = %v, %v", ok, err)
	}
	if driver != "driver1" {
		t.Errorf("Pick() = %q, want driver1", driver)
	}
}

func TestPickEmptyRoster(t *testing.T) {
	a := New(&stubLoader{}, nil, zap.NewNop(), nil)

	driver, ok, err := a.Pick(context.Background(), PhasePickup)
	if err != nil {
		t.Fatalf("Pick() error = %v", err)
	}
	if ok || driver != "" {
		t.Errorf("Pick() = %q, %v; want empty and not ok", driver, ok)
	}
}

func TestPickLoadQueryError(t *testing.T) {
	loader := &stubLoader{err: errors.New("db down")}
	a := New(loader, []string{"driver1"}, zap.NewNop(), nil)

	if _, _, err := a.Pick(context.Background(), PhasePickup); err == nil {
		t.Error("Pick() expected error when loads cannot be computed")
	}
}

func TestPickUnknownPhase(t *testing.T) {
	a := New(&stubLoader{}, []string{"driver1"}, zap.NewNop(), nil)

	if _, _, err := a.Pick(context.Background(), Phase("teleport")); err == nil {
		t.Error("Pick() expected error for unknown phase")
	}
}
