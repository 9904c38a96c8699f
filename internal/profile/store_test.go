package profile

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/quizrace/duel-server/internal/skill"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb)
}

func TestSeedGetRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Seed(ctx, &Profile{
		UID:      "u1",
		Accuracy: map[skill.Category]float64{skill.CategoryScience: 72.5, skill.CategoryArts: 40},
		Trophies: 250,
		Energy:   5,
		Weekly:   12,
	})
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}

	p, err := s.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Trophies != 250 || p.Energy != 5 || p.Weekly != 12 {
		t.Fatalf("unexpected profile: %+v", p)
	}
	if p.Accuracy[skill.CategoryScience] != 72.5 {
		t.Fatalf("accuracy lost: %v", p.Accuracy)
	}

	v := p.Vector()
	if v[0] != 72.5 || v[4] != 25 {
		t.Fatalf("unexpected vector: %v", v)
	}

	if _, err := s.Get(ctx, "nobody"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSpendEnergy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Seed(ctx, &Profile{UID: "u1", Energy: 2}); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	if err := s.SpendEnergy(ctx, "u1", 1); err != nil {
		t.Fatalf("SpendEnergy: %v", err)
	}
	if err := s.SpendEnergy(ctx, "u1", 1); err != nil {
		t.Fatalf("SpendEnergy: %v", err)
	}
	if err := s.SpendEnergy(ctx, "u1", 1); err != ErrNoEnergy {
		t.Fatalf("expected ErrNoEnergy, got %v", err)
	}

	p, err := s.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Energy != 0 {
		t.Fatalf("energy = %d, want 0", p.Energy)
	}
}

func TestCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Seed(ctx, &Profile{UID: "u1"}); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if err := s.AddTrophies(ctx, "u1", 4); err != nil {
		t.Fatalf("AddTrophies: %v", err)
	}
	if err := s.AddWeekly(ctx, "u1", 4); err != nil {
		t.Fatalf("AddWeekly: %v", err)
	}
	if err := s.SetBucket(ctx, "u1", "league:bucket:s0001:bronze:1"); err != nil {
		t.Fatalf("SetBucket: %v", err)
	}
	p, err := s.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Trophies != 4 || p.Weekly != 4 || p.BucketKey != "league:bucket:s0001:bronze:1" {
		t.Fatalf("unexpected profile: %+v", p)
	}
}
