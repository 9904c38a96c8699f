package botpool

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/quizrace/duel-server/internal/skill"
)

func newTestPool(t *testing.T, min int) (*Pool, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewPool(rdb, min), rdb
}

func TestEnsureMinimum(t *testing.T) {
	p, rdb := newTestPool(t, 5)
	ctx := context.Background()

	if err := p.EnsureMinimum(ctx); err != nil {
		t.Fatalf("EnsureMinimum: %v", err)
	}
	n, err := rdb.SCard(ctx, availableKey).Result()
	if err != nil {
		t.Fatalf("SCard: %v", err)
	}
	if n != 5 {
		t.Fatalf("pool size = %d, want 5", n)
	}

	// A second run must not overshoot.
	if err := p.EnsureMinimum(ctx); err != nil {
		t.Fatalf("EnsureMinimum: %v", err)
	}
	n, _ = rdb.SCard(ctx, availableKey).Result()
	if n != 5 {
		t.Fatalf("pool size after second run = %d, want 5", n)
	}
}

func TestAcquireRelease(t *testing.T) {
	p, rdb := newTestPool(t, 5)
	ctx := context.Background()
	if err := p.EnsureMinimum(ctx); err != nil {
		t.Fatalf("EnsureMinimum: %v", err)
	}

	var target skill.Vector
	e, err := p.Acquire(ctx, target)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if e.Status != StatusInUse {
		t.Fatalf("status = %s, want IN_USE", e.Status)
	}
	if !IsBotUID(e.ID) {
		t.Fatalf("bot id %q not recognized", e.ID)
	}
	if ok, _ := rdb.SIsMember(ctx, availableKey, e.ID).Result(); ok {
		t.Fatalf("acquired bot still listed as available")
	}

	if err := p.Release(ctx, e.ID); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if ok, _ := rdb.SIsMember(ctx, availableKey, e.ID).Result(); !ok {
		t.Fatalf("released bot not back in pool")
	}
	got, err := p.get(ctx, e.ID)
	if err != nil || got == nil {
		t.Fatalf("get after release: %v", err)
	}
	if got.Status != StatusAvailable {
		t.Fatalf("status after release = %s", got.Status)
	}
}

func TestAcquireDrainsPool(t *testing.T) {
	p, _ := newTestPool(t, 2)
	ctx := context.Background()
	if err := p.EnsureMinimum(ctx); err != nil {
		t.Fatalf("EnsureMinimum: %v", err)
	}

	var target skill.Vector
	for i := 0; i < 2; i++ {
		if _, err := p.Acquire(ctx, target); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}
	if _, err := p.Acquire(ctx, target); err != ErrEmpty {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestGenerateBounds(t *testing.T) {
	for i := 0; i < 50; i++ {
		e := generate()
		if e.Difficulty < 1 || e.Difficulty > 10 {
			t.Fatalf("difficulty out of range: %d", e.Difficulty)
		}
		for d, v := range e.Vector {
			if v < 0 || v > 100 {
				t.Fatalf("vector dim %d out of range: %v", d, v)
			}
		}
	}
}
