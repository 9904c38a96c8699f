package qbank

import (
	"context"
	"fmt"
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

func seedQuestions(t *testing.T, s *Store, category string, n int) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("q-%s-%d", category, i)
		q := &Question{
			ID:       id,
			Category: category,
			Choices:  []string{"a", "b", "c", "d"},
			Correct:  i % 4,
			Active:   true,
		}
		if err := s.Add(ctx, q); err != nil {
			t.Fatalf("Add: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestAddGetRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedQuestions(t, s, "science", 1)

	q, err := s.Get(ctx, "q-science-0")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if q.Correct != 0 || len(q.Choices) != 4 || !q.Active {
		t.Fatalf("unexpected question: %+v", q)
	}
	if q.SelectKey == 0 {
		t.Fatalf("SelectKey not assigned on Add")
	}
	if _, err := s.Get(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPickRandomSkipsUsed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ids := seedQuestions(t, s, "history", 3)

	used := map[string]bool{ids[0]: true, ids[1]: true}
	q, err := s.PickRandom(ctx, skill.CategoryHistory, used)
	if err != nil {
		t.Fatalf("PickRandom: %v", err)
	}
	if q.ID != ids[2] {
		t.Fatalf("expected %s, got %s", ids[2], q.ID)
	}
}

func TestPickRandomExhausted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ids := seedQuestions(t, s, "sports", 2)

	used := map[string]bool{ids[0]: true, ids[1]: true}
	if _, err := s.PickRandom(ctx, skill.CategorySports, used); err != ErrExhausted {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}

func TestPickRandomSkipsInactive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Add(ctx, &Question{ID: "dead", Category: "arts", Correct: 0, Active: false}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add(ctx, &Question{ID: "live", Category: "arts", Correct: 0, Active: true}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	for i := 0; i < 10; i++ {
		q, err := s.PickRandom(ctx, skill.CategoryArts, nil)
		if err != nil {
			t.Fatalf("PickRandom: %v", err)
		}
		if q.ID != "live" {
			t.Fatalf("picked inactive question %s", q.ID)
		}
	}
}
