package matchqueue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/quizrace/duel-server/internal/botpool"
	"github.com/quizrace/duel-server/internal/duel"
	"github.com/quizrace/duel-server/internal/profile"
	"github.com/quizrace/duel-server/internal/qbank"
	"github.com/quizrace/duel-server/internal/skill"
)

type env struct {
	rdb      *redis.Client
	profiles *profile.Store
	bots     *botpool.Pool
	duels    *duel.Manager
}

func newTestEnv(t *testing.T, botAfter time.Duration) (*Manager, *env) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	e := &env{
		rdb:      rdb,
		profiles: profile.NewStore(rdb),
		bots:     botpool.NewPool(rdb, 3),
	}
	e.duels = duel.NewManager(duel.NewStore(rdb), qbank.NewStore(rdb), e.profiles, time.Minute)
	return NewManager(rdb, e.profiles, e.bots, e.duels, botAfter, 1), e
}

func seedPlayer(t *testing.T, e *env, uid string, acc float64, energy int) {
	t.Helper()
	err := e.profiles.Seed(context.Background(), &profile.Profile{
		UID: uid,
		Accuracy: map[skill.Category]float64{
			skill.CategoryScience: acc,
			skill.CategoryHistory: acc,
			skill.CategorySports:  acc,
			skill.CategoryArts:    acc,
		},
		Energy: energy,
	})
	if err != nil {
		t.Fatalf("seed %s: %v", uid, err)
	}
}

func TestEnterRejectsBadInput(t *testing.T) {
	m, e := newTestEnv(t, time.Hour)
	ctx := context.Background()

	if _, err := m.Enter(ctx, "u1", "geography"); err != ErrInvalidCategory {
		t.Fatalf("expected ErrInvalidCategory, got %v", err)
	}

	seedPlayer(t, e, "broke", 50, 0)
	if _, err := m.Enter(ctx, "broke", skill.CategoryScience); err != profile.ErrNoEnergy {
		t.Fatalf("expected ErrNoEnergy, got %v", err)
	}
}

func TestEnterQueuesThenMatchesClosePair(t *testing.T) {
	m, e := newTestEnv(t, time.Hour)
	ctx := context.Background()
	seedPlayer(t, e, "u1", 60, 3)
	seedPlayer(t, e, "u2", 61, 3)

	res, err := m.Enter(ctx, "u1", skill.CategoryScience)
	if err != nil {
		t.Fatalf("Enter u1: %v", err)
	}
	if res.Matched {
		t.Fatalf("u1 matched with empty queue")
	}

	res, err = m.Enter(ctx, "u2", skill.CategoryScience)
	if err != nil {
		t.Fatalf("Enter u2: %v", err)
	}
	if !res.Matched || res.OpponentUID != "u1" || res.OpponentType != OpponentHuman {
		t.Fatalf("unexpected result: %+v", res)
	}

	// Both tickets consumed, both seats indexed to the match.
	if tk, _ := m.getTicket(ctx, "u1"); tk != nil {
		t.Fatalf("u1 ticket survived the match")
	}
	for _, uid := range []string{"u1", "u2"} {
		id, err := e.duels.Store().ActiveMatchIDByUser(ctx, uid)
		if err != nil || id != res.MatchID {
			t.Fatalf("%s active match = %q (%v), want %s", uid, id, err, res.MatchID)
		}
	}

	// Entry fee charged to both seats when the pair forms.
	for _, uid := range []string{"u1", "u2"} {
		p, err := e.profiles.Get(ctx, uid)
		if err != nil {
			t.Fatalf("Get %s: %v", uid, err)
		}
		if p.Energy != 2 {
			t.Fatalf("%s energy = %d, want 2", uid, p.Energy)
		}
	}

	// A player with an active match cannot requeue.
	if _, err := m.Enter(ctx, "u1", skill.CategoryScience); err != ErrAlreadyInMatch {
		t.Fatalf("expected ErrAlreadyInMatch, got %v", err)
	}
}

func TestEnterSkipsDistantOpponent(t *testing.T) {
	m, e := newTestEnv(t, time.Hour)
	ctx := context.Background()
	seedPlayer(t, e, "novice", 10, 3)
	seedPlayer(t, e, "expert", 95, 3)

	if _, err := m.Enter(ctx, "novice", skill.CategoryHistory); err != nil {
		t.Fatalf("Enter novice: %v", err)
	}
	res, err := m.Enter(ctx, "expert", skill.CategoryHistory)
	if err != nil {
		t.Fatalf("Enter expert: %v", err)
	}
	if res.Matched {
		t.Fatalf("matched across a skill gap wider than the threshold")
	}
}

func TestEnterBotFallback(t *testing.T) {
	m, e := newTestEnv(t, time.Nanosecond)
	ctx := context.Background()
	seedPlayer(t, e, "u1", 50, 3)
	if err := e.bots.EnsureMinimum(ctx); err != nil {
		t.Fatalf("EnsureMinimum: %v", err)
	}

	res, err := m.Enter(ctx, "u1", skill.CategorySports)
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if !res.Matched || res.OpponentType != OpponentBot {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !botpool.IsBotUID(res.OpponentUID) {
		t.Fatalf("opponent %q is not a bot id", res.OpponentUID)
	}

	match, err := e.duels.Store().Get(ctx, res.MatchID)
	if err != nil {
		t.Fatalf("Get match: %v", err)
	}
	bot := match.BotSeat()
	if bot == nil || bot.UID != res.OpponentUID || bot.BotDifficulty < 1 {
		t.Fatalf("bot seat not recorded: %+v", match.Players)
	}
}

func TestLeave(t *testing.T) {
	m, e := newTestEnv(t, time.Hour)
	ctx := context.Background()
	seedPlayer(t, e, "u1", 50, 3)

	if _, err := m.Enter(ctx, "u1", skill.CategoryArts); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if err := m.Leave(ctx, "u1"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if tk, _ := m.getTicket(ctx, "u1"); tk != nil {
		t.Fatalf("ticket survived Leave")
	}
	// Leaving again is a no-op.
	if err := m.Leave(ctx, "u1"); err != nil {
		t.Fatalf("second Leave: %v", err)
	}
}
