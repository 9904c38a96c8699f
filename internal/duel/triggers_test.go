package duel

import (
	"context"
	"testing"
	"time"

	"github.com/quizrace/duel-server/internal/skill"
)

func newTriggeredEnv(t *testing.T) *testEnv {
	t.Helper()
	e := newTestEnv(t)
	tr := NewTriggers(e.mgr, e.questions)
	tr.AdvanceDelay = 20 * time.Millisecond
	tr.MaxBotDelay = 5 * time.Millisecond
	e.mgr.SetNotifier(tr.MatchUpdated)
	return e
}

func TestAutoAdvanceStartsNextQuestion(t *testing.T) {
	e := newTriggeredEnv(t)
	ctx := context.Background()
	m := e.newMatch(t)

	if _, err := e.mgr.StartQuestion(ctx, m.ID); err != nil {
		t.Fatalf("StartQuestion: %v", err)
	}
	now := time.Now()
	if err := e.mgr.SubmitAnswer(ctx, m.ID, "u1", 0, 1000, 0, now); err != nil {
		t.Fatalf("u1 answer: %v", err)
	}
	if err := e.mgr.SubmitAnswer(ctx, m.ID, "u2", 2, 1200, 0, now); err != nil {
		t.Fatalf("u2 answer: %v", err)
	}

	waitFor(t, func() bool {
		cur, err := e.store.Get(ctx, m.ID)
		return err == nil && cur.Duel.CurrentIndex == 1 && cur.Duel.Status == DuelQuestionActive
	}, "auto advance to the next question")
}

func TestBotPlaysThroughAnswerPath(t *testing.T) {
	e := newTriggeredEnv(t)
	ctx := context.Background()

	m, err := e.mgr.CreateMatch(ctx, skill.CategoryScience,
		Seat{UID: "u1"}, Seat{UID: "bot-test1", Bot: true, Difficulty: 8})
	if err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}
	q, err := e.mgr.StartQuestion(ctx, m.ID)
	if err != nil {
		t.Fatalf("StartQuestion: %v", err)
	}

	waitFor(t, func() bool {
		cur, err := e.store.Get(ctx, m.ID)
		return err == nil && cur.Duel.Current().Answers["bot-test1"] != nil
	}, "bot answer recorded")

	cur, _ := e.store.Get(ctx, m.ID)
	rec := cur.Duel.Current().Answers["bot-test1"]
	wantCorrect := BotAnswersCorrectly(m.ID, q.QuestionID, "bot-test1", 8)
	if rec.Correct != wantCorrect {
		t.Fatalf("bot correctness = %v, want deterministic %v", rec.Correct, wantCorrect)
	}
	if !wantCorrect && rec.Choice == 1 {
		t.Fatalf("wrong bot answered the correct option")
	}
}
