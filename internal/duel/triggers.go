package duel

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/quizrace/duel-server/internal/obslog"
	"github.com/quizrace/duel-server/internal/qbank"
)

// Triggers reacts to committed match writes the way a change-feed consumer
// would: at-least-once, possibly concurrently, with a fixed observation
// delay before acting. A reaction never trusts the snapshot it was fired
// with — after the sleep it re-opens a transaction and re-validates, and a
// stale trigger dies on a precondition guard.
type Triggers struct {
	mgr       *Manager
	questions *qbank.Store

	// AdvanceDelay gives both clients time to observe a question result
	// before the next question starts.
	AdvanceDelay time.Duration
	// MaxBotDelay caps the bot think time; tests shrink it.
	MaxBotDelay time.Duration
}

func NewTriggers(mgr *Manager, questions *qbank.Store) *Triggers {
	return &Triggers{
		mgr:          mgr,
		questions:    questions,
		AdvanceDelay: 2 * time.Second,
		MaxBotDelay:  0,
	}
}

// MatchUpdated is the notifier hook; install with mgr.SetNotifier.
func (t *Triggers) MatchUpdated(m *Match) {
	switch m.Duel.Status {
	case DuelQuestionResult:
		go t.autoAdvance(m.ID, m.Duel.CurrentIndex)
	case DuelQuestionActive:
		cq := m.Duel.Current()
		bot := m.BotSeat()
		if cq == nil || bot == nil || cq.Answers[bot.UID] != nil {
			return
		}
		go t.botPlay(m.ID, cq.QuestionID, bot.UID, bot.BotDifficulty)
	}
}

// autoAdvance starts the next question once the result of endedIndex has
// been on screen for AdvanceDelay. Multiple observers may fire this for
// the same result; the idempotent StartQuestion absorbs the duplicates.
func (t *Triggers) autoAdvance(matchID string, endedIndex int) {
	time.Sleep(t.AdvanceDelay)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m, err := t.mgr.store.Get(ctx, matchID)
	if err != nil || m.Status != MatchActive {
		return
	}
	if m.Duel.Status != DuelQuestionResult || m.Duel.CurrentIndex != endedIndex {
		return // state moved on during the sleep
	}
	if _, err := t.mgr.StartQuestion(ctx, matchID); err != nil && !IsPrecondition(err) {
		if err != qbank.ErrExhausted {
			obslog.L().Error("duel_auto_advance_error", zap.String("match_id", matchID), zap.Error(err))
		}
	}
}

// botPlay submits the bot's answer through the normal answer path after a
// deterministic think time. Delay, correctness, and the chosen option all
// derive from stable hashes so a re-fired trigger cannot flip the outcome.
func (t *Triggers) botPlay(matchID, questionID, botUID string, difficulty int) {
	delay := BotAnswerDelay(matchID, questionID, botUID, difficulty)
	if t.MaxBotDelay > 0 && delay > t.MaxBotDelay {
		delay = t.MaxBotDelay
	}
	time.Sleep(delay)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	q, err := t.questions.Get(ctx, questionID)
	if err != nil {
		obslog.L().Warn("duel_bot_question_error", zap.String("question_id", questionID), zap.Error(err))
		return
	}
	choice := q.Correct
	if !BotAnswersCorrectly(matchID, questionID, botUID, difficulty) {
		n := len(q.Choices)
		if n == 0 {
			n = 4
		}
		choice = BotWrongChoice(matchID, questionID, botUID, n, q.Correct)
	}
	elapsed := delay.Milliseconds()
	err = t.mgr.SubmitAnswer(ctx, matchID, botUID, choice, elapsed, 0, time.Now())
	if err != nil && !IsPrecondition(err) && err != ErrMatchNotFound {
		obslog.L().Error("duel_bot_play_error",
			zap.String("match_id", matchID),
			zap.String("bot_uid", botUID),
			zap.Error(err),
		)
	}
}
