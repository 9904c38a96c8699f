package duel

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quizrace/duel-server/internal/obslog"
	"github.com/quizrace/duel-server/internal/profile"
	"github.com/quizrace/duel-server/internal/qbank"
	"github.com/quizrace/duel-server/internal/skill"
)

// Seat describes one side of a match at creation time.
type Seat struct {
	UID        string
	Bot        bool
	Difficulty int
}

// Manager drives the duel state machine. Every operation re-validates its
// preconditions inside the transaction, because delayed and triggered
// callers routinely race with fresher state; a stale trigger simply
// no-ops.
type Manager struct {
	store     *Store
	questions *qbank.Store
	profiles  *profile.Store
	archive   *Repository

	reconnectWindow time.Duration

	mu         sync.RWMutex
	notify     func(*Match)
	settleHook func(ctx context.Context, uid string, earned int)
}

func NewManager(store *Store, questions *qbank.Store, profiles *profile.Store, reconnectWindow time.Duration) *Manager {
	if reconnectWindow <= 0 {
		reconnectWindow = 90 * time.Second
	}
	return &Manager{
		store:           store,
		questions:       questions,
		profiles:        profiles,
		reconnectWindow: reconnectWindow,
	}
}

// AttachArchive wires the Postgres repository that records finished
// matches for external settlement.
func (g *Manager) AttachArchive(r *Repository) { g.archive = r }

// SetNotifier registers the change-reaction hook invoked after every
// committed match write.
func (g *Manager) SetNotifier(fn func(*Match)) {
	g.mu.Lock()
	g.notify = fn
	g.mu.Unlock()
}

func (g *Manager) emit(m *Match) {
	g.mu.RLock()
	fn := g.notify
	g.mu.RUnlock()
	if fn != nil && m != nil {
		fn(m)
	}
}

// SetSettleHook registers the per-player callback that runs once after a
// match settles, with the trophies that player earned. League scoring
// hangs off this.
func (g *Manager) SetSettleHook(fn func(ctx context.Context, uid string, earned int)) {
	g.mu.Lock()
	g.settleHook = fn
	g.mu.Unlock()
}

// Store exposes read access for the API layer.
func (g *Manager) Store() *Store { return g.store }

// CreateMatch builds the aggregate matchmaking hands to the state machine:
// both seats zeroed, duel waiting for players, no question yet.
func (g *Manager) CreateMatch(ctx context.Context, category skill.Category, a, b Seat) (*Match, error) {
	now := time.Now()
	m := &Match{
		ID:     uuid.NewString(),
		Mode:   ModeSyncDuel,
		Status: MatchActive,
		Players: [2]PlayerState{
			{UID: a.UID, Bot: a.Bot, BotDifficulty: a.Difficulty},
			{UID: b.UID, Bot: b.Bot, BotDifficulty: b.Difficulty},
		},
		Duel: DuelState{
			Category:     category,
			CurrentIndex: -1,
			Status:       DuelWaitingPlayers,
			Correct:      map[string]int{a.UID: 0, b.UID: 0},
			RoundWins:    map[string]int{a.UID: 0, b.UID: 0},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := g.store.Create(ctx, m); err != nil {
		return nil, err
	}
	obslog.L().Info("duel_create",
		zap.String("match_id", m.ID),
		zap.String("category", string(category)),
		zap.String("player_a", a.UID),
		zap.String("player_b", b.UID),
		zap.Bool("vs_bot", a.Bot || b.Bot),
	)
	g.emit(m)
	return m, nil
}

// StartQuestion appends the next question and activates it. Idempotent:
// racing start calls observe QUESTION_ACTIVE and get the current question
// back unchanged.
func (g *Manager) StartQuestion(ctx context.Context, matchID string) (*Question, error) {
	var started bool
	m, err := g.store.Update(ctx, matchID, func(m *Match) error {
		started = false
		if m.Status != MatchActive {
			return ErrMatchNotActive
		}
		if m.Duel.Status == DuelQuestionActive {
			return errUnchanged // duplicate start, current question stands
		}
		if m.Duel.Status == DuelMatchFinished {
			return ErrMatchNotActive
		}
		for _, n := range m.Duel.Correct {
			if n >= WinTarget {
				return ErrMatchDecided
			}
		}
		used := make(map[string]bool, len(m.Duel.Questions))
		for i := range m.Duel.Questions {
			used[m.Duel.Questions[i].QuestionID] = true
		}
		q, err := g.questions.PickRandom(ctx, m.Duel.Category, used)
		if err != nil {
			return err
		}
		m.Duel.Questions = append(m.Duel.Questions, Question{
			QuestionID: q.ID,
			StartedAt:  time.Now(),
			Answers:    map[string]*AnswerRecord{},
		})
		m.Duel.CurrentIndex = len(m.Duel.Questions) - 1
		m.Duel.Status = DuelQuestionActive
		started = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	cq := m.Duel.Current()
	if cq == nil {
		return nil, ErrQuestionNotActive
	}
	if started {
		obslog.L().Info("duel_question_start",
			zap.String("match_id", matchID),
			zap.String("question_id", cq.QuestionID),
			zap.Int("index", m.Duel.CurrentIndex),
		)
		g.emit(m)
	}
	return cq, nil
}

// SubmitAnswer records a player's answer, arbitrating the simultaneous-
// correct race through the grace window. receivedAt is the server-
// authoritative receive time captured at the call boundary.
func (g *Manager) SubmitAnswer(ctx context.Context, matchID, uid string, choice int, clientElapsedMs, clientLatencyMs int64, receivedAt time.Time) error {
	m, err := g.store.Update(ctx, matchID, func(m *Match) error {
		if m.Status != MatchActive {
			return ErrMatchNotActive
		}
		seat := m.Player(uid)
		if seat == nil {
			return ErrNotParticipant
		}
		if m.Duel.Status != DuelQuestionActive {
			return ErrQuestionNotActive
		}
		cq := m.Duel.Current()
		if cq == nil {
			return ErrQuestionNotActive
		}
		if cq.Answers[uid] != nil {
			return ErrAlreadyAnswered
		}
		truth, err := g.questions.Get(ctx, cq.QuestionID)
		if err != nil {
			return err
		}
		rec := &AnswerRecord{
			Choice:          choice,
			Correct:         choice == truth.Correct,
			ClientElapsedMs: clientElapsedMs,
			ClientLatencyMs: clampLatencyMs(clientLatencyMs),
			ReceivedAt:      receivedAt,
		}
		cq.Answers[uid] = rec
		seat.Answered++

		if !rec.Correct {
			opp := m.Opponent(uid)
			if oppRec := cq.Answers[opp.UID]; oppRec != nil && !oppRec.Correct {
				endQuestion(cq, EndTwoWrong, "", receivedAt)
				m.Duel.Status = DuelQuestionResult
			}
			return nil
		}

		if cq.PendingWinnerUID == "" {
			// First correct answer: provisional win, contestable until
			// DecisionAt.
			cq.PendingWinnerUID = uid
			at := receivedAt.Add(GraceWindow)
			cq.DecisionAt = &at
			return nil
		}

		// Second correct answer within the grace window: arbitrate.
		winner := resolveRace(cq, cq.PendingWinnerUID, uid)
		g.finalizeCorrect(m, cq, winner, receivedAt)
		return nil
	})
	if err != nil {
		return err
	}
	obslog.L().Debug("duel_answer",
		zap.String("match_id", matchID),
		zap.String("uid", uid),
		zap.String("duel_status", string(m.Duel.Status)),
	)
	g.emit(m)
	if m.Status != MatchActive {
		g.afterFinish(m)
	}
	return nil
}

// FinalizeDecision settles an uncontested grace window: the second correct
// answer never arrived, or arrived through a path that only recorded it.
func (g *Manager) FinalizeDecision(ctx context.Context, matchID string) error {
	return g.finalizeAt(ctx, matchID, time.Now())
}

func (g *Manager) finalizeAt(ctx context.Context, matchID string, now time.Time) error {
	m, err := g.store.Update(ctx, matchID, func(m *Match) error {
		return g.applyPendingDecision(m, now)
	})
	if err != nil {
		return err
	}
	g.emit(m)
	if m.Status != MatchActive {
		g.afterFinish(m)
	}
	return nil
}

// applyPendingDecision is shared by FinalizeDecision and Timeout. It
// finalizes the current question from its pending winner once DecisionAt
// has passed, applying the standard tie-break against any late correct
// answer already sitting on the opponent's slot.
func (g *Manager) applyPendingDecision(m *Match, now time.Time) error {
	if m.Status != MatchActive {
		return ErrMatchNotActive
	}
	if m.Duel.Status != DuelQuestionActive {
		return ErrQuestionNotActive
	}
	cq := m.Duel.Current()
	if cq == nil || cq.Ended() {
		return ErrQuestionNotActive
	}
	if cq.PendingWinnerUID == "" {
		return ErrNoPendingWinner
	}
	if cq.DecisionAt == nil || now.Before(*cq.DecisionAt) {
		return ErrDecisionNotDue
	}
	winner := cq.PendingWinnerUID
	if opp := m.Opponent(winner); opp != nil {
		if rec := cq.Answers[opp.UID]; rec != nil && rec.Correct {
			winner = resolveRace(cq, cq.PendingWinnerUID, opp.UID)
		}
	}
	g.finalizeCorrect(m, cq, winner, now)
	return nil
}

// Timeout ends a question nobody answered in time. When a pending decision
// is already due it defers to the finalize logic instead of discarding the
// provisional winner.
func (g *Manager) Timeout(ctx context.Context, matchID string) error {
	now := time.Now()
	m, err := g.store.Update(ctx, matchID, func(m *Match) error {
		if m.Status != MatchActive {
			return ErrMatchNotActive
		}
		if m.Duel.Status != DuelQuestionActive {
			return ErrQuestionNotActive
		}
		cq := m.Duel.Current()
		if cq == nil || cq.Ended() {
			return ErrQuestionNotActive
		}
		if now.Sub(cq.StartedAt) <= QuestionTimeout {
			return ErrTimeoutNotDue
		}
		if cq.PendingWinnerUID != "" && cq.DecisionAt != nil && !now.Before(*cq.DecisionAt) {
			return g.applyPendingDecision(m, now)
		}
		endQuestion(cq, EndTimeout, "", now)
		m.Duel.Status = DuelQuestionResult
		return nil
	})
	if err != nil {
		return err
	}
	obslog.L().Info("duel_timeout", zap.String("match_id", matchID), zap.String("duel_status", string(m.Duel.Status)))
	g.emit(m)
	if m.Status != MatchActive {
		g.afterFinish(m)
	}
	return nil
}

// finalizeCorrect writes the question outcome and advances the duel. The
// trophy amount is a stable hash of the identifying ids, never a random
// draw, so a retried transaction credits the same value.
func (g *Manager) finalizeCorrect(m *Match, cq *Question, winner string, now time.Time) {
	endQuestion(cq, EndCorrect, winner, now)
	award := TrophyAward(m.ID, cq.QuestionID, winner)
	if seat := m.Player(winner); seat != nil {
		seat.Trophies += award
	}
	m.Duel.Correct[winner]++
	m.Duel.RoundWins[winner]++
	if m.Duel.Correct[winner] >= WinTarget {
		m.Duel.Status = DuelMatchFinished
		m.Status = MatchFinished
		m.WinnerUID = winner
	} else {
		m.Duel.Status = DuelQuestionResult
	}
}

func endQuestion(cq *Question, reason EndReason, winner string, at time.Time) {
	cq.EndReason = reason
	cq.WinnerUID = winner
	t := at
	cq.EndedAt = &t
}

// resolveRace picks the winner between the pending correct answer and a
// contesting one. Effective receive time compensates for the clamped
// client-reported one-way latency; an exact tie falls back to the smaller
// self-reported elapsed time when both reports are plausible, and the
// original pending winner keeps the win otherwise.
func resolveRace(cq *Question, pendingUID, contestUID string) string {
	a := cq.Answers[pendingUID]
	b := cq.Answers[contestUID]
	if a == nil || b == nil {
		return pendingUID
	}
	ae := a.ReceivedAt.Add(-time.Duration(a.ClientLatencyMs) * time.Millisecond)
	be := b.ReceivedAt.Add(-time.Duration(b.ClientLatencyMs) * time.Millisecond)
	if ae.Before(be) {
		return pendingUID
	}
	if be.Before(ae) {
		return contestUID
	}
	if plausibleElapsed(a.ClientElapsedMs) && plausibleElapsed(b.ClientElapsedMs) {
		if b.ClientElapsedMs < a.ClientElapsedMs {
			return contestUID
		}
	}
	return pendingUID
}

func plausibleElapsed(ms int64) bool { return ms > 0 && ms <= ElapsedPlausibleMaxMs }

func clampLatencyMs(ms int64) int64 {
	if ms < 0 {
		return 0
	}
	if max := LatencyClampMax.Milliseconds(); ms > max {
		return max
	}
	return ms
}

// afterFinish is the split-off cross-aggregate settlement step: the match
// document is already committed, so the credit/archive side effects run in
// their own transactions, guarded by the one-time SettledAt marker instead
// of a distributed lock.
func (g *Manager) afterFinish(m *Match) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		g.settle(ctx, m.ID)
	}()
}

func (g *Manager) settle(ctx context.Context, matchID string) {
	var claimed bool
	m, err := g.store.Update(ctx, matchID, func(m *Match) error {
		claimed = false
		if m.Status == MatchActive {
			return ErrMatchNotActive
		}
		if m.SettledAt != nil {
			return errUnchanged // already handed off
		}
		now := time.Now()
		m.SettledAt = &now
		claimed = true
		return nil
	})
	if err != nil {
		if !IsPrecondition(err) {
			obslog.L().Error("duel_settle_error", zap.String("match_id", matchID), zap.Error(err))
		}
		return
	}
	if !claimed {
		return
	}
	g.mu.RLock()
	hook := g.settleHook
	g.mu.RUnlock()
	// The marker committed exactly once for this match; the effects below
	// are safe to run.
	for i := range m.Players {
		p := &m.Players[i]
		_ = g.store.ClearUserIndex(ctx, p.UID)
		if p.Bot || m.Status == MatchCancelled {
			continue
		}
		if p.Trophies > 0 {
			if err := g.profiles.AddTrophies(ctx, p.UID, p.Trophies); err != nil {
				obslog.L().Warn("duel_settle_trophies_error", zap.String("uid", p.UID), zap.Error(err))
			}
			if err := g.profiles.AddWeekly(ctx, p.UID, p.Trophies); err != nil {
				obslog.L().Warn("duel_settle_weekly_error", zap.String("uid", p.UID), zap.Error(err))
			}
		}
		if hook != nil {
			hook(ctx, p.UID, p.Trophies)
		}
	}
	_ = g.store.ClearSweep(ctx, m.ID)
	if g.archive != nil {
		if err := g.archive.SaveResult(ctx, m); err != nil {
			obslog.L().Error("duel_archive_error", zap.String("match_id", m.ID), zap.Error(err))
		}
	}
	obslog.L().Info("duel_settled",
		zap.String("match_id", m.ID),
		zap.String("status", string(m.Status)),
		zap.String("winner", m.WinnerUID),
		zap.String("reason", m.EndedReason),
	)
}
