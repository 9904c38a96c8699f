package duel

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quizrace/duel-server/internal/obslog"
)

// MarkDisconnected stamps the player's disconnect and arms a reconnect
// deadline. The sweep index caches the minimum deadline across both seats.
func (g *Manager) MarkDisconnected(ctx context.Context, matchID, uid string) error {
	m, err := g.store.Update(ctx, matchID, func(m *Match) error {
		if m.Status != MatchActive {
			return ErrMatchNotActive
		}
		if m.Player(uid) == nil {
			return ErrNotParticipant
		}
		now := time.Now()
		if m.Duel.Disconnected == nil {
			m.Duel.Disconnected = map[string]time.Time{}
		}
		if m.Duel.ReconnectBy == nil {
			m.Duel.ReconnectBy = map[string]time.Time{}
		}
		m.Duel.Disconnected[uid] = now
		m.Duel.ReconnectBy[uid] = now.Add(g.reconnectWindow)
		return nil
	})
	if err != nil {
		return err
	}
	if min, ok := minDeadline(m); ok {
		_ = g.store.SetSweepDeadline(ctx, matchID, min)
	}
	obslog.L().Info("duel_disconnect", zap.String("match_id", matchID), zap.String("uid", uid))
	return nil
}

// MarkReconnected clears the player's disconnect state.
func (g *Manager) MarkReconnected(ctx context.Context, matchID, uid string) error {
	m, err := g.store.Update(ctx, matchID, func(m *Match) error {
		if m.Status != MatchActive {
			return ErrMatchNotActive
		}
		if m.Player(uid) == nil {
			return ErrNotParticipant
		}
		delete(m.Duel.Disconnected, uid)
		delete(m.Duel.ReconnectBy, uid)
		return nil
	})
	if err != nil {
		return err
	}
	if min, ok := minDeadline(m); ok {
		_ = g.store.SetSweepDeadline(ctx, matchID, min)
	} else {
		_ = g.store.ClearSweep(ctx, matchID)
	}
	obslog.L().Info("duel_reconnect", zap.String("match_id", matchID), zap.String("uid", uid))
	return nil
}

func minDeadline(m *Match) (time.Time, bool) {
	var min time.Time
	for _, t := range m.Duel.ReconnectBy {
		if min.IsZero() || t.Before(min) {
			min = t
		}
	}
	return min, !min.IsZero()
}

// SweepRageQuits processes the batch of matches whose cached minimum
// reconnect deadline has elapsed. Each match settles in its own
// independent transaction with no ordering between matches.
func (g *Manager) SweepRageQuits(ctx context.Context, batch int) {
	if batch <= 0 {
		batch = 50
	}
	now := time.Now()
	ids, err := g.store.DueMatches(ctx, now, batch)
	if err != nil {
		obslog.L().Error("duel_sweep_scan_error", zap.Error(err))
		return
	}
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(matchID string) {
			defer wg.Done()
			g.sweepOne(ctx, matchID, now)
		}(id)
	}
	wg.Wait()
}

func (g *Manager) sweepOne(ctx context.Context, matchID string, now time.Time) {
	var quitters []string
	m, err := g.store.Update(ctx, matchID, func(m *Match) error {
		if m.Status != MatchActive {
			return errUnchanged // already settled elsewhere
		}
		quitters = quitters[:0]
		for i := range m.Players {
			uid := m.Players[i].UID
			if by, ok := m.Duel.ReconnectBy[uid]; ok && now.After(by) {
				quitters = append(quitters, uid)
			}
		}
		switch len(quitters) {
		case 0:
			// The cached minimum was stale (someone reconnected); nothing
			// to decide.
			return errUnchanged
		case 1:
			quitter := quitters[0]
			other := m.Opponent(quitter)
			m.Status = MatchFinished
			m.Duel.Status = DuelMatchFinished
			m.WinnerUID = other.UID
			m.EndedReason = ReasonRageQuit
			m.Duel.RageQuits = append(m.Duel.RageQuits, quitter)
		default:
			m.Status = MatchCancelled
			m.Duel.Status = DuelMatchFinished
			m.EndedReason = ReasonDoubleRageQuit
			m.Duel.RageQuits = append(m.Duel.RageQuits, quitters...)
		}
		return nil
	})
	if err != nil {
		if err == ErrMatchNotFound {
			_ = g.store.ClearSweep(ctx, matchID)
			return
		}
		obslog.L().Error("duel_sweep_error", zap.String("match_id", matchID), zap.Error(err))
		return
	}
	if m.Status == MatchActive {
		// Refresh or clear the cached minimum deadline.
		if min, ok := minDeadline(m); ok && min.After(now) {
			_ = g.store.SetSweepDeadline(ctx, matchID, min)
		} else if !ok {
			_ = g.store.ClearSweep(ctx, matchID)
		}
		return
	}
	_ = g.store.ClearSweep(ctx, matchID)
	obslog.L().Info("duel_rage_quit",
		zap.String("match_id", matchID),
		zap.String("reason", m.EndedReason),
		zap.String("winner", m.WinnerUID),
		zap.Strings("quitters", quitters),
	)
	g.afterFinish(m)
}
