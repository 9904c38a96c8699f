package matchqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/quizrace/duel-server/internal/botpool"
	"github.com/quizrace/duel-server/internal/duel"
	"github.com/quizrace/duel-server/internal/obslog"
	"github.com/quizrace/duel-server/internal/profile"
	"github.com/quizrace/duel-server/internal/skill"
)

// Manager pairs a requesting player with a queued human of similar skill,
// or with a pool bot once the caller has waited long enough.
type Manager struct {
	rdb      *redis.Client
	profiles *profile.Store
	bots     *botpool.Pool
	duels    *duel.Manager

	botAfter   time.Duration
	energyCost int
}

func NewManager(rdb *redis.Client, profiles *profile.Store, bots *botpool.Pool, duels *duel.Manager, botAfter time.Duration, energyCost int) *Manager {
	if botAfter <= 0 {
		botAfter = 15 * time.Second
	}
	return &Manager{
		rdb:        rdb,
		profiles:   profiles,
		bots:       bots,
		duels:      duels,
		botAfter:   botAfter,
		energyCost: energyCost,
	}
}

func ticketKey(uid string) string       { return "queue:ticket:" + strings.TrimSpace(uid) }
func catIdxKey(c skill.Category) string { return "queue:cat:" + string(c) }

const (
	ticketTTL = 10 * time.Minute
	// scanLimit bounds how many waiting tickets one Enter inspects.
	scanLimit = 10
)

// Enter runs one matchmaking poll for uid. The caller's original enqueue
// time survives repeated polls, so the widening acceptance threshold is
// monotonic in real wait time.
func (m *Manager) Enter(ctx context.Context, uid string, category skill.Category) (*Result, error) {
	if !category.Valid() {
		return nil, ErrInvalidCategory
	}
	if id, err := m.duels.Store().ActiveMatchIDByUser(ctx, uid); err != nil {
		return nil, err
	} else if id != "" {
		return nil, ErrAlreadyInMatch
	}

	prof, err := m.profiles.Get(ctx, uid)
	if err != nil {
		return nil, err
	}
	if prof.Energy < m.energyCost {
		return nil, profile.ErrNoEnergy
	}
	vec := prof.Vector()

	own, err := m.getTicket(ctx, uid)
	if err != nil {
		return nil, err
	}
	enqueuedAt := time.Now()
	if own != nil {
		enqueuedAt = own.EnqueuedAt
	}
	wait := time.Since(enqueuedAt)
	threshold := skill.ThresholdAt(wait)

	// Human pass: nearest waiting ticket within the widened threshold.
	if opp := m.nearestWaiting(ctx, uid, category, vec, threshold); opp != nil {
		if err := m.claimPair(ctx, uid, opp.UID, category); err == nil {
			match, cerr := m.duels.CreateMatch(ctx, category,
				duel.Seat{UID: uid},
				duel.Seat{UID: opp.UID},
			)
			if cerr != nil {
				return nil, cerr
			}
			m.chargeEnergy(ctx, uid)
			m.chargeEnergy(ctx, opp.UID)
			obslog.L().Info("queue_matched",
				zap.String("uid", uid),
				zap.String("opponent", opp.UID),
				zap.String("match_id", match.ID),
				zap.Float64("threshold", threshold),
			)
			return &Result{Matched: true, MatchID: match.ID, OpponentUID: opp.UID, OpponentType: OpponentHuman}, nil
		}
		// Lost the claim race; fall through to queue.
	}

	// Bot fallback once the caller has waited past the inclusion point.
	if wait >= m.botAfter {
		if bot, berr := m.bots.Acquire(ctx, vec); berr == nil {
			_ = m.deleteTicket(ctx, uid, category)
			match, cerr := m.duels.CreateMatch(ctx, category,
				duel.Seat{UID: uid},
				duel.Seat{UID: bot.ID, Bot: true, Difficulty: bot.Difficulty},
			)
			if cerr != nil {
				_ = m.bots.Release(ctx, bot.ID)
				return nil, cerr
			}
			m.bots.ReplenishAsync()
			m.chargeEnergy(ctx, uid)
			obslog.L().Info("queue_matched_bot",
				zap.String("uid", uid),
				zap.String("bot_id", bot.ID),
				zap.String("match_id", match.ID),
			)
			return &Result{Matched: true, MatchID: match.ID, OpponentUID: bot.ID, OpponentType: OpponentBot}, nil
		}
	}

	// No match: (re)write our own ticket, preserving the enqueue time.
	t := &Ticket{
		UID:        uid,
		Category:   category,
		Vector:     vec,
		EnqueuedAt: enqueuedAt,
		Status:     TicketWaiting,
	}
	if err := m.saveTicket(ctx, t); err != nil {
		return nil, err
	}
	obslog.L().Debug("queue_waiting", zap.String("uid", uid), zap.Duration("wait", wait))
	return &Result{Matched: false}, nil
}

// Leave removes the caller's ticket if it is still waiting; a ticket that
// was already consumed by a match is left alone.
func (m *Manager) Leave(ctx context.Context, uid string) error {
	k := ticketKey(uid)
	err := m.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, k).Bytes()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		var t Ticket
		if err := json.Unmarshal(raw, &t); err != nil {
			return err
		}
		if t.Status != TicketWaiting {
			return nil
		}
		pipe := tx.TxPipeline()
		pipe.Del(ctx, k)
		pipe.SRem(ctx, catIdxKey(t.Category), uid)
		_, perr := pipe.Exec(ctx)
		return perr
	}, k)
	if err == redis.TxFailedErr {
		return nil // consumed concurrently, nothing to leave
	}
	if err == nil {
		obslog.L().Info("queue_leave", zap.String("uid", uid))
	}
	return err
}

// nearestWaiting scans a bounded page of same-category tickets and returns
// the closest one inside the threshold, nil when none qualifies.
func (m *Manager) nearestWaiting(ctx context.Context, uid string, category skill.Category, vec skill.Vector, threshold float64) *Ticket {
	ids, err := m.rdb.SMembers(ctx, catIdxKey(category)).Result()
	if err != nil {
		return nil
	}
	var best *Ticket
	var bestDist float64
	seen := 0
	for _, id := range ids {
		if id == uid {
			continue
		}
		if seen >= scanLimit {
			break
		}
		t, terr := m.getTicket(ctx, id)
		if terr != nil || t == nil || t.Status != TicketWaiting || t.Category != category {
			continue
		}
		seen++
		d := skill.Distance(vec, t.Vector)
		if d > threshold {
			continue
		}
		if best == nil || d < bestDist {
			best, bestDist = t, d
		}
	}
	return best
}

// claimPair atomically consumes the opponent's waiting ticket together
// with the caller's own. WATCH covers both keys, so a symmetric claim from
// the other side aborts one of the two transactions.
func (m *Manager) claimPair(ctx context.Context, uid, oppUID string, category skill.Category) error {
	ownK, oppK := ticketKey(uid), ticketKey(oppUID)
	return m.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, oppK).Bytes()
		if err == redis.Nil {
			return fmt.Errorf("ticket gone")
		}
		if err != nil {
			return err
		}
		var t Ticket
		if err := json.Unmarshal(raw, &t); err != nil {
			return err
		}
		if t.Status != TicketWaiting {
			return fmt.Errorf("ticket not waiting")
		}
		pipe := tx.TxPipeline()
		pipe.Del(ctx, oppK)
		pipe.Del(ctx, ownK)
		pipe.SRem(ctx, catIdxKey(category), oppUID, uid)
		_, perr := pipe.Exec(ctx)
		return perr
	}, ownK, oppK)
}

func (m *Manager) chargeEnergy(ctx context.Context, uid string) {
	if err := m.profiles.SpendEnergy(ctx, uid, m.energyCost); err != nil {
		// The precondition was checked at entry; a failure here is a race
		// with the external economy and only logged.
		obslog.L().Warn("queue_energy_error", zap.String("uid", uid), zap.Error(err))
	}
}

func (m *Manager) getTicket(ctx context.Context, uid string) (*Ticket, error) {
	raw, err := m.rdb.Get(ctx, ticketKey(uid)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var t Ticket
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (m *Manager) saveTicket(ctx context.Context, t *Ticket) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := m.rdb.Set(ctx, ticketKey(t.UID), raw, ticketTTL).Err(); err != nil {
		return err
	}
	if err := m.rdb.SAdd(ctx, catIdxKey(t.Category), t.UID).Err(); err != nil {
		return err
	}
	return m.rdb.Expire(ctx, catIdxKey(t.Category), ticketTTL).Err()
}

func (m *Manager) deleteTicket(ctx context.Context, uid string, category skill.Category) error {
	if err := m.rdb.Del(ctx, ticketKey(uid)).Err(); err != nil {
		return err
	}
	return m.rdb.SRem(ctx, catIdxKey(category), uid).Err()
}
