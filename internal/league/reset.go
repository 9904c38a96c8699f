package league

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/quizrace/duel-server/internal/obslog"
)

const (
	promoteCount = 5
	demoteCount  = 5
)

type plannedMove struct {
	uid     string
	to      Tier
	fromKey string
}

type plannedGrant struct {
	key string
	uid string
}

// resetResult is one bucket's settlement plan. stayers counts the players
// left on the roster once the planned moves have been executed.
type resetResult struct {
	tier    Tier
	stayers int
	moves   []plannedMove
	grants  []plannedGrant
}

// WeeklyReset settles every live bucket: per-bucket transactions decide
// promotions, demotions, overflow exits and rewards, and carry the bucket
// into the next season with weekly scores zeroed. The season rotates
// before the cross-bucket moves run, so moves and fresh allocations land
// in the new season; each move is its own Assign transaction to keep any
// single write set bounded. Reward ids are deterministic in (season, key,
// uid), so rerunning the whole job grants nothing twice.
func (m *Manager) WeeklyReset(ctx context.Context) error {
	meta, err := m.Meta(ctx)
	if err != nil {
		return err
	}
	closing := meta.SeasonID
	next := SeasonID(meta.SeasonNum + 1)

	keys, err := m.rdb.SMembers(ctx, registryKey).Result()
	if err != nil {
		return err
	}
	sort.Strings(keys)

	var moves []plannedMove
	openAfter := map[string][]string{}
	for _, key := range keys {
		res, rerr := m.resetBucket(ctx, key, closing, next)
		if rerr != nil {
			obslog.L().Error("league_reset_bucket_error", zap.String("bucket", key), zap.Error(rerr))
			continue
		}
		if res == nil {
			continue // archived or not part of the closing season
		}
		for _, gr := range res.grants {
			if _, gerr := m.Grant(ctx, closing, gr.key, gr.uid); gerr != nil {
				obslog.L().Error("league_reward_grant_error",
					zap.String("uid", gr.uid), zap.String("key", gr.key), zap.Error(gerr))
			}
		}
		moves = append(moves, res.moves...)
		if res.stayers < BucketCap {
			tn := res.tier.String()
			openAfter[tn] = append(openAfter[tn], key)
		}
	}

	if err := m.updateMeta(ctx, func(meta *Meta) {
		meta.SeasonNum++
		meta.SeasonID = SeasonID(meta.SeasonNum)
		meta.LastReset = time.Now()
		meta.Open = openAfter
	}); err != nil {
		return err
	}

	for _, mv := range moves {
		if _, aerr := m.Assign(ctx, mv.uid, next, mv.to, mv.fromKey); aerr != nil {
			obslog.L().Error("league_reset_move_error",
				zap.String("uid", mv.uid), zap.String("to", mv.to.String()), zap.Error(aerr))
		}
	}

	obslog.L().Info("league_weekly_reset",
		zap.String("closed_season", closing),
		zap.String("season", next),
		zap.Int("buckets", len(keys)),
		zap.Int("moves", len(moves)),
	)
	return nil
}

// resetBucket classifies one bucket's roster, zeroes weekly scores and
// advances the bucket's season, all in a single transaction. Moves and
// reward grants are returned for execution outside the transaction. A nil
// result means the bucket was skipped.
func (m *Manager) resetBucket(ctx context.Context, key, closing, next string) (*resetResult, error) {
	var res *resetResult
	err := m.rdb.Watch(ctx, func(tx *redis.Tx) error {
		res = nil
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		var b Bucket
		if err := json.Unmarshal(raw, &b); err != nil {
			return err
		}
		if b.Status == BucketArchived || b.SeasonID != closing || !b.Tier.Bucketed() {
			return nil
		}
		wasFull := b.Status == BucketFull

		sorted := make([]BucketPlayer, len(b.Players))
		copy(sorted, b.Players)
		sort.SliceStable(sorted, func(i, j int) bool {
			if sorted[i].Weekly != sorted[j].Weekly {
				return sorted[i].Weekly > sorted[j].Weekly
			}
			return sorted[i].UID < sorted[j].UID
		})

		r := &resetResult{tier: b.Tier}
		for rank, p := range sorted {
			switch {
			case p.Weekly == 0:
				// Inactive players drop to the overflow tier regardless of
				// where they ranked.
				r.moves = append(r.moves, plannedMove{uid: p.UID, to: TierStone, fromKey: key})
			case rank < promoteCount:
				r.grants = append(r.grants, plannedGrant{key: RewardKeyFor(b.Tier, RewardRankTop), uid: p.UID})
				if b.Tier < TierLegend {
					r.grants = append(r.grants, plannedGrant{key: RewardKeyFor(b.Tier, RewardPromotion), uid: p.UID})
					r.moves = append(r.moves, plannedMove{uid: p.UID, to: b.Tier.Promoted(), fromKey: key})
				}
			case wasFull && rank >= len(sorted)-demoteCount && b.Tier > TierBronze:
				r.moves = append(r.moves, plannedMove{uid: p.UID, to: b.Tier.Demoted(), fromKey: key})
			default:
				r.grants = append(r.grants, plannedGrant{key: RewardKeyFor(b.Tier, RewardParticipation), uid: p.UID})
			}
		}
		r.stayers = len(sorted) - len(r.moves)

		for i := range b.Players {
			b.Players[i].Weekly = 0
		}
		b.Status = BucketActive
		b.SeasonID = next

		out, _ := json.Marshal(&b)
		pipe := tx.TxPipeline()
		pipe.Set(ctx, key, out, 0)
		if _, perr := pipe.Exec(ctx); perr != nil {
			return perr
		}
		res = r
		return nil
	}, key)
	if err != nil {
		return nil, err
	}
	return res, nil
}
