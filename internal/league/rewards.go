package league

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RewardClass is the rank outcome a reward key is derived from.
type RewardClass string

const (
	RewardRankTop       RewardClass = "rank_top"
	RewardPromotion     RewardClass = "promotion"
	RewardParticipation RewardClass = "participation"
)

// RewardKeyFor is a total function from (tier, class) to the reward key
// the economy service resolves. Closed by construction; reward content is
// owned elsewhere.
func RewardKeyFor(tier Tier, class RewardClass) string {
	switch class {
	case RewardRankTop:
		return "league_rank_top5_" + tier.String()
	case RewardPromotion:
		return "league_promotion_" + tier.String()
	default:
		return "league_participation_" + tier.String()
	}
}

// RewardStatus of a claimable reward.
type RewardStatus string

const (
	RewardPending RewardStatus = "pending"
	RewardClaimed RewardStatus = "claimed"
)

// ClaimableReward is the per-user reward sub-record. Its document id is
// deterministic in (season, key, uid), which is what makes the weekly job
// rerun-safe: a second grant of the same id is a no-op.
type ClaimableReward struct {
	UID       string       `json:"uid"`
	SeasonID  string       `json:"season_id"`
	Key       string       `json:"key"`
	Status    RewardStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	ClaimedAt *time.Time   `json:"claimed_at,omitempty"`
}

func rewardKey(seasonID, key, uid string) string {
	return fmt.Sprintf("reward:%s:%s:%s", seasonID, key, uid)
}

func rewardIdxKey(uid string) string { return "reward:index:" + uid }

// Grant creates the reward record if it does not exist yet. Returns
// whether this call created it.
func (m *Manager) Grant(ctx context.Context, seasonID, key, uid string) (bool, error) {
	r := &ClaimableReward{
		UID:       uid,
		SeasonID:  seasonID,
		Key:       key,
		Status:    RewardPending,
		CreatedAt: time.Now(),
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return false, err
	}
	k := rewardKey(seasonID, key, uid)
	created, err := m.rdb.SetNX(ctx, k, raw, 0).Result()
	if err != nil {
		return false, err
	}
	if created {
		if err := m.rdb.SAdd(ctx, rewardIdxKey(uid), k).Err(); err != nil {
			return created, err
		}
	}
	return created, nil
}

// Claim flips a pending reward to claimed.
func (m *Manager) Claim(ctx context.Context, seasonID, key, uid string) error {
	k := rewardKey(seasonID, key, uid)
	return m.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, k).Bytes()
		if err == redis.Nil {
			return fmt.Errorf("reward not found")
		}
		if err != nil {
			return err
		}
		var r ClaimableReward
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		if r.Status == RewardClaimed {
			return nil
		}
		now := time.Now()
		r.Status = RewardClaimed
		r.ClaimedAt = &now
		out, _ := json.Marshal(&r)
		pipe := tx.TxPipeline()
		pipe.Set(ctx, k, out, 0)
		_, perr := pipe.Exec(ctx)
		return perr
	}, k)
}

// RewardsOf lists a user's reward records.
func (m *Manager) RewardsOf(ctx context.Context, uid string) ([]*ClaimableReward, error) {
	keys, err := m.rdb.SMembers(ctx, rewardIdxKey(uid)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*ClaimableReward, 0, len(keys))
	for _, k := range keys {
		raw, gerr := m.rdb.Get(ctx, k).Bytes()
		if gerr == redis.Nil {
			continue
		}
		if gerr != nil {
			return nil, gerr
		}
		var r ClaimableReward
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, nil
}
