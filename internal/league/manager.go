package league

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/quizrace/duel-server/internal/obslog"
	"github.com/quizrace/duel-server/internal/profile"
)

// Manager owns the seasonal tier buckets. A bucket document is the unit of
// locking; cross-bucket effects (player moves, meta cache updates) run as
// separate sequential transactions.
type Manager struct {
	rdb      *redis.Client
	profiles *profile.Store
}

func NewManager(rdb *redis.Client, profiles *profile.Store) *Manager {
	return &Manager{rdb: rdb, profiles: profiles}
}

const metaKey = "league:meta"

// registryKey is the set of every live bucket document key. Buckets stay
// registered across season rollovers; the weekly reset carries their
// SeasonID forward instead of re-registering them per season.
const registryKey = "league:buckets"

func seqKey(seasonID string, tier Tier) string {
	return fmt.Sprintf("league:seq:%s:%s", seasonID, tier)
}

const assignAttempts = 3

// Meta returns the league singleton, initializing it on first use.
func (m *Manager) Meta(ctx context.Context) (*Meta, error) {
	raw, err := m.rdb.Get(ctx, metaKey).Bytes()
	if err == redis.Nil {
		meta := &Meta{SeasonNum: 1, SeasonID: SeasonID(1), Open: map[string][]string{}}
		out, _ := json.Marshal(meta)
		if _, err := m.rdb.SetNX(ctx, metaKey, out, 0).Result(); err != nil {
			return nil, err
		}
		return meta, nil
	}
	if err != nil {
		return nil, err
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, err
	}
	if meta.Open == nil {
		meta.Open = map[string][]string{}
	}
	return &meta, nil
}

func (m *Manager) updateMeta(ctx context.Context, fn func(*Meta)) error {
	return m.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, metaKey).Bytes()
		var meta Meta
		if err == nil {
			if jerr := json.Unmarshal(raw, &meta); jerr != nil {
				return jerr
			}
		} else if err != redis.Nil {
			return err
		}
		if meta.Open == nil {
			meta.Open = map[string][]string{}
		}
		fn(&meta)
		out, _ := json.Marshal(&meta)
		pipe := tx.TxPipeline()
		pipe.Set(ctx, metaKey, out, 0)
		_, perr := pipe.Exec(ctx)
		return perr
	}, metaKey)
}

// Assign places uid into an open bucket of the tier, creating one when the
// cache yields no valid candidate. The previous bucket (direct key when
// known, season scan otherwise) is vacated first. Overflow-tier
// assignment clears the bucket pointer: the bottom tier has no buckets.
func (m *Manager) Assign(ctx context.Context, uid, seasonID string, tier Tier, prevBucketKey string) (string, error) {
	if err := m.removePrevious(ctx, uid, prevBucketKey); err != nil {
		return "", err
	}
	if !tier.Bucketed() {
		if err := m.profiles.SetBucket(ctx, uid, ""); err != nil {
			return "", err
		}
		obslog.L().Info("league_assign_overflow", zap.String("uid", uid), zap.String("season", seasonID))
		return "", nil
	}

	prof, err := m.profiles.Get(ctx, uid)
	if err != nil {
		return "", err
	}
	row := BucketPlayer{UID: uid, Weekly: 0, Lifetime: prof.Trophies}

	for attempt := 0; attempt < assignAttempts; attempt++ {
		key, err := m.pickOpenBucket(ctx, seasonID, tier)
		if err != nil {
			return "", err
		}
		filled, aerr := m.appendPlayer(ctx, key, seasonID, row)
		if aerr == redis.TxFailedErr || aerr == ErrBucketNotFound {
			continue // candidate went away or filled under us
		}
		if aerr != nil {
			if aerr == errBucketClosed {
				continue
			}
			return "", aerr
		}
		if filled {
			_ = m.updateMeta(ctx, func(meta *Meta) {
				meta.Open[tier.String()] = remove(meta.Open[tier.String()], key)
			})
		}
		if err := m.profiles.SetBucket(ctx, uid, key); err != nil {
			return "", err
		}
		obslog.L().Info("league_assign",
			zap.String("uid", uid),
			zap.String("season", seasonID),
			zap.String("tier", tier.String()),
			zap.String("bucket", key),
		)
		return key, nil
	}
	return "", ErrAllocExhausted
}

const errBucketClosed staticErr = "bucket no longer open"

// pickOpenBucket returns a cached open bucket validated by re-reading it,
// or allocates the next sequential bucket for the tier.
func (m *Manager) pickOpenBucket(ctx context.Context, seasonID string, tier Tier) (string, error) {
	meta, err := m.Meta(ctx)
	if err != nil {
		return "", err
	}
	for _, key := range meta.Open[tier.String()] {
		b, berr := m.GetBucket(ctx, key)
		if berr != nil || b == nil {
			continue
		}
		if b.Status == BucketActive && b.SeasonID == seasonID && len(b.Players) < BucketCap {
			return key, nil
		}
	}
	return m.allocateBucket(ctx, seasonID, tier)
}

func (m *Manager) allocateBucket(ctx context.Context, seasonID string, tier Tier) (string, error) {
	if !tier.Bucketed() {
		return "", ErrTierUnbucketed
	}
	for attempt := 0; attempt < assignAttempts; attempt++ {
		n, err := m.rdb.Incr(ctx, seqKey(seasonID, tier)).Result()
		if err != nil {
			return "", err
		}
		b := &Bucket{
			Tier:      tier,
			SeasonID:  seasonID,
			Founded:   seasonID,
			Number:    int(n),
			Status:    BucketActive,
			Players:   []BucketPlayer{},
			CreatedAt: time.Now(),
		}
		raw, _ := json.Marshal(b)
		created, err := m.rdb.SetNX(ctx, b.Key(), raw, 0).Result()
		if err != nil {
			return "", err
		}
		if !created {
			continue // number collision: someone allocated it concurrently
		}
		if err := m.rdb.SAdd(ctx, registryKey, b.Key()).Err(); err != nil {
			return "", err
		}
		if err := m.updateMeta(ctx, func(meta *Meta) {
			meta.Open[tier.String()] = append(meta.Open[tier.String()], b.Key())
		}); err != nil {
			return "", err
		}
		obslog.L().Info("league_bucket_open",
			zap.String("season", seasonID),
			zap.String("tier", tier.String()),
			zap.Int("number", b.Number),
		)
		return b.Key(), nil
	}
	return "", ErrAllocExhausted
}

// appendPlayer adds the row under WATCH, re-validating the bucket. The
// second return reports whether this append filled the bucket to capacity.
func (m *Manager) appendPlayer(ctx context.Context, key, seasonID string, row BucketPlayer) (bool, error) {
	var filled bool
	err := m.rdb.Watch(ctx, func(tx *redis.Tx) error {
		filled = false
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrBucketNotFound
		}
		if err != nil {
			return err
		}
		var b Bucket
		if err := json.Unmarshal(raw, &b); err != nil {
			return err
		}
		if b.Status != BucketActive || b.SeasonID != seasonID || len(b.Players) >= BucketCap {
			return errBucketClosed
		}
		if b.indexOf(row.UID) >= 0 {
			return nil // already a member; idempotent
		}
		b.Players = append(b.Players, row)
		if len(b.Players) == BucketCap {
			b.Status = BucketFull
			filled = true
		}
		out, _ := json.Marshal(&b)
		pipe := tx.TxPipeline()
		pipe.Set(ctx, key, out, 0)
		_, perr := pipe.Exec(ctx)
		return perr
	}, key)
	return filled, err
}

// removePrevious vacates the player's old bucket. With a known key this is
// a single document update; without one it falls back to scanning the
// live bucket registry.
func (m *Manager) removePrevious(ctx context.Context, uid, prevKey string) error {
	if prevKey != "" {
		return m.removeFromBucket(ctx, prevKey, uid)
	}
	keys, err := m.rdb.SMembers(ctx, registryKey).Result()
	if err != nil {
		return err
	}
	for _, k := range keys {
		b, berr := m.GetBucket(ctx, k)
		if berr != nil || b == nil || b.Status == BucketArchived {
			continue
		}
		if b.indexOf(uid) >= 0 {
			return m.removeFromBucket(ctx, k, uid)
		}
	}
	return nil
}

func (m *Manager) removeFromBucket(ctx context.Context, key, uid string) error {
	var reopened bool
	var tier Tier
	err := m.rdb.Watch(ctx, func(tx *redis.Tx) error {
		reopened = false
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return nil // bucket gone; nothing to vacate
		}
		if err != nil {
			return err
		}
		var b Bucket
		if err := json.Unmarshal(raw, &b); err != nil {
			return err
		}
		i := b.indexOf(uid)
		if i < 0 {
			return nil
		}
		b.Players = append(b.Players[:i], b.Players[i+1:]...)
		if b.Status == BucketFull && len(b.Players) < BucketCap {
			b.Status = BucketActive
			reopened = true
			tier = b.Tier
		}
		out, _ := json.Marshal(&b)
		pipe := tx.TxPipeline()
		pipe.Set(ctx, key, out, 0)
		_, perr := pipe.Exec(ctx)
		return perr
	}, key)
	if err != nil {
		return err
	}
	if reopened {
		_ = m.updateMeta(ctx, func(meta *Meta) {
			if !contains(meta.Open[tier.String()], key) {
				meta.Open[tier.String()] = append(meta.Open[tier.String()], key)
			}
		})
	}
	return nil
}

// GetBucket loads a bucket document by key.
func (m *Manager) GetBucket(ctx context.Context, key string) (*Bucket, error) {
	raw, err := m.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var b Bucket
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// RecordScore credits a finished match's trophies to the player's bucket
// row. Overflow players have no bucket; their profile carries the score.
func (m *Manager) RecordScore(ctx context.Context, uid string, pts int) error {
	if pts <= 0 {
		return nil
	}
	prof, err := m.profiles.Get(ctx, uid)
	if err != nil {
		return err
	}
	if prof.BucketKey == "" {
		return nil
	}
	key := prof.BucketKey
	return m.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return nil // stale pointer; next assign repairs it
		}
		if err != nil {
			return err
		}
		var b Bucket
		if err := json.Unmarshal(raw, &b); err != nil {
			return err
		}
		i := b.indexOf(uid)
		if i < 0 {
			return nil
		}
		b.Players[i].Weekly += pts
		b.Players[i].Lifetime += pts
		out, _ := json.Marshal(&b)
		pipe := tx.TxPipeline()
		pipe.Set(ctx, key, out, 0)
		_, perr := pipe.Exec(ctx)
		return perr
	}, key)
}

// SettleMatchOutcome is the hand-off invoked by match settlement: players
// already on the ladder get their bucket row credited; a player still in
// the overflow tier who earned trophies escapes into the lowest bucketed
// tier.
func (m *Manager) SettleMatchOutcome(ctx context.Context, uid string, earned int) error {
	prof, err := m.profiles.Get(ctx, uid)
	if err != nil {
		return err
	}
	meta, err := m.Meta(ctx)
	if err != nil {
		return err
	}
	if prof.BucketKey == "" {
		if earned <= 0 {
			return nil
		}
		if _, err := m.Assign(ctx, uid, meta.SeasonID, TierBronze, ""); err != nil {
			return err
		}
	}
	return m.RecordScore(ctx, uid, earned)
}

func remove(ss []string, s string) []string {
	out := ss[:0]
	for _, v := range ss {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
