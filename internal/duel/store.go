package duel

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists Match aggregates as JSON documents and owns the
// optimistic-transaction machinery. One match document is the unit of
// locking; nothing here spans more than one aggregate.
type Store struct {
	rdb *redis.Client

	// beforeWrite, when set, runs after fn accepts a change and before the
	// transactional write. Tests inject conflicting writers through it.
	beforeWrite func()
}

func NewStore(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func matchKey(id string) string    { return "duel:match:" + strings.TrimSpace(id) }
func userIdxKey(uid string) string { return "duel:index:user:" + strings.TrimSpace(uid) }

// sweepKey is a ZSET of match ids scored by the soonest reconnect deadline,
// so the rage-quit sweep reads only what is due.
const sweepKey = "duel:sweep"

const txRetries = 8

const matchTTL = 7 * 24 * time.Hour

// Create writes a fresh match and indexes both seats.
func (s *Store) Create(ctx context.Context, m *Match) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, matchKey(m.ID), raw, matchTTL).Err(); err != nil {
		return err
	}
	for i := range m.Players {
		if err := s.rdb.Set(ctx, userIdxKey(m.Players[i].UID), m.ID, matchTTL).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*Match, error) {
	raw, err := s.rdb.Get(ctx, matchKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrMatchNotFound
	}
	if err != nil {
		return nil, err
	}
	var m Match
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ActiveMatchIDByUser returns the match id the user is currently indexed
// to, empty when none.
func (s *Store) ActiveMatchIDByUser(ctx context.Context, uid string) (string, error) {
	id, err := s.rdb.Get(ctx, userIdxKey(uid)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return id, err
}

// Update runs fn against the current document under WATCH and commits the
// result atomically. On a conflicting concurrent write the whole body
// re-executes, so fn must be a pure function of the match it is handed:
// no side effects before the final write, deterministic derived values.
// fn returning errUnchanged skips the write and reports success.
func (s *Store) Update(ctx context.Context, id string, fn func(*Match) error) (*Match, error) {
	k := matchKey(id)
	var out *Match
	for attempt := 0; attempt < txRetries; attempt++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, k).Bytes()
			if err == redis.Nil {
				return ErrMatchNotFound
			}
			if err != nil {
				return err
			}
			var cur Match
			if err := json.Unmarshal(raw, &cur); err != nil {
				return err
			}
			if err := fn(&cur); err != nil {
				if errors.Is(err, errUnchanged) {
					out = &cur
				}
				return err
			}
			if s.beforeWrite != nil {
				s.beforeWrite()
			}
			cur.UpdatedAt = time.Now()
			newRaw, err := json.Marshal(&cur)
			if err != nil {
				return err
			}
			pipe := tx.TxPipeline()
			pipe.Set(ctx, k, newRaw, matchTTL)
			if _, err := pipe.Exec(ctx); err != nil {
				return err
			}
			out = &cur
			return nil
		}, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, errUnchanged) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, ErrConflict
}

// SetSweepDeadline registers the match for the rage-quit sweep.
func (s *Store) SetSweepDeadline(ctx context.Context, matchID string, at time.Time) error {
	return s.rdb.ZAdd(ctx, sweepKey, redis.Z{Score: float64(at.Unix()), Member: matchID}).Err()
}

// ClearSweep removes the match from the sweep index.
func (s *Store) ClearSweep(ctx context.Context, matchID string) error {
	return s.rdb.ZRem(ctx, sweepKey, matchID).Err()
}

// DueMatches lists up to limit match ids whose cached minimum reconnect
// deadline has passed.
func (s *Store) DueMatches(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, sweepKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: int64(limit),
	}).Result()
}

// ClearUserIndex drops the active-match pointer for a seat.
func (s *Store) ClearUserIndex(ctx context.Context, uid string) error {
	return s.rdb.Del(ctx, userIdxKey(uid)).Err()
}
