package qbank

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/quizrace/duel-server/internal/skill"
)

// Question is the slice of the content record the duel core consumes. The
// content pipeline that authors questions is external; SelectKey is a
// uniformly distributed number assigned at ingest time so random selection
// is a cheap range query instead of a full scan.
type Question struct {
	ID        string   `json:"id"`
	Category  string   `json:"category"`
	Text      string   `json:"text,omitempty"`
	Choices   []string `json:"choices,omitempty"`
	Correct   int      `json:"correct"`
	Active    bool     `json:"active"`
	SelectKey float64  `json:"select_key"`
}

type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func qKey(id string) string          { return "qbank:q:" + strings.TrimSpace(id) }
func catKey(c skill.Category) string { return "qbank:cat:" + string(c) }

// ErrExhausted signals that the random-selection retry budget ran out
// without finding an unused active question.
var ErrExhausted = fmt.Errorf("no unused question available")

var ErrNotFound = fmt.Errorf("question not found")

const (
	pickAttempts = 5
	pickPage     = 10
)

// Add registers a question and indexes it under its category ZSET, scored
// by SelectKey. A zero SelectKey gets a fresh uniform draw.
func (s *Store) Add(ctx context.Context, q *Question) error {
	if q.SelectKey == 0 {
		q.SelectKey = rand.Float64()
	}
	raw, err := json.Marshal(q)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, qKey(q.ID), raw, 0).Err(); err != nil {
		return err
	}
	return s.rdb.ZAdd(ctx, catKey(skill.Category(q.Category)), redis.Z{
		Score:  q.SelectKey,
		Member: q.ID,
	}).Err()
}

func (s *Store) Get(ctx context.Context, id string) (*Question, error) {
	raw, err := s.rdb.Get(ctx, qKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var q Question
	if err := json.Unmarshal(raw, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// PickRandom selects an active question in the category that is not in
// used. Each attempt draws a uniform threshold and pages the ZSET upward
// from it, wrapping to the bottom of the key space when the draw lands past
// the last entry. The retry budget is bounded; exhaustion is ErrExhausted.
func (s *Store) PickRandom(ctx context.Context, category skill.Category, used map[string]bool) (*Question, error) {
	for attempt := 0; attempt < pickAttempts; attempt++ {
		thr := rand.Float64()
		ids, err := s.pageFrom(ctx, category, thr)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			// wraparound: the draw landed past the highest key
			ids, err = s.pageFrom(ctx, category, 0)
			if err != nil {
				return nil, err
			}
		}
		for _, id := range ids {
			if used[id] {
				continue
			}
			q, err := s.Get(ctx, id)
			if err == ErrNotFound {
				continue
			}
			if err != nil {
				return nil, err
			}
			if q.Active {
				return q, nil
			}
		}
	}
	return nil, ErrExhausted
}

func (s *Store) pageFrom(ctx context.Context, category skill.Category, min float64) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, catKey(category), &redis.ZRangeBy{
		Min:   fmt.Sprintf("%v", min),
		Max:   "+inf",
		Count: pickPage,
	}).Result()
}
