package profile

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/quizrace/duel-server/internal/skill"
)

// Profile is the slice of the user record the duel core consumes. The full
// user document is owned by an external service; this store mirrors only
// the fields matchmaking and the league need.
type Profile struct {
	UID       string
	Accuracy  map[skill.Category]float64
	Trophies  int
	Energy    int
	Weekly    int
	BucketKey string
}

type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func key(uid string) string { return "profile:" + strings.TrimSpace(uid) }

var ErrNotFound = fmt.Errorf("profile not found")

// ErrNoEnergy is the machine-readable precondition for an empty energy
// meter; the caller surfaces it as a targeted failure, not a generic error.
var ErrNoEnergy = fmt.Errorf("no energy")

func (s *Store) Get(ctx context.Context, uid string) (*Profile, error) {
	vals, err := s.rdb.HGetAll(ctx, key(uid)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	p := &Profile{UID: uid, Accuracy: make(map[skill.Category]float64)}
	for _, c := range skill.Categories {
		if raw, ok := vals["acc_"+string(c)]; ok {
			p.Accuracy[c], _ = strconv.ParseFloat(raw, 64)
		}
	}
	p.Trophies, _ = strconv.Atoi(vals["trophies"])
	p.Energy, _ = strconv.Atoi(vals["energy"])
	p.Weekly, _ = strconv.Atoi(vals["weekly"])
	p.BucketKey = vals["bucket"]
	return p, nil
}

// Vector computes the player's current skill vector.
func (p *Profile) Vector() skill.Vector {
	return skill.FromProfile(p.Accuracy, p.Trophies)
}

// SpendEnergy deducts cost if the meter covers it; ErrNoEnergy otherwise.
// WATCH keeps two concurrent enters from double-spending the last point.
func (s *Store) SpendEnergy(ctx context.Context, uid string, cost int) error {
	if cost <= 0 {
		return nil
	}
	k := key(uid)
	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, k, "energy").Result()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		cur, _ := strconv.Atoi(raw)
		if cur < cost {
			return ErrNoEnergy
		}
		pipe := tx.TxPipeline()
		pipe.HIncrBy(ctx, k, "energy", int64(-cost))
		_, perr := pipe.Exec(ctx)
		return perr
	}, k)
}

func (s *Store) AddTrophies(ctx context.Context, uid string, n int) error {
	return s.rdb.HIncrBy(ctx, key(uid), "trophies", int64(n)).Err()
}

func (s *Store) AddWeekly(ctx context.Context, uid string, n int) error {
	return s.rdb.HIncrBy(ctx, key(uid), "weekly", int64(n)).Err()
}

func (s *Store) SetBucket(ctx context.Context, uid, bucketKey string) error {
	return s.rdb.HSet(ctx, key(uid), "bucket", bucketKey).Err()
}

// Seed writes a full profile record; used by provisioning and tests.
func (s *Store) Seed(ctx context.Context, p *Profile) error {
	fields := map[string]any{
		"trophies": p.Trophies,
		"energy":   p.Energy,
		"weekly":   p.Weekly,
		"bucket":   p.BucketKey,
	}
	for c, v := range p.Accuracy {
		fields["acc_"+string(c)] = v
	}
	return s.rdb.HSet(ctx, key(p.UID), fields).Err()
}
