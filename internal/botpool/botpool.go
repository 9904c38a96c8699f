package botpool

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/quizrace/duel-server/internal/obslog"
	"github.com/quizrace/duel-server/internal/skill"
)

// Status of a pool entry.
type Status string

const (
	StatusAvailable Status = "AVAILABLE"
	StatusInUse     Status = "IN_USE"
)

// Entry is one standing synthetic opponent.
type Entry struct {
	ID         string       `json:"id"`
	Vector     skill.Vector `json:"vector"`
	Difficulty int          `json:"difficulty"` // 1..10
	Status     Status       `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
}

// IsBotUID reports whether a player id belongs to a pool bot.
func IsBotUID(uid string) bool { return strings.HasPrefix(uid, "bot-") }

type Pool struct {
	rdb     *redis.Client
	minSize int
}

func NewPool(rdb *redis.Client, minSize int) *Pool {
	if minSize <= 0 {
		minSize = 20
	}
	return &Pool{rdb: rdb, minSize: minSize}
}

func entryKey(id string) string { return "bot:entry:" + strings.TrimSpace(id) }

const availableKey = "bot:available"

// scanPage bounds how many candidates one Acquire inspects.
const scanPage = 20

var ErrEmpty = fmt.Errorf("no bot available")

// EnsureMinimum tops the pool up to its minimum size with freshly generated
// entries. Safe to call concurrently; a short overshoot is harmless.
func (p *Pool) EnsureMinimum(ctx context.Context) error {
	n, err := p.rdb.SCard(ctx, availableKey).Result()
	if err != nil {
		return err
	}
	for i := n; i < int64(p.minSize); i++ {
		e := generate()
		if err := p.save(ctx, e); err != nil {
			return err
		}
		if err := p.rdb.SAdd(ctx, availableKey, e.ID).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Acquire claims the AVAILABLE entry nearest to target from one bounded
// page of the pool. The claim flips status under WATCH so two matchers
// cannot consume the same bot; a lost race just moves to the next
// candidate.
func (p *Pool) Acquire(ctx context.Context, target skill.Vector) (*Entry, error) {
	ids, err := p.rdb.SRandMemberN(ctx, availableKey, scanPage).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrEmpty
	}

	entries := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		e, gerr := p.get(ctx, id)
		if gerr != nil || e == nil || e.Status != StatusAvailable {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return skill.Distance(entries[i].Vector, target) < skill.Distance(entries[j].Vector, target)
	})

	for _, e := range entries {
		if p.claim(ctx, e.ID) == nil {
			e.Status = StatusInUse
			obslog.L().Info("bot_acquire", zap.String("bot_id", e.ID), zap.Int("difficulty", e.Difficulty))
			return e, nil
		}
	}
	return nil, ErrEmpty
}

func (p *Pool) claim(ctx context.Context, id string) error {
	k := entryKey(id)
	return p.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, k).Bytes()
		if err != nil {
			return err
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		if e.Status != StatusAvailable {
			return fmt.Errorf("bot already in use")
		}
		e.Status = StatusInUse
		out, _ := json.Marshal(&e)
		pipe := tx.TxPipeline()
		pipe.Set(ctx, k, out, 0)
		pipe.SRem(ctx, availableKey, id)
		_, perr := pipe.Exec(ctx)
		return perr
	}, k)
}

// Release returns a consumed entry to the pool.
func (p *Pool) Release(ctx context.Context, id string) error {
	e, err := p.get(ctx, id)
	if err != nil || e == nil {
		return err
	}
	e.Status = StatusAvailable
	if err := p.save(ctx, e); err != nil {
		return err
	}
	return p.rdb.SAdd(ctx, availableKey, id).Err()
}

// ReplenishAsync refills the pool in the background after a consume.
func (p *Pool) ReplenishAsync() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.EnsureMinimum(ctx); err != nil {
			obslog.L().Warn("bot_replenish_error", zap.Error(err))
		}
	}()
}

func (p *Pool) get(ctx context.Context, id string) (*Entry, error) {
	raw, err := p.rdb.Get(ctx, entryKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (p *Pool) save(ctx context.Context, e *Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.rdb.Set(ctx, entryKey(e.ID), raw, 0).Err()
}

// generate builds an entry whose vector is correlated with its difficulty
// so matchmaking distance lines up with opponent strength.
func generate() *Entry {
	diff := rand.IntN(10) + 1
	base := 25 + float64(diff)*6
	var v skill.Vector
	for i := 0; i < 4; i++ {
		v[i] = clampDim(base + rand.Float64()*10 - 5)
	}
	v[4] = clampDim(base + rand.Float64()*20 - 10)
	return &Entry{
		ID:         "bot-" + uuid.NewString()[:8],
		Vector:     v,
		Difficulty: diff,
		Status:     StatusAvailable,
		CreatedAt:  time.Now(),
	}
}

func clampDim(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 100 {
		return 100
	}
	return f
}
