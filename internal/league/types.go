package league

import (
	"fmt"
	"time"
)

// Tier is the ordered league ladder. Stone is the bottomless overflow
// tier: it has no bucket structure and unbounded capacity.
type Tier int

const (
	TierStone Tier = iota // overflow
	TierBronze
	TierSilver
	TierGold
	TierDiamond
	TierLegend
)

var tierNames = [...]string{"stone", "bronze", "silver", "gold", "diamond", "legend"}

func (t Tier) String() string {
	if t < TierStone || t > TierLegend {
		return fmt.Sprintf("tier(%d)", int(t))
	}
	return tierNames[t]
}

// Bucketed reports whether the tier keeps capacity-bounded buckets.
func (t Tier) Bucketed() bool { return t > TierStone && t <= TierLegend }

// Promoted returns the tier one step up, capped at the top.
func (t Tier) Promoted() Tier {
	if t >= TierLegend {
		return TierLegend
	}
	return t + 1
}

// Demoted returns the tier one step down, capped at the lowest bucketed
// tier; demotion never sends a player to the overflow tier.
func (t Tier) Demoted() Tier {
	if t <= TierBronze {
		return TierBronze
	}
	return t - 1
}

// BucketStatus tracks capacity. A bucket is full iff it holds exactly
// BucketCap players.
type BucketStatus string

const (
	BucketActive   BucketStatus = "active"
	BucketFull     BucketStatus = "full"
	BucketArchived BucketStatus = "archived"
)

// BucketCap is the hard player limit per bucket.
const BucketCap = 30

// BucketPlayer is one leaderboard row.
type BucketPlayer struct {
	UID      string `json:"uid"`
	Weekly   int    `json:"weekly"`
	Lifetime int    `json:"lifetime"`
}

// Bucket is one capacity-bounded leaderboard shard of a tier. SeasonID is
// the season the bucket is live in; the weekly reset advances it. The
// document key is fixed at allocation from the founding season, so a
// long-lived bucket keeps its key while SeasonID moves on.
type Bucket struct {
	Tier      Tier           `json:"tier"`
	SeasonID  string         `json:"season_id"`
	Founded   string         `json:"founded_season"`
	Number    int            `json:"number"`
	Status    BucketStatus   `json:"status"`
	Players   []BucketPlayer `json:"players"`
	CreatedAt time.Time      `json:"created_at"`
}

// Key is the document key of the bucket.
func (b *Bucket) Key() string { return BucketKey(b.Founded, b.Tier, b.Number) }

func BucketKey(seasonID string, tier Tier, n int) string {
	return fmt.Sprintf("league:bucket:%s:%s:%d", seasonID, tier, n)
}

func (b *Bucket) indexOf(uid string) int {
	for i := range b.Players {
		if b.Players[i].UID == uid {
			return i
		}
	}
	return -1
}

// Meta is the singleton cache: per-tier open bucket keys for the current
// season, so assignment never scans the whole tier.
type Meta struct {
	SeasonNum int                 `json:"season_num"`
	SeasonID  string              `json:"season_id"`
	LastReset time.Time           `json:"last_reset"`
	Open      map[string][]string `json:"open"` // tier name -> open bucket keys
}

func SeasonID(n int) string { return fmt.Sprintf("s%04d", n) }

type staticErr string

func (e staticErr) Error() string { return string(e) }

const (
	ErrBucketNotFound staticErr = "bucket not found"
	ErrTierUnbucketed staticErr = "tier has no buckets"
	ErrAllocExhausted staticErr = "bucket number allocation kept colliding"
)
