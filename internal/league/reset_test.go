package league

import (
	"context"
	"fmt"
	"testing"
)

// TestWeeklyReset seeds a full silver bucket where u00..u26 hold
// descending weekly scores and u27..u29 sat the week out, then settles it.
func TestWeeklyReset(t *testing.T) {
	m, profiles := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < BucketCap; i++ {
		uid := fmt.Sprintf("u%02d", i)
		seedUser(t, profiles, uid, 200)
		if _, err := m.Assign(ctx, uid, "s0001", TierSilver, ""); err != nil {
			t.Fatalf("Assign %s: %v", uid, err)
		}
	}
	for i := 0; i < 27; i++ {
		uid := fmt.Sprintf("u%02d", i)
		if err := m.RecordScore(ctx, uid, 100-i); err != nil {
			t.Fatalf("RecordScore %s: %v", uid, err)
		}
	}

	if err := m.WeeklyReset(ctx); err != nil {
		t.Fatalf("WeeklyReset: %v", err)
	}

	// Season rotated.
	meta, err := m.Meta(ctx)
	if err != nil {
		t.Fatalf("Meta: %v", err)
	}
	if meta.SeasonNum != 2 || meta.SeasonID != "s0002" {
		t.Fatalf("season not rotated: %+v", meta)
	}

	// Top five promoted with both rewards.
	for i := 0; i < 5; i++ {
		uid := fmt.Sprintf("u%02d", i)
		p, _ := profiles.Get(ctx, uid)
		b, _ := m.GetBucket(ctx, p.BucketKey)
		if b == nil || b.Tier != TierGold {
			t.Fatalf("%s not promoted: %+v", uid, p.BucketKey)
		}
		rs, _ := m.RewardsOf(ctx, uid)
		if len(rs) != 2 {
			t.Fatalf("%s rewards = %d, want rank_top + promotion", uid, len(rs))
		}
	}

	// Bottom two active players demoted, no reward.
	for _, uid := range []string{"u25", "u26"} {
		p, _ := profiles.Get(ctx, uid)
		b, _ := m.GetBucket(ctx, p.BucketKey)
		if b == nil || b.Tier != TierBronze {
			t.Fatalf("%s not demoted", uid)
		}
		if rs, _ := m.RewardsOf(ctx, uid); len(rs) != 0 {
			t.Fatalf("%s got rewards on demotion: %v", uid, rs)
		}
	}

	// Inactive players fall to the overflow tier.
	for _, uid := range []string{"u27", "u28", "u29"} {
		p, _ := profiles.Get(ctx, uid)
		if p.BucketKey != "" {
			t.Fatalf("%s kept a bucket pointer after an idle week", uid)
		}
		if rs, _ := m.RewardsOf(ctx, uid); len(rs) != 0 {
			t.Fatalf("%s got rewards for an idle week: %v", uid, rs)
		}
	}

	// Midfield stays in place with a participation reward and a zeroed
	// weekly score.
	p, _ := profiles.Get(ctx, "u10")
	b, _ := m.GetBucket(ctx, p.BucketKey)
	if b == nil || b.Tier != TierSilver {
		t.Fatalf("u10 moved unexpectedly")
	}
	row := b.Players[b.indexOf("u10")]
	if row.Weekly != 0 {
		t.Fatalf("weekly not reset: %+v", row)
	}
	rs, _ := m.RewardsOf(ctx, "u10")
	if len(rs) != 1 || rs[0].Key != RewardKeyFor(TierSilver, RewardParticipation) {
		t.Fatalf("u10 rewards = %+v", rs)
	}

	// Reward ids are deterministic: re-granting the same outcome is a
	// no-op, so a rerun of the job cannot double-pay.
	created, err := m.Grant(ctx, "s0001", RewardKeyFor(TierSilver, RewardRankTop), "u00")
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if created {
		t.Fatalf("rerun created a duplicate reward")
	}
}

// TestWeeklyResetCarriesBucketsIntoNextSeason runs two consecutive resets
// with scoring in between: buckets that survive the first rollover must be
// settled again by the second one, so stayers get their weekly scores
// zeroed twice and their week-two rewards granted.
func TestWeeklyResetCarriesBucketsIntoNextSeason(t *testing.T) {
	m, profiles := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		uid := fmt.Sprintf("u%02d", i)
		seedUser(t, profiles, uid, 100)
		if _, err := m.Assign(ctx, uid, "s0001", TierSilver, ""); err != nil {
			t.Fatalf("Assign %s: %v", uid, err)
		}
		if err := m.RecordScore(ctx, uid, 100-i); err != nil {
			t.Fatalf("RecordScore %s: %v", uid, err)
		}
	}

	// Week one: u00..u04 promote to gold, u05..u11 stay in the silver
	// bucket, which carries into season two.
	if err := m.WeeklyReset(ctx); err != nil {
		t.Fatalf("first WeeklyReset: %v", err)
	}
	stayer, _ := profiles.Get(ctx, "u10")
	silverKey := stayer.BucketKey
	if silverKey == "" {
		t.Fatal("u10 lost its bucket after the first reset")
	}

	// Week two: six silver players score so one of them ranks below the
	// promotion cut, u11 sits the week out, and u00 scores in gold.
	for i := 5; i <= 10; i++ {
		uid := fmt.Sprintf("u%02d", i)
		if err := m.RecordScore(ctx, uid, 60-i); err != nil {
			t.Fatalf("RecordScore %s: %v", uid, err)
		}
	}
	if err := m.RecordScore(ctx, "u00", 20); err != nil {
		t.Fatalf("RecordScore u00: %v", err)
	}

	if err := m.WeeklyReset(ctx); err != nil {
		t.Fatalf("second WeeklyReset: %v", err)
	}
	meta, err := m.Meta(ctx)
	if err != nil {
		t.Fatalf("Meta: %v", err)
	}
	if meta.SeasonNum != 3 || meta.SeasonID != "s0003" {
		t.Fatalf("season not rotated twice: %+v", meta)
	}

	// The carried silver bucket was settled again: u10 ranked sixth, so it
	// stays put with a second zeroed week and a second participation
	// reward.
	p, _ := profiles.Get(ctx, "u10")
	if p.BucketKey != silverKey {
		t.Fatalf("u10 moved: %q -> %q", silverKey, p.BucketKey)
	}
	b, _ := m.GetBucket(ctx, silverKey)
	if b == nil || b.SeasonID != "s0003" {
		t.Fatalf("silver bucket not carried: %+v", b)
	}
	if row := b.Players[b.indexOf("u10")]; row.Weekly != 0 {
		t.Fatalf("week-two score not reset: %+v", row)
	}
	if rs, _ := m.RewardsOf(ctx, "u10"); len(rs) != 2 {
		t.Fatalf("u10 rewards = %d, want one participation per season", len(rs))
	}

	// u05 topped the carried bucket and promotes out of it.
	p, _ = profiles.Get(ctx, "u05")
	b, _ = m.GetBucket(ctx, p.BucketKey)
	if b == nil || b.Tier != TierGold {
		t.Fatalf("u05 not promoted in week two: %+v", p.BucketKey)
	}
	if rs, _ := m.RewardsOf(ctx, "u05"); len(rs) != 3 {
		t.Fatalf("u05 rewards = %d, want participation + rank_top + promotion", len(rs))
	}

	// The idle stayer drops to the overflow tier on the second reset.
	p, _ = profiles.Get(ctx, "u11")
	if p.BucketKey != "" {
		t.Fatalf("u11 kept a pointer after an idle week: %q", p.BucketKey)
	}

	// The week-one promotee's gold bucket was settled too.
	p, _ = profiles.Get(ctx, "u00")
	b, _ = m.GetBucket(ctx, p.BucketKey)
	if b == nil || b.Tier != TierDiamond {
		t.Fatalf("u00 not promoted out of gold: %+v", p.BucketKey)
	}
	if rs, _ := m.RewardsOf(ctx, "u00"); len(rs) != 4 {
		t.Fatalf("u00 rewards = %d, want two per promoted season", len(rs))
	}
}

func TestResetPartialBucketPromotesWithoutDemotion(t *testing.T) {
	m, profiles := newTestManager(t)
	ctx := context.Background()

	seedUser(t, profiles, "u1", 50)
	if _, err := m.Assign(ctx, "u1", "s0001", TierBronze, ""); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := m.RecordScore(ctx, "u1", 3); err != nil {
		t.Fatalf("RecordScore: %v", err)
	}

	// A not-full bucket promotes its top scorers but demotes nobody.
	if err := m.WeeklyReset(ctx); err != nil {
		t.Fatalf("WeeklyReset: %v", err)
	}
	p, _ := profiles.Get(ctx, "u1")
	b, _ := m.GetBucket(ctx, p.BucketKey)
	if b == nil || b.Tier != TierSilver {
		t.Fatalf("sole scorer not promoted: %+v", p.BucketKey)
	}
}
