package duel

import (
	"context"
	"testing"
	"time"
)

func disconnectAndExpire(t *testing.T, e *testEnv, matchID string, uids ...string) {
	t.Helper()
	ctx := context.Background()
	for _, uid := range uids {
		if err := e.mgr.MarkDisconnected(ctx, matchID, uid); err != nil {
			t.Fatalf("MarkDisconnected %s: %v", uid, err)
		}
	}
	past := time.Now().Add(-time.Minute)
	if _, err := e.store.Update(ctx, matchID, func(m *Match) error {
		for _, uid := range uids {
			m.Duel.ReconnectBy[uid] = past
		}
		return nil
	}); err != nil {
		t.Fatalf("expire deadlines: %v", err)
	}
	if err := e.store.SetSweepDeadline(ctx, matchID, past); err != nil {
		t.Fatalf("SetSweepDeadline: %v", err)
	}
}

func TestDisconnectReconnectRoundtrip(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	m := e.newMatch(t)

	if err := e.mgr.MarkDisconnected(ctx, m.ID, "u1"); err != nil {
		t.Fatalf("MarkDisconnected: %v", err)
	}
	cur, _ := e.store.Get(ctx, m.ID)
	if _, ok := cur.Duel.ReconnectBy["u1"]; !ok {
		t.Fatalf("reconnect deadline not armed")
	}
	due, err := e.store.DueMatches(ctx, time.Now().Add(2*time.Minute), 10)
	if err != nil || len(due) != 1 || due[0] != m.ID {
		t.Fatalf("sweep index = %v (%v)", due, err)
	}

	if err := e.mgr.MarkReconnected(ctx, m.ID, "u1"); err != nil {
		t.Fatalf("MarkReconnected: %v", err)
	}
	cur, _ = e.store.Get(ctx, m.ID)
	if _, ok := cur.Duel.ReconnectBy["u1"]; ok {
		t.Fatalf("reconnect deadline survived reconnect")
	}
	due, _ = e.store.DueMatches(ctx, time.Now().Add(2*time.Minute), 10)
	if len(due) != 0 {
		t.Fatalf("sweep entry survived reconnect: %v", due)
	}
}

func TestSweepSingleRageQuit(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	m := e.newMatch(t)

	disconnectAndExpire(t, e, m.ID, "u1")
	e.mgr.SweepRageQuits(ctx, 10)

	cur, _ := e.store.Get(ctx, m.ID)
	if cur.Status != MatchFinished || cur.WinnerUID != "u2" || cur.EndedReason != ReasonRageQuit {
		t.Fatalf("unexpected outcome: status=%s winner=%s reason=%s", cur.Status, cur.WinnerUID, cur.EndedReason)
	}
	if len(cur.Duel.RageQuits) != 1 || cur.Duel.RageQuits[0] != "u1" {
		t.Fatalf("quitters = %v", cur.Duel.RageQuits)
	}
	due, _ := e.store.DueMatches(ctx, time.Now().Add(time.Hour), 10)
	if len(due) != 0 {
		t.Fatalf("sweep entry not cleared: %v", due)
	}

	waitFor(t, func() bool {
		id, _ := e.store.ActiveMatchIDByUser(ctx, "u2")
		return id == ""
	}, "user index cleared after sweep settlement")
}

func TestSweepDoubleRageQuitCancels(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	m := e.newMatch(t)

	disconnectAndExpire(t, e, m.ID, "u1", "u2")
	e.mgr.SweepRageQuits(ctx, 10)

	cur, _ := e.store.Get(ctx, m.ID)
	if cur.Status != MatchCancelled || cur.EndedReason != ReasonDoubleRageQuit {
		t.Fatalf("unexpected outcome: status=%s reason=%s", cur.Status, cur.EndedReason)
	}
	if cur.WinnerUID != "" {
		t.Fatalf("cancelled match has a winner: %s", cur.WinnerUID)
	}
	if len(cur.Duel.RageQuits) != 2 {
		t.Fatalf("quitters = %v", cur.Duel.RageQuits)
	}
}

func TestSweepIgnoresReconnected(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	m := e.newMatch(t)

	disconnectAndExpire(t, e, m.ID, "u1")
	// The player comes back before the sweep runs; the stale index entry
	// must not decide the match.
	if err := e.mgr.MarkReconnected(ctx, m.ID, "u1"); err != nil {
		t.Fatalf("MarkReconnected: %v", err)
	}
	if err := e.store.SetSweepDeadline(ctx, m.ID, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("SetSweepDeadline: %v", err)
	}
	e.mgr.SweepRageQuits(ctx, 10)

	cur, _ := e.store.Get(ctx, m.ID)
	if cur.Status != MatchActive {
		t.Fatalf("reconnected player swept: %s", cur.Status)
	}
}
