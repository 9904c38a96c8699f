package duel

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Repository archives finished matches into Postgres. This is the feed
// external settlement reads: winner, per-player earned trophies, reason.
type Repository struct {
	db *sql.DB
}

func NewRepository(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// SaveResult upserts the final match document. The upsert keeps the write
// idempotent under settlement retries.
func (r *Repository) SaveResult(ctx context.Context, m *Match) error {
	if r == nil || r.db == nil || m == nil {
		return nil
	}
	questionsRaw, _ := json.Marshal(m.Duel.Questions)
	duration := m.UpdatedAt.Sub(m.CreatedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}

	q := `INSERT INTO duel_matches (
	    match_id, mode, status, category,
	    player_a, player_b, bot_seat,
	    winner, ended_reason,
	    trophies_a, trophies_b,
	    questions, started_at, ended_at, duration_ms
	  ) VALUES (
	    $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
	  ) ON CONFLICT (match_id) DO UPDATE SET
	    status=EXCLUDED.status,
	    winner=EXCLUDED.winner,
	    ended_reason=EXCLUDED.ended_reason,
	    trophies_a=EXCLUDED.trophies_a,
	    trophies_b=EXCLUDED.trophies_b,
	    questions=EXCLUDED.questions,
	    ended_at=EXCLUDED.ended_at,
	    duration_ms=EXCLUDED.duration_ms`

	botSeat := ""
	if b := m.BotSeat(); b != nil {
		botSeat = b.UID
	}
	_, err := r.db.ExecContext(ctx, q,
		m.ID, m.Mode, string(m.Status), string(m.Duel.Category),
		m.Players[0].UID, m.Players[1].UID, botSeat,
		m.WinnerUID, m.EndedReason,
		m.Players[0].Trophies, m.Players[1].Trophies,
		string(questionsRaw), m.CreatedAt, m.UpdatedAt, duration,
	)
	return err
}
