package duel

import (
	"errors"
	"time"

	"github.com/quizrace/duel-server/internal/skill"
)

// MatchStatus is the lifecycle state of the match aggregate.
type MatchStatus string

const (
	MatchActive    MatchStatus = "ACTIVE"
	MatchFinished  MatchStatus = "FINISHED"
	MatchCancelled MatchStatus = "CANCELLED"
)

// DuelStatus is the phase of the embedded duel state machine.
type DuelStatus string

const (
	DuelWaitingPlayers DuelStatus = "WAITING_PLAYERS"
	DuelQuestionActive DuelStatus = "QUESTION_ACTIVE"
	DuelQuestionResult DuelStatus = "QUESTION_RESULT"
	DuelMatchFinished  DuelStatus = "MATCH_FINISHED"
)

// EndReason records why a question ended. Empty means still open.
type EndReason string

const (
	EndCorrect  EndReason = "CORRECT"
	EndTwoWrong EndReason = "TWO_WRONG"
	EndTimeout  EndReason = "TIMEOUT"
)

// Match-level end reasons for abnormal termination.
const (
	ReasonRageQuit       = "RAGE_QUIT"
	ReasonDoubleRageQuit = "DOUBLE_RAGE_QUIT"
)

// AnswerRecord is one player's submission for one question.
type AnswerRecord struct {
	Choice          int       `json:"choice"`
	Correct         bool      `json:"correct"`
	ClientElapsedMs int64     `json:"client_elapsed_ms"`
	ClientLatencyMs int64     `json:"client_latency_ms"`
	ReceivedAt      time.Time `json:"received_at"`
}

// Question is one entry of the append-only question log. Once EndReason is
// set the entry is immutable.
type Question struct {
	QuestionID string                   `json:"question_id"`
	StartedAt  time.Time                `json:"started_at"`
	Answers    map[string]*AnswerRecord `json:"answers"`
	EndReason  EndReason                `json:"end_reason,omitempty"`
	EndedAt    *time.Time               `json:"ended_at,omitempty"`
	WinnerUID  string                   `json:"winner_uid,omitempty"`

	// Grace-window fields, meaningful only while a correct-answer race is
	// being arbitrated.
	PendingWinnerUID string     `json:"pending_winner_uid,omitempty"`
	DecisionAt       *time.Time `json:"decision_at,omitempty"`
}

// Ended reports whether the question has been finalized.
func (q *Question) Ended() bool { return q.EndReason != "" }

// PlayerState is the per-player match-scoped state.
type PlayerState struct {
	UID           string `json:"uid"`
	Bot           bool   `json:"bot,omitempty"`
	BotDifficulty int    `json:"bot_difficulty,omitempty"`
	Trophies      int    `json:"trophies"`
	Answered      int    `json:"answered"`
}

// DuelState is embedded in Match and drives the question-by-question
// lifecycle. Questions never shrink or reorder; CurrentIndex is the only
// cursor into the log.
type DuelState struct {
	Category     skill.Category       `json:"category"`
	Questions    []Question           `json:"questions"`
	CurrentIndex int                  `json:"current_index"` // -1 before the first question
	Status       DuelStatus           `json:"status"`
	Correct      map[string]int       `json:"correct"`
	RoundWins    map[string]int       `json:"round_wins"`
	Disconnected map[string]time.Time `json:"disconnected,omitempty"`
	ReconnectBy  map[string]time.Time `json:"reconnect_by,omitempty"`
	RageQuits    []string             `json:"rage_quits,omitempty"`
}

// Current returns the question under the cursor, nil before the first one.
func (d *DuelState) Current() *Question {
	if d.CurrentIndex < 0 || d.CurrentIndex >= len(d.Questions) {
		return nil
	}
	return &d.Questions[d.CurrentIndex]
}

// Match is the central aggregate. It is created by matchmaking and mutated
// exclusively through Manager transactions.
type Match struct {
	ID          string         `json:"id"`
	Mode        string         `json:"mode"`
	Status      MatchStatus    `json:"status"`
	Players     [2]PlayerState `json:"players"`
	Duel        DuelState      `json:"duel"`
	WinnerUID   string         `json:"winner_uid,omitempty"`
	EndedReason string         `json:"ended_reason,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`

	// SettledAt is the one-time marker written by the settlement step; a
	// non-nil value means the finish has already been handed off.
	SettledAt *time.Time `json:"settled_at,omitempty"`
}

// ModeSyncDuel is the only mode this core runs.
const ModeSyncDuel = "sync_duel"

// Player returns the seat for uid, nil if uid is not a participant.
func (m *Match) Player(uid string) *PlayerState {
	for i := range m.Players {
		if m.Players[i].UID == uid {
			return &m.Players[i]
		}
	}
	return nil
}

// Opponent returns the other seat, nil if uid is not a participant.
func (m *Match) Opponent(uid string) *PlayerState {
	for i := range m.Players {
		if m.Players[i].UID != uid && m.Player(uid) != nil {
			return &m.Players[i]
		}
	}
	return nil
}

// BotSeat returns the bot seat if one side is synthetic.
func (m *Match) BotSeat() *PlayerState {
	for i := range m.Players {
		if m.Players[i].Bot {
			return &m.Players[i]
		}
	}
	return nil
}

// Gameplay constants.
const (
	// WinTarget is the number of won questions that ends the duel.
	WinTarget = 3
	// GraceWindow is how long a provisional correct answer stays
	// contestable by the opponent.
	GraceWindow = 300 * time.Millisecond
	// LatencyClampMax caps the client-reported one-way latency used for
	// receive-time compensation.
	LatencyClampMax = 200 * time.Millisecond
	// ElapsedPlausibleMaxMs bounds self-reported elapsed times considered
	// in tie-breaks.
	ElapsedPlausibleMaxMs = 60000
	// QuestionTimeout ends an unanswered question.
	QuestionTimeout = 60 * time.Second
	// TrophyMax bounds the per-question trophy award (0..TrophyMax).
	TrophyMax = 5
)

type staticErr string

func (e staticErr) Error() string { return string(e) }

// Sentinel errors. The precondition group is the expected outcome of
// legitimate multi-client races and is swallowed by background triggers.
const (
	ErrMatchNotFound     staticErr = "match not found"
	ErrMatchNotActive    staticErr = "match not active"
	ErrNotParticipant    staticErr = "caller is not in this match"
	ErrQuestionNotActive staticErr = "no question is active"
	ErrAlreadyAnswered   staticErr = "already answered this question"
	ErrAlreadyStarted    staticErr = "question already active"
	ErrMatchDecided      staticErr = "a player already reached the win target"
	ErrNoPendingWinner   staticErr = "no pending winner to finalize"
	ErrDecisionNotDue    staticErr = "grace window has not elapsed"
	ErrTimeoutNotDue     staticErr = "question has not timed out yet"
	ErrConflict          staticErr = "too many concurrent writes"
)

// errUnchanged aborts a transaction body without writing; the operation is
// treated as a successful no-op.
const errUnchanged staticErr = "no change"

// IsPrecondition reports whether err is a benign state-machine guard
// failure rather than a real fault.
func IsPrecondition(err error) bool {
	switch {
	case errors.Is(err, ErrMatchNotActive),
		errors.Is(err, ErrQuestionNotActive),
		errors.Is(err, ErrAlreadyAnswered),
		errors.Is(err, ErrAlreadyStarted),
		errors.Is(err, ErrMatchDecided),
		errors.Is(err, ErrNoPendingWinner),
		errors.Is(err, ErrDecisionNotDue),
		errors.Is(err, ErrTimeoutNotDue):
		return true
	}
	return false
}
