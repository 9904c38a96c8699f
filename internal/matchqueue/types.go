package matchqueue

import (
	"time"

	"github.com/quizrace/duel-server/internal/skill"
)

// TicketStatus is the lifecycle of a queue ticket. Tickets are never
// mutated except for this field.
type TicketStatus string

const (
	TicketWaiting TicketStatus = "WAITING"
	TicketMatched TicketStatus = "MATCHED"
)

// Ticket is one waiting human player.
type Ticket struct {
	UID        string         `json:"uid"`
	Category   skill.Category `json:"category"`
	Vector     skill.Vector   `json:"vector"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	Status     TicketStatus   `json:"status"`
	Bot        bool           `json:"bot,omitempty"`
}

// OpponentType tells the caller what kind of seat they were paired with.
type OpponentType string

const (
	OpponentHuman OpponentType = "human"
	OpponentBot   OpponentType = "bot"
)

// Result of an Enter call.
type Result struct {
	Matched      bool
	MatchID      string
	OpponentUID  string
	OpponentType OpponentType
}

type staticErr string

func (e staticErr) Error() string { return string(e) }

const (
	ErrInvalidCategory staticErr = "unknown category"
	ErrAlreadyInMatch  staticErr = "caller already has an active match"
)
