package dueldto

import "time"

// EnterQueueRequest asks for an opponent in one category.
type EnterQueueRequest struct {
	Category string `json:"category"`
}

// EnterQueueResponse reports the matchmaking outcome of one poll.
type EnterQueueResponse struct {
	Status       string `json:"status"` // MATCHED | QUEUED
	MatchID      string `json:"match_id,omitempty"`
	OpponentType string `json:"opponent_type,omitempty"` // human | bot
}

// SuccessResponse is the generic acknowledgement. Answer-path
// precondition failures come back as Success=false with a Code instead of
// an HTTP error: they are the normal outcome of multi-client races.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
}

// StartQuestionRequest activates the next question of a match.
type StartQuestionRequest struct {
	MatchID string `json:"match_id"`
}

// StartQuestionResponse carries the server-authoritative start time.
type StartQuestionResponse struct {
	QuestionID    string    `json:"question_id"`
	ServerStartAt time.Time `json:"server_start_at"`
}

// SubmitAnswerRequest submits one choice for the active question.
// ClientLatencyMs is the self-reported one-way latency used (clamped) for
// receive-time compensation; ClientElapsedMs is the self-reported answer
// time used only as a tie-break signal.
type SubmitAnswerRequest struct {
	MatchID         string `json:"match_id"`
	Answer          int    `json:"answer"`
	ClientElapsedMs int64  `json:"client_elapsed_ms"`
	ClientLatencyMs int64  `json:"client_latency_ms,omitempty"`
}

// MatchRequest addresses an existing match (timeout, finalize, presence).
type MatchRequest struct {
	MatchID string `json:"match_id"`
}
