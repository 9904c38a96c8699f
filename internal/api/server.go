package api

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/quizrace/duel-server/internal/duel"
	"github.com/quizrace/duel-server/internal/matchqueue"
	"github.com/quizrace/duel-server/internal/obslog"
	"github.com/quizrace/duel-server/internal/profile"
	"github.com/quizrace/duel-server/internal/qbank"
	"github.com/quizrace/duel-server/internal/skill"
	"github.com/quizrace/duel-server/pkg/dueldto"
)

// Server exposes the RPC surface over fasthttp. The caller identity comes
// from the X-User-Id header set by the fronting auth proxy; a request
// without one is unauthenticated.
type Server struct {
	queue *matchqueue.Manager
	duels *duel.Manager

	addr string
	srv  *fasthttp.Server
}

func NewServer(addr string, queue *matchqueue.Manager, duels *duel.Manager) *Server {
	s := &Server{queue: queue, duels: duels, addr: addr}
	s.srv = &fasthttp.Server{
		Handler:      s.Handle,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Name:         "duel-server",
	}
	return s
}

func (s *Server) ListenAndServe() error { return s.srv.ListenAndServe(s.addr) }

func (s *Server) Shutdown() error { return s.srv.Shutdown() }

// Handle routes one request.
func (s *Server) Handle(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	if path == "/healthz" {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
		return
	}
	if !ctx.IsPost() {
		ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
		return
	}
	uid := string(ctx.Request.Header.Peek("X-User-Id"))
	if uid == "" {
		writeError(ctx, fasthttp.StatusUnauthorized, &dueldto.Error{
			Code: dueldto.CodeUnauthenticated, Message: "missing X-User-Id",
		})
		return
	}

	switch path {
	case "/v1/queue/enter":
		s.enterQueue(ctx, uid)
	case "/v1/queue/leave":
		s.leaveQueue(ctx, uid)
	case "/v1/duel/start":
		s.startQuestion(ctx, uid)
	case "/v1/duel/answer":
		s.submitAnswer(ctx, uid)
	case "/v1/duel/timeout":
		s.timeout(ctx, uid)
	case "/v1/duel/finalize":
		s.finalize(ctx, uid)
	case "/v1/duel/disconnected":
		s.presence(ctx, uid, true)
	case "/v1/duel/reconnected":
		s.presence(ctx, uid, false)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func (s *Server) enterQueue(ctx *fasthttp.RequestCtx, uid string) {
	var req dueldto.EnterQueueRequest
	if !decode(ctx, &req) {
		return
	}
	res, err := s.queue.Enter(ctx, uid, skill.Category(req.Category))
	if err != nil {
		writeMappedError(ctx, err)
		return
	}
	out := dueldto.EnterQueueResponse{Status: "QUEUED"}
	if res.Matched {
		out.Status = "MATCHED"
		out.MatchID = res.MatchID
		out.OpponentType = string(res.OpponentType)
	}
	writeJSON(ctx, fasthttp.StatusOK, out)
}

func (s *Server) leaveQueue(ctx *fasthttp.RequestCtx, uid string) {
	if err := s.queue.Leave(ctx, uid); err != nil {
		writeMappedError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, dueldto.SuccessResponse{Success: true})
}

func (s *Server) startQuestion(ctx *fasthttp.RequestCtx, uid string) {
	var req dueldto.StartQuestionRequest
	if !decode(ctx, &req) {
		return
	}
	if !s.requireSeat(ctx, req.MatchID, uid) {
		return
	}
	q, err := s.duels.StartQuestion(ctx, req.MatchID)
	if err != nil {
		writeMappedError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, dueldto.StartQuestionResponse{
		QuestionID:    q.QuestionID,
		ServerStartAt: q.StartedAt,
	})
}

func (s *Server) submitAnswer(ctx *fasthttp.RequestCtx, uid string) {
	receivedAt := time.Now() // server-authoritative receive time
	var req dueldto.SubmitAnswerRequest
	if !decode(ctx, &req) {
		return
	}
	err := s.duels.SubmitAnswer(ctx, req.MatchID, uid, req.Answer, req.ClientElapsedMs, req.ClientLatencyMs, receivedAt)
	if err != nil {
		// Losing an answer race to the opponent or a bot is the normal
		// case, not a failure the client should surface.
		if duel.IsPrecondition(err) {
			writeJSON(ctx, fasthttp.StatusOK, dueldto.SuccessResponse{Success: false, Code: err.Error()})
			return
		}
		writeMappedError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, dueldto.SuccessResponse{Success: true})
}

func (s *Server) timeout(ctx *fasthttp.RequestCtx, uid string) {
	s.matchOp(ctx, uid, s.duels.Timeout)
}

func (s *Server) finalize(ctx *fasthttp.RequestCtx, uid string) {
	s.matchOp(ctx, uid, s.duels.FinalizeDecision)
}

func (s *Server) matchOp(ctx *fasthttp.RequestCtx, uid string, op func(ctx context.Context, matchID string) error) {
	var req dueldto.MatchRequest
	if !decode(ctx, &req) {
		return
	}
	if !s.requireSeat(ctx, req.MatchID, uid) {
		return
	}
	if err := op(ctx, req.MatchID); err != nil {
		if duel.IsPrecondition(err) {
			writeJSON(ctx, fasthttp.StatusOK, dueldto.SuccessResponse{Success: false, Code: err.Error()})
			return
		}
		writeMappedError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, dueldto.SuccessResponse{Success: true})
}

func (s *Server) presence(ctx *fasthttp.RequestCtx, uid string, down bool) {
	var req dueldto.MatchRequest
	if !decode(ctx, &req) {
		return
	}
	var err error
	if down {
		err = s.duels.MarkDisconnected(ctx, req.MatchID, uid)
	} else {
		err = s.duels.MarkReconnected(ctx, req.MatchID, uid)
	}
	if err != nil {
		if duel.IsPrecondition(err) {
			writeJSON(ctx, fasthttp.StatusOK, dueldto.SuccessResponse{Success: false, Code: err.Error()})
			return
		}
		writeMappedError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, dueldto.SuccessResponse{Success: true})
}

// requireSeat rejects callers who are not part of the match before any
// state-machine work happens.
func (s *Server) requireSeat(ctx *fasthttp.RequestCtx, matchID, uid string) bool {
	m, err := s.duels.Store().Get(ctx, matchID)
	if err != nil {
		writeMappedError(ctx, err)
		return false
	}
	if m.Player(uid) == nil {
		writeError(ctx, fasthttp.StatusForbidden, &dueldto.Error{
			Code: dueldto.CodeFailedPrecondition, Reason: "not_participant",
			Message: "caller is not in this match",
		})
		return false
	}
	return true
}

func decode(ctx *fasthttp.RequestCtx, v any) bool {
	if err := json.Unmarshal(ctx.PostBody(), v); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, &dueldto.Error{
			Code: dueldto.CodeInvalidArgument, Message: "malformed request body",
		})
		return false
	}
	return true
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	raw, err := json.Marshal(v)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetBody(raw)
}

func writeError(ctx *fasthttp.RequestCtx, status int, e *dueldto.Error) {
	writeJSON(ctx, status, e)
}

// writeMappedError translates domain sentinels into the wire taxonomy.
func writeMappedError(ctx *fasthttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, profile.ErrNoEnergy):
		writeError(ctx, fasthttp.StatusBadRequest, &dueldto.Error{
			Code: dueldto.CodeFailedPrecondition, Reason: "no_energy", Message: "not enough energy",
		})
	case errors.Is(err, matchqueue.ErrAlreadyInMatch):
		writeError(ctx, fasthttp.StatusConflict, &dueldto.Error{
			Code: dueldto.CodeFailedPrecondition, Reason: "match_limit", Message: "finish your active match first",
		})
	case errors.Is(err, matchqueue.ErrInvalidCategory):
		writeError(ctx, fasthttp.StatusBadRequest, &dueldto.Error{
			Code: dueldto.CodeInvalidArgument, Message: "unknown category",
		})
	case errors.Is(err, duel.ErrMatchNotFound),
		errors.Is(err, profile.ErrNotFound),
		errors.Is(err, qbank.ErrNotFound):
		writeError(ctx, fasthttp.StatusNotFound, &dueldto.Error{
			Code: dueldto.CodeNotFound, Message: err.Error(),
		})
	case errors.Is(err, qbank.ErrExhausted):
		writeError(ctx, fasthttp.StatusConflict, &dueldto.Error{
			Code: dueldto.CodeResourceExhausted, Message: "no unused question available",
		})
	case errors.Is(err, duel.ErrConflict):
		writeError(ctx, fasthttp.StatusConflict, &dueldto.Error{
			Code: dueldto.CodeAborted, Message: "please retry",
		})
	case errors.Is(err, duel.ErrNotParticipant):
		writeError(ctx, fasthttp.StatusForbidden, &dueldto.Error{
			Code: dueldto.CodeFailedPrecondition, Reason: "not_participant", Message: err.Error(),
		})
	case duel.IsPrecondition(err):
		writeError(ctx, fasthttp.StatusConflict, &dueldto.Error{
			Code: dueldto.CodeFailedPrecondition, Message: err.Error(),
		})
	default:
		obslog.L().Error("api_internal_error", zap.Error(err))
		writeError(ctx, fasthttp.StatusInternalServerError, &dueldto.Error{
			Code: dueldto.CodeInternal, Message: "internal error",
		})
	}
}
