package transaction

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/physcoord/core/diff"
	"github.com/sushant-115/physcoord/core/model"
)

// ResultCode is what orchestration callbacks report back.
type ResultCode int

const (
	ResultSuccess ResultCode = iota
	ResultFailure
	ResultSequenceError
	ResultReferenced
	ResultFatal
)

func (r ResultCode) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultFailure:
		return "failure"
	case ResultSequenceError:
		return "sequence_error"
	case ResultReferenced:
		return "referenced"
	case ResultFatal:
		return "fatal"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// ResultOf maps a phase error to its result code.
func ResultOf(err error) ResultCode {
	switch {
	case err == nil:
		return ResultSuccess
	case errors.Is(err, ErrSequence):
		return ResultSequenceError
	case errors.Is(err, diff.ErrReferenced):
		return ResultReferenced
	case errors.Is(err, ErrFatal):
		return ResultFatal
	default:
		return ResultFailure
	}
}

// AuditRequest asks for an audit replay of a datastore.
type AuditRequest struct {
	Datastore model.Datastore  `json:"datastore"`
	Operation model.Operation  `json:"operation"`
	Mode      model.ConfigMode `json:"mode"`
	Version   uint64           `json:"version"`
}

// Handler is the callback surface the orchestration framework drives.
type Handler struct {
	c      *Coordinator
	logger *zap.Logger
}

// NewHandler exposes c to the orchestrator.
func NewHandler(c *Coordinator) *Handler {
	return &Handler{c: c, logger: c.logger.Named("handler")}
}

// Coordinator returns the coordinator behind the handler.
func (h *Handler) Coordinator() *Coordinator { return h.c }

// StartTransaction opens a transaction and classifies the candidate changes.
func (h *Handler) StartTransaction(ctx context.Context, sessionID, configID uint32, mode model.ConfigMode) ResultCode {
	return h.result("StartTransaction", h.c.Start(ctx, StartRequest{SessionID: sessionID, ConfigID: configID, Mode: mode}))
}

// HandleVoteRequest marks the commitment point.
func (h *Handler) HandleVoteRequest(ctx context.Context, sessionID, configID uint32) ResultCode {
	return h.result("HandleVoteRequest", h.c.Vote(ctx))
}

// HandleDriverResult applies the driver results of the vote or commit phase.
func (h *Handler) HandleDriverResult(ctx context.Context, phase Phase, results DriverResults) ResultCode {
	return h.result("HandleDriverResult", h.c.HandleDriverResult(ctx, phase, results))
}

// HandleGlobalCommitRequest moves the transaction into global commit.
func (h *Handler) HandleGlobalCommitRequest(ctx context.Context, sessionID, configID uint32) ResultCode {
	return h.result("HandleGlobalCommitRequest", h.c.GlobalCommit(ctx))
}

// AbortTransaction abandons the open transaction. It always succeeds.
func (h *Handler) AbortTransaction(ctx context.Context, phase Phase) ResultCode {
	h.c.Abort(ctx, phase)
	return ResultSuccess
}

// EndTransaction ends the transaction. Driver failures are reported per
// controller and do not fail the callback.
func (h *Handler) EndTransaction(ctx context.Context, req EndRequest) (ResultCode, EndReport) {
	report, err := h.c.End(ctx, req)
	return h.result("EndTransaction", err), report
}

// HandleAuditConfig replays pending candidate configuration. Only the
// candidate datastore can be audited.
func (h *Handler) HandleAuditConfig(ctx context.Context, req AuditRequest) (ResultCode, EndReport) {
	if req.Datastore != model.DatastoreCandidate {
		h.logger.Warn("audit of unsupported datastore refused", zap.Stringer("datastore", req.Datastore))
		return ResultFailure, EndReport{}
	}
	report, err := h.c.AuditReplay(ctx, req.Mode)
	return h.result("HandleAuditConfig", err), report
}

func (h *Handler) result(callback string, err error) ResultCode {
	code := ResultOf(err)
	if err != nil {
		h.logger.Debug("callback failed", zap.String("callback", callback), zap.Stringer("result", code), zap.Error(err))
	}
	return code
}
