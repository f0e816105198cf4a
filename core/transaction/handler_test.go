package transaction

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/physcoord/core/model"
)

func TestHandlerResultCodes(t *testing.T) {
	h := newHarness(t)
	hd := NewHandler(h.c)
	h.seed(t, model.DatastoreCandidate, model.ControllerRow("c1", ctrl(model.ControllerPFC, "10.0.0.1"), model.RowCreated))

	require.Equal(t, ResultSequenceError, hd.HandleVoteRequest(h.ctx, 1, 1))
	require.Equal(t, ResultSuccess, hd.StartTransaction(h.ctx, 1, 1, model.ModeGlobal))
	require.Equal(t, ResultSuccess, hd.HandleVoteRequest(h.ctx, 1, 1))
	require.Equal(t, ResultSuccess, hd.HandleDriverResult(h.ctx, PhaseVote, DriverResults{}))
	require.Equal(t, ResultSuccess, hd.HandleGlobalCommitRequest(h.ctx, 1, 1))
	require.Equal(t, ResultSuccess, hd.HandleDriverResult(h.ctx, PhaseGlobalCommit, DriverResults{}))

	code, report := hd.EndTransaction(h.ctx, EndRequest{SessionID: 1, ConfigID: 1, Mode: model.ModeGlobal, Success: true})
	require.Equal(t, ResultSuccess, code)
	require.Empty(t, report.Failed())

	require.Equal(t, ResultSuccess, hd.AbortTransaction(h.ctx, PhaseVote))
	require.Same(t, h.c, hd.Coordinator())
}

func TestHandlerAuditOnlyCandidate(t *testing.T) {
	h := newHarness(t)
	hd := NewHandler(h.c)

	code, _ := hd.HandleAuditConfig(h.ctx, AuditRequest{Datastore: model.DatastoreRunning, Mode: model.ModeGlobal})
	require.Equal(t, ResultFailure, code)

	code, report := hd.HandleAuditConfig(h.ctx, AuditRequest{Datastore: model.DatastoreCandidate, Operation: model.OpUpdate, Mode: model.ModeGlobal})
	require.Equal(t, ResultSuccess, code)
	require.Empty(t, report.Controllers)
}

func TestResultCodeNames(t *testing.T) {
	require.Equal(t, "referenced", ResultReferenced.String())
	require.Equal(t, "global_commit_wait", StateGlobalCommitWait.String())
	require.Equal(t, "global_commit", PhaseGlobalCommit.String())
}
