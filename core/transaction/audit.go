package transaction

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/physcoord/core/model"
)

// AuditReplay runs a whole synthetic transaction over whatever is pending in
// candidate. It recovers a commit interrupted by a crash or a failover:
// commit versions are blanked rather than taken from driver results. Any
// failing phase aborts the replay. A replay that cannot start, or that finds
// the state machine moved by another caller, leaves the live transaction
// untouched.
func (c *Coordinator) AuditReplay(ctx context.Context, mode model.ConfigMode) (EndReport, error) {
	id := uuid.NewString()
	logger := c.logger.With(zap.String("replay_id", id))
	logger.Info("audit replay starting", zap.Stringer("mode", mode))

	fail := func(phase Phase, err error) (EndReport, error) {
		if !errors.Is(err, ErrSequence) {
			c.Abort(ctx, phase)
		}
		logger.Error("audit replay aborted", zap.Stringer("phase", phase), zap.Error(err))
		return EndReport{}, fmt.Errorf("audit replay %s: %w", phase, err)
	}

	// Start resets on its own failures and never owns the state when it
	// reports ErrSequence.
	if err := c.Start(ctx, StartRequest{Mode: mode}); err != nil {
		logger.Error("audit replay not started", zap.Error(err))
		return EndReport{}, fmt.Errorf("audit replay %s: %w", PhaseStart, err)
	}
	if err := c.Vote(ctx); err != nil {
		return fail(PhaseVote, err)
	}
	if err := c.HandleDriverResult(ctx, PhaseVote, DriverResults{IsReplay: true}); err != nil {
		return fail(PhaseVote, err)
	}
	if err := c.GlobalCommit(ctx); err != nil {
		return fail(PhaseGlobalCommit, err)
	}
	if err := c.HandleDriverResult(ctx, PhaseGlobalCommit, DriverResults{IsReplay: true}); err != nil {
		return fail(PhaseGlobalCommit, err)
	}
	report, err := c.End(ctx, EndRequest{Mode: mode, Success: true, IsAudit: true})
	if err != nil {
		logger.Error("audit replay end failed", zap.Error(err))
		return report, fmt.Errorf("audit replay %s: %w", PhaseEnd, err)
	}
	logger.Info("audit replay finished", zap.Strings("failed_controllers", report.Failed()))
	return report, nil
}
